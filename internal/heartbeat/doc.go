// Package heartbeat keeps agent heartbeat streams alive and tracks which jobs
// have a live agent connected to this server.
//
// Each stream binds to the first non-empty job id it claims. The tracker
// reports a job as connected to the routing collaborator when its first
// stream binds and as disconnected when its last stream goes away.
package heartbeat
