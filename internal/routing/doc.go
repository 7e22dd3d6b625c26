// Package routing records which gateway instance holds each job's live agent
// connection so requests for a job can be sent to the right server.
//
// StoreService keeps routes in the SQLite agent_connections table.
// RedisService keeps them as expiring keys that each server refreshes for the
// jobs it holds, and removes them on disconnect only while they still name
// that server.
package routing
