// Package gateway orchestrates the stream-gateway server components.
//
// # Overview
//
// The gateway package owns every long-lived component: the SQLite store, the
// fleet routing back end, the agent stream coordinators, the gRPC server
// agents connect to and the HTTP API clients read job files from.
//
// # gRPC Services
//
// Agents running jobs hold these streams open for the job's lifetime:
//
//	service FileStreamService {
//	    rpc Sync(stream AgentManifestMessage) returns (stream ServerControlMessage);
//	    rpc Transmit(stream AgentFileMessage) returns (stream ServerAckMessage);
//	}
//	service JobFileSyncService {
//	    rpc Sync(stream SyncRequest) returns (stream SyncResponse);
//	}
//	service HeartBeatService {
//	    rpc Heartbeat(stream AgentHeartBeat) returns (stream ServerHeartBeat);
//	}
//	service JobKillService {
//	    rpc RegisterForKillNotification(JobKillRegistrationRequest) returns (stream JobKillRegistrationResponse);
//	}
//
// Messages are CBOR encoded (content-subtype "cbor"). The standard gRPC health
// service is registered alongside.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /api/jobs/:id/manifest - Latest manifest pushed by the job's agent
//   - GET /api/jobs/:id/files/*path - File contents, streamed from the agent (Range aware)
//   - POST /api/jobs/:id/kill - Deliver a kill notification to the agent
//   - GET /api/jobs/:id/status - Last recorded job status
//   - PUT /api/jobs/:id/status - Record a job status
//   - GET /api/agents - Jobs with live streams on this server
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// Requests for a job whose agent is connected to another server answer 421
// Misdirected Request with that server's id.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run calls Shutdown before returning. Shutdown releases parked heartbeat and
// kill streams before stopping the gRPC server so GracefulStop can finish.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers
//   - grpc.go: gRPC server options and service registration
package gateway
