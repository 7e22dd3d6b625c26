// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Job: last known status of a job, consulted before a kill is delivered
//   - AgentConnection: the server instance holding a job's live agent stream,
//     used by the SQLite routing back end
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Production: /var/lib/stream-gateway/gateway.db
//   - Development: ~/.local/share/stream-gateway/gateway.db
//   - Testing: ":memory:" or a file under t.TempDir()
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrJobNotFound: Job never recorded (matches ErrNotFound)
//   - ErrInvalidStatus: Unknown job status name
//   - ErrStatusMismatch: Job is not in the status a change expected
//
// Job errors wrap the failure kinds of package rpcerror so the HTTP layer can
// compose typed job service errors from them.
//
// All methods accept context.Context for cancellation support.
package store
