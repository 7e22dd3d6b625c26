// ABOUTME: Fleet routing collaborator contract shared by the routing back ends
// ABOUTME: Records which server instance holds the live agent connection of a job

package routing

import (
	"context"
	"errors"
)

// ErrNoRoute is returned when no server holds the agent connection of a job.
var ErrNoRoute = errors.New("no server holds the agent connection")

// Service tracks agent connections across the fleet.
type Service interface {
	HandleClientConnected(ctx context.Context, jobID string) error
	HandleClientDisconnected(ctx context.Context, jobID string) error
	IsAgentConnectionLocal(ctx context.Context, jobID string) (bool, error)
	HostnameForAgentConnection(ctx context.Context, jobID string) (string, error)
}

// Backends names the supported routing back ends.
const (
	BackendStore = "store"
	BackendRedis = "redis"
)
