// ABOUTME: Routing back end over the SQLite agent_connections table
// ABOUTME: Suits single-node deployments and fleets sharing one database file

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/stream-gateway/internal/store"
)

// RouteStore is the persistence the store back end needs.
type RouteStore interface {
	UpsertAgentConnection(ctx context.Context, jobID, serverID string) error
	DeleteAgentConnection(ctx context.Context, jobID, serverID string) error
	GetAgentConnection(ctx context.Context, jobID string) (*store.AgentConnection, error)
}

// StoreService implements Service on a RouteStore.
type StoreService struct {
	routes   RouteStore
	serverID string
	logger   *slog.Logger
}

var _ Service = (*StoreService)(nil)

// NewStoreService creates a routing service recording routes for serverID.
func NewStoreService(routes RouteStore, serverID string, logger *slog.Logger) *StoreService {
	return &StoreService{
		routes:   routes,
		serverID: serverID,
		logger:   logger.With("component", "routing", "backend", BackendStore),
	}
}

func (s *StoreService) HandleClientConnected(ctx context.Context, jobID string) error {
	if err := s.routes.UpsertAgentConnection(ctx, jobID, s.serverID); err != nil {
		return fmt.Errorf("record route for job %s: %w", jobID, err)
	}
	s.logger.Debug("agent route recorded", "job_id", jobID, "server_id", s.serverID)
	return nil
}

func (s *StoreService) HandleClientDisconnected(ctx context.Context, jobID string) error {
	err := s.routes.DeleteAgentConnection(ctx, jobID, s.serverID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("agent route already owned elsewhere or gone", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove route for job %s: %w", jobID, err)
	}
	s.logger.Debug("agent route removed", "job_id", jobID, "server_id", s.serverID)
	return nil
}

func (s *StoreService) IsAgentConnectionLocal(ctx context.Context, jobID string) (bool, error) {
	host, err := s.HostnameForAgentConnection(ctx, jobID)
	if errors.Is(err, ErrNoRoute) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return host == s.serverID, nil
}

func (s *StoreService) HostnameForAgentConnection(ctx context.Context, jobID string) (string, error) {
	conn, err := s.routes.GetAgentConnection(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: job %s", ErrNoRoute, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("look up route for job %s: %w", jobID, err)
	}
	return conn.ServerID, nil
}
