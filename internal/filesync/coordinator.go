// ABOUTME: Push-based job file synchronization from agents to the server
// ABOUTME: Sessions apply uploads and deletes through a file service and batch their acknowledgements

package filesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/stream-gateway/internal/jobfiles"
	pb "github.com/2389/stream-gateway/proto/fleet"
)

// ErrMissingJobID is returned when a BeginSync message carries no job id.
var ErrMissingJobID = errors.New("no job id provided to sync service")

// FileService persists the files agents push.
type FileService interface {
	UpdateFile(ctx context.Context, jobID, path string, startByte int64, data []byte) error
	DeleteFile(ctx context.Context, jobID, path string) error
	DirectoryFileState(ctx context.Context, jobID string, includeChecksum bool) ([]jobfiles.FileState, error)
}

// Config holds the acknowledgement tunables.
type Config struct {
	// AckInterval is how often pending acknowledgements of every session are flushed.
	AckInterval time.Duration
	// MaxSyncMessages triggers an immediate flush once this many results are pending.
	MaxSyncMessages int
}

// DefaultConfig returns the tunables used when none are configured.
func DefaultConfig() Config {
	return Config{
		AckInterval:     30 * time.Second,
		MaxSyncMessages: 10,
	}
}

// Coordinator implements pb.JobFileSyncServiceServer.
type Coordinator struct {
	cfg    Config
	files  FileService
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	done      chan struct{}
	closeOnce sync.Once
}

var _ pb.JobFileSyncServiceServer = (*Coordinator)(nil)

// NewCoordinator creates a coordinator and starts the periodic acknowledgement flush.
func NewCoordinator(cfg Config, files FileService, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = def.AckInterval
	}
	if cfg.MaxSyncMessages <= 0 {
		cfg.MaxSyncMessages = def.MaxSyncMessages
	}

	c := &Coordinator{
		cfg:      cfg,
		files:    files,
		logger:   logger.With("component", "file_sync"),
		sessions: make(map[string]*session),
		done:     make(chan struct{}),
	}
	go c.ackLoop()
	return c
}

// Sync serves one push-sync stream.
func (c *Coordinator) Sync(stream pb.JobFileSyncService_SyncServer) error {
	s := newSession(c, stream)
	defer c.cleanup(s)

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			s.logger.Debug("sync stream error", "job_id", s.job(), "error", err)
			return err
		}
		if err := s.handle(stream.Context(), msg); err != nil {
			return err
		}
	}
}

// ActiveJobs returns the job ids with a registered sync session, sorted.
func (c *Coordinator) ActiveJobs() []string {
	c.mu.RLock()
	jobs := make([]string, 0, len(c.sessions))
	for jobID := range c.sessions {
		jobs = append(jobs, jobID)
	}
	c.mu.RUnlock()
	sort.Strings(jobs)
	return jobs
}

func (c *Coordinator) register(s *session, jobID string) {
	c.mu.Lock()
	prev, exists := c.sessions[jobID]
	c.sessions[jobID] = s
	c.mu.Unlock()

	if exists && prev != s {
		c.logger.Warn("replacing sync session for job",
			"job_id", jobID,
			"session_id", s.id,
			"previous_session_id", prev.id,
		)
	}
}

// cleanup stops tracking s. Only the first call has any effect, and the
// registry entry is removed only if it still belongs to s.
func (c *Coordinator) cleanup(s *session) {
	if !s.cleanedUp.CompareAndSwap(false, true) {
		return
	}
	jobID := s.job()
	if jobID == "" {
		return
	}

	c.mu.Lock()
	removed := false
	if current, ok := c.sessions[jobID]; ok && current == s {
		delete(c.sessions, jobID)
		removed = true
	}
	c.mu.Unlock()

	s.logger.Debug("sync session cleaned up", "job_id", jobID, "removed", removed)
}

func (c *Coordinator) ackLoop() {
	ticker := time.NewTicker(c.cfg.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flushAll()
		case <-c.done:
			return
		}
	}
}

// flushAll sends pending acknowledgements of every registered session.
func (c *Coordinator) flushAll() {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	for _, s := range sessions {
		if err := s.flushAcks(); err != nil {
			s.logger.Warn("failed to send sync acknowledgement", "job_id", s.job(), "error", err)
		}
	}
}

// Close stops the periodic flush. It is safe to call multiple times.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// reconcile compares the agent's final directory state with the server's and
// returns the paths that differ.
func reconcile(agent *pb.JobDirectoryState, server []jobfiles.FileState) []string {
	withChecksum := agent.GetIncludesChecksum()
	serverByPath := make(map[string]jobfiles.FileState, len(server))
	for _, st := range server {
		serverByPath[st.Path] = st
	}

	var diff []string
	seen := make(map[string]bool, len(agent.GetFiles()))
	for _, f := range agent.GetFiles() {
		seen[f.Path] = true
		st, ok := serverByPath[f.Path]
		switch {
		case !ok:
			diff = append(diff, f.Path)
		case st.Size != f.Size:
			diff = append(diff, f.Path)
		case withChecksum && st.Checksum != f.Checksum:
			diff = append(diff, f.Path)
		}
	}
	for _, st := range server {
		if !seen[st.Path] {
			diff = append(diff, st.Path)
		}
	}
	sort.Strings(diff)
	return diff
}

func toDirectoryState(states []jobfiles.FileState, includeChecksum bool) *pb.JobDirectoryState {
	files := make([]*pb.JobFileState, 0, len(states))
	for _, st := range states {
		f := &pb.JobFileState{Path: st.Path, Size: st.Size}
		if includeChecksum {
			f.Checksum = st.Checksum
		}
		files = append(files, f)
	}
	return &pb.JobDirectoryState{IncludesChecksum: includeChecksum, Files: files}
}

func missingJobID() error {
	return status.Error(codes.InvalidArgument, ErrMissingJobID.Error())
}

func directoryStateError(jobID string, err error) error {
	return status.Error(codes.Unavailable, fmt.Sprintf("read directory state of job %s: %v", jobID, err))
}
