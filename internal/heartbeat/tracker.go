// ABOUTME: Tracks which heartbeat streams hold a claimed job and notifies fleet routing
// ABOUTME: Routing hears "connected" for a job's first stream and "disconnected" after its last

package heartbeat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Notifier is the fleet routing collaborator.
type Notifier interface {
	HandleClientConnected(ctx context.Context, jobID string) error
	HandleClientDisconnected(ctx context.Context, jobID string) error
}

const notifyTimeout = 5 * time.Second

// jobEntry is the tracker state of one job. Its mu is held across the job's
// routing notifications so routing sees that job's events in order.
type jobEntry struct {
	mu sync.Mutex

	// guarded by Tracker.mu
	refs    int
	streams map[string]struct{}
}

// Tracker keeps the set of stream ids connected for each job.
type Tracker struct {
	mu      sync.Mutex
	jobs    map[string]*jobEntry
	routing Notifier
	logger  *slog.Logger
}

// NewTracker creates a tracker reporting to routing.
func NewTracker(routing Notifier, logger *slog.Logger) *Tracker {
	return &Tracker{
		jobs:    make(map[string]*jobEntry),
		routing: routing,
		logger:  logger.With("component", "connection_tracker"),
	}
}

// acquire returns jobID's entry with its mu held. Calls for other jobs never
// wait on it.
func (t *Tracker) acquire(jobID string) *jobEntry {
	t.mu.Lock()
	e, ok := t.jobs[jobID]
	if !ok {
		e = &jobEntry{streams: make(map[string]struct{})}
		t.jobs[jobID] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return e
}

func (t *Tracker) release(jobID string, e *jobEntry) {
	e.mu.Unlock()

	t.mu.Lock()
	e.refs--
	if e.refs == 0 && len(e.streams) == 0 {
		delete(t.jobs, jobID)
	}
	t.mu.Unlock()
}

// Connected records streamID as serving jobID.
func (t *Tracker) Connected(streamID, jobID string) {
	e := t.acquire(jobID)
	defer t.release(jobID, e)

	t.mu.Lock()
	_, dup := e.streams[streamID]
	if !dup {
		e.streams[streamID] = struct{}{}
	}
	n := len(e.streams)
	t.mu.Unlock()
	if dup {
		return
	}

	t.logger.Info("agent connected", "job_id", jobID, "stream_id", streamID, "streams", n)
	if n == 1 {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := t.routing.HandleClientConnected(ctx, jobID); err != nil {
			t.logger.Error("failed to record agent connection", "job_id", jobID, "error", err)
		}
	}
}

// Disconnected removes streamID from jobID.
func (t *Tracker) Disconnected(streamID, jobID string) {
	e := t.acquire(jobID)
	defer t.release(jobID, e)

	t.mu.Lock()
	_, ok := e.streams[streamID]
	delete(e.streams, streamID)
	n := len(e.streams)
	t.mu.Unlock()
	if !ok {
		return
	}

	t.logger.Info("agent disconnected", "job_id", jobID, "stream_id", streamID, "streams", n)
	if n == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := t.routing.HandleClientDisconnected(ctx, jobID); err != nil {
			t.logger.Error("failed to record agent disconnection", "job_id", jobID, "error", err)
		}
	}
}

// Jobs returns the connected job ids, sorted.
func (t *Tracker) Jobs() []string {
	t.mu.Lock()
	jobs := make([]string, 0, len(t.jobs))
	for jobID, e := range t.jobs {
		if len(e.streams) > 0 {
			jobs = append(jobs, jobID)
		}
	}
	t.mu.Unlock()
	sort.Strings(jobs)
	return jobs
}

// IsConnected reports whether any stream serves jobID.
func (t *Tracker) IsConnected(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[jobID]
	return ok && len(e.streams) > 0
}
