// ABOUTME: Heartbeat stream registry and gRPC HeartBeatService implementation
// ABOUTME: Sends periodic server heartbeats and drops streams whose send fails

package heartbeat

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/stream-gateway/internal/rpcstream"
	pb "github.com/2389/stream-gateway/proto/fleet"
)

// DefaultInterval is the server heartbeat period.
const DefaultInterval = 5 * time.Second

// record is one open heartbeat stream.
type record struct {
	streamID string
	jobID    atomic.Pointer[string]
	stream   pb.HeartBeatService_HeartbeatServer
	sendMu   sync.Mutex

	// claimMu orders a claim's Connected before the record's Disconnected
	claimMu sync.Mutex
	removed bool

	done      chan struct{}
	closeOnce sync.Once
}

func (rec *record) job() string {
	if p := rec.jobID.Load(); p != nil {
		return *p
	}
	return ""
}

func (rec *record) send(msg *pb.ServerHeartBeat) error {
	rec.sendMu.Lock()
	defer rec.sendMu.Unlock()
	return rec.stream.Send(msg)
}

func (rec *record) close() {
	rec.closeOnce.Do(func() { close(rec.done) })
}

// Router owns every heartbeat stream of this server.
type Router struct {
	interval time.Duration
	tracker  *Tracker
	logger   *slog.Logger

	mu       sync.RWMutex
	records  map[string]*record
	shutdown bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ pb.HeartBeatServiceServer = (*Router)(nil)

// NewRouter creates a router and starts the periodic heartbeat sender.
func NewRouter(interval time.Duration, tracker *Tracker, logger *slog.Logger) *Router {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Router{
		interval: interval,
		tracker:  tracker,
		logger:   logger.With("component", "heartbeat"),
		records:  make(map[string]*record),
		done:     make(chan struct{}),
	}
	go r.sendLoop()
	return r
}

// Heartbeat serves one agent heartbeat stream.
func (r *Router) Heartbeat(stream pb.HeartBeatService_HeartbeatServer) error {
	rec := &record{
		streamID: uuid.NewString(),
		stream:   stream,
		done:     make(chan struct{}),
	}
	if !r.add(rec) {
		return status.Error(codes.Unavailable, "server is shutting down")
	}
	defer r.remove(rec)

	r.logger.Debug("heartbeat stream opened", "stream_id", rec.streamID)
	msgs := rpcstream.Recv(stream.Context(), stream.Recv)
	for {
		select {
		case <-rec.done:
			return nil

		case res := <-msgs:
			if errors.Is(res.Err, io.EOF) {
				r.logger.Debug("heartbeat stream completed", "stream_id", rec.streamID, "job_id", rec.job())
				return nil
			}
			if res.Err != nil {
				r.logger.Debug("heartbeat stream error", "stream_id", rec.streamID, "job_id", rec.job(), "error", res.Err)
				return res.Err
			}
			r.handleHeartbeat(rec, res.Msg)
		}
	}
}

func (r *Router) handleHeartbeat(rec *record, msg *pb.AgentHeartBeat) {
	jobID := msg.GetClaimedJobId()
	if jobID == "" {
		return
	}
	rec.claimMu.Lock()
	defer rec.claimMu.Unlock()
	if rec.removed {
		return
	}
	if rec.jobID.CompareAndSwap(nil, &jobID) {
		r.tracker.Connected(rec.streamID, jobID)
		return
	}
	if bound := rec.job(); bound != jobID {
		r.logger.Warn("heartbeat claims a different job than the stream is bound to",
			"stream_id", rec.streamID,
			"job_id", bound,
			"claimed_job_id", jobID,
		)
	}
}

func (r *Router) add(rec *record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	r.records[rec.streamID] = rec
	return true
}

// remove drops rec, closes it and reports the disconnection if it had claimed
// a job. Only the call that deletes the record does anything.
func (r *Router) remove(rec *record) {
	r.mu.Lock()
	current, ok := r.records[rec.streamID]
	if ok && current == rec {
		delete(r.records, rec.streamID)
	}
	r.mu.Unlock()

	if !ok || current != rec {
		return
	}
	rec.close()

	rec.claimMu.Lock()
	rec.removed = true
	jobID := rec.job()
	rec.claimMu.Unlock()
	if jobID != "" {
		r.tracker.Disconnected(rec.streamID, jobID)
	}
}

func (r *Router) snapshot() []*record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

func (r *Router) sendLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sendHeartbeats()
		case <-r.done:
			return
		}
	}
}

// sendHeartbeats pushes a heartbeat on every stream and removes broken ones.
func (r *Router) sendHeartbeats() {
	for _, rec := range r.snapshot() {
		if err := rec.send(&pb.ServerHeartBeat{}); err != nil {
			r.logger.Warn("failed to send heartbeat, dropping stream",
				"stream_id", rec.streamID,
				"job_id", rec.job(),
				"error", err,
			)
			r.remove(rec)
		}
	}
}

// StreamCount returns the number of open heartbeat streams.
func (r *Router) StreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// ConnectedJobs returns the jobs with at least one claimed heartbeat stream.
func (r *Router) ConnectedJobs() []string {
	return r.tracker.Jobs()
}

// Shutdown stops the sender and closes every open stream, reporting each
// claimed job as disconnected. It is safe to call multiple times.
func (r *Router) Shutdown() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.shutdown = true
		r.mu.Unlock()
		close(r.done)

		recs := r.snapshot()
		for _, rec := range recs {
			r.remove(rec)
		}
		r.logger.Info("heartbeat router shut down", "closed_streams", len(recs))
	})
}
