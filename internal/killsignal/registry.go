// ABOUTME: One-shot kill registrations keyed by job id and the gRPC JobKillService
// ABOUTME: A registration is removed before delivery so each kill reaches an agent at most once

package killsignal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/2389/stream-gateway/proto/fleet"
)

// ErrNoResponderFound is returned by KillJob when no agent is registered for the job.
var ErrNoResponderFound = errors.New("no agent registered for kill notification")

// StatusLookup reports whether a job already reached a final status.
type StatusLookup interface {
	IsJobFinished(ctx context.Context, jobID string) (bool, error)
}

// Registration is a parked kill notification for one job.
type Registration struct {
	jobID    string
	reasons  chan string
	released chan struct{}
	once     sync.Once
}

func newRegistration(jobID string) *Registration {
	return &Registration{
		jobID:    jobID,
		reasons:  make(chan string, 1),
		released: make(chan struct{}),
	}
}

// JobID returns the job the registration belongs to.
func (reg *Registration) JobID() string { return reg.jobID }

// Reasons yields the kill reason once, then is closed.
func (reg *Registration) Reasons() <-chan string { return reg.reasons }

// Released is closed when the registration ends without a kill.
func (reg *Registration) Released() <-chan struct{} { return reg.released }

func (reg *Registration) deliver(reason string) {
	reg.once.Do(func() {
		reg.reasons <- reason
		close(reg.reasons)
	})
}

func (reg *Registration) release() {
	reg.once.Do(func() { close(reg.released) })
}

// Registry holds at most one registration per job.
type Registry struct {
	status StatusLookup
	logger *slog.Logger

	mu   sync.Mutex
	regs map[string]*Registration
}

var _ pb.JobKillServiceServer = (*Registry)(nil)

// NewRegistry creates an empty registry. status may be nil.
func NewRegistry(status StatusLookup, logger *slog.Logger) *Registry {
	return &Registry{
		status: status,
		logger: logger.With("component", "kill_signal"),
		regs:   make(map[string]*Registration),
	}
}

// Register parks a kill notification for jobID. A previous registration for
// the same job is released.
func (r *Registry) Register(jobID string) *Registration {
	reg := newRegistration(jobID)

	r.mu.Lock()
	prev, exists := r.regs[jobID]
	r.regs[jobID] = reg
	r.mu.Unlock()

	if exists {
		r.logger.Warn("replacing kill registration for job", "job_id", jobID)
		prev.release()
	} else {
		r.logger.Debug("registered for kill notification", "job_id", jobID)
	}
	return reg
}

// Unregister removes reg if it is still the current registration for its job.
func (r *Registry) Unregister(reg *Registration) bool {
	r.mu.Lock()
	current, ok := r.regs[reg.jobID]
	removed := ok && current == reg
	if removed {
		delete(r.regs, reg.jobID)
	}
	r.mu.Unlock()

	if removed {
		reg.release()
	}
	return removed
}

// KillJob delivers a kill to the agent registered for jobID. Nothing is sent
// when the job has already finished.
func (r *Registry) KillJob(ctx context.Context, jobID, reason string) error {
	r.mu.Lock()
	reg, ok := r.regs[jobID]
	if ok {
		delete(r.regs, jobID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: job %s", ErrNoResponderFound, jobID)
	}

	if r.status != nil {
		finished, err := r.status.IsJobFinished(ctx, jobID)
		switch {
		case err != nil:
			r.logger.Error("failed to look up job status before kill", "job_id", jobID, "error", err)
		case finished:
			r.logger.Info("job already finished, not sending kill", "job_id", jobID)
			reg.release()
			return nil
		}
	}

	r.logger.Info("sending kill to agent", "job_id", jobID, "reason", reason)
	reg.deliver(reason)
	return nil
}

// Registered returns the job ids with a parked registration, sorted.
func (r *Registry) Registered() []string {
	r.mu.Lock()
	jobs := make([]string, 0, len(r.regs))
	for jobID := range r.regs {
		jobs = append(jobs, jobID)
	}
	r.mu.Unlock()
	sort.Strings(jobs)
	return jobs
}

// Close releases every parked registration.
func (r *Registry) Close() {
	r.mu.Lock()
	regs := r.regs
	r.regs = make(map[string]*Registration)
	r.mu.Unlock()

	for _, reg := range regs {
		reg.release()
	}
}

// RegisterForKillNotification parks the stream until the job is killed, the
// registration is replaced or the agent goes away.
func (r *Registry) RegisterForKillNotification(req *pb.JobKillRegistrationRequest, stream pb.JobKillService_RegisterForKillNotificationServer) error {
	jobID := req.GetJobId()
	if jobID == "" {
		return status.Error(codes.InvalidArgument, "job id is required")
	}

	reg := r.Register(jobID)
	ctx := stream.Context()

	select {
	case reason, ok := <-reg.Reasons():
		if !ok {
			return nil
		}
		if err := stream.Send(&pb.JobKillRegistrationResponse{Reason: reason}); err != nil {
			r.logger.Warn("failed to deliver kill to agent", "job_id", jobID, "error", err)
			return err
		}
		return nil

	case <-reg.Released():
		return nil

	case <-ctx.Done():
		if r.Unregister(reg) {
			r.logger.Debug("kill registration cancelled by agent", "job_id", jobID)
		}
		return status.FromContextError(ctx.Err()).Err()
	}
}
