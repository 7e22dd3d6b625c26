// ABOUTME: Per-stream sync session state machine: waiting for begin, syncing, completed
// ABOUTME: Sends at most one reset per session and keeps pending results in arrival order

package filesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	pb "github.com/2389/stream-gateway/proto/fleet"
)

type sessionState int32

const (
	stateWaitingForBegin sessionState = iota
	stateSyncing
	stateCompleted
)

func (s sessionState) String() string {
	switch s {
	case stateWaitingForBegin:
		return "waiting_for_begin"
	case stateSyncing:
		return "syncing"
	case stateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

type session struct {
	id     string
	coord  *Coordinator
	stream pb.JobFileSyncService_SyncServer
	logger *slog.Logger

	jobID     atomic.Pointer[string]
	state     atomic.Int32
	sentReset atomic.Bool
	cleanedUp atomic.Bool

	// resultsMu is held across the send of a flush so batches leave in order.
	resultsMu sync.Mutex
	results   []*pb.SyncRequestResult

	sendMu sync.Mutex
}

func newSession(c *Coordinator, stream pb.JobFileSyncService_SyncServer) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		coord:  c,
		stream: stream,
		logger: c.logger.With("session_id", id),
	}
}

func (s *session) job() string {
	if p := s.jobID.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *session) current() sessionState {
	return sessionState(s.state.Load())
}

func (s *session) send(resp *pb.SyncResponse) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(resp)
}

// handle dispatches one inbound message. A returned error ends the stream.
func (s *session) handle(ctx context.Context, msg *pb.SyncRequest) error {
	switch {
	case msg.GetBeginSync() != nil:
		return s.handleBeginSync(ctx, msg.GetBeginSync())
	case msg.GetDataUpload() != nil:
		return s.handleDataUpload(ctx, msg.GetDataUpload())
	case msg.GetDeleteFile() != nil:
		return s.handleDeleteFile(ctx, msg.GetDeleteFile())
	case msg.GetSyncComplete() != nil:
		return s.handleSyncComplete(ctx, msg.GetSyncComplete())
	default:
		s.logger.Error("received unknown sync message type", "job_id", s.job())
		return nil
	}
}

// acceptsMutations reports whether uploads may be applied. While waiting for
// BeginSync the message is dropped and a single reset is sent.
func (s *session) acceptsMutations(kind, id string) (bool, error) {
	switch s.current() {
	case stateSyncing:
		return true, nil
	case stateCompleted:
		s.logger.Warn("ignoring message after sync complete", "job_id", s.job(), "kind", kind, "id", id)
		return false, nil
	}

	s.logger.Debug("ignoring message before begin sync", "kind", kind, "id", id)
	if s.sentReset.CompareAndSwap(false, true) {
		s.logger.Debug("sending sync reset to agent")
		if err := s.send(&pb.SyncResponse{Reset: &pb.ResetSync{}}); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *session) handleBeginSync(ctx context.Context, begin *pb.BeginSync) error {
	if s.current() != stateWaitingForBegin {
		s.logger.Warn("received begin sync after one had already been received", "job_id", s.job())
		return nil
	}

	jobID := begin.GetJobId()
	if jobID == "" {
		s.logger.Warn("begin sync without job id")
		return missingJobID()
	}
	if !s.jobID.CompareAndSwap(nil, &jobID) {
		if bound := s.job(); bound != jobID {
			return fmt.Errorf("session bound to job %q received begin sync for job %q", bound, jobID)
		}
	}
	s.coord.register(s, jobID)

	states, err := s.coord.files.DirectoryFileState(ctx, jobID, false)
	if err != nil {
		s.logger.Error("failed to read server directory state", "job_id", jobID, "error", err)
		return directoryStateError(jobID, err)
	}

	s.state.Store(int32(stateSyncing))
	s.logger.Debug("beginning job file sync", "job_id", jobID, "server_files", len(states))
	return s.send(&pb.SyncResponse{
		BeginAck: &pb.BeginAcknowledgement{ServerDirectoryState: toDirectoryState(states, false)},
	})
}

func (s *session) handleDataUpload(ctx context.Context, up *pb.DataUpload) error {
	ok, err := s.acceptsMutations("data_upload", up.Id)
	if !ok || err != nil {
		return err
	}

	jobID := s.job()
	applyErr := s.apply(func() error {
		return s.coord.files.UpdateFile(ctx, jobID, up.Path, up.StartByte, up.Data)
	})
	if applyErr != nil {
		s.logger.Error("unable to save uploaded data",
			"job_id", jobID,
			"id", up.Id,
			"path", up.Path,
			"error", applyErr,
		)
	}
	return s.record(up.Id, applyErr == nil)
}

func (s *session) handleDeleteFile(ctx context.Context, del *pb.DeleteFile) error {
	ok, err := s.acceptsMutations("delete_file", del.Id)
	if !ok || err != nil {
		return err
	}

	jobID := s.job()
	applyErr := s.apply(func() error {
		return s.coord.files.DeleteFile(ctx, jobID, del.Path)
	})
	if applyErr != nil {
		s.logger.Error("unable to delete file",
			"job_id", jobID,
			"id", del.Id,
			"path", del.Path,
			"error", applyErr,
		)
	}
	return s.record(del.Id, applyErr == nil)
}

func (s *session) handleSyncComplete(ctx context.Context, done *pb.SyncComplete) error {
	ok, err := s.acceptsMutations("sync_complete", "")
	if !ok || err != nil {
		return err
	}

	jobID := s.job()
	if err := s.flushAcks(); err != nil {
		return err
	}
	s.state.Store(int32(stateCompleted))
	s.coord.cleanup(s)
	s.logger.Debug("job file sync complete", "job_id", jobID)

	agentState := done.GetFinalAgentDirectoryState()
	serverStates, err := s.coord.files.DirectoryFileState(ctx, jobID, agentState.GetIncludesChecksum())
	if err != nil {
		s.logger.Error("failed to read server directory state for reconciliation", "job_id", jobID, "error", err)
		return nil
	}
	if diff := reconcile(agentState, serverStates); len(diff) > 0 {
		// TODO: restore the server copy from long term storage once an archive service exists.
		s.logger.Warn("server job directory differs from agent after sync",
			"job_id", jobID,
			"agent_files", len(agentState.GetFiles()),
			"server_files", len(serverStates),
			"mismatched_paths", diff,
		)
	}
	return nil
}

// apply runs a file service call, turning a panic into an error.
func (s *session) apply(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("file service panic: %v", r)
		}
	}()
	return fn()
}

// record appends a result and flushes once the batch is full.
func (s *session) record(id string, ok bool) error {
	s.resultsMu.Lock()
	s.results = append(s.results, &pb.SyncRequestResult{Id: id, Successful: ok})
	full := len(s.results) >= s.coord.cfg.MaxSyncMessages
	s.resultsMu.Unlock()

	if full {
		return s.flushAcks()
	}
	return nil
}

// flushAcks sends every pending result in arrival order, if there are any.
func (s *session) flushAcks() error {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	if len(s.results) == 0 {
		return nil
	}
	results := s.results
	s.results = nil

	s.logger.Debug("sending sync acknowledgement", "job_id", s.job(), "results", len(results))
	return s.send(&pb.SyncResponse{SyncAck: &pb.SyncAcknowledgement{Results: results}})
}
