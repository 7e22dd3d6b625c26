// ABOUTME: Tests for the push-sync coordinator and its session state machine
// ABOUTME: Uses a recording fake file service and fake gRPC streams

package filesync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/stream-gateway/internal/jobfiles"
	"github.com/2389/stream-gateway/internal/rpcstream/rpcstreamtest"
	pb "github.com/2389/stream-gateway/proto/fleet"
)

type syncFake = rpcstreamtest.ServerStream[pb.SyncRequest, pb.SyncResponse]

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFiles records calls and serves a fixed directory state.
type fakeFiles struct {
	mu        sync.Mutex
	updates   []string
	deletes   []string
	state     []jobfiles.FileState
	failPaths map[string]error
	panicPath string
	stateErr  error
}

func (f *fakeFiles) UpdateFile(_ context.Context, jobID, path string, _ int64, _ []byte) error {
	if path == f.panicPath && path != "" {
		panic("disk on fire")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPaths[path]; err != nil {
		return err
	}
	f.updates = append(f.updates, jobID+"/"+path)
	return nil
}

func (f *fakeFiles) DeleteFile(_ context.Context, jobID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPaths[path]; err != nil {
		return err
	}
	f.deletes = append(f.deletes, jobID+"/"+path)
	return nil
}

func (f *fakeFiles) DirectoryFileState(_ context.Context, _ string, _ bool) ([]jobfiles.FileState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.stateErr
}

func newTestCoordinator(t *testing.T, cfg Config, files FileService) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, files, testLogger())
	t.Cleanup(c.Close)
	return c
}

func startSync(t *testing.T, c *Coordinator) (*syncFake, <-chan error) {
	t.Helper()
	stream := rpcstreamtest.NewServerStream[pb.SyncRequest, pb.SyncResponse](context.Background())
	t.Cleanup(stream.Cancel)
	done := make(chan error, 1)
	go func() { done <- c.Sync(stream) }()
	return stream, done
}

func upload(id string) *pb.SyncRequest {
	return &pb.SyncRequest{DataUpload: &pb.DataUpload{Id: id, Path: "file-" + id, Data: []byte("x")}}
}

func begin(jobID string) *pb.SyncRequest {
	return &pb.SyncRequest{BeginSync: &pb.BeginSync{JobId: jobID}}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("sync handler did not return")
		return nil
	}
}

func countKinds(sent []*pb.SyncResponse) (begins, acks, resets int) {
	for _, r := range sent {
		switch {
		case r.GetBeginAck() != nil:
			begins++
		case r.GetSyncAck() != nil:
			acks++
		case r.GetReset() != nil:
			resets++
		}
	}
	return
}

func TestSync_ResetSentExactlyOnce(t *testing.T) {
	c := newTestCoordinator(t, Config{AckInterval: time.Hour}, &fakeFiles{})
	stream, done := startSync(t, c)

	for i := 0; i < 5; i++ {
		stream.Push(upload(strconv.Itoa(i)))
	}
	stream.Push(&pb.SyncRequest{DeleteFile: &pb.DeleteFile{Id: "d", Path: "x"}})
	stream.Push(&pb.SyncRequest{SyncComplete: &pb.SyncComplete{}})
	stream.CloseSend()
	require.NoError(t, waitDone(t, done))

	_, acks, resets := countKinds(stream.Sent())
	assert.Equal(t, 1, resets)
	assert.Zero(t, acks)
}

func TestSync_BeginReturnsServerState(t *testing.T) {
	files := &fakeFiles{state: []jobfiles.FileState{{Path: "out.log", Size: 12, Checksum: "abc"}}}
	c := newTestCoordinator(t, Config{AckInterval: time.Hour}, files)
	stream, done := startSync(t, c)

	stream.Push(begin("j1"))
	require.Eventually(t, func() bool { return len(stream.Sent()) == 1 }, time.Second, time.Millisecond)

	ack := stream.Sent()[0].GetBeginAck()
	require.NotNil(t, ack)
	require.Len(t, ack.ServerDirectoryState.Files, 1)
	assert.Equal(t, "out.log", ack.ServerDirectoryState.Files[0].Path)
	assert.Equal(t, int64(12), ack.ServerDirectoryState.Files[0].Size)
	assert.Empty(t, ack.ServerDirectoryState.Files[0].Checksum)
	assert.Equal(t, []string{"j1"}, c.ActiveJobs())

	// A second BeginSync is ignored.
	stream.Push(begin("j1"))
	stream.CloseSend()
	require.NoError(t, waitDone(t, done))

	begins, _, _ := countKinds(stream.Sent())
	assert.Equal(t, 1, begins)
	assert.Empty(t, c.ActiveJobs(), "session is removed when its stream ends")
}

func TestSync_ResetThenBegin(t *testing.T) {
	files := &fakeFiles{}
	c := newTestCoordinator(t, Config{AckInterval: time.Hour, MaxSyncMessages: 1}, files)
	stream, done := startSync(t, c)

	stream.Push(upload("early"))
	stream.Push(begin("j1"))
	stream.Push(upload("late"))
	stream.CloseSend()
	require.NoError(t, waitDone(t, done))

	sent := stream.Sent()
	require.Len(t, sent, 3)
	assert.NotNil(t, sent[0].GetReset())
	assert.NotNil(t, sent[1].GetBeginAck())
	require.NotNil(t, sent[2].GetSyncAck())
	assert.Equal(t, "late", sent[2].GetSyncAck().Results[0].Id)
	assert.Equal(t, []string{"j1/file-late"}, files.updates)
}

func TestSync_BlankJobID(t *testing.T) {
	c := newTestCoordinator(t, Config{}, &fakeFiles{})
	stream, done := startSync(t, c)

	stream.Push(begin(""))
	err := waitDone(t, done)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Empty(t, c.ActiveJobs())
}

func TestSync_DirectoryStateFailure(t *testing.T) {
	c := newTestCoordinator(t, Config{}, &fakeFiles{stateErr: errors.New("disk gone")})
	stream, done := startSync(t, c)

	stream.Push(begin("j1"))
	err := waitDone(t, done)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Empty(t, c.ActiveJobs())
}

func TestSync_BatchAckAtMaxMessages(t *testing.T) {
	c := newTestCoordinator(t, Config{AckInterval: time.Hour, MaxSyncMessages: 3}, &fakeFiles{})
	stream, _ := startSync(t, c)

	stream.Push(begin("j1"))
	for _, id := range []string{"a", "b", "c", "d"} {
		stream.Push(upload(id))
	}

	require.Eventually(t, func() bool {
		_, acks, _ := countKinds(stream.Sent())
		return acks == 1
	}, time.Second, time.Millisecond)

	var ack *pb.SyncAcknowledgement
	for _, r := range stream.Sent() {
		if r.GetSyncAck() != nil {
			ack = r.GetSyncAck()
		}
	}
	require.Len(t, ack.Results, 3)
	assert.Equal(t, "a", ack.Results[0].Id)
	assert.Equal(t, "b", ack.Results[1].Id)
	assert.Equal(t, "c", ack.Results[2].Id)
	for _, r := range ack.Results {
		assert.True(t, r.Successful)
	}
}

func pendingResults(c *Coordinator, jobID string) int {
	c.mu.RLock()
	s, ok := c.sessions[jobID]
	c.mu.RUnlock()
	if !ok {
		return -1
	}
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	return len(s.results)
}

func TestSync_PeriodicFlushSendsOneAckPerInterval(t *testing.T) {
	c := newTestCoordinator(t, Config{AckInterval: time.Hour, MaxSyncMessages: 10}, &fakeFiles{})
	stream, _ := startSync(t, c)

	stream.Push(begin("j1"))
	stream.Push(upload("a"))
	stream.Push(upload("b"))
	require.Eventually(t, func() bool { return pendingResults(c, "j1") == 2 }, time.Second, time.Millisecond)

	c.flushAll()
	c.flushAll()

	_, acks, _ := countKinds(stream.Sent())
	require.Equal(t, 1, acks, "an empty pending list sends nothing")

	results := stream.Sent()[1].GetSyncAck().GetResults()
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Id)
	assert.Equal(t, "b", results[1].Id)
}

func TestSync_BackgroundFlush(t *testing.T) {
	c := newTestCoordinator(t, Config{AckInterval: 20 * time.Millisecond}, &fakeFiles{})
	stream, _ := startSync(t, c)

	stream.Push(begin("j1"))
	stream.Push(upload("a"))

	require.Eventually(t, func() bool {
		_, acks, _ := countKinds(stream.Sent())
		return acks == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSync_CollaboratorFailuresBecomeUnsuccessful(t *testing.T) {
	files := &fakeFiles{
		failPaths: map[string]error{"file-bad": errors.New("no space"), "gone": errors.New("io error")},
		panicPath: "file-boom",
	}
	c := newTestCoordinator(t, Config{AckInterval: time.Hour, MaxSyncMessages: 4}, files)
	stream, done := startSync(t, c)

	stream.Push(begin("j1"))
	stream.Push(upload("ok"))
	stream.Push(upload("bad"))
	stream.Push(upload("boom"))
	stream.Push(&pb.SyncRequest{DeleteFile: &pb.DeleteFile{Id: "del", Path: "gone"}})
	stream.CloseSend()
	require.NoError(t, waitDone(t, done))

	var ack *pb.SyncAcknowledgement
	for _, r := range stream.Sent() {
		if r.GetSyncAck() != nil {
			ack = r.GetSyncAck()
		}
	}
	require.NotNil(t, ack)
	require.Len(t, ack.Results, 4)
	assert.True(t, ack.Results[0].Successful)
	assert.False(t, ack.Results[1].Successful)
	assert.False(t, ack.Results[2].Successful, "panics are reported as failures")
	assert.False(t, ack.Results[3].Successful)
}

func TestSync_CompleteFlushesAndReconciles(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	files := &fakeFiles{state: []jobfiles.FileState{{Path: "a", Size: 1}, {Path: "extra", Size: 3}}}

	c := NewCoordinator(Config{AckInterval: time.Hour}, files, logger)
	t.Cleanup(c.Close)
	stream, done := startSync(t, c)

	stream.Push(begin("j1"))
	stream.Push(upload("1"))
	stream.Push(&pb.SyncRequest{SyncComplete: &pb.SyncComplete{
		FinalAgentDirectoryState: &pb.JobDirectoryState{Files: []*pb.JobFileState{{Path: "a", Size: 1}}},
	}})
	require.Eventually(t, func() bool {
		_, acks, _ := countKinds(stream.Sent())
		return acks == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(c.ActiveJobs()) == 0 }, time.Second, time.Millisecond)

	stream.Push(upload("after"))
	stream.CloseSend()
	require.NoError(t, waitDone(t, done))

	_, acks, resets := countKinds(stream.Sent())
	assert.Equal(t, 1, acks, "messages after completion are dropped")
	assert.Zero(t, resets)
	assert.Contains(t, logs.String(), "server job directory differs from agent after sync")
	assert.Contains(t, logs.String(), "extra")
}

func TestSync_StreamErrorCleansUp(t *testing.T) {
	c := newTestCoordinator(t, Config{AckInterval: time.Hour}, &fakeFiles{})
	stream, done := startSync(t, c)

	stream.Push(begin("j1"))
	require.Eventually(t, func() bool { return len(c.ActiveJobs()) == 1 }, time.Second, time.Millisecond)

	broken := errors.New("connection reset")
	stream.Fail(broken)
	assert.ErrorIs(t, waitDone(t, done), broken)
	assert.Empty(t, c.ActiveJobs())
}

func TestSync_ReplacedSessionKeepsNewRegistration(t *testing.T) {
	c := newTestCoordinator(t, Config{AckInterval: time.Hour}, &fakeFiles{})

	first, firstDone := startSync(t, c)
	first.Push(begin("j1"))
	require.Eventually(t, func() bool { return len(first.Sent()) == 1 }, time.Second, time.Millisecond)

	second, secondDone := startSync(t, c)
	second.Push(begin("j1"))
	require.Eventually(t, func() bool { return len(second.Sent()) == 1 }, time.Second, time.Millisecond)

	first.CloseSend()
	require.NoError(t, waitDone(t, firstDone))
	assert.Equal(t, []string{"j1"}, c.ActiveJobs())

	second.CloseSend()
	require.NoError(t, waitDone(t, secondDone))
	assert.Empty(t, c.ActiveJobs())
}

func TestCleanup_Idempotent(t *testing.T) {
	c := newTestCoordinator(t, Config{}, &fakeFiles{})
	stream := rpcstreamtest.NewServerStream[pb.SyncRequest, pb.SyncResponse](context.Background())
	s := newSession(c, stream)
	jobID := "j1"
	s.jobID.Store(&jobID)
	c.register(s, jobID)

	c.cleanup(s)
	c.cleanup(s)
	assert.Empty(t, c.ActiveJobs())
}

func TestReconcile(t *testing.T) {
	server := []jobfiles.FileState{
		{Path: "same", Size: 1, Checksum: "x"},
		{Path: "size", Size: 2},
		{Path: "sum", Size: 3, Checksum: "server"},
		{Path: "server-only", Size: 4},
	}
	agent := &pb.JobDirectoryState{
		IncludesChecksum: true,
		Files: []*pb.JobFileState{
			{Path: "same", Size: 1, Checksum: "x"},
			{Path: "size", Size: 20},
			{Path: "sum", Size: 3, Checksum: "agent"},
			{Path: "agent-only", Size: 5},
		},
	}
	assert.Equal(t, []string{"agent-only", "server-only", "size", "sum"}, reconcile(agent, server))

	agent.IncludesChecksum = false
	assert.Equal(t, []string{"agent-only", "server-only", "size"}, reconcile(agent, server))
}
