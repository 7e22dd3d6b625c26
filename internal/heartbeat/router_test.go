// ABOUTME: Tests for the heartbeat router and connection tracker
// ABOUTME: Uses fake gRPC streams and a recording routing notifier

package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/stream-gateway/internal/rpcstream/rpcstreamtest"
	pb "github.com/2389/stream-gateway/proto/fleet"
)

type heartbeatFake = rpcstreamtest.ServerStream[pb.AgentHeartBeat, pb.ServerHeartBeat]

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier remembers every routing event in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (n *recordingNotifier) HandleClientConnected(_ context.Context, jobID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "connected:"+jobID)
	return n.err
}

func (n *recordingNotifier) HandleClientDisconnected(_ context.Context, jobID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "disconnected:"+jobID)
	return n.err
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func newTestRouter(t *testing.T, interval time.Duration) (*Router, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	r := NewRouter(interval, NewTracker(n, testLogger()), testLogger())
	t.Cleanup(r.Shutdown)
	return r, n
}

func serve(t *testing.T, r *Router) (*heartbeatFake, <-chan error) {
	t.Helper()
	stream := rpcstreamtest.NewServerStream[pb.AgentHeartBeat, pb.ServerHeartBeat](context.Background())
	t.Cleanup(stream.Cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Heartbeat(stream) }()
	require.Eventually(t, func() bool { return r.StreamCount() > 0 }, time.Second, 5*time.Millisecond)
	return stream, errCh
}

func trackedStreams(r *Router, jobID string) int {
	r.tracker.mu.Lock()
	defer r.tracker.mu.Unlock()
	if e, ok := r.tracker.jobs[jobID]; ok {
		return len(e.streams)
	}
	return 0
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat handler did not return")
		return nil
	}
}

func TestHeartbeat_RepeatedClaimNotifiesOnce(t *testing.T) {
	r, n := newTestRouter(t, time.Hour)
	stream, errCh := serve(t, r)

	stream.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-1"})
	stream.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-1"})
	require.Eventually(t, func() bool { return len(n.Events()) == 1 }, time.Second, 5*time.Millisecond)

	stream.CloseSend()
	require.NoError(t, waitResult(t, errCh))

	assert.Equal(t, []string{"connected:job-1", "disconnected:job-1"}, n.Events())
	assert.Empty(t, r.ConnectedJobs())
	assert.Zero(t, r.StreamCount())
}

func TestHeartbeat_EmptyClaimDoesNotBind(t *testing.T) {
	r, n := newTestRouter(t, time.Hour)
	stream, errCh := serve(t, r)

	stream.Push(&pb.AgentHeartBeat{})
	stream.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-2"})
	require.Eventually(t, func() bool { return len(r.ConnectedJobs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"job-2"}, r.ConnectedJobs())

	stream.CloseSend()
	require.NoError(t, waitResult(t, errCh))
	assert.Equal(t, []string{"connected:job-2", "disconnected:job-2"}, n.Events())
}

func TestHeartbeat_DifferentClaimIsIgnored(t *testing.T) {
	r, n := newTestRouter(t, time.Hour)
	stream, errCh := serve(t, r)

	stream.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-a"})
	stream.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-b"})
	stream.CloseSend()
	require.NoError(t, waitResult(t, errCh))

	assert.Equal(t, []string{"connected:job-a", "disconnected:job-a"}, n.Events())
}

func TestHeartbeat_SecondStreamForJobIsNotANewConnection(t *testing.T) {
	r, n := newTestRouter(t, time.Hour)
	first, firstErr := serve(t, r)
	first.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-1"})
	require.Eventually(t, func() bool { return len(n.Events()) == 1 }, time.Second, 5*time.Millisecond)

	second := rpcstreamtest.NewServerStream[pb.AgentHeartBeat, pb.ServerHeartBeat](context.Background())
	t.Cleanup(second.Cancel)
	secondErr := make(chan error, 1)
	go func() { secondErr <- r.Heartbeat(second) }()
	require.Eventually(t, func() bool { return r.StreamCount() == 2 }, time.Second, 5*time.Millisecond)
	second.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-1"})
	require.Eventually(t, func() bool { return trackedStreams(r, "job-1") == 2 }, time.Second, 5*time.Millisecond)

	first.CloseSend()
	require.NoError(t, waitResult(t, firstErr))
	assert.Equal(t, []string{"job-1"}, r.ConnectedJobs())

	second.CloseSend()
	require.NoError(t, waitResult(t, secondErr))
	assert.Equal(t, []string{"connected:job-1", "disconnected:job-1"}, n.Events())
}

func TestHeartbeat_RecvErrorDisconnects(t *testing.T) {
	r, n := newTestRouter(t, time.Hour)
	stream, errCh := serve(t, r)

	stream.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-1"})
	require.Eventually(t, func() bool { return len(n.Events()) == 1 }, time.Second, 5*time.Millisecond)

	boom := errors.New("transport reset")
	stream.Fail(boom)
	assert.ErrorIs(t, waitResult(t, errCh), boom)
	assert.Equal(t, []string{"connected:job-1", "disconnected:job-1"}, n.Events())
}

func TestHeartbeat_ServerSendsPeriodicHeartbeats(t *testing.T) {
	r, _ := newTestRouter(t, 10*time.Millisecond)
	stream, _ := serve(t, r)

	require.Eventually(t, func() bool { return len(stream.Sent()) >= 2 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_BrokenStreamIsDropped(t *testing.T) {
	r, n := newTestRouter(t, time.Hour)
	stream, errCh := serve(t, r)

	stream.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-1"})
	require.Eventually(t, func() bool { return len(n.Events()) == 1 }, time.Second, 5*time.Millisecond)

	stream.FailSends(errors.New("broken pipe"))
	r.sendHeartbeats()

	require.NoError(t, waitResult(t, errCh))
	assert.Zero(t, r.StreamCount())
	assert.Equal(t, []string{"connected:job-1", "disconnected:job-1"}, n.Events())
}

func TestShutdown_ClosesStreamsAndRejectsNewOnes(t *testing.T) {
	r, n := newTestRouter(t, time.Hour)
	stream, errCh := serve(t, r)
	stream.Push(&pb.AgentHeartBeat{ClaimedJobId: "job-1"})
	require.Eventually(t, func() bool { return len(n.Events()) == 1 }, time.Second, 5*time.Millisecond)

	r.Shutdown()
	r.Shutdown()

	require.NoError(t, waitResult(t, errCh))
	assert.Equal(t, []string{"connected:job-1", "disconnected:job-1"}, n.Events())

	late := rpcstreamtest.NewServerStream[pb.AgentHeartBeat, pb.ServerHeartBeat](context.Background())
	t.Cleanup(late.Cancel)
	assert.Error(t, r.Heartbeat(late))
}

func TestTracker_NotifierErrorsAreLogged(t *testing.T) {
	n := &recordingNotifier{err: errors.New("redis down")}
	tr := NewTracker(n, testLogger())

	tr.Connected("s1", "job-1")
	assert.True(t, tr.IsConnected("job-1"))
	tr.Disconnected("s1", "job-1")
	assert.False(t, tr.IsConnected("job-1"))

	tr.Disconnected("s1", "job-1")
	assert.Equal(t, []string{"connected:job-1", "disconnected:job-1"}, n.Events())
}

// gatedNotifier blocks the connect notification for one job until released.
type gatedNotifier struct {
	recordingNotifier
	gatedJob string
	entered  chan struct{}
	release  chan struct{}
}

func newGatedNotifier(jobID string) *gatedNotifier {
	return &gatedNotifier{
		gatedJob: jobID,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (n *gatedNotifier) HandleClientConnected(ctx context.Context, jobID string) error {
	if jobID == n.gatedJob {
		close(n.entered)
		<-n.release
	}
	return n.recordingNotifier.HandleClientConnected(ctx, jobID)
}

func TestTracker_SlowNotificationDoesNotBlockOtherJobs(t *testing.T) {
	n := newGatedNotifier("job-a")
	tr := NewTracker(n, testLogger())

	slowDone := make(chan struct{})
	go func() {
		tr.Connected("s1", "job-a")
		close(slowDone)
	}()
	<-n.entered

	otherDone := make(chan struct{})
	go func() {
		tr.Connected("s2", "job-b")
		close(otherDone)
	}()
	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatal("claim for job-b waited on job-a's routing notification")
	}
	assert.True(t, tr.IsConnected("job-b"))
	assert.Equal(t, []string{"job-a", "job-b"}, tr.Jobs())

	close(n.release)
	<-slowDone
	assert.ElementsMatch(t, []string{"connected:job-a", "connected:job-b"}, n.Events())
}

func TestTracker_SameJobNotificationsStayOrdered(t *testing.T) {
	n := newGatedNotifier("job-a")
	tr := NewTracker(n, testLogger())

	go tr.Connected("s1", "job-a")
	<-n.entered

	disconnected := make(chan struct{})
	go func() {
		tr.Disconnected("s1", "job-a")
		close(disconnected)
	}()
	assert.Never(t, func() bool {
		select {
		case <-disconnected:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)

	close(n.release)
	<-disconnected
	assert.Equal(t, []string{"connected:job-a", "disconnected:job-a"}, n.Events())
	assert.False(t, tr.IsConnected("job-a"))
	assert.Empty(t, tr.Jobs())
}

func TestHeartbeat_ClaimAfterRemoveIsIgnored(t *testing.T) {
	r, n := newTestRouter(t, time.Hour)
	stream := rpcstreamtest.NewServerStream[pb.AgentHeartBeat, pb.ServerHeartBeat](context.Background())
	t.Cleanup(stream.Cancel)

	rec := &record{streamID: "s1", stream: stream, done: make(chan struct{})}
	require.True(t, r.add(rec))
	r.remove(rec)

	r.handleHeartbeat(rec, &pb.AgentHeartBeat{ClaimedJobId: "job-1"})
	assert.Empty(t, r.ConnectedJobs())
	assert.Empty(t, n.Events())
}

func TestHeartbeat_RemoveDuringClaimDisconnects(t *testing.T) {
	n := newGatedNotifier("job-1")
	r := NewRouter(time.Hour, NewTracker(n, testLogger()), testLogger())
	t.Cleanup(r.Shutdown)
	stream := rpcstreamtest.NewServerStream[pb.AgentHeartBeat, pb.ServerHeartBeat](context.Background())
	t.Cleanup(stream.Cancel)

	rec := &record{streamID: "s1", stream: stream, done: make(chan struct{})}
	require.True(t, r.add(rec))

	claimed := make(chan struct{})
	go func() {
		r.handleHeartbeat(rec, &pb.AgentHeartBeat{ClaimedJobId: "job-1"})
		close(claimed)
	}()
	<-n.entered

	removed := make(chan struct{})
	go func() {
		r.remove(rec)
		close(removed)
	}()

	close(n.release)
	<-claimed
	<-removed
	assert.Equal(t, []string{"connected:job-1", "disconnected:job-1"}, n.Events())
	assert.Empty(t, r.ConnectedJobs())
}
