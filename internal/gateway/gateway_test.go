// ABOUTME: Tests for the Gateway orchestrator and the agent-facing gRPC services
// ABOUTME: Agents talk to a real gRPC server over bufconn while clients use the HTTP handler

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/stream-gateway/internal/config"
	"github.com/2389/stream-gateway/internal/manifest"
	pb "github.com/2389/stream-gateway/proto/fleet"
)

const testServerID = "server-test"

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
			ServerID: testServerID,
		},
		Database: config.DatabaseConfig{
			Path: ":memory:",
		},
		Files: config.FilesConfig{
			JobsDir: filepath.Join(t.TempDir(), "jobs"),
		},
		Agents: config.AgentsConfig{
			HeartbeatInterval:        50 * time.Millisecond,
			FileTransferBeginTimeout: 2 * time.Second,
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
	})
	return gw
}

// testAgent is the agent side of a gateway served over bufconn.
type testAgent struct {
	conn       *grpc.ClientConn
	fileStream pb.FileStreamServiceClient
	fileSync   pb.JobFileSyncServiceClient
	heartbeat  pb.HeartBeatServiceClient
	kill       pb.JobKillServiceClient
}

// serveAgents starts gw's gRPC server on an in-memory listener and dials it.
func serveAgents(t *testing.T, gw *Gateway) *testAgent {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	go gw.GRPCServer().Serve(lis)

	opts := append(pb.DialOptions(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testAgent{
		conn:       conn,
		fileStream: pb.NewFileStreamServiceClient(conn),
		fileSync:   pb.NewJobFileSyncServiceClient(conn),
		heartbeat:  pb.NewHeartBeatServiceClient(conn),
		kill:       pb.NewJobKillServiceClient(conn),
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// writeJobDir creates files under a fresh directory and returns its manifest.
func writeJobDir(t *testing.T, files map[string]string) *manifest.Manifest {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	m, err := manifest.Build(dir, false)
	require.NoError(t, err)
	return m
}

// connectFileAgent opens a control stream for jobID, pushes the manifest of
// files and answers every file request from files.
func connectFileAgent(t *testing.T, ctx context.Context, agent *testAgent, jobID string, files map[string]string) {
	t.Helper()

	data, err := writeJobDir(t, files).Encode(true)
	require.NoError(t, err)

	ctrl, err := agent.fileStream.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, ctrl.Send(&pb.AgentManifestMessage{
		JobId:               jobID,
		Manifest:            data,
		Compressed:          true,
		LargeFilesSupported: true,
	}))

	go func() {
		for {
			msg, err := ctrl.Recv()
			if err != nil {
				return
			}
			req := msg.GetServerFileRequest()
			if req == nil {
				continue
			}
			content := []byte(files[req.RelativePath])
			go transmit(ctx, agent, req.GetTransferId(), content[req.StartOffset:req.EndOffset])
		}
	}()
}

func transmit(ctx context.Context, agent *testAgent, transferID string, data []byte) {
	tx, err := agent.fileStream.Transmit(ctx)
	if err != nil {
		return
	}
	if err := tx.Send(&pb.AgentFileMessage{TransferId: transferID, Data: data}); err != nil {
		return
	}
	if _, err := tx.Recv(); err != nil {
		return
	}
	if err := tx.CloseSend(); err != nil {
		return
	}
	_, _ = tx.Recv()
}

func waitForManifest(t *testing.T, gw *Gateway, jobID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := gw.fileStream.GetManifest(jobID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func get(t *testing.T, gw *Gateway, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGatewayNew(t *testing.T) {
	gw := newTestGateway(t)

	assert.Equal(t, testServerID, gw.serverID)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.routing)
	assert.Nil(t, gw.redis)
	assert.NotNil(t, gw.fileStream)
	assert.NotNil(t, gw.fileSync)
	assert.NotNil(t, gw.heartbeats)
	assert.NotNil(t, gw.kills)
	assert.NotNil(t, gw.GRPCServer())
	assert.NotNil(t, gw.Handler())

	info := gw.GRPCServer().GetServiceInfo()
	for _, name := range []string{
		"fleet.FileStreamService",
		"fleet.JobFileSyncService",
		"fleet.HeartBeatService",
		"fleet.JobKillService",
		"grpc.health.v1.Health",
	} {
		assert.Contains(t, info, name)
	}
}

func TestGatewayNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routing.Backend = "redis"
	cfg.Routing.RedisURL = "redis://" + freeAddr(t) + "/0"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFileStream_ServesFileFromAgent(t *testing.T) {
	gw := newTestGateway(t)
	agent := serveAgents(t, gw)
	ctx := testContext(t)

	connectFileAgent(t, ctx, agent, "job-1", map[string]string{
		"stdout":       "hello from the job\n",
		"logs/app.log": "line one\nline two\n",
	})
	waitForManifest(t, gw, "job-1")

	rec := get(t, gw, "/api/jobs/job-1/files/stdout", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello from the job\n", rec.Body.String())
	assert.Equal(t, "19", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))

	rec = get(t, gw, "/api/jobs/job-1/files/logs/app.log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "line one\nline two\n", rec.Body.String())

	pending, inProgress := gw.fileStream.TransferCounts()
	assert.Zero(t, pending)
	assert.Zero(t, inProgress)
}

func TestFileStream_RangeRequest(t *testing.T) {
	gw := newTestGateway(t)
	agent := serveAgents(t, gw)
	ctx := testContext(t)

	connectFileAgent(t, ctx, agent, "job-1", map[string]string{"stdout": "0123456789"})
	waitForManifest(t, gw, "job-1")

	tests := []struct {
		name         string
		rangeHeader  string
		wantCode     int
		wantBody     string
		contentRange string
	}{
		{"closed", "bytes=2-5", http.StatusPartialContent, "2345", "bytes 2-5/10"},
		{"open ended", "bytes=7-", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"suffix", "bytes=-3", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"whole file", "bytes=0-", http.StatusOK, "0123456789", ""},
		{"past end", "bytes=20-", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
		{"malformed", "items=1-2", http.StatusRequestedRangeNotSatisfiable, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, gw, "/api/jobs/job-1/files/stdout", http.Header{"Range": {tt.rangeHeader}})
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
			assert.Equal(t, tt.contentRange, rec.Header().Get("Content-Range"))
		})
	}
}

func TestFileStream_DirectoryAndMissingFile(t *testing.T) {
	gw := newTestGateway(t)
	agent := serveAgents(t, gw)
	ctx := testContext(t)

	connectFileAgent(t, ctx, agent, "job-1", map[string]string{
		"logs/a.log": "a",
		"logs/b.log": "b",
	})
	waitForManifest(t, gw, "job-1")

	rec := get(t, gw, "/api/jobs/job-1/files/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"path":"logs/a.log"`)
	assert.Contains(t, rec.Body.String(), `"path":"logs/b.log"`)

	rec = get(t, gw, "/api/jobs/job-1/files/nope.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, gw, "/api/jobs/job-1/manifest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entries"`)
}

func TestFileStream_ControlStreamCloseRemovesManifest(t *testing.T) {
	gw := newTestGateway(t)
	agent := serveAgents(t, gw)
	ctx, cancel := context.WithCancel(testContext(t))

	connectFileAgent(t, ctx, agent, "job-1", map[string]string{"stdout": "x"})
	waitForManifest(t, gw, "job-1")
	assert.True(t, gw.fileStream.HasControlStream("job-1"))

	cancel()
	require.Eventually(t, func() bool {
		return !gw.fileStream.HasControlStream("job-1")
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := gw.fileStream.GetManifest("job-1")
	assert.False(t, ok)
	rec := get(t, gw, "/api/jobs/job-1/files/stdout", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileStream_TransmitUnknownTransfer(t *testing.T) {
	gw := newTestGateway(t)
	agent := serveAgents(t, gw)
	ctx := testContext(t)

	tx, err := agent.fileStream.Transmit(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Send(&pb.AgentFileMessage{TransferId: "no-such-transfer", Data: []byte("x")}))

	_, err = tx.Recv()
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestFileSync_UploadsIntoJobDirectory(t *testing.T) {
	gw := newTestGateway(t)
	agent := serveAgents(t, gw)
	ctx := testContext(t)

	stream, err := agent.fileSync.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&pb.SyncRequest{BeginSync: &pb.BeginSync{JobId: "job-sync"}}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, resp.GetBeginAck())

	require.NoError(t, stream.Send(&pb.SyncRequest{DataUpload: &pb.DataUpload{
		Id:   "u1",
		Path: "out/result.txt",
		Data: []byte("result"),
	}}))
	require.NoError(t, stream.Send(&pb.SyncRequest{SyncComplete: &pb.SyncComplete{
		FinalAgentDirectoryState: &pb.JobDirectoryState{
			Files: []*pb.JobFileState{{Path: "out/result.txt", Size: 6}},
		},
	}}))

	resp, err = stream.Recv()
	require.NoError(t, err)
	results := resp.GetSyncAck().GetResults()
	require.Len(t, results, 1)
	assert.Equal(t, "u1", results[0].Id)
	assert.True(t, results[0].Successful)

	require.NoError(t, stream.CloseSend())
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)

	got, err := os.ReadFile(filepath.Join(gw.config.Files.JobsDir, "job-sync", "out", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "result", string(got))
}

func TestHeartbeat_RecordsAgentRoute(t *testing.T) {
	gw := newTestGateway(t)
	agent := serveAgents(t, gw)
	ctx, cancel := context.WithCancel(testContext(t))

	hb, err := agent.heartbeat.Heartbeat(ctx)
	require.NoError(t, err)
	require.NoError(t, hb.Send(&pb.AgentHeartBeat{ClaimedJobId: "job-hb"}))

	// The server heartbeats on its own schedule
	_, err = hb.Recv()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conn, err := gw.store.GetAgentConnection(context.Background(), "job-hb")
		return err == nil && conn.ServerID == testServerID
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"job-hb"}, gw.heartbeats.ConnectedJobs())

	cancel()
	require.Eventually(t, func() bool {
		_, err := gw.store.GetAgentConnection(context.Background(), "job-hb")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, gw.heartbeats.StreamCount())
}

func TestKill_DeliversReasonToAgent(t *testing.T) {
	gw := newTestGateway(t)
	agent := serveAgents(t, gw)
	ctx := testContext(t)

	stream, err := agent.kill.RegisterForKillNotification(ctx, &pb.JobKillRegistrationRequest{JobId: "job-kill"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(gw.kills.Registered()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec := postJSON(t, gw, "/api/jobs/job-kill/kill", `{"reason":"user requested"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "user requested", resp.Reason)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, gw.kills.Registered())
}

func TestKill_BlankJobIDRejected(t *testing.T) {
	gw := newTestGateway(t)
	agent := serveAgents(t, gw)
	ctx := testContext(t)

	stream, err := agent.kill.RegisterForKillNotification(ctx, &pb.JobKillRegistrationRequest{})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestShutdown_ReleasesParkedStreams(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	agent := serveAgents(t, gw)
	ctx := testContext(t)

	kill, err := agent.kill.RegisterForKillNotification(ctx, &pb.JobKillRegistrationRequest{JobId: "job-1"})
	require.NoError(t, err)
	hb, err := agent.heartbeat.Heartbeat(ctx)
	require.NoError(t, err)
	require.NoError(t, hb.Send(&pb.AgentHeartBeat{ClaimedJobId: "job-1"}))
	require.Eventually(t, func() bool {
		return len(gw.kills.Registered()) == 1 && gw.heartbeats.StreamCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, gw.Shutdown(shutdownCtx))
	assert.Less(t, time.Since(start), 5*time.Second)

	_, err = kill.Recv()
	assert.True(t, errors.Is(err, io.EOF) || status.Code(err) == codes.Unavailable, "unexpected error: %v", err)
}
