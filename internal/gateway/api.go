// ABOUTME: HTTP API serving job manifests and files streamed from connected agents
// ABOUTME: Also exposes kill requests, job status updates and fleet connection state

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/2389/stream-gateway/internal/filestream"
	"github.com/2389/stream-gateway/internal/killsignal"
	"github.com/2389/stream-gateway/internal/manifest"
	"github.com/2389/stream-gateway/internal/routing"
	"github.com/2389/stream-gateway/internal/rpcerror"
	"github.com/2389/stream-gateway/internal/store"
)

// KillRequest is the JSON request body for POST /api/jobs/:id/kill.
type KillRequest struct {
	Reason string `json:"reason"`
}

// UpdateStatusRequest is the JSON request body for PUT /api/jobs/:id/status.
// When CurrentStatus is set the change only applies to a job in that status.
type UpdateStatusRequest struct {
	Status        string `json:"status"`
	CurrentStatus string `json:"current_status,omitempty"`
	Message       string `json:"message"`
}

// JobResponse is the JSON response for job status endpoints.
type JobResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

// AgentsResponse is the JSON response for GET /api/agents.
type AgentsResponse struct {
	ServerID          string   `json:"server_id"`
	ControlStreams    []string `json:"control_streams"`
	Heartbeats        []string `json:"heartbeats"`
	SyncSessions      []string `json:"sync_sessions"`
	KillRegistrations []string `json:"kill_registrations"`
}

// MisdirectedResponse tells the caller which server holds the job's agent.
type MisdirectedResponse struct {
	Error    string `json:"error"`
	ServerID string `json:"server_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// JobErrorResponse carries a typed job service error.
type JobErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// routeTimeout bounds routing and store lookups made on behalf of a request.
const routeTimeout = 5 * time.Second

func (g *Gateway) newRouter(logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(logger.With("component", "http")), gin.Recovery())

	r.GET("/health", g.handleHealth)
	r.GET("/health/ready", g.handleReady)

	api := r.Group("/api")
	{
		api.GET("/agents", g.handleListAgents)
		api.GET("/jobs/:id/manifest", g.handleGetManifest)
		api.GET("/jobs/:id/files/*path", g.handleGetFile)
		api.POST("/jobs/:id/kill", g.handleKillJob)
		api.GET("/jobs/:id/status", g.handleGetStatus)
		api.PUT("/jobs/:id/status", g.handleUpdateStatus)
	}
	return r
}

// requestLogger logs one line per request at Debug, or Warn for server errors.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"duration", time.Since(start),
		)
	}
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (g *Gateway) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), routeTimeout)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Error("readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
		return
	}

	pending, inProgress := g.fileStream.TransferCounts()
	c.JSON(http.StatusOK, gin.H{
		"status":                "ready",
		"server_id":             g.serverID,
		"control_streams":       len(g.fileStream.ConnectedJobs()),
		"heartbeat_streams":     g.heartbeats.StreamCount(),
		"pending_transfers":     pending,
		"in_progress_transfers": inProgress,
	})
}

func (g *Gateway) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, AgentsResponse{
		ServerID:          g.serverID,
		ControlStreams:    nonNil(g.fileStream.ConnectedJobs()),
		Heartbeats:        nonNil(g.heartbeats.ConnectedJobs()),
		SyncSessions:      nonNil(g.fileSync.ActiveJobs()),
		KillRegistrations: nonNil(g.kills.Registered()),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (g *Gateway) handleGetManifest(c *gin.Context) {
	jobID := c.Param("id")

	m, ok := g.fileStream.GetManifest(jobID)
	if !ok {
		g.respondNotConnected(c, jobID)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (g *Gateway) handleGetFile(c *gin.Context) {
	jobID := c.Param("id")
	path := strings.TrimPrefix(c.Param("path"), "/")

	if !g.fileStream.HasControlStream(jobID) {
		g.respondNotConnected(c, jobID)
		return
	}

	rng, err := filestream.ParseRange(c.GetHeader("Range"))
	if err != nil {
		c.JSON(http.StatusRequestedRangeNotSatisfiable, errorResponse{Error: err.Error()})
		return
	}

	// Directories are answered from the manifest alone.
	if m, ok := g.fileStream.GetManifest(jobID); ok {
		if entry, ok := m.Entry(path); ok && entry.Directory {
			c.JSON(http.StatusOK, directoryListing(m, entry))
			return
		}
	}

	res, err := g.fileStream.RequestFile(jobID, path, c.Request.URL.String(), rng)
	if err != nil {
		g.respondFileError(c, jobID, path, err)
		return
	}
	if !res.Exists() {
		c.JSON(http.StatusNotFound, errorResponse{Error: fmt.Sprintf("file %q not found for job %s", path, jobID)})
		return
	}

	body := res.Reader()
	defer body.Close()
	stop := context.AfterFunc(c.Request.Context(), func() { body.Close() })
	defer stop()

	if rng != nil && res.ContentLength() == 0 && res.Size() > 0 {
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", res.Size()))
		c.JSON(http.StatusRequestedRangeNotSatisfiable, errorResponse{Error: "range not satisfiable"})
		return
	}

	// Wait for the agent's first bytes so transfer failures still get a status code
	head := make([]byte, firstReadSize)
	n, readErr := io.ReadFull(body, head[:min(int64(len(head)), res.ContentLength())])
	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
		g.respondTransferError(c, jobID, res, readErr)
		return
	}

	contentType := res.MimeType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Length", strconv.FormatInt(res.ContentLength(), 10))
	c.Header("Accept-Ranges", "bytes")
	if lm := res.LastModified(); !lm.IsZero() {
		c.Header("Last-Modified", lm.UTC().Format(http.TimeFormat))
	}

	code := http.StatusOK
	if res.IsPartial() {
		code = http.StatusPartialContent
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", res.Start, res.End-1, res.Size()))
	}
	c.Status(code)

	if _, err := c.Writer.Write(head[:n]); err != nil {
		return
	}
	if readErr != nil {
		return
	}
	if copied, err := io.Copy(c.Writer, body); err != nil {
		// Headers are already sent; the client sees a short body
		g.logger.Warn("file transfer to client failed",
			"job_id", jobID,
			"path", path,
			"transfer_id", res.TransferID,
			"bytes", int64(n)+copied,
			"error", err,
		)
	}
}

// firstReadSize is how much of a transfer is buffered before response headers are sent.
const firstReadSize = 32 << 10

func (g *Gateway) respondTransferError(c *gin.Context, jobID string, res *filestream.Resource, err error) {
	g.logger.Warn("file transfer failed before first byte",
		"job_id", jobID,
		"path", res.Path,
		"transfer_id", res.TransferID,
		"error", err,
	)
	switch {
	case errors.Is(err, filestream.ErrTransferTimeout), errors.Is(err, filestream.ErrTransferStalled):
		c.JSON(http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	case errors.Is(err, filestream.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

// directoryListing returns the directory entry followed by its direct children.
func directoryListing(m *manifest.Manifest, dir manifest.Entry) gin.H {
	children := make([]manifest.Entry, 0, len(dir.Children))
	for _, p := range dir.Children {
		if e, ok := m.Entry(p); ok {
			children = append(children, e)
		}
	}
	return gin.H{"entry": dir, "children": children}
}

func (g *Gateway) respondFileError(c *gin.Context, jobID, path string, err error) {
	switch {
	case errors.Is(err, filestream.ErrStreamUnavailable):
		g.respondNotConnected(c, jobID)
	case errors.Is(err, filestream.ErrTooManyTransfers):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, filestream.ErrRangeTooLarge):
		c.JSON(http.StatusNotImplemented, errorResponse{Error: err.Error()})
	case errors.Is(err, filestream.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		g.logger.Error("file request failed", "job_id", jobID, "path", path, "error", err)
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

// respondNotConnected answers 421 when the fleet routes jobID to another
// server and 404 otherwise.
func (g *Gateway) respondNotConnected(c *gin.Context, jobID string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), routeTimeout)
	defer cancel()

	host, err := g.routing.HostnameForAgentConnection(ctx, jobID)
	switch {
	case err == nil && host != g.serverID:
		c.JSON(http.StatusMisdirectedRequest, MisdirectedResponse{
			Error:    fmt.Sprintf("agent for job %s is connected to another server", jobID),
			ServerID: host,
		})
		return
	case err != nil && !errors.Is(err, routing.ErrNoRoute):
		g.logger.Error("routing lookup failed", "job_id", jobID, "error", err)
	}
	c.JSON(http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no agent connected for job %s", jobID)})
}

func (g *Gateway) handleKillJob(c *gin.Context) {
	jobID := c.Param("id")

	var req KillRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "killed by request"
	}

	err := g.kills.KillJob(c.Request.Context(), jobID, req.Reason)
	if errors.Is(err, killsignal.ErrNoResponderFound) {
		g.respondNotConnected(c, jobID)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "reason": req.Reason})
}

func (g *Gateway) handleGetStatus(c *gin.Context) {
	jobID := c.Param("id")

	job, err := g.store.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: fmt.Sprintf("job %s not found", jobID)})
		return
	}
	if err != nil {
		g.logger.Error("failed to load job", "job_id", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (g *Gateway) handleUpdateStatus(c *gin.Context) {
	jobID := c.Param("id")

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.respondJobError(c, jobID, fmt.Errorf("%w: invalid JSON: %v", rpcerror.ErrConstraintViolation, err))
		return
	}

	next, err := store.ParseJobStatus(req.Status)
	if err != nil {
		g.respondJobError(c, jobID, err)
		return
	}

	ctx := c.Request.Context()
	if req.CurrentStatus == "" {
		err = g.store.UpsertJobStatus(ctx, jobID, next, req.Message)
	} else {
		var current store.JobStatus
		current, err = store.ParseJobStatus(req.CurrentStatus)
		if err == nil {
			err = g.store.ChangeJobStatus(ctx, jobID, current, next, req.Message)
		}
	}
	if err != nil {
		g.respondJobError(c, jobID, err)
		return
	}

	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		g.logger.Error("failed to reload job", "job_id", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// respondJobError answers a failed status change with its typed job service error.
func (g *Gateway) respondJobError(c *gin.Context, jobID string, err error) {
	jobErr := rpcerror.Compose(err, rpcerror.CategoryChangeStatus)

	code := http.StatusInternalServerError
	switch jobErr.Type {
	case rpcerror.TypeInvalidRequest:
		code = http.StatusBadRequest
	case rpcerror.TypeNoSuchJob:
		code = http.StatusNotFound
	case rpcerror.TypeIncorrectCurrentStatus:
		code = http.StatusConflict
	default:
		g.logger.Error("failed to change job status", "job_id", jobID, "error", err)
	}
	c.JSON(code, JobErrorResponse{Type: jobErr.Type, Message: jobErr.Message})
}

func toJobResponse(job *store.Job) JobResponse {
	return JobResponse{
		ID:            job.ID,
		Status:        string(job.Status),
		StatusMessage: job.StatusMessage,
		UpdatedAt:     job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
