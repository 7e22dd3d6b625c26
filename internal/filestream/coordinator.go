// ABOUTME: Coordinates on-demand reads of files held by remote agents
// ABOUTME: Tracks control streams per job and pending/in-progress transfers keyed by transfer id

package filestream

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/stream-gateway/internal/manifest"
	"github.com/2389/stream-gateway/internal/streambuf"
	pb "github.com/2389/stream-gateway/proto/fleet"
)

var (
	// ErrStreamUnavailable indicates no control stream is open for the job.
	ErrStreamUnavailable = errors.New("no control stream for job")
	// ErrTransferTimeout closes transfers whose first chunk never arrived.
	ErrTransferTimeout = errors.New("file transfer did not start in time")
	// ErrTransferStalled closes transfers that stopped making progress.
	ErrTransferStalled = errors.New("file transfer not making progress")
	// ErrTooManyTransfers is returned when the concurrent transfer limit is reached.
	ErrTooManyTransfers = errors.New("too many concurrent file transfers")
	// ErrRangeTooLarge is returned when the agent cannot serve offsets past 2 GiB.
	ErrRangeTooLarge = errors.New("agent does not support large file transfers")
	// ErrUnknownTransfer is returned for chunks of transfers that are no longer tracked.
	ErrUnknownTransfer = errors.New("unknown file transfer")
	// ErrShuttingDown fails transfers still open when the coordinator closes.
	ErrShuttingDown = errors.New("file stream coordinator shutting down")
)

// legacyMaxOffset is the largest end offset an agent without large file
// support can serve.
const legacyMaxOffset = 1<<31 - 1

// Config holds the file transfer tunables.
type Config struct {
	BeginTimeout           time.Duration
	StalledTimeout         time.Duration
	StalledCheckInterval   time.Duration
	MaxConcurrentTransfers int
	BufferBytes            int
}

// DefaultConfig returns the tunables used when none are configured.
func DefaultConfig() Config {
	return Config{
		BeginTimeout:           3 * time.Second,
		StalledTimeout:         20 * time.Second,
		StalledCheckInterval:   5 * time.Second,
		MaxConcurrentTransfers: 100,
		BufferBytes:            streambuf.DefaultMaxBytes,
	}
}

// controlStream is the server side of one agent control stream.
type controlStream struct {
	id         string
	jobID      atomic.Pointer[string]
	largeFiles atomic.Bool
	stream     pb.FileStreamService_SyncServer
	sendMu     sync.Mutex
}

func newControlStream(stream pb.FileStreamService_SyncServer) *controlStream {
	return &controlStream{id: uuid.NewString(), stream: stream}
}

// bindJob sets the job id once and reports whether this call bound it.
func (cs *controlStream) bindJob(jobID string) bool {
	return cs.jobID.CompareAndSwap(nil, &jobID)
}

func (cs *controlStream) job() string {
	if p := cs.jobID.Load(); p != nil {
		return *p
	}
	return ""
}

func (cs *controlStream) requestFile(req *pb.ServerFileRequestMessage) error {
	cs.sendMu.Lock()
	defer cs.sendMu.Unlock()
	return cs.stream.Send(&pb.ServerControlMessage{ServerFileRequest: req})
}

// transfer is one in-flight file read.
type transfer struct {
	id    string
	jobID string
	path  string
	start int64
	end   int64
	buf   *streambuf.Buffer
	timer *time.Timer

	lastProgress atomic.Int64
	aborted      chan struct{}
	abortOnce    sync.Once
	abortErr     error
}

func (t *transfer) touch(now time.Time) {
	t.lastProgress.Store(now.UnixNano())
}

// finish closes the buffer and, on failure, signals the chunk stream serving
// the transfer to shut down. Only the first call has any effect.
func (t *transfer) finish(err error) bool {
	if err == nil {
		return t.buf.CloseWithCompletion()
	}
	closed := t.buf.CloseWithError(err)
	t.abortOnce.Do(func() {
		t.abortErr = err
		close(t.aborted)
	})
	return closed
}

// Coordinator serves file reads for jobs whose agents hold an open control stream.
type Coordinator struct {
	cfg       Config
	manifests *manifest.Registry
	logger    *slog.Logger
	now       func() time.Time

	streamsMu sync.RWMutex
	streams   map[string]*controlStream

	// A transfer id is present in at most one of pending and inProgress.
	transfersMu sync.Mutex
	pending     map[string]*transfer
	inProgress  map[string]*transfer

	done      chan struct{}
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator and starts its stalled transfer reaper.
func NewCoordinator(cfg Config, manifests *manifest.Registry, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.BeginTimeout <= 0 {
		cfg.BeginTimeout = def.BeginTimeout
	}
	if cfg.StalledTimeout <= 0 {
		cfg.StalledTimeout = def.StalledTimeout
	}
	if cfg.StalledCheckInterval <= 0 {
		cfg.StalledCheckInterval = def.StalledCheckInterval
	}
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = def.MaxConcurrentTransfers
	}
	if cfg.BufferBytes <= 0 {
		cfg.BufferBytes = def.BufferBytes
	}

	c := &Coordinator{
		cfg:        cfg,
		manifests:  manifests,
		logger:     logger.With("component", "file_stream"),
		now:        time.Now,
		streams:    make(map[string]*controlStream),
		pending:    make(map[string]*transfer),
		inProgress: make(map[string]*transfer),
		done:       make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

// GetManifest returns the latest manifest pushed for jobID.
func (c *Coordinator) GetManifest(jobID string) (*manifest.Manifest, bool) {
	return c.manifests.Get(jobID)
}

// GetResource requests the whole file at relativePath.
func (c *Coordinator) GetResource(jobID, relativePath, uri string) (*Resource, error) {
	return c.RequestFile(jobID, relativePath, uri, nil)
}

// HasControlStream reports whether an agent control stream is registered for jobID.
func (c *Coordinator) HasControlStream(jobID string) bool {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	_, ok := c.streams[jobID]
	return ok
}

// ConnectedJobs lists job ids with a registered control stream, sorted.
func (c *Coordinator) ConnectedJobs() []string {
	c.streamsMu.RLock()
	jobs := make([]string, 0, len(c.streams))
	for jobID := range c.streams {
		jobs = append(jobs, jobID)
	}
	c.streamsMu.RUnlock()
	sort.Strings(jobs)
	return jobs
}

// RequestFile asks the agent running jobID for the given byte range of
// relativePath. A nil range requests the whole file. Paths missing from the
// manifest yield a non-existing resource without contacting the agent.
func (c *Coordinator) RequestFile(jobID, relativePath, uri string, rng *ByteRange) (*Resource, error) {
	c.streamsMu.RLock()
	cs, ok := c.streams[jobID]
	c.streamsMu.RUnlock()
	if !ok {
		c.logger.Warn("no control stream for file request", "job_id", jobID, "path", relativePath)
		return nil, ErrStreamUnavailable
	}

	m, ok := c.manifests.Get(jobID)
	if !ok {
		c.logger.Warn("no manifest for job", "job_id", jobID)
		return missingResource(jobID, relativePath, uri), nil
	}
	entry, ok := m.Entry(relativePath)
	if !ok || entry.Directory {
		c.logger.Debug("file not in manifest", "job_id", jobID, "path", relativePath)
		return missingResource(jobID, relativePath, uri), nil
	}

	start, end := rng.Resolve(entry.Size)
	if start < 0 || end < start {
		c.logger.Warn("manifest entry yields an invalid byte range",
			"job_id", jobID,
			"path", entry.Path,
			"size", entry.Size,
		)
		return nil, fmt.Errorf("%w: [%d, %d) for %q", ErrInvalidRange, start, end, entry.Path)
	}
	res := &Resource{
		JobID: jobID,
		Path:  entry.Path,
		URI:   uri,
		Start: start,
		End:   end,
		entry: entry,
	}
	res.exists = true

	if end == start {
		res.buf = streambuf.NewCompleted()
		return res, nil
	}
	if end > legacyMaxOffset && !cs.largeFiles.Load() {
		c.logger.Warn("cannot serve large file from agent", "job_id", jobID, "path", entry.Path)
		return nil, ErrRangeTooLarge
	}

	t, err := c.startTransfer(jobID, entry.Path, start, end)
	if err != nil {
		return nil, err
	}

	err = cs.requestFile(&pb.ServerFileRequestMessage{
		TransferId:   t.id,
		RelativePath: entry.Path,
		StartOffset:  start,
		EndOffset:    end,
	})
	if err != nil {
		c.logger.Error("failed to request file from agent",
			"job_id", jobID,
			"transfer_id", t.id,
			"error", err,
		)
		c.completeTransfer(t.id, err)
		return nil, fmt.Errorf("request file from agent: %w", err)
	}

	c.logger.Debug("file transfer requested",
		"job_id", jobID,
		"transfer_id", t.id,
		"path", entry.Path,
		"start", start,
		"end", end,
	)
	res.TransferID = t.id
	res.buf = t.buf
	return res, nil
}

func (c *Coordinator) startTransfer(jobID, path string, start, end int64) (*transfer, error) {
	c.transfersMu.Lock()
	defer c.transfersMu.Unlock()

	if len(c.pending)+len(c.inProgress) >= c.cfg.MaxConcurrentTransfers {
		c.logger.Warn("rejecting file request, too many active transfers",
			"job_id", jobID,
			"path", path,
			"limit", c.cfg.MaxConcurrentTransfers,
		)
		return nil, ErrTooManyTransfers
	}

	t := &transfer{
		id:      uuid.NewString(),
		jobID:   jobID,
		path:    path,
		start:   start,
		end:     end,
		buf:     streambuf.New(c.cfg.BufferBytes),
		aborted: make(chan struct{}),
	}
	t.touch(c.now())
	c.pending[t.id] = t

	id := t.id
	t.timer = time.AfterFunc(c.cfg.BeginTimeout, func() { c.expireTransfer(id) })
	return t, nil
}

// expireTransfer fails a transfer that never received its first chunk. Safe to
// call any number of times and after the transfer started or finished.
func (c *Coordinator) expireTransfer(transferID string) {
	c.transfersMu.Lock()
	t, ok := c.pending[transferID]
	if ok {
		delete(c.pending, transferID)
	}
	c.transfersMu.Unlock()

	if !ok {
		return
	}
	if t.finish(ErrTransferTimeout) {
		c.logger.Warn("file transfer timed out waiting for first chunk",
			"job_id", t.jobID,
			"transfer_id", transferID,
		)
	}
}

// claimTransfer moves a transfer from pending to in-progress on its first
// chunk. Transfers already in progress are returned as is.
func (c *Coordinator) claimTransfer(transferID string) (*transfer, bool) {
	c.transfersMu.Lock()
	defer c.transfersMu.Unlock()

	if t, ok := c.pending[transferID]; ok {
		delete(c.pending, transferID)
		c.inProgress[transferID] = t
		t.timer.Stop()
		return t, true
	}
	t, ok := c.inProgress[transferID]
	return t, ok
}

// HandleChunk appends data to the transfer's buffer, blocking while the buffer
// is full.
func (c *Coordinator) HandleChunk(transferID string, data []byte) error {
	t, ok := c.claimTransfer(transferID)
	if !ok {
		return ErrUnknownTransfer
	}
	return c.writeChunk(t, data)
}

func (c *Coordinator) writeChunk(t *transfer, data []byte) error {
	if _, err := t.buf.Write(data); err != nil {
		c.completeTransfer(t.id, err)
		return fmt.Errorf("write chunk: %w", err)
	}
	t.touch(c.now())
	return nil
}

// completeTransfer removes a transfer from whichever registry holds it and
// closes its buffer. A nil err completes the transfer normally.
func (c *Coordinator) completeTransfer(transferID string, err error) {
	c.transfersMu.Lock()
	t, ok := c.pending[transferID]
	if ok {
		delete(c.pending, transferID)
	} else if t, ok = c.inProgress[transferID]; ok {
		delete(c.inProgress, transferID)
	}
	c.transfersMu.Unlock()

	if !ok {
		return
	}
	t.timer.Stop()
	if t.finish(err) {
		if err != nil {
			c.logger.Warn("file transfer failed", "job_id", t.jobID, "transfer_id", transferID, "error", err)
		} else {
			c.logger.Debug("file transfer completed",
				"job_id", t.jobID,
				"transfer_id", transferID,
				"bytes", t.buf.Written(),
			)
		}
	}
}

func (c *Coordinator) reapLoop() {
	ticker := time.NewTicker(c.cfg.StalledCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reapStalled()
		case <-c.done:
			return
		}
	}
}

// reapStalled fails in-progress transfers with no progress within the stalled timeout.
func (c *Coordinator) reapStalled() int {
	deadline := c.now().Add(-c.cfg.StalledTimeout).UnixNano()

	var stalled []*transfer
	c.transfersMu.Lock()
	for id, t := range c.inProgress {
		if t.lastProgress.Load() < deadline {
			delete(c.inProgress, id)
			stalled = append(stalled, t)
		}
	}
	c.transfersMu.Unlock()

	for _, t := range stalled {
		c.logger.Warn("file transfer stalled, shutting it down", "job_id", t.jobID, "transfer_id", t.id)
		t.finish(ErrTransferStalled)
	}
	return len(stalled)
}

// TransferCounts returns the number of pending and in-progress transfers.
func (c *Coordinator) TransferCounts() (pending, inProgress int) {
	c.transfersMu.Lock()
	defer c.transfersMu.Unlock()
	return len(c.pending), len(c.inProgress)
}

func (c *Coordinator) registerControlStream(jobID string, cs *controlStream) {
	c.streamsMu.Lock()
	prev, exists := c.streams[jobID]
	c.streams[jobID] = cs
	c.streamsMu.Unlock()

	if exists && prev != cs {
		c.logger.Warn("replacing existing control stream for job",
			"job_id", jobID,
			"stream_id", cs.id,
			"previous_stream_id", prev.id,
		)
		return
	}
	c.logger.Info("control stream registered", "job_id", jobID, "stream_id", cs.id)
}

// unregisterControlStream removes cs and the job's manifest, but only if cs is
// still the registered stream for its job.
func (c *Coordinator) unregisterControlStream(cs *controlStream) {
	jobID := cs.job()
	if jobID == "" {
		return
	}

	c.streamsMu.Lock()
	current, ok := c.streams[jobID]
	if ok && current == cs {
		delete(c.streams, jobID)
	}
	c.streamsMu.Unlock()

	if !ok || current != cs {
		c.logger.Warn("control stream to unregister not found", "job_id", jobID, "stream_id", cs.id)
		return
	}
	c.manifests.Delete(jobID)
	c.logger.Info("control stream unregistered", "job_id", jobID, "stream_id", cs.id)
}

// handleManifest processes one manifest push. It returns an error only for
// protocol violations that must end the stream.
func (c *Coordinator) handleManifest(cs *controlStream, msg *pb.AgentManifestMessage) error {
	jobID := msg.GetJobId()
	if jobID == "" {
		c.logger.Warn("dropping manifest without job id", "stream_id", cs.id)
		return nil
	}

	if cs.bindJob(jobID) {
		c.registerControlStream(jobID, cs)
	} else if bound := cs.job(); bound != jobID {
		return fmt.Errorf("control stream bound to job %q received manifest for job %q", bound, jobID)
	}
	cs.largeFiles.Store(msg.LargeFilesSupported)

	m, err := manifest.Parse(msg.GetManifest(), msg.Compressed)
	if err != nil {
		c.logger.Warn("failed to parse manifest", "job_id", jobID, "error", err)
		return nil
	}
	c.manifests.Put(jobID, m)
	return nil
}

// Close stops the reaper and fails every open transfer. It is safe to call
// multiple times.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.transfersMu.Lock()
		open := make([]*transfer, 0, len(c.pending)+len(c.inProgress))
		for id, t := range c.pending {
			open = append(open, t)
			delete(c.pending, id)
		}
		for id, t := range c.inProgress {
			open = append(open, t)
			delete(c.inProgress, id)
		}
		c.transfersMu.Unlock()

		for _, t := range open {
			t.timer.Stop()
			t.finish(ErrShuttingDown)
		}
	})
}
