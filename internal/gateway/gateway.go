// ABOUTME: Gateway orchestrator that coordinates the gRPC agent server and the HTTP API
// ABOUTME: Wires the stream coordinators to the store, routing back end and job file service

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/stream-gateway/internal/config"
	"github.com/2389/stream-gateway/internal/filestream"
	"github.com/2389/stream-gateway/internal/filesync"
	"github.com/2389/stream-gateway/internal/heartbeat"
	"github.com/2389/stream-gateway/internal/jobfiles"
	"github.com/2389/stream-gateway/internal/killsignal"
	"github.com/2389/stream-gateway/internal/manifest"
	"github.com/2389/stream-gateway/internal/routing"
	"github.com/2389/stream-gateway/internal/store"
)

// Gateway orchestrates the stream-gateway server components.
// It manages the gRPC server for agent streams and the HTTP server for the file API.
type Gateway struct {
	config *config.Config
	store  *store.SQLiteStore
	logger *slog.Logger

	// serverID identifies this gateway instance in the routing table
	serverID string

	routing      routing.Service
	redis        *redis.Client
	closeRouting func()

	manifests  *manifest.Registry
	files      *jobfiles.Service
	fileStream *filestream.Coordinator
	fileSync   *filesync.Coordinator
	tracker    *heartbeat.Tracker
	heartbeats *heartbeat.Router
	kills      *killsignal.Registry

	grpcServer *grpc.Server
	health     *health.Server
	router     *gin.Engine
	httpServer *http.Server
}

// initStore creates the SQLite store, honoring STREAM_GATEWAY_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("STREAM_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initRouting creates the configured fleet routing back end.
func (g *Gateway) initRouting(cfg *config.Config) error {
	switch cfg.Routing.Backend {
	case routing.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rdb, err := routing.NewRedisClient(ctx, cfg.Routing.RedisURL)
		if err != nil {
			return fmt.Errorf("initializing redis routing: %w", err)
		}
		svc := routing.NewRedisService(rdb, g.serverID, cfg.Routing.RouteTTL, g.logger)
		g.redis = rdb
		g.routing = svc
		g.closeRouting = svc.Close
	default:
		g.routing = routing.NewStoreService(g.store, g.serverID, g.logger)
		g.closeRouting = func() {}
	}
	return nil
}

func fileStreamConfig(cfg *config.Config) filestream.Config {
	fc := filestream.DefaultConfig()
	fc.BeginTimeout = cfg.Agents.FileTransferBeginTimeout
	fc.StalledTimeout = cfg.Agents.FileTransferStalledTimeout
	fc.MaxConcurrentTransfers = cfg.Agents.MaxConcurrentTransfers
	fc.BufferBytes = int(cfg.Agents.TransferBufferBytes)
	return fc
}

// New creates a gateway from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:   cfg,
		store:    s,
		logger:   logger.With("component", "gateway"),
		serverID: cfg.Server.ServerID,
	}
	if err := g.initRouting(cfg); err != nil {
		s.Close()
		return nil, err
	}

	files, err := jobfiles.New(cfg.Files.JobsDir, logger)
	if err != nil {
		g.closeRouting()
		s.Close()
		return nil, fmt.Errorf("initializing job files: %w", err)
	}
	g.files = files

	g.manifests = manifest.NewRegistry(cfg.Agents.ManifestCacheExpiration, logger)
	g.fileStream = filestream.NewCoordinator(fileStreamConfig(cfg), g.manifests, logger)
	g.fileSync = filesync.NewCoordinator(filesync.Config{
		AckInterval:     cfg.Agents.SyncAckInterval,
		MaxSyncMessages: cfg.Agents.SyncMaxMessages,
	}, files, logger)
	g.tracker = heartbeat.NewTracker(g.routing, logger)
	g.heartbeats = heartbeat.NewRouter(cfg.Agents.HeartbeatInterval, g.tracker, logger)
	g.kills = killsignal.NewRegistry(s, logger)

	g.grpcServer = newGRPCServer(logger)
	g.health = health.NewServer()
	g.registerGRPCServices(logger)

	gin.SetMode(gin.ReleaseMode)
	g.router = g.newRouter(logger)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway initialized",
		"server_id", g.serverID,
		"routing_backend", cfg.Routing.Backend,
		"jobs_dir", cfg.Files.JobsDir,
	)
	return g, nil
}

// registerGRPCServices registers every agent-facing service and the health service.
func (g *Gateway) registerGRPCServices(logger *slog.Logger) {
	registerFleetServices(g.grpcServer, fleetServices{
		fileStream: filestream.NewService(g.fileStream, logger),
		fileSync:   g.fileSync,
		heartbeat:  g.heartbeats,
		kill:       g.kills,
	})
	healthpb.RegisterHealthServer(g.grpcServer, g.health)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Handler returns the HTTP API handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// GRPCServer returns the gRPC server agents connect to.
func (g *Gateway) GRPCServer() *grpc.Server {
	return g.grpcServer
}

func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway and blocks until the context is canceled or a
// server fails. It always shuts the gateway down before returning.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, ends every parked agent stream and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()

	// Parked streams only return once their owners release them
	g.heartbeats.Shutdown()
	g.kills.Close()
	g.fileStream.Close()

	g.shutdownGRPCServer(ctx)

	g.fileSync.Close()
	g.manifests.Close()
	g.closeRouting()
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
