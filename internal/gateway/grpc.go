// ABOUTME: gRPC server construction and registration of the agent-facing fleet services
// ABOUTME: Panics in handlers are logged and surfaced to agents as Internal errors

package gateway

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	pb "github.com/2389/stream-gateway/proto/fleet"
)

// fleetServices groups the handlers behind each agent-facing service.
type fleetServices struct {
	fileStream pb.FileStreamServiceServer
	fileSync   pb.JobFileSyncServiceServer
	heartbeat  pb.HeartBeatServiceServer
	kill       pb.JobKillServiceServer
}

// newGRPCServer creates the server agents connect to. Agents hold streams open
// for the lifetime of a job, so keepalives detect dead peers.
func newGRPCServer(logger *slog.Logger) *grpc.Server {
	logger = logger.With("component", "grpc")
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(recoverUnaryInterceptor(logger)),
		grpc.ChainStreamInterceptor(recoverStreamInterceptor(logger)),
	)
}

func registerFleetServices(s grpc.ServiceRegistrar, svcs fleetServices) {
	pb.RegisterFileStreamServiceServer(s, svcs.fileStream)
	pb.RegisterJobFileSyncServiceServer(s, svcs.fileSync)
	pb.RegisterHeartBeatServiceServer(s, svcs.heartbeat)
	pb.RegisterJobKillServiceServer(s, svcs.kill)
}

func recoverUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(logger, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

func recoverStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(logger, info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

func panicError(logger *slog.Logger, method string, r any) error {
	logger.Error("panic in gRPC handler",
		"method", method,
		"panic", r,
		"stack", string(debug.Stack()),
	)
	return status.Errorf(codes.Internal, "internal error in %s", method)
}
