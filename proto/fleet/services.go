// ABOUTME: gRPC service descriptors, server registration and client stubs for the fleet services
// ABOUTME: Mirrors protoc-gen-go-grpc output so handlers use the generic stream types

package fleet

import (
	"context"

	"google.golang.org/grpc"
)

const (
	FileStreamService_Sync_FullMethodName                     = "/fleet.FileStreamService/Sync"
	FileStreamService_Transmit_FullMethodName                 = "/fleet.FileStreamService/Transmit"
	JobFileSyncService_Sync_FullMethodName                    = "/fleet.JobFileSyncService/Sync"
	HeartBeatService_Heartbeat_FullMethodName                 = "/fleet.HeartBeatService/Heartbeat"
	JobKillService_RegisterForKillNotification_FullMethodName = "/fleet.JobKillService/RegisterForKillNotification"
)

// FileStream service

type FileStreamService_SyncServer = grpc.BidiStreamingServer[AgentManifestMessage, ServerControlMessage]
type FileStreamService_TransmitServer = grpc.BidiStreamingServer[AgentFileMessage, ServerAckMessage]

// FileStreamServiceServer serves the control stream and chunk streams.
type FileStreamServiceServer interface {
	Sync(FileStreamService_SyncServer) error
	Transmit(FileStreamService_TransmitServer) error
}

func RegisterFileStreamServiceServer(s grpc.ServiceRegistrar, srv FileStreamServiceServer) {
	s.RegisterService(&FileStreamService_ServiceDesc, srv)
}

func _FileStreamService_Sync_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(FileStreamServiceServer).Sync(&grpc.GenericServerStream[AgentManifestMessage, ServerControlMessage]{ServerStream: stream})
}

func _FileStreamService_Transmit_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(FileStreamServiceServer).Transmit(&grpc.GenericServerStream[AgentFileMessage, ServerAckMessage]{ServerStream: stream})
}

var FileStreamService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.FileStreamService",
	HandlerType: (*FileStreamServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       _FileStreamService_Sync_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "Transmit",
			Handler:       _FileStreamService_Transmit_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fleet.proto",
}

type FileStreamServiceClient interface {
	Sync(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[AgentManifestMessage, ServerControlMessage], error)
	Transmit(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[AgentFileMessage, ServerAckMessage], error)
}

type fileStreamServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFileStreamServiceClient(cc grpc.ClientConnInterface) FileStreamServiceClient {
	return &fileStreamServiceClient{cc}
}

func (c *fileStreamServiceClient) Sync(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[AgentManifestMessage, ServerControlMessage], error) {
	stream, err := c.cc.NewStream(ctx, &FileStreamService_ServiceDesc.Streams[0], FileStreamService_Sync_FullMethodName, CallOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[AgentManifestMessage, ServerControlMessage]{ClientStream: stream}, nil
}

func (c *fileStreamServiceClient) Transmit(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[AgentFileMessage, ServerAckMessage], error) {
	stream, err := c.cc.NewStream(ctx, &FileStreamService_ServiceDesc.Streams[1], FileStreamService_Transmit_FullMethodName, CallOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[AgentFileMessage, ServerAckMessage]{ClientStream: stream}, nil
}

// JobFileSync service

type JobFileSyncService_SyncServer = grpc.BidiStreamingServer[SyncRequest, SyncResponse]

// JobFileSyncServiceServer serves push-sync streams.
type JobFileSyncServiceServer interface {
	Sync(JobFileSyncService_SyncServer) error
}

func RegisterJobFileSyncServiceServer(s grpc.ServiceRegistrar, srv JobFileSyncServiceServer) {
	s.RegisterService(&JobFileSyncService_ServiceDesc, srv)
}

func _JobFileSyncService_Sync_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(JobFileSyncServiceServer).Sync(&grpc.GenericServerStream[SyncRequest, SyncResponse]{ServerStream: stream})
}

var JobFileSyncService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.JobFileSyncService",
	HandlerType: (*JobFileSyncServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       _JobFileSyncService_Sync_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fleet.proto",
}

type JobFileSyncServiceClient interface {
	Sync(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[SyncRequest, SyncResponse], error)
}

type jobFileSyncServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewJobFileSyncServiceClient(cc grpc.ClientConnInterface) JobFileSyncServiceClient {
	return &jobFileSyncServiceClient{cc}
}

func (c *jobFileSyncServiceClient) Sync(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[SyncRequest, SyncResponse], error) {
	stream, err := c.cc.NewStream(ctx, &JobFileSyncService_ServiceDesc.Streams[0], JobFileSyncService_Sync_FullMethodName, CallOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[SyncRequest, SyncResponse]{ClientStream: stream}, nil
}

// HeartBeat service

type HeartBeatService_HeartbeatServer = grpc.BidiStreamingServer[AgentHeartBeat, ServerHeartBeat]

// HeartBeatServiceServer serves heartbeat streams.
type HeartBeatServiceServer interface {
	Heartbeat(HeartBeatService_HeartbeatServer) error
}

func RegisterHeartBeatServiceServer(s grpc.ServiceRegistrar, srv HeartBeatServiceServer) {
	s.RegisterService(&HeartBeatService_ServiceDesc, srv)
}

func _HeartBeatService_Heartbeat_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(HeartBeatServiceServer).Heartbeat(&grpc.GenericServerStream[AgentHeartBeat, ServerHeartBeat]{ServerStream: stream})
}

var HeartBeatService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.HeartBeatService",
	HandlerType: (*HeartBeatServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Heartbeat",
			Handler:       _HeartBeatService_Heartbeat_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fleet.proto",
}

type HeartBeatServiceClient interface {
	Heartbeat(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[AgentHeartBeat, ServerHeartBeat], error)
}

type heartBeatServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewHeartBeatServiceClient(cc grpc.ClientConnInterface) HeartBeatServiceClient {
	return &heartBeatServiceClient{cc}
}

func (c *heartBeatServiceClient) Heartbeat(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[AgentHeartBeat, ServerHeartBeat], error) {
	stream, err := c.cc.NewStream(ctx, &HeartBeatService_ServiceDesc.Streams[0], HeartBeatService_Heartbeat_FullMethodName, CallOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[AgentHeartBeat, ServerHeartBeat]{ClientStream: stream}, nil
}

// JobKill service

type JobKillService_RegisterForKillNotificationServer = grpc.ServerStreamingServer[JobKillRegistrationResponse]

// JobKillServiceServer parks kill registrations and pushes the kill notification.
type JobKillServiceServer interface {
	RegisterForKillNotification(*JobKillRegistrationRequest, JobKillService_RegisterForKillNotificationServer) error
}

func RegisterJobKillServiceServer(s grpc.ServiceRegistrar, srv JobKillServiceServer) {
	s.RegisterService(&JobKillService_ServiceDesc, srv)
}

func _JobKillService_RegisterForKillNotification_Handler(srv any, stream grpc.ServerStream) error {
	m := new(JobKillRegistrationRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(JobKillServiceServer).RegisterForKillNotification(m, &grpc.GenericServerStream[JobKillRegistrationRequest, JobKillRegistrationResponse]{ServerStream: stream})
}

var JobKillService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.JobKillService",
	HandlerType: (*JobKillServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RegisterForKillNotification",
			Handler:       _JobKillService_RegisterForKillNotification_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "fleet.proto",
}

type JobKillServiceClient interface {
	RegisterForKillNotification(ctx context.Context, in *JobKillRegistrationRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[JobKillRegistrationResponse], error)
}

type jobKillServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewJobKillServiceClient(cc grpc.ClientConnInterface) JobKillServiceClient {
	return &jobKillServiceClient{cc}
}

func (c *jobKillServiceClient) RegisterForKillNotification(ctx context.Context, in *JobKillRegistrationRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[JobKillRegistrationResponse], error) {
	stream, err := c.cc.NewStream(ctx, &JobKillService_ServiceDesc.Streams[0], JobKillService_RegisterForKillNotification_FullMethodName, CallOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[JobKillRegistrationRequest, JobKillRegistrationResponse]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
