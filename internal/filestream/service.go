// ABOUTME: gRPC FileStreamService serving agent control streams and chunk streams
// ABOUTME: Chunk streams bind to the first transfer id they carry and ack every accepted chunk

package filestream

import (
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/stream-gateway/internal/rpcstream"
	pb "github.com/2389/stream-gateway/proto/fleet"
)

// Service implements pb.FileStreamServiceServer on top of a Coordinator.
type Service struct {
	coord  *Coordinator
	logger *slog.Logger
}

// NewService creates the gRPC service.
func NewService(coord *Coordinator, logger *slog.Logger) *Service {
	return &Service{
		coord:  coord,
		logger: logger.With("component", "file_stream_service"),
	}
}

// Sync serves one agent control stream until the agent closes it.
func (s *Service) Sync(stream pb.FileStreamService_SyncServer) error {
	cs := newControlStream(stream)
	defer s.coord.unregisterControlStream(cs)

	s.logger.Debug("control stream opened", "stream_id", cs.id)
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			s.logger.Debug("control stream completed", "stream_id", cs.id, "job_id", cs.job())
			return nil
		}
		if err != nil {
			s.logger.Debug("control stream error", "stream_id", cs.id, "job_id", cs.job(), "error", err)
			return err
		}

		if err := s.coord.handleManifest(cs, msg); err != nil {
			s.logger.Warn("closing control stream", "stream_id", cs.id, "error", err)
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
}

type chunkState int

const (
	chunkUnclaimed chunkState = iota
	chunkActive
	chunkClosed
)

// chunkStream is the per-stream state of Transmit. It is only touched by the
// handler goroutine.
type chunkStream struct {
	state    chunkState
	transfer *transfer
}

// Transmit receives the chunks of one transfer.
func (s *Service) Transmit(stream pb.FileStreamService_TransmitServer) error {
	cs := &chunkStream{state: chunkUnclaimed}
	msgs := rpcstream.Recv(stream.Context(), stream.Recv)

	for {
		var aborted <-chan struct{}
		if cs.transfer != nil {
			aborted = cs.transfer.aborted
		}

		select {
		case <-aborted:
			cs.state = chunkClosed
			return status.Error(codes.Aborted, cs.transfer.abortErr.Error())

		case r := <-msgs:
			if r.Err != nil {
				return s.endChunkStream(cs, r.Err)
			}
			if err := s.handleChunk(stream, cs, r.Msg); err != nil {
				return err
			}
		}
	}
}

func (s *Service) handleChunk(stream pb.FileStreamService_TransmitServer, cs *chunkStream, msg *pb.AgentFileMessage) error {
	id := msg.GetTransferId()
	if id == "" {
		s.logger.Warn("dropping chunk without transfer id")
		return nil
	}

	switch cs.state {
	case chunkUnclaimed:
		t, ok := s.coord.claimTransfer(id)
		if !ok {
			s.logger.Warn("received chunk for a transfer no longer in progress", "transfer_id", id)
			cs.state = chunkClosed
			return status.Errorf(codes.NotFound, "transfer %s not found", id)
		}
		cs.transfer = t
		cs.state = chunkActive

	case chunkActive:
		if id != cs.transfer.id {
			s.logger.Warn("dropping chunk for a different transfer",
				"transfer_id", cs.transfer.id,
				"received_transfer_id", id,
			)
			return nil
		}

	case chunkClosed:
		return status.Error(codes.FailedPrecondition, "chunk stream closed")
	}

	if err := s.coord.writeChunk(cs.transfer, msg.GetData()); err != nil {
		cs.state = chunkClosed
		return status.Error(codes.Aborted, err.Error())
	}
	if err := stream.Send(&pb.ServerAckMessage{}); err != nil {
		cs.state = chunkClosed
		s.coord.completeTransfer(cs.transfer.id, err)
		return err
	}
	return nil
}

func (s *Service) endChunkStream(cs *chunkStream, err error) error {
	prev := cs.state
	cs.state = chunkClosed
	if prev != chunkActive {
		return nil
	}

	if errors.Is(err, io.EOF) {
		s.coord.completeTransfer(cs.transfer.id, nil)
		return nil
	}
	s.coord.completeTransfer(cs.transfer.id, err)
	return err
}
