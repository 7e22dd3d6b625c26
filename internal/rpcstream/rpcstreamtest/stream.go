// ABOUTME: In-memory fake of a gRPC server stream for handler tests
// ABOUTME: Inbound messages are fed through Push and outbound messages recorded for assertions

package rpcstreamtest

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc"
)

// ServerStream satisfies grpc.BidiStreamingServer[Req, Res] and
// grpc.ServerStreamingServer[Res]. Methods not overridden panic through the
// nil embedded grpc.ServerStream.
type ServerStream[Req, Res any] struct {
	grpc.ServerStream

	ctx    context.Context
	cancel context.CancelFunc
	in     chan *Req
	errCh  chan error

	mu      sync.Mutex
	sent    []*Res
	sendErr error
}

// NewServerStream creates a stream whose context is derived from ctx.
func NewServerStream[Req, Res any](ctx context.Context) *ServerStream[Req, Res] {
	ctx, cancel := context.WithCancel(ctx)
	return &ServerStream[Req, Res]{
		ctx:    ctx,
		cancel: cancel,
		in:     make(chan *Req, 64),
		errCh:  make(chan error, 1),
	}
}

// Context returns the stream context.
func (s *ServerStream[Req, Res]) Context() context.Context {
	return s.ctx
}

// Recv returns pushed messages in order, io.EOF after CloseSend, the error
// given to Fail, or the context error once Cancel is called.
func (s *ServerStream[Req, Res]) Recv() (*Req, error) {
	select {
	case m, ok := <-s.in:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case err := <-s.errCh:
		return nil, err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// Send records msg, or fails with the error set by FailSends.
func (s *ServerStream[Req, Res]) Send(msg *Res) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

// Push queues an inbound message.
func (s *ServerStream[Req, Res]) Push(msg *Req) {
	s.in <- msg
}

// CloseSend makes Recv return io.EOF once pushed messages are drained.
func (s *ServerStream[Req, Res]) CloseSend() {
	close(s.in)
}

// Fail makes the next Recv return err.
func (s *ServerStream[Req, Res]) Fail(err error) {
	s.errCh <- err
}

// Cancel cancels the stream context.
func (s *ServerStream[Req, Res]) Cancel() {
	s.cancel()
}

// FailSends makes every later Send return err.
func (s *ServerStream[Req, Res]) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns a copy of the recorded outbound messages.
func (s *ServerStream[Req, Res]) Sent() []*Res {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Res, len(s.sent))
	copy(out, s.sent)
	return out
}
