// ABOUTME: Moves a blocking gRPC Recv loop onto its own goroutine
// ABOUTME: Lets stream handlers select between inbound messages and server-side events

package rpcstream

import "context"

// Result is one value returned by a stream's Recv.
type Result[T any] struct {
	Msg *T
	Err error
}

// Recv calls recv until it returns an error, delivering every result on the
// returned channel. The goroutine exits after the first error or once ctx is
// done. gRPC cancels the stream context when the handler returns, which
// unblocks a pending Recv.
func Recv[T any](ctx context.Context, recv func() (*T, error)) <-chan Result[T] {
	out := make(chan Result[T])
	go func() {
		for {
			msg, err := recv()
			select {
			case out <- Result[T]{Msg: msg, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}
