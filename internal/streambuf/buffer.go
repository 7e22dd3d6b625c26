// ABOUTME: Bounded producer/consumer byte buffer with one-shot completion or failure
// ABOUTME: Writers block while the buffer is full; readers block until data arrives or it closes

package streambuf

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// DefaultMaxBytes is the capacity used when New is given a non-positive size.
const DefaultMaxBytes = 1 << 20

var (
	// ErrClosed is returned by Write after the buffer was closed.
	ErrClosed = errors.New("streambuf: buffer closed")
	// ErrReaderClosed is returned by Write once the consumer stopped reading.
	ErrReaderClosed = errors.New("streambuf: reader closed")
)

type state int

const (
	stateOpen state = iota
	stateCompleted
	stateFailed
)

// Buffer is safe for one writer and one reader running concurrently.
type Buffer struct {
	mu           sync.Mutex
	cond         *sync.Cond
	data         bytes.Buffer
	max          int
	state        state
	err          error
	readerClosed bool
	written      int64
}

// New creates a buffer holding at most maxBytes unread bytes.
func New(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	b := &Buffer{max: maxBytes}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// NewCompleted returns a buffer that is already closed with no data.
func NewCompleted() *Buffer {
	b := New(0)
	b.CloseWithCompletion()
	return b
}

// Write appends p, blocking while the buffer is full. A chunk larger than the
// capacity is accepted once the buffer has drained.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.state != stateOpen {
			return 0, ErrClosed
		}
		if b.readerClosed {
			return 0, ErrReaderClosed
		}
		if b.data.Len() == 0 || b.data.Len()+len(p) <= b.max {
			break
		}
		b.cond.Wait()
	}

	n, _ := b.data.Write(p)
	b.written += int64(n)
	b.cond.Broadcast()
	return n, nil
}

// CloseWithCompletion marks the end of data. Buffered bytes stay readable.
// It reports whether this call closed the buffer.
func (b *Buffer) CloseWithCompletion() bool {
	return b.close(stateCompleted, nil)
}

// CloseWithError fails the buffer. Readers see err after draining buffered bytes.
// It reports whether this call closed the buffer.
func (b *Buffer) CloseWithError(err error) bool {
	if err == nil {
		err = ErrClosed
	}
	return b.close(stateFailed, err)
}

func (b *Buffer) close(s state, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateOpen {
		return false
	}
	b.state = s
	b.err = err
	b.cond.Broadcast()
	return true
}

// Closed reports whether the buffer has been completed or failed.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != stateOpen
}

// Err returns the failure cause, or nil if the buffer is open or completed.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Written returns the number of bytes accepted by Write so far.
func (b *Buffer) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Reader returns the consumer end. Closing it releases any blocked writer.
func (b *Buffer) Reader() io.ReadCloser {
	return &reader{b: b}
}

type reader struct {
	b *Buffer
}

func (r *reader) Read(p []byte) (int, error) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.readerClosed {
			return 0, ErrReaderClosed
		}
		if b.data.Len() > 0 {
			if len(p) == 0 {
				return 0, nil
			}
			n, _ := b.data.Read(p)
			b.cond.Broadcast()
			return n, nil
		}
		switch b.state {
		case stateCompleted:
			return 0, io.EOF
		case stateFailed:
			return 0, b.err
		}
		b.cond.Wait()
	}
}

func (r *reader) Close() error {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()

	b.readerClosed = true
	b.data.Reset()
	b.cond.Broadcast()
	return nil
}
