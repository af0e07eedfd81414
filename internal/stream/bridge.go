// Package stream connects a blocking media producer to an HTTP response
// consumer through a bounded in-memory queue. The producer writes byte
// chunks; the consumer drains them in order and may cancel at any point,
// which unblocks the producer within one enqueue timeout.
package stream

import (
	"errors"
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds how far the producer can run ahead of the
	// consumer, in chunks.
	DefaultCapacity = 20

	// DefaultChunkSize is the target payload size of a single chunk.
	DefaultChunkSize = 64 * 1024

	// DefaultEnqueueTimeout bounds how long a producer write may block on a
	// full queue before giving up.
	DefaultEnqueueTimeout = 10 * time.Second

	// DefaultPollTimeout bounds how long the consumer waits for the next
	// chunk before treating the producer as stalled.
	DefaultPollTimeout = 30 * time.Second
)

var (
	// ErrCancelled is returned to the producer once the consumer has gone away.
	ErrCancelled = errors.New("stream cancelled by consumer")

	// ErrEnqueueTimeout is returned when the queue stays full past the
	// enqueue timeout without a cancellation.
	ErrEnqueueTimeout = errors.New("stream enqueue timed out")

	// ErrPollTimeout is returned to the consumer when no chunk arrives
	// within the poll timeout.
	ErrPollTimeout = errors.New("stream producer stalled")
)

// Bridge is one in-flight streamed delivery. The producer side calls
// Enqueue and finally CloseSend; the consumer side calls Next until it
// reports end-of-stream, and Cancel if it stops early. Both sides may be
// driven from different goroutines; each individual side must not be
// called concurrently with itself.
type Bridge struct {
	ch             chan []byte
	enqueueTimeout time.Duration

	cancelOnce sync.Once
	cancelled  chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewBridge creates a bridge with the given queue capacity and producer
// enqueue timeout. Non-positive arguments fall back to the defaults.
func NewBridge(capacity int, enqueueTimeout time.Duration) *Bridge {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = DefaultEnqueueTimeout
	}
	return &Bridge{
		ch:             make(chan []byte, capacity),
		enqueueTimeout: enqueueTimeout,
		cancelled:      make(chan struct{}),
	}
}

// Enqueue hands one chunk to the consumer. It blocks while the queue is
// full, returning ErrCancelled if the consumer cancels or ErrEnqueueTimeout
// if the queue stays full for the whole enqueue timeout. The bridge takes
// ownership of the slice.
func (b *Bridge) Enqueue(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	select {
	case <-b.cancelled:
		return ErrCancelled
	default:
	}

	timer := time.NewTimer(b.enqueueTimeout)
	defer timer.Stop()

	select {
	case b.ch <- chunk:
		return nil
	case <-b.cancelled:
		return ErrCancelled
	case <-timer.C:
		return ErrEnqueueTimeout
	}
}

// CloseSend marks the producer side finished. A non-nil err is surfaced to
// the consumer after it has drained all queued chunks. Safe to call more
// than once; only the first call takes effect. Every producer exit path
// must reach CloseSend so the consumer always observes termination.
func (b *Bridge) CloseSend(err error) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.ch)
	})
}

// Next returns the next chunk in producer order. ok=false means the stream
// ended; err then carries the producer's terminal error, if any. A nil
// chunk with a non-nil err means the wait timed out or the stream was
// cancelled.
func (b *Bridge) Next(timeout time.Duration) (chunk []byte, ok bool, err error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, open := <-b.ch:
		if !open {
			return nil, false, b.terminalErr()
		}
		return chunk, true, nil
	case <-b.cancelled:
		return nil, false, ErrCancelled
	case <-timer.C:
		return nil, false, ErrPollTimeout
	}
}

// Cancel signals the producer to stop. Any producer blocked on a full
// queue unblocks immediately; a producer between writes observes the
// cancellation on its next Enqueue. Safe to call more than once.
func (b *Bridge) Cancel() {
	b.cancelOnce.Do(func() { close(b.cancelled) })
}

// Cancelled reports whether the consumer has cancelled the stream.
func (b *Bridge) Cancelled() bool {
	select {
	case <-b.cancelled:
		return true
	default:
		return false
	}
}

func (b *Bridge) terminalErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// ChunkWriter adapts the bridge's producer side to the byte-sink surface
// that download routines expect: Write, Flush, Close. Partial writes are
// batched into fixed-size chunks; Flush pushes any partial chunk through
// immediately.
type ChunkWriter struct {
	bridge    *Bridge
	chunkSize int
	buf       []byte
}

// NewChunkWriter wraps the producer side of b. A non-positive chunkSize
// falls back to DefaultChunkSize.
func NewChunkWriter(b *Bridge, chunkSize int) *ChunkWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkWriter{
		bridge:    b,
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize),
	}
}

// Write buffers p and enqueues full chunks as they fill. It reports the
// full length of p on success so callers treating it as an io.Writer see
// no short writes.
func (w *ChunkWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := w.chunkSize - len(w.buf)
		if n > len(p) {
			n = len(p)
		}
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]

		if len(w.buf) == w.chunkSize {
			if err := w.emit(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// Flush enqueues any buffered partial chunk.
func (w *ChunkWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	return w.emit()
}

// Close flushes the remaining buffer and marks the stream complete. If the
// final flush fails, the failure becomes the stream's terminal error.
func (w *ChunkWriter) Close() error {
	err := w.Flush()
	w.bridge.CloseSend(err)
	return err
}

// Abort marks the stream failed with err without flushing buffered data.
func (w *ChunkWriter) Abort(err error) {
	w.buf = w.buf[:0]
	w.bridge.CloseSend(err)
}

func (w *ChunkWriter) emit() error {
	chunk := make([]byte, len(w.buf))
	copy(chunk, w.buf)
	w.buf = w.buf[:0]
	return w.bridge.Enqueue(chunk)
}
