package modem

import (
	"context"
	"sync"
	"time"
)

// OverflowPolicy decides what Put does when the buffer is full.
type OverflowPolicy int

const (
	// OverwriteOldest drops the oldest unread byte to make room. Drops are
	// counted and reported by Dropped.
	OverwriteOldest OverflowPolicy = iota
	// BlockProducer makes Put wait until a reader frees space.
	BlockProducer
)

func (p OverflowPolicy) String() string {
	if p == BlockProducer {
		return "block"
	}
	return "overwrite"
}

// CircularBuffer is a fixed capacity byte FIFO shared between the transport
// reader and the response synchronizer. Cursors advance modulo capacity.
//
// Get and Peek block until a byte arrives, the context is done, or the
// configured timeout elapses; a timeout leaves the buffer usable.
type CircularBuffer struct {
	mu      sync.Mutex
	data    []byte
	read    int
	write   int
	size    int
	policy  OverflowPolicy
	timeout time.Duration
	dropped uint64
	closed  error

	// avail and space are closed and replaced to wake waiters.
	avail chan struct{}
	space chan struct{}
}

// NewCircularBuffer returns a buffer of the given capacity. A timeout of zero
// makes reads wait for as long as their context allows.
func NewCircularBuffer(capacity int, timeout time.Duration, policy OverflowPolicy) *CircularBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &CircularBuffer{
		data:    make([]byte, capacity),
		policy:  policy,
		timeout: timeout,
		avail:   make(chan struct{}),
		space:   make(chan struct{}),
	}
}

func broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

// Put appends c and wakes readers.
func (b *CircularBuffer) Put(ctx context.Context, c byte) error {
	for {
		b.mu.Lock()
		if b.closed != nil {
			err := b.closed
			b.mu.Unlock()
			return err
		}
		if b.size < len(b.data) {
			break
		}
		if b.policy == OverwriteOldest {
			b.read = (b.read + 1) % len(b.data)
			b.size--
			b.dropped++
			break
		}
		wait := b.space
		b.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.data[b.write] = c
	b.write = (b.write + 1) % len(b.data)
	b.size++
	broadcast(&b.avail)
	b.mu.Unlock()
	return nil
}

// Write puts every byte of p in order. It implements io.Writer for callers
// that do not need cancellation.
func (b *CircularBuffer) Write(p []byte) (int, error) {
	for i, c := range p {
		if err := b.Put(context.Background(), c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Get removes and returns the oldest byte.
func (b *CircularBuffer) Get(ctx context.Context) (byte, error) {
	return b.take(ctx, true)
}

// Peek returns the oldest byte without consuming it.
func (b *CircularBuffer) Peek(ctx context.Context) (byte, error) {
	return b.take(ctx, false)
}

func (b *CircularBuffer) take(ctx context.Context, consume bool) (byte, error) {
	var expired <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.Lock()
		if b.size > 0 {
			c := b.data[b.read]
			if consume {
				b.read = (b.read + 1) % len(b.data)
				b.size--
				broadcast(&b.space)
			}
			b.mu.Unlock()
			return c, nil
		}
		if b.closed != nil {
			err := b.closed
			b.mu.Unlock()
			return 0, err
		}
		wait := b.avail
		b.mu.Unlock()

		select {
		case <-wait:
		case <-expired:
			return 0, ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// PeekN returns up to n buffered bytes without consuming them. It never
// blocks.
func (b *CircularBuffer) PeekN(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.size {
		n = b.size
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = b.data[(b.read+i)%len(b.data)]
	}
	return out
}

// Arrival returns a channel that is closed by the next Put or by Close.
func (b *CircularBuffer) Arrival() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.avail
}

// Len returns the number of unread bytes.
func (b *CircularBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *CircularBuffer) Cap() int {
	return len(b.data)
}

// Dropped returns how many unread bytes were overwritten.
func (b *CircularBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset discards all unread bytes.
func (b *CircularBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read, b.write, b.size = 0, 0, 0
	broadcast(&b.space)
}

// Close wakes every waiter. Once drained, reads return cause, or
// ErrBufferClosed when cause is nil.
func (b *CircularBuffer) Close(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed != nil {
		return
	}
	if cause == nil {
		cause = ErrBufferClosed
	}
	b.closed = cause
	broadcast(&b.avail)
	broadcast(&b.space)
}
