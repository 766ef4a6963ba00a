package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrFull reports a full in-memory buffer. Callers treat it like broker
// unavailability: the work was not accepted.
var ErrFull = errors.New("work queue buffer full")

// Memory is a channel-backed queue for tests and single-process development.
// It preserves the at-least-once contract's shape (a handler error requeues)
// without an external broker.
type Memory struct {
	mu     sync.Mutex
	items  chan Item
	closed bool
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{items: make(chan Item, buffer)}
}

// Enqueue accepts an item without blocking. A full buffer is an error rather
// than a wait: the caller may be the queue's only consumer (Run's requeue
// path), and waiting there would deadlock.
func (m *Memory) Enqueue(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return context.Canceled
	}
	select {
	case m.items <- item:
		return nil
	default:
		return ErrFull
	}
}

// Run consumes items until ctx is cancelled, re-enqueueing on handler error.
func (m *Memory) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-m.items:
			if err := handler(ctx, item); err != nil {
				// At-least-once: the item goes back for another attempt.
				_ = m.Enqueue(ctx, item)
			}
		}
	}
}

// Drain returns the currently queued items without consuming the channel
// concurrently; intended for test assertions.
func (m *Memory) Drain() []Item {
	var out []Item
	for {
		select {
		case item := <-m.items:
			out = append(out, item)
		default:
			return out
		}
	}
}

// Close stops accepting new items.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
