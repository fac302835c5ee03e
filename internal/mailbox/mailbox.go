// Package mailbox provides the unbounded FIFO queues that connect the
// bridge actors. Producers never block; consumers block until an item
// arrives, the mailbox is closed, or their context is cancelled.
package mailbox

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is an unbounded FIFO queue safe for concurrent use.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

// New returns an empty, open mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Push appends v. It never blocks and reports false if the mailbox is
// already closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.wake()
	return true
}

// Pop removes and returns the oldest item, blocking while the mailbox is
// empty. Items pushed before Close are still delivered.
func (m *Mailbox[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok, err := m.TryPop(); ok || err != nil {
			return v, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.notify:
		}
	}
}

// TryPop returns the oldest item without blocking. ok is false when the
// mailbox is empty; err is ErrClosed when it is also closed.
func (m *Mailbox[T]) TryPop() (v T, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		if m.closed {
			return v, false, ErrClosed
		}
		return v, false, nil
	}
	v = m.items[0]
	var zero T
	m.items[0] = zero
	m.items = m.items[1:]
	if len(m.items) > 0 {
		// Another consumer may be parked on notify.
		m.wake()
	}
	return v, true, nil
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops the mailbox from accepting new items and wakes consumers.
// Closing twice is a no-op.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *Mailbox[T]) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
