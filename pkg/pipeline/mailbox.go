package pipeline

import (
	"context"
	"sync"
)

// Mailbox is a single-slot, latest-wins queue between two workers. Put
// never blocks: an unconsumed value is overwritten and counted as a drop.
// Take blocks until a value arrives, the context ends, or the mailbox is
// closed. One producer, one consumer.
type Mailbox[T any] struct {
	mu      sync.Mutex
	val     T
	fresh   bool
	dropped uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put stores v as the pending value, replacing any unconsumed one. After
// Close it is a no-op.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.fresh {
		m.dropped++
	}
	m.val, m.fresh = v, true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Take returns the pending value, waiting for one if necessary. A pending
// value is still delivered after Close; once drained, Take reports
// ErrStopped.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	var zero T
	for {
		m.mu.Lock()
		if m.fresh {
			v := m.val
			m.val, m.fresh = zero, false
			m.mu.Unlock()
			return v, nil
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return zero, ErrStopped
		}
		select {
		case <-m.notify:
		case <-m.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryTake returns the pending value without waiting.
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if !m.fresh {
		return zero, false
	}
	v := m.val
	m.val, m.fresh = zero, false
	return v, true
}

// Dropped returns how many values were overwritten before being taken.
func (m *Mailbox[T]) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close releases blocked Takes. Idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
}
