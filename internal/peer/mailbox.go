package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
)

// ErrMailboxClosed is returned when pushing to a closed Mailbox or popping from one
// that is closed and empty.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is an unbounded FIFO queue used to pass messages between goroutines.
// Pushes never block, so a slow consumer can't stall its producers. A Mailbox may
// have any number of producers but is meant to be drained by a single consumer.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	closed bool

	// ready holds a token whenever the mailbox might be non-empty.
	ready chan struct{}
	done  chan struct{}
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		items: queue.New(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends v to the mailbox.
func (m *Mailbox[T]) Push(v T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMailboxClosed
	}
	m.items.Add(v)
	m.signal()
	return nil
}

// TryPop removes the oldest item without blocking. ok is false if the mailbox is empty.
func (m *Mailbox[T]) TryPop() (v T, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.items.Length() == 0 {
		if m.closed {
			return v, false, ErrMailboxClosed
		}
		return v, false, nil
	}

	v = m.items.Remove().(T)
	// Re-arm so that a consumer waiting on Ready comes back for the rest.
	if m.items.Length() > 0 {
		m.signal()
	}
	return v, true, nil
}

// Pop blocks until an item is available, the mailbox is closed and drained, or ctx is done.
func (m *Mailbox[T]) Pop(ctx context.Context) (T, error) {
	for {
		v, ok, err := m.TryPop()
		if ok || err != nil {
			return v, err
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-m.ready:
		case <-m.done:
		}
	}
}

// Ready returns a channel that receives a value when items may be available.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Length()
}

// Close stops the mailbox from accepting new items. Items already queued can still
// be popped. Closing more than once is a no-op.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
	m.signal()
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
