// Package channel provides bounded mailboxes for fan-out consumers.
package channel

import (
	"sync"
	"sync/atomic"
)

// Mailbox is a bounded, non-blocking queue with a single reader. Senders
// never block: a full mailbox rejects the value and counts the drop.
// Sending after Close is a no-op.
type Mailbox[T any] struct {
	ch     chan T
	mu     sync.RWMutex
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewMailbox creates a mailbox holding up to size values. Sizes below one
// are raised to one.
func NewMailbox[T any](size int) *Mailbox[T] {
	if size < 1 {
		size = 1
	}
	return &Mailbox[T]{ch: make(chan T, size)}
}

// TrySend enqueues v and reports whether it was accepted.
func (m *Mailbox[T]) TrySend(v T) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- v:
		m.sent.Add(1)
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// Chan returns the receive side. It is closed by Close.
func (m *Mailbox[T]) Chan() <-chan T { return m.ch }

// Close closes the mailbox. It is safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// Closed reports whether Close was called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Stats returns mailbox statistics.
func (m *Mailbox[T]) Stats() MailboxStats {
	return MailboxStats{
		Capacity: cap(m.ch),
		Length:   len(m.ch),
		Sent:     m.sent.Load(),
		Dropped:  m.dropped.Load(),
	}
}

// MailboxStats contains mailbox statistics.
type MailboxStats struct {
	Capacity int   `json:"capacity"`
	Length   int   `json:"length"`
	Sent     int64 `json:"sent"`
	Dropped  int64 `json:"dropped"`
}
