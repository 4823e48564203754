// Package bus hands broker deliveries from the transport's read loop to the
// goroutine that runs a destination's handlers. One Mailbox exists per
// destination, which keeps delivery order per destination intact.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrMailboxClosed is returned when publishing to a closed Mailbox.
var ErrMailboxClosed = errors.New("mailbox closed")

const DefaultMailboxSize = 64

type Mailbox struct {
	deliveries chan Delivery
	done       chan struct{}
	closed     atomic.Bool
}

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{
		deliveries: make(chan Delivery, size),
		done:       make(chan struct{}),
	}
}

// Publish queues d, blocking while the mailbox is full.
func (m *Mailbox) Publish(ctx context.Context, d Delivery) error {
	if m.closed.Load() {
		return ErrMailboxClosed
	}
	select {
	case m.deliveries <- d:
		return nil
	case <-m.done:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the next delivery, or false once the mailbox is closed or
// ctx is done.
func (m *Mailbox) Consume(ctx context.Context) (Delivery, bool) {
	select {
	case d, ok := <-m.deliveries:
		return d, ok
	case <-m.done:
		return Delivery{}, false
	case <-ctx.Done():
		return Delivery{}, false
	}
}

// Done is closed when the mailbox is closed.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox) Len() int {
	return len(m.deliveries)
}

func (m *Mailbox) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
}
