package eventbus

import (
	"fmt"
	"sync"

	"esp32-tools/internal/domain"
)

// ChannelSubscriber buffers events on a channel. A full buffer counts as an
// unreachable subscriber.
type ChannelSubscriber struct {
	ch     chan domain.Event
	mu     sync.RWMutex
	closed bool
}

// NewChannelSubscriber creates a subscriber with the given buffer (min 1).
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSubscriber{ch: make(chan domain.Event, buffer)}
}

// Events returns the receive side. It is closed when the subscriber is.
func (c *ChannelSubscriber) Events() <-chan domain.Event { return c.ch }

// Deliver enqueues ev without blocking.
func (c *ChannelSubscriber) Deliver(ev domain.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("%w: closed", domain.ErrSubscriberUnreachable)
	}
	select {
	case c.ch <- ev:
		return nil
	default:
		return fmt.Errorf("%w: buffer full", domain.ErrSubscriberUnreachable)
	}
}

// Close closes the events channel. Safe to call more than once.
func (c *ChannelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// FuncSubscriber adapts a function to domain.Subscriber. The function must
// not block; returning an error removes the subscriber.
type FuncSubscriber struct {
	fn      func(domain.Event) error
	onClose func()
	once    sync.Once
}

// NewFuncSubscriber wraps fn. onClose may be nil.
func NewFuncSubscriber(fn func(domain.Event) error, onClose func()) *FuncSubscriber {
	return &FuncSubscriber{fn: fn, onClose: onClose}
}

func (f *FuncSubscriber) Deliver(ev domain.Event) error { return f.fn(ev) }

func (f *FuncSubscriber) Close() {
	f.once.Do(func() {
		if f.onClose != nil {
			f.onClose()
		}
	})
}
