package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"esp32-tools/internal/domain"
)

type registration struct {
	id  uint64
	sub domain.Subscriber
}

// Relay fans out events to a dynamic set of subscribers.
//
// Broadcasts are serialized so every live subscriber observes events in call
// order. Each subscriber gets exactly one non-blocking Deliver per event; the
// first failed delivery removes and closes it. The registry lock is never
// held while delivering.
type Relay struct {
	mu     sync.Mutex // guards subs
	subs   []registration
	nextID atomic.Uint64

	sendMu sync.Mutex // serializes Broadcast

	logger *slog.Logger
	closed atomic.Bool

	delivered atomic.Uint64
	pruned    atomic.Uint64
}

// New creates an event relay.
func New(logger *slog.Logger) *Relay {
	return &Relay{logger: logger}
}

var _ domain.EventRelay = (*Relay)(nil)

// Add registers a subscriber. Subscribers added to a closed relay are closed
// immediately.
func (r *Relay) Add(sub domain.Subscriber) {
	r.mu.Lock()
	// Close flips closed before taking mu, so checking under mu means sub is
	// either in Close's snapshot or rejected here.
	if r.closed.Load() {
		r.mu.Unlock()
		sub.Close()
		return
	}
	r.subs = append(r.subs, registration{id: r.nextID.Add(1), sub: sub})
	r.mu.Unlock()
}

// Subscribe registers a channel-backed subscriber with the given buffer.
func (r *Relay) Subscribe(buffer int) *ChannelSubscriber {
	sub := NewChannelSubscriber(buffer)
	r.Add(sub)
	return sub
}

// Unsubscribe removes and closes sub. Unknown subscribers are ignored.
func (r *Relay) Unsubscribe(sub domain.Subscriber) {
	if r.remove(func(reg registration) bool { return reg.sub == sub }) {
		sub.Close()
	}
}

// remove deletes the first registration matching fn.
func (r *Relay) remove(fn func(registration) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.subs {
		if fn(reg) {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Broadcast delivers event to every subscriber registered at call time, in
// registration order. It never fails; unreachable subscribers are pruned.
func (r *Relay) Broadcast(ctx context.Context, event domain.Event) {
	if r.closed.Load() {
		return
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	snapshot := make([]registration, len(r.subs))
	copy(snapshot, r.subs)
	r.mu.Unlock()

	for _, reg := range snapshot {
		if err := r.deliver(reg.sub, event); err != nil {
			id := reg.id
			if r.remove(func(x registration) bool { return x.id == id }) {
				reg.sub.Close()
				r.pruned.Add(1)
				r.logger.DebugContext(ctx, "subscriber pruned",
					"event", string(event.Type),
					"error", err,
				)
			}
			continue
		}
		r.delivered.Add(1)
	}
}

// deliver calls Deliver, converting a panic into an unreachable error.
func (r *Relay) deliver(sub domain.Subscriber, event domain.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber panicked", "event", string(event.Type), "panic", p)
			err = fmt.Errorf("%w: panic: %v", domain.ErrSubscriberUnreachable, p)
		}
	}()
	return sub.Deliver(event)
}

// Len returns the number of registered subscribers.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Stats reports delivery counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Pruned      uint64 `json:"pruned"`
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Subscribers: r.Len(),
		Delivered:   r.delivered.Load(),
		Pruned:      r.pruned.Load(),
	}
}

// Close stops broadcasting and closes every subscriber. Close is idempotent.
func (r *Relay) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, reg := range subs {
		reg.sub.Close()
	}
}
