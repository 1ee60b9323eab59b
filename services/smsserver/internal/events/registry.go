// Package events is the in-process live channel used to wake connected
// devices. Subscriptions live only in this process and do not survive a
// restart; devices fall back to polling.
package events

import (
	"sync"
)

// EventMessageEnqueued tells a device to poll its pending queue.
const EventMessageEnqueued = "MessageEnqueued"

const defaultBuffer = 16

// Event is one wake-up notification. Data is JSON-encodable.
type Event struct {
	Name string
	Data any
}

// Registry maps a device id to the set of live subscriptions for it.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewRegistry builds an empty registry. buffer is the per-subscription
// queue depth; values <= 0 use a default.
func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Registry{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription receives events for a single device until closed.
type Subscription struct {
	registry *Registry
	deviceID string
	ch       chan Event
	once     sync.Once
}

// Subscribe registers a new listener for deviceID.
func (r *Registry) Subscribe(deviceID string) *Subscription {
	sub := &Subscription{
		registry: r,
		deviceID: deviceID,
		ch:       make(chan Event, r.buffer),
	}
	r.mu.Lock()
	set, ok := r.subs[deviceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.subs[deviceID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

// Events returns the receive side of the subscription. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close removes the subscription from the registry. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		r := s.registry
		r.mu.Lock()
		if set, ok := r.subs[s.deviceID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(r.subs, s.deviceID)
			}
		}
		close(s.ch)
		r.mu.Unlock()
	})
}

// Publish delivers ev to every current subscriber of deviceID and returns how
// many received it. It never blocks: a subscriber with a full buffer misses
// the event. With no subscribers the event is dropped.
func (r *Registry) Publish(deviceID string, ev Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivered := 0
	for sub := range r.subs[deviceID] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// ListenerCount reports the number of live subscriptions for deviceID.
func (r *Registry) ListenerCount(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[deviceID])
}

// Total reports live subscriptions across all devices.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}
