package channel

import (
	"sync"

	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/metrics"
)

// State is the connectivity of the shared connection.
type State int

// Connectivity states reported to status subscribers.
const (
	Disconnected State = iota
	Connected
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Subscription is one consumer's handle on the shared feed.
type Subscription struct {
	owner *Channel
	ch    chan event.Event
	once  sync.Once
}

var _ event.Stream = (*Subscription)(nil)

// Events returns the subscriber's event stream. It is closed after Close or
// when the Channel shuts down.
func (s *Subscription) Events() <-chan event.Event {
	return s.ch
}

// Close releases this subscriber only. The connection and other subscribers
// are unaffected. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		metrics.DecSubscribers()
		s.owner.mu.RLock()
		defer s.owner.mu.RUnlock()
		if s.owner.closed {
			return
		}
		s.owner.events.Unsub(s.ch)
	})
}

// StatusSubscription observes Connected and Disconnected transitions.
type StatusSubscription struct {
	owner *Channel
	ch    chan State
	once  sync.Once
}

// States returns the transition stream.
func (s *StatusSubscription) States() <-chan State {
	return s.ch
}

// Close stops delivery of transitions to this observer.
func (s *StatusSubscription) Close() {
	s.once.Do(func() {
		s.owner.mu.RLock()
		defer s.owner.mu.RUnlock()
		if s.owner.closed {
			return
		}
		s.owner.status.Unsub(s.ch)
	})
}
