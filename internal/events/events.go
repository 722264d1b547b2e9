// Package events provides the typed lifecycle events every Crucible engine emits
// and a non-blocking in-process bus to fan them out.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type is the kind of lifecycle change an event describes.
type Type string

const (
	TypeRegistered   Type = "registered"
	TypeTransitioned Type = "transitioned"
	TypeFinalized    Type = "finalized"
	TypeFailed       Type = "failed"
	TypeUpdated      Type = "updated"
)

// Components that emit events.
const (
	ComponentClustering = "clustering"
	ComponentAssignment = "assignment"
	ComponentQueue      = "queue"
	ComponentConsensus  = "consensus"
	ComponentMinting    = "minting"
)

// Event is one lifecycle change of a single entity.
// From and To are set for transitions; Payload carries a snapshot of the entity.
type Event struct {
	Type      Type        `json:"type"`
	Component string      `json:"component"`
	EntityID  string      `json:"entity_id"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Emitter accepts lifecycle events. Implementations must never block the caller.
type Emitter interface {
	Emit(Event)
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Emitter = discard{}

// Bus fans events out to subscribers. A subscriber whose buffer is full misses
// the event and its drop counter is incremented.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Emit delivers the event to every subscriber without blocking.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	s := &Subscription{
		ch:  make(chan Event, buffer),
		bus: b,
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription receives events from a Bus.
type Subscription struct {
	ch      chan Event
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// Events returns the channel of delivered events. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the events channel. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
	return nil
}
