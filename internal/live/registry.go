// Package live fans trip snapshots out to the viewers that joined a trip's
// session.
package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"bus-tracker/internal/metrics"
	"bus-tracker/internal/transit"
)

type EventType string

const (
	EventPosition  EventType = "positionUpdate"
	EventTripEnded EventType = "tripEnded"
)

// Event is one message of a trip session.
type Event struct {
	Type     EventType         `json:"type"`
	TripID   string            `json:"tripId"`
	Snapshot *transit.Snapshot `json:"snapshot,omitempty"`
	At       time.Time         `json:"at"`
}

func PositionUpdate(s transit.Snapshot) Event {
	return Event{Type: EventPosition, TripID: s.TripID, Snapshot: &s, At: s.Timestamp}
}

func TripEnded(tripID string, at time.Time) Event {
	return Event{Type: EventTripEnded, TripID: tripID, At: at}
}

// Publisher accepts events for delivery. Implementations must not block the
// caller on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Fanout publishes every event to each of its publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// ErrClosed is returned by Join after the registry was shut down.
var ErrClosed = errors.New("live registry closed")

// DefaultBuffer is the per-viewer queue length.
const DefaultBuffer = 16

// Subscriber is one viewer joined to a trip session.
type Subscriber struct {
	id     uint64
	tripID string
	ch     chan Event
}

// Events is closed when the subscriber leaves or the registry closes.
func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) TripID() string { return s.tripID }

// Registry maps trip ids to their joined viewers.
type Registry struct {
	buffer  int
	metrics *metrics.Collector

	mu       sync.RWMutex
	sessions map[string]map[uint64]*Subscriber
	nextID   uint64
	closed   bool
}

func NewRegistry(buffer int, m *metrics.Collector) *Registry {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Registry{
		buffer:   buffer,
		metrics:  m,
		sessions: make(map[string]map[uint64]*Subscriber),
	}
}

// Join subscribes a new viewer to the trip. No backlog is replayed.
func (r *Registry) Join(tripID string) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.nextID++
	s := &Subscriber{id: r.nextID, tripID: tripID, ch: make(chan Event, r.buffer)}
	set, ok := r.sessions[tripID]
	if !ok {
		set = make(map[uint64]*Subscriber)
		r.sessions[tripID] = set
	}
	set[s.id] = s
	if r.metrics != nil {
		r.metrics.LiveViewers.Inc()
	}
	return s, nil
}

// Leave unsubscribes the viewer and closes its channel. Safe to call twice.
func (r *Registry) Leave(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[s.tripID]
	if !ok {
		return
	}
	if _, ok := set[s.id]; !ok {
		return
	}
	delete(set, s.id)
	close(s.ch)
	if len(set) == 0 {
		delete(r.sessions, s.tripID)
	}
	if r.metrics != nil {
		r.metrics.LiveViewers.Dec()
	}
}

// Publish delivers ev to every viewer of its trip without blocking. A viewer
// whose queue is full misses the event.
func (r *Registry) Publish(_ context.Context, ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions[ev.TripID] {
		select {
		case s.ch <- ev:
		default:
			if r.metrics != nil {
				r.metrics.LiveDropped.Inc()
			}
		}
	}
}

// Viewers returns the number of viewers joined to the trip.
func (r *Registry) Viewers(tripID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[tripID])
}

// Close disconnects every viewer. Later joins fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for tripID, set := range r.sessions {
		for _, s := range set {
			close(s.ch)
			if r.metrics != nil {
				r.metrics.LiveViewers.Dec()
			}
		}
		delete(r.sessions, tripID)
	}
}
