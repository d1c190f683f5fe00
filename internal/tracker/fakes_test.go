package tracker

import (
	"context"
	"math"
	"sync"
	"time"

	"bus-tracker/internal/db"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/live"
	"bus-tracker/internal/transit"
)

const kmPerDegree = geo.EarthRadiusMeters * math.Pi / 180 / 1000

// at returns the point km east of the origin on the equator.
func at(km float64) geo.Point {
	return geo.Point{Lat: 0, Lon: km / kmPerDegree}
}

// memStore keeps routes, trips and history in memory.
type memStore struct {
	mu      sync.Mutex
	routes   map[string]*transit.Route
	versions map[routeKey]*transit.Route // prepared snapshots
	trips   map[string]*transit.Trip
	history map[string]eta.History
	samples []eta.Sample
	saved   []*transit.Route

	saveErr    error
	hideActive bool // skip the driver pre-check to simulate a creation race
}

func newMemStore() *memStore {
	return &memStore{
		routes:   make(map[string]*transit.Route),
		versions: make(map[routeKey]*transit.Route),
		trips:   make(map[string]*transit.Trip),
		history: make(map[string]eta.History),
	}
}

func cloneRoute(r *transit.Route) *transit.Route {
	c := *r
	c.Path = append([]geo.Point(nil), r.Path...)
	c.Stops = append([]transit.Stop(nil), r.Stops...)
	return &c
}

func (m *memStore) Route(_ context.Context, id string) (*transit.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cloneRoute(r), nil
}

// PreparedRoute serves saved snapshots, and the current route when it is
// prepared at the requested version.
func (m *memStore) PreparedRoute(_ context.Context, id string, version int) (*transit.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.versions[routeKey{routeID: id, version: version}]; ok {
		return cloneRoute(r), nil
	}
	if r, ok := m.routes[id]; ok && r.Version == version && r.Prepared {
		return cloneRoute(r), nil
	}
	return nil, db.ErrNotFound
}

func (m *memStore) SaveStopOffsets(_ context.Context, r *transit.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = cloneRoute(r)
	m.versions[routeKey{routeID: r.ID, version: r.Version}] = cloneRoute(r)
	m.saved = append(m.saved, cloneRoute(r))
	return nil
}

// reimport replaces a route the way an edit does: the current version is
// kept as a snapshot if prepared, and the new one is unprepared.
func (m *memStore) reimport(r *transit.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.routes[r.ID]; ok {
		if cur.Prepared {
			m.versions[routeKey{routeID: cur.ID, version: cur.Version}] = cloneRoute(cur)
		}
		r.Version = cur.Version + 1
	}
	r.Prepared = false
	m.routes[r.ID] = cloneRoute(r)
}

func (m *memStore) CreateTrip(_ context.Context, t *transit.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.trips {
		if other.IsActive && other.DriverID == t.DriverID {
			return &db.ActiveTripError{DriverID: t.DriverID, ExistingID: other.ID}
		}
	}
	t.Version = 1
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *memStore) Trip(_ context.Context, id string) (*transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *memStore) ActiveTripByDriver(_ context.Context, driverID string) (*transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hideActive {
		for _, t := range m.trips {
			if t.IsActive && t.DriverID == driverID {
				return t.Clone(), nil
			}
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) SaveTrip(_ context.Context, t *transit.Trip, samples []eta.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cur, ok := m.trips[t.ID]
	if !ok {
		return db.ErrNotFound
	}
	if cur.Version != t.Version {
		return db.ErrStaleTrip
	}
	for _, s := range samples {
		h, ok := m.history[s.RouteID]
		if !ok {
			h = eta.History{}
			m.history[s.RouteID] = h
		}
		h.Add(s.From, s.To, s.Minutes)
	}
	m.samples = append(m.samples, samples...)
	t.Version++
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *memStore) filter(keep func(*transit.Trip) bool) []*transit.Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*transit.Trip
	for _, t := range m.trips {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (m *memStore) CountActiveTrips(context.Context) (int, error) {
	return len(m.filter(func(t *transit.Trip) bool { return t.IsActive })), nil
}

func (m *memStore) StaleActiveTrips(_ context.Context, cutoff time.Time) ([]*transit.Trip, error) {
	return m.filter(func(t *transit.Trip) bool { return t.IsActive && t.UpdatedAt.Before(cutoff) }), nil
}

func (m *memStore) ExpiredTrips(_ context.Context, cutoff time.Time) ([]*transit.Trip, error) {
	return m.filter(func(t *transit.Trip) bool { return !t.IsActive && t.UpdatedAt.Before(cutoff) }), nil
}

func (m *memStore) DeleteExpiredTrips(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.trips {
		if !t.IsActive && t.UpdatedAt.Before(cutoff) {
			delete(m.trips, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) SegmentDurations(_ context.Context, routeID string) (eta.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := eta.History{}
	for k, v := range m.history[routeID] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) seedHistory(routeID, from, to string, minutes float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[routeID]
	if !ok {
		h = eta.History{}
		m.history[routeID] = h
	}
	h.Add(from, to, minutes)
}

func (m *memStore) stored(id string) *transit.Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trips[id].Clone()
}

type recorder struct {
	mu     sync.Mutex
	events []live.Event
}

func (r *recorder) Publish(_ context.Context, ev live.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []live.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]live.Event(nil), r.events...)
}
