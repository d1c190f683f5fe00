package transit

import (
	"time"

	"bus-tracker/internal/geo"
)

// StartOfRoute is the pseudo stop name used as the origin of the first
// segment of a trip in the ETA history.
const StartOfRoute = "START_OF_ROUTE"

// Route is one version of a line's geometry. Stops are in route order.
type Route struct {
	ID       string
	Name     string
	Version  int
	Path     []geo.Point
	Stops    []Stop
	Prepared bool // stop offsets computed for this Version
}

// Stop is a named stop with its position along the route.
type Stop struct {
	Name              string    `json:"name"`
	Location          geo.Point `json:"location"`
	DistanceFromStart float64   `json:"distanceFromStart"` // km
	ProgressFraction  float64   `json:"progressFraction"`
}

// StopByName returns the stop with the given name.
func (r *Route) StopByName(name string) (Stop, bool) {
	for _, s := range r.Stops {
		if s.Name == name {
			return s, true
		}
	}
	return Stop{}, false
}

// Fix is a single raw position report.
type Fix struct {
	Coordinates geo.Point `json:"coordinates"`
	Timestamp   time.Time `json:"timestamp"`
}

// StopReached is one entry of a trip's arrival ledger.
type StopReached struct {
	StopName  string    `json:"stopName"`
	ReachedAt time.Time `json:"reachedAt"`
}

// StopETA is the estimated minutes until a stop, nil when no history exists.
type StopETA struct {
	StopName   string `json:"stopName"`
	ETAMinutes *int   `json:"etaMinutes"`
}

// Trip is one journey of a driver along a route.
type Trip struct {
	ID               string
	RouteID          string
	RouteVersion     int // prepared route version the trip follows
	DriverID         string
	IsActive         bool
	StartedAt        time.Time
	EndedAt          *time.Time
	UpdatedAt        time.Time
	DistanceTraveled float64 // km along the route path
	CurrentPosition  Fix
	PreviousPosition Fix
	ProgressAt       time.Time // timestamp of the fix that last moved DistanceTraveled
	IsOffRoute       bool
	StopsReached     []StopReached
	StopETAs         []StopETA
	Version          int // optimistic concurrency token
}

// Reached reports whether the stop name is already in the ledger.
func (t *Trip) Reached(name string) bool {
	for _, s := range t.StopsReached {
		if s.StopName == name {
			return true
		}
	}
	return false
}

// LastReached returns the most recent ledger entry.
func (t *Trip) LastReached() (StopReached, bool) {
	if len(t.StopsReached) == 0 {
		return StopReached{}, false
	}
	return t.StopsReached[len(t.StopsReached)-1], true
}

// ReachedNames lists the ledger stop names in order.
func (t *Trip) ReachedNames() []string {
	names := make([]string, len(t.StopsReached))
	for i, s := range t.StopsReached {
		names[i] = s.StopName
	}
	return names
}

// Clone returns a deep copy so that updates can be prepared without
// touching the stored state.
func (t *Trip) Clone() *Trip {
	c := *t
	c.StopsReached = append([]StopReached(nil), t.StopsReached...)
	c.StopETAs = append([]StopETA(nil), t.StopETAs...)
	if t.EndedAt != nil {
		e := *t.EndedAt
		c.EndedAt = &e
	}
	return &c
}

// Snapshot is the live state pushed to viewers and returned to drivers.
type Snapshot struct {
	TripID           string    `json:"tripId"`
	RawPosition      geo.Point `json:"rawPosition"`
	SnappedPosition  geo.Point `json:"snappedPosition"`
	StopETAs         []StopETA `json:"stopETAs"`
	DistanceTraveled float64   `json:"distanceTraveled"`
	StopsReached     []string  `json:"stopsReached"`
	TotalRouteLength float64   `json:"totalRouteLength"`
	IsOffRoute       bool      `json:"isOffRoute"`
	Timestamp        time.Time `json:"timestamp"`
}
