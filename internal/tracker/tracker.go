// Package tracker is the trip state machine. It fuses raw driver fixes into
// progress along a route, records stop arrivals into the ETA history,
// recomputes ETAs and hands every accepted state to the live publisher.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bus-tracker/internal/arrival"
	"bus-tracker/internal/auth"
	"bus-tracker/internal/db"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/live"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/transit"
)

// Routes supplies route definitions. Route returns the latest version;
// PreparedRoute returns a version whose stop offsets were saved, unchanged by
// later edits.
type Routes interface {
	Route(ctx context.Context, id string) (*transit.Route, error)
	PreparedRoute(ctx context.Context, id string, version int) (*transit.Route, error)
	SaveStopOffsets(ctx context.Context, r *transit.Route) error
}

// Trips persists trips. SaveTrip writes the trip and folds the samples into
// the ETA history atomically, succeeds only if the stored version equals
// t.Version, and increments t.Version on success.
type Trips interface {
	CreateTrip(ctx context.Context, t *transit.Trip) error
	Trip(ctx context.Context, id string) (*transit.Trip, error)
	ActiveTripByDriver(ctx context.Context, driverID string) (*transit.Trip, error)
	SaveTrip(ctx context.Context, t *transit.Trip, samples []eta.Sample) error
	CountActiveTrips(ctx context.Context) (int, error)
	StaleActiveTrips(ctx context.Context, cutoff time.Time) ([]*transit.Trip, error)
	ExpiredTrips(ctx context.Context, cutoff time.Time) ([]*transit.Trip, error)
	DeleteExpiredTrips(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the tracking thresholds.
type Config struct {
	StartProximityM     float64
	OffRouteM           float64
	ArrivalRadiusM      float64
	MaxSpeedKmh         float64
	MinJumpKm           float64
	BackwardToleranceKm float64
	Retention           time.Duration
}

func DefaultConfig() Config {
	return Config{
		StartProximityM:     70,
		OffRouteM:           70,
		ArrivalRadiusM:      arrival.DefaultRadiusMeters,
		MaxSpeedKmh:         100,
		MinJumpKm:           0.15,
		BackwardToleranceKm: 0.5,
		Retention:           24 * time.Hour,
	}
}

type Deps struct {
	Routes    Routes
	Trips     Trips
	History   eta.Source // optional
	Publisher live.Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Collector // optional
}

type Tracker struct {
	routes   Routes
	trips    Trips
	history  eta.Source
	pub      live.Publisher
	detector *arrival.Detector
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Collector

	now   func() time.Time
	newID func() string

	mu     sync.RWMutex
	routeC map[routeKey]*preparedRoute
}

type routeKey struct {
	routeID string
	version int
}

// preparedRoute is an immutable route version with its polyline.
type preparedRoute struct {
	route *transit.Route
	line  *geo.Polyline
}

// cachedVersions is how many versions of one route stay cached; trips
// started before an edit keep following the previous one.
const cachedVersions = 2

func New(d Deps, cfg Config) *Tracker {
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	pub := d.Publisher
	if pub == nil {
		pub = live.Fanout(nil)
	}
	return &Tracker{
		routes:   d.Routes,
		trips:    d.Trips,
		history:  d.History,
		pub:      pub,
		detector: arrival.NewDetector(cfg.ArrivalRadiusM),
		cfg:      cfg,
		logger:   logger,
		metrics:  d.Metrics,
		now:      time.Now,
		newID:    uuid.NewString,
		routeC:   make(map[routeKey]*preparedRoute),
	}
}

func authorize(c auth.Caller) error {
	if err := auth.Require(c, auth.RoleDriver, auth.RoleAdmin); err != nil {
		return &Error{Kind: KindForbidden, Message: "driver or admin role required", Err: err}
	}
	return nil
}

func owns(c auth.Caller, trip *transit.Trip) error {
	if c.Role == auth.RoleAdmin || c.ID == trip.DriverID {
		return nil
	}
	return &Error{Kind: KindForbidden, Message: "trip belongs to another driver", TripID: trip.ID}
}

func (t *Tracker) checkFix(fix *transit.Fix) error {
	if !fix.Coordinates.Valid() {
		return newError(KindInvalidInput, "coordinates out of range: %v,%v", fix.Coordinates.Lat, fix.Coordinates.Lon)
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = t.now()
	}
	return nil
}

func (t *Tracker) loadTrip(ctx context.Context, id string) (*transit.Trip, error) {
	trip, err := t.trips.Trip(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &Error{Kind: KindNotFound, Message: "trip not found", TripID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", id, err)
	}
	return trip, nil
}

func (t *Tracker) loadRoute(ctx context.Context, id string) (*transit.Route, error) {
	r, err := t.routes.Route(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, newError(KindNotFound, "route %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load route %s: %w", id, err)
	}
	return r, nil
}

// prepared returns the cached geometry of a prepared route version.
func (t *Tracker) prepared(r *transit.Route) (*preparedRoute, error) {
	k := routeKey{routeID: r.ID, version: r.Version}
	t.mu.RLock()
	p, ok := t.routeC[k]
	t.mu.RUnlock()
	if ok {
		return p, nil
	}
	line, err := r.Geometry()
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Message: "route geometry is malformed", Err: err}
	}
	if !r.Prepared {
		return nil, &Error{Kind: KindRouteData, Message: "route " + r.ID + " is not prepared for tracking", Err: transit.ErrRouteNotPrepared}
	}
	p = &preparedRoute{route: r, line: line}
	t.remember(k, p)
	return p, nil
}

// remember caches p and drops the oldest versions of the same route beyond
// cachedVersions.
func (t *Tracker) remember(k routeKey, p *preparedRoute) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routeC[k] = p
	var versions []int
	for other := range t.routeC {
		if other.routeID == k.routeID {
			versions = append(versions, other.version)
		}
	}
	if len(versions) <= cachedVersions {
		return
	}
	sort.Ints(versions)
	for _, v := range versions[:len(versions)-cachedVersions] {
		delete(t.routeC, routeKey{routeID: k.routeID, version: v})
	}
}

// tripRoute returns the route version the trip was started on.
func (t *Tracker) tripRoute(ctx context.Context, trip *transit.Trip) (*preparedRoute, error) {
	k := routeKey{routeID: trip.RouteID, version: trip.RouteVersion}
	t.mu.RLock()
	p, ok := t.routeC[k]
	t.mu.RUnlock()
	if ok {
		return p, nil
	}
	r, err := t.routes.PreparedRoute(ctx, trip.RouteID, trip.RouteVersion)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &Error{
			Kind:    KindRouteData,
			Message: fmt.Sprintf("route %s version %d is not available", trip.RouteID, trip.RouteVersion),
			TripID:  trip.ID,
			Err:     transit.ErrRouteNotPrepared,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load route %s version %d: %w", trip.RouteID, trip.RouteVersion, err)
	}
	return t.prepared(r)
}

func (t *Tracker) forgetRoute(routeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.routeC {
		if k.routeID == routeID {
			delete(t.routeC, k)
		}
	}
}

// refreshActiveTrips sets the active trips gauge from storage, so that it
// survives restarts and agrees across processes.
func (t *Tracker) refreshActiveTrips(ctx context.Context) {
	if t.metrics == nil {
		return
	}
	n, err := t.trips.CountActiveTrips(ctx)
	if err != nil {
		logging.LogError(t.logger, "failed to count active trips", err)
		return
	}
	t.metrics.ActiveTrips.Set(float64(n))
}

// historyWith loads the route's history and folds in samples that are about
// to be committed.
func (t *Tracker) historyWith(ctx context.Context, routeID string, samples []eta.Sample) (eta.History, error) {
	h := eta.History{}
	if t.history != nil {
		src, err := t.history.SegmentDurations(ctx, routeID)
		if err != nil {
			return nil, fmt.Errorf("load eta history for route %s: %w", routeID, err)
		}
		for k, v := range src {
			h[k] = v
		}
	}
	for _, s := range samples {
		h.Add(s.From, s.To, s.Minutes)
	}
	return h, nil
}

func (t *Tracker) save(ctx context.Context, next *transit.Trip, samples []eta.Sample) error {
	if err := t.trips.SaveTrip(ctx, next, samples); err != nil {
		if errors.Is(err, db.ErrStaleTrip) {
			return &Error{Kind: KindConflict, Message: "trip was updated concurrently, retry", TripID: next.ID, Err: err}
		}
		return fmt.Errorf("save trip %s: %w", next.ID, err)
	}
	if len(samples) == 0 {
		return nil
	}
	if t.metrics != nil {
		t.metrics.HistoryAdded.Add(float64(len(samples)))
	}
	if inv, ok := t.history.(eta.Invalidator); ok {
		if err := inv.Forget(ctx, next.RouteID); err != nil {
			logging.LogError(t.logger, "failed to invalidate eta history cache", err,
				slog.String("route_id", next.RouteID))
		}
	}
	return nil
}

func (t *Tracker) outcome(o string) {
	if t.metrics != nil {
		t.metrics.UpdateOutcome.WithLabelValues(o).Inc()
	}
}

// snapshot renders the externally visible state of a trip. Without a
// line the snapped position falls back to the raw one.
func snapshot(trip *transit.Trip, line *geo.Polyline) transit.Snapshot {
	etas := trip.StopETAs
	if etas == nil {
		etas = []transit.StopETA{}
	}
	snap := transit.Snapshot{
		TripID:           trip.ID,
		RawPosition:      trip.CurrentPosition.Coordinates,
		SnappedPosition:  trip.CurrentPosition.Coordinates,
		StopETAs:         etas,
		DistanceTraveled: trip.DistanceTraveled,
		StopsReached:     trip.ReachedNames(),
		IsOffRoute:       trip.IsOffRoute,
		Timestamp:        trip.CurrentPosition.Timestamp,
	}
	if line != nil {
		snap.SnappedPosition = line.Along(trip.DistanceTraveled)
		snap.TotalRouteLength = line.Length()
	}
	return snap
}
