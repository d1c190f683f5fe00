package tracker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/db"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/live"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/transit"
)

// UpdateResult is the outcome of a position report. A rejected fix leaves
// the trip untouched and Snapshot carries the last known state.
type UpdateResult struct {
	Snapshot transit.Snapshot
	Rejected bool
	Reached  []transit.StopReached // stops newly reached by this fix
}

// StartTrip opens a trip for the calling driver on the route. The fix must
// lie within the start proximity of the route path.
func (t *Tracker) StartTrip(ctx context.Context, caller auth.Caller, routeID string, fix transit.Fix) (*transit.Trip, error) {
	if err := authorize(caller); err != nil {
		return nil, err
	}
	if err := t.checkFix(&fix); err != nil {
		return nil, err
	}
	route, err := t.loadRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	existing, err := t.trips.ActiveTripByDriver(ctx, caller.ID)
	switch {
	case err == nil:
		return nil, &Error{Kind: KindConflict, Message: "driver already has an active trip", TripID: existing.ID}
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}
	pr, err := t.prepared(route)
	if err != nil {
		return nil, err
	}
	route = pr.route
	proj := pr.line.Project(fix.Coordinates)
	if proj.DistanceM > t.cfg.StartProximityM {
		return nil, newError(KindOutOfRange, "position is %.0f m from route, must be within %.0f m", proj.DistanceM, t.cfg.StartProximityM)
	}

	trip := &transit.Trip{
		ID:               t.newID(),
		RouteID:          route.ID,
		RouteVersion:     route.Version,
		DriverID:         caller.ID,
		IsActive:         true,
		StartedAt:        fix.Timestamp,
		UpdatedAt:        t.now(),
		DistanceTraveled: proj.OffsetKm,
		CurrentPosition:  fix,
		PreviousPosition: fix,
		ProgressAt:       fix.Timestamp,
		StopsReached:     []transit.StopReached{},
	}
	h, err := t.historyWith(ctx, route.ID, nil)
	if err != nil {
		return nil, err
	}
	trip.StopETAs = eta.Estimate(route.Stops, trip.DistanceTraveled, nil, h)

	if err := t.trips.CreateTrip(ctx, trip); err != nil {
		var active *db.ActiveTripError
		if errors.As(err, &active) {
			return nil, &Error{Kind: KindConflict, Message: "driver already has an active trip", TripID: active.ExistingID, Err: err}
		}
		return nil, err
	}
	if t.metrics != nil {
		t.metrics.TripsStarted.Inc()
	}
	t.refreshActiveTrips(ctx)
	t.logger.Info("trip started",
		slog.String("trip_id", trip.ID),
		slog.String("route_id", route.ID),
		slog.Int("route_version", route.Version),
		slog.String("driver_id", caller.ID),
		slog.Float64("offset_km", trip.DistanceTraveled))
	return trip, nil
}

// UpdatePosition fuses one fix into the trip's progress.
func (t *Tracker) UpdatePosition(ctx context.Context, caller auth.Caller, tripID string, fix transit.Fix) (*UpdateResult, error) {
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.UpdateLatency.Observe(time.Since(start).Seconds())
		}
	}()

	if err := authorize(caller); err != nil {
		return nil, err
	}
	if err := t.checkFix(&fix); err != nil {
		return nil, err
	}
	trip, err := t.loadTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !trip.IsActive {
		return nil, &Error{Kind: KindGone, Message: "trip has ended", TripID: trip.ID}
	}
	if err := owns(caller, trip); err != nil {
		return nil, err
	}
	pr, err := t.tripRoute(ctx, trip)
	if err != nil {
		return nil, err
	}
	route, line := pr.route, pr.line

	proj := line.Project(fix.Coordinates)
	if proj.DistanceM > t.cfg.OffRouteM {
		return t.offRoute(ctx, trip, line, fix, proj)
	}
	proj, ok := t.plausible(trip, line, fix, proj)
	if !ok {
		t.outcome(metrics.OutcomeRejected)
		t.logger.Info("position rejected",
			slog.String("trip_id", trip.ID),
			slog.Float64("offset_km", trip.DistanceTraveled),
			slog.Float64("projected_km", proj.OffsetKm))
		return &UpdateResult{Snapshot: snapshot(trip, line), Rejected: true}, nil
	}

	next, samples := t.advance(trip, route, fix, proj.OffsetKm)
	h, err := t.historyWith(ctx, route.ID, samples)
	if err != nil {
		return nil, err
	}
	next.StopETAs = eta.Estimate(route.Stops, next.DistanceTraveled, next.StopsReached, h)
	if err := t.save(ctx, next, samples); err != nil {
		return nil, err
	}

	reached := next.StopsReached[len(trip.StopsReached):]
	for _, r := range reached {
		t.logger.Info("stop reached",
			slog.String("trip_id", trip.ID),
			slog.String("stop", r.StopName),
			slog.Time("reached_at", r.ReachedAt))
	}
	if t.metrics != nil {
		t.metrics.StopsReached.Add(float64(len(reached)))
	}
	t.outcome(metrics.OutcomeAccepted)

	snap := snapshot(next, line)
	t.pub.Publish(ctx, live.PositionUpdate(snap))
	return &UpdateResult{Snapshot: snap, Reached: reached}, nil
}

// offRoute records a fix too far from the path. Progress is frozen and ETAs
// are withheld until the vehicle is back on the route.
func (t *Tracker) offRoute(ctx context.Context, trip *transit.Trip, line *geo.Polyline, fix transit.Fix, proj geo.Projection) (*UpdateResult, error) {
	next := trip.Clone()
	next.PreviousPosition = trip.CurrentPosition
	next.CurrentPosition = fix
	next.IsOffRoute = true
	next.StopETAs = []transit.StopETA{}
	next.UpdatedAt = t.now()
	if err := t.save(ctx, next, nil); err != nil {
		return nil, err
	}
	t.outcome(metrics.OutcomeOffRoute)
	t.logger.Info("vehicle off route",
		slog.String("trip_id", trip.ID),
		slog.Float64("distance_m", proj.DistanceM))
	snap := snapshot(next, line)
	t.pub.Publish(ctx, live.PositionUpdate(snap))
	return &UpdateResult{Snapshot: snap}, nil
}

// rangeEpsilon absorbs float error at the edges of the plausible window.
const rangeEpsilon = 1e-9

// plausible applies jump rejection. When the nearest point of the whole path
// is out of reach, the fix is projected again onto the stretch reachable
// from the current progress, which resolves overlapping legs.
func (t *Tracker) plausible(trip *transit.Trip, line *geo.Polyline, fix transit.Fix, proj geo.Projection) (geo.Projection, bool) {
	elapsed := math.Max(0, fix.Timestamp.Sub(trip.ProgressAt).Seconds())
	allowed := math.Max(t.cfg.MinJumpKm, t.cfg.MaxSpeedKmh/3600*elapsed)
	within := func(km float64) bool {
		d := km - trip.DistanceTraveled
		return d <= allowed+rangeEpsilon && d >= -t.cfg.BackwardToleranceKm-rangeEpsilon
	}
	if within(proj.OffsetKm) {
		return proj, true
	}
	w := line.ProjectWithin(fix.Coordinates, trip.DistanceTraveled-t.cfg.BackwardToleranceKm, trip.DistanceTraveled+allowed)
	if w.DistanceM <= t.cfg.OffRouteM && within(w.OffsetKm) {
		return w, true
	}
	return proj, false
}

// advance applies an accepted fix to a copy of the trip and returns the
// history samples produced by the stops it reached.
func (t *Tracker) advance(trip *transit.Trip, route *transit.Route, fix transit.Fix, offset float64) (*transit.Trip, []eta.Sample) {
	floor := reachedFloor(trip, route)
	offset = math.Max(offset, floor)

	next := trip.Clone()
	next.DistanceTraveled = offset

	// a fix back from a detour is not a representative traversal
	recalibrating := trip.IsOffRoute
	var samples []eta.Sample
	hits := t.detector.Detect(trip.CurrentPosition.Coordinates, fix.Coordinates, offset,
		candidates(trip, route, math.Max(floor, trip.DistanceTraveled-t.cfg.BackwardToleranceKm)))
	for _, s := range hits {
		at := interpolate(trip.DistanceTraveled, trip.ProgressAt, offset, fix.Timestamp, s.DistanceFromStart)
		sample := arrive(next, route.ID, s, at)
		if !recalibrating {
			samples = append(samples, sample)
		}
	}

	next.PreviousPosition = trip.CurrentPosition
	next.CurrentPosition = fix
	if fix.Timestamp.After(next.ProgressAt) {
		next.ProgressAt = fix.Timestamp
	}
	next.IsOffRoute = false
	next.UpdatedAt = t.now()
	return next, samples
}

// reachedFloor is the offset of the last reached stop, below which progress
// never goes.
func reachedFloor(trip *transit.Trip, route *transit.Route) float64 {
	last, ok := trip.LastReached()
	if !ok {
		return 0
	}
	s, ok := route.StopByName(last.StopName)
	if !ok {
		return 0
	}
	return s.DistanceFromStart
}

// candidates lists unreached stops at or beyond fromKm.
func candidates(trip *transit.Trip, route *transit.Route, fromKm float64) []transit.Stop {
	var out []transit.Stop
	for _, s := range route.Stops {
		if s.DistanceFromStart < fromKm || trip.Reached(s.Name) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// arrive appends stop to the ledger at the given time, snaps progress onto
// it and returns the segment sample it completes.
func arrive(trip *transit.Trip, routeID string, stop transit.Stop, at time.Time) eta.Sample {
	from, since := transit.StartOfRoute, trip.StartedAt
	if last, ok := trip.LastReached(); ok {
		from, since = last.StopName, last.ReachedAt
	}
	if !at.After(since) {
		at = since.Add(time.Millisecond)
	}
	trip.StopsReached = append(trip.StopsReached, transit.StopReached{StopName: stop.Name, ReachedAt: at})
	trip.DistanceTraveled = stop.DistanceFromStart
	return eta.Sample{RouteID: routeID, From: from, To: stop.Name, Minutes: at.Sub(since).Minutes()}
}

// interpolate estimates when km was passed while moving from fromKm at
// fromAt to toKm at toAt.
func interpolate(fromKm float64, fromAt time.Time, toKm float64, toAt time.Time, km float64) time.Time {
	if toKm <= fromKm || !toAt.After(fromAt) {
		return toAt
	}
	f := math.Min(1, math.Max(0, (km-fromKm)/(toKm-fromKm)))
	return fromAt.Add(time.Duration(f * float64(toAt.Sub(fromAt))))
}

// EndTrip closes the trip. If the vehicle stands at the unreached final stop
// the arrival is recorded first.
func (t *Tracker) EndTrip(ctx context.Context, caller auth.Caller, tripID string) (*transit.Trip, error) {
	if err := authorize(caller); err != nil {
		return nil, err
	}
	trip, err := t.loadTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if err := owns(caller, trip); err != nil {
		return nil, err
	}
	if !trip.IsActive {
		return nil, &Error{Kind: KindGone, Message: "trip has already ended", TripID: trip.ID}
	}
	pr, err := t.closingRoute(ctx, trip)
	if err != nil {
		return nil, err
	}

	next := trip.Clone()
	var samples []eta.Sample
	var line *geo.Polyline
	if pr != nil {
		line = pr.line
		if n := len(pr.route.Stops); n > 0 {
			final := pr.route.Stops[n-1]
			if !trip.Reached(final.Name) && t.detector.Within(trip.CurrentPosition.Coordinates, final) {
				sample := arrive(next, pr.route.ID, final, trip.CurrentPosition.Timestamp)
				if !trip.IsOffRoute {
					samples = append(samples, sample)
				}
				t.logger.Info("final stop reached at trip end",
					slog.String("trip_id", trip.ID),
					slog.String("stop", final.Name))
			}
		}
	}
	if err := t.close(ctx, next, samples, line, "driver"); err != nil {
		return nil, err
	}
	if t.metrics != nil {
		t.metrics.StopsReached.Add(float64(len(next.StopsReached) - len(trip.StopsReached)))
	}
	return next, nil
}

// closingRoute returns the route a trip is closed against. A route version
// that can no longer be served yields nil: the trip still closes, from its
// stored state and without final-stop capture.
func (t *Tracker) closingRoute(ctx context.Context, trip *transit.Trip) (*preparedRoute, error) {
	pr, err := t.tripRoute(ctx, trip)
	if err != nil && KindOf(err) != "" {
		t.logger.Warn("closing trip without its route",
			slog.String("trip_id", trip.ID),
			slog.String("route_id", trip.RouteID),
			slog.Int("route_version", trip.RouteVersion),
			slog.String("error", err.Error()))
		return nil, nil
	}
	return pr, err
}

// close marks next inactive, persists it and emits the final snapshot
// followed by the trip-ended signal.
func (t *Tracker) close(ctx context.Context, next *transit.Trip, samples []eta.Sample, line *geo.Polyline, reason string) error {
	now := t.now()
	next.IsActive = false
	next.EndedAt = &now
	next.UpdatedAt = now
	next.StopETAs = []transit.StopETA{}
	if err := t.save(ctx, next, samples); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.TripsEnded.WithLabelValues(reason).Inc()
	}
	t.refreshActiveTrips(ctx)
	t.logger.Info("trip ended",
		slog.String("trip_id", next.ID),
		slog.String("route_id", next.RouteID),
		slog.String("reason", reason),
		slog.Int("stops_reached", len(next.StopsReached)))
	t.pub.Publish(ctx, live.PositionUpdate(snapshot(next, line)))
	t.pub.Publish(ctx, live.TripEnded(next.ID, now))
	return nil
}
