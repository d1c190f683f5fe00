package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

// LiveData is what a viewer needs before following a trip's live stream.
type LiveData struct {
	Snapshot  transit.Snapshot `json:"snapshot"`
	RouteID   string           `json:"routeId"`
	RouteName string           `json:"routeName"`
	Path      []geo.Point      `json:"path"`
	Stops     []transit.Stop   `json:"stops"`
}

// GetLiveData returns the current state of an active trip with its route.
func (t *Tracker) GetLiveData(ctx context.Context, tripID string) (*LiveData, error) {
	trip, err := t.loadTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !trip.IsActive {
		return nil, &Error{Kind: KindGone, Message: "trip has ended", TripID: trip.ID}
	}
	pr, err := t.tripRoute(ctx, trip)
	if err != nil {
		return nil, err
	}
	return &LiveData{
		Snapshot:  snapshot(trip, pr.line),
		RouteID:   pr.route.ID,
		RouteName: pr.route.Name,
		Path:      pr.line.Points(),
		Stops:     append([]transit.Stop(nil), pr.route.Stops...),
	}, nil
}

// PrecomputeStopOffsets projects the route's stops onto its path and stores
// the offsets. Admin only.
func (t *Tracker) PrecomputeStopOffsets(ctx context.Context, caller auth.Caller, routeID string) (*transit.Route, error) {
	if err := auth.Require(caller, auth.RoleAdmin); err != nil {
		return nil, &Error{Kind: KindForbidden, Message: "admin role required", Err: err}
	}
	route, err := t.loadRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if err := transit.PrecomputeStopOffsets(route); err != nil {
		var rde *transit.RouteDataError
		if errors.As(err, &rde) {
			return nil, &Error{Kind: KindRouteData, Message: rde.Reason, Err: err}
		}
		return nil, err
	}
	if err := t.routes.SaveStopOffsets(ctx, route); err != nil {
		return nil, fmt.Errorf("save stop offsets for route %s: %w", routeID, err)
	}
	t.forgetRoute(routeID)
	t.logger.Info("stop offsets computed",
		slog.String("route_id", route.ID),
		slog.Int("version", route.Version),
		slog.Int("stops", len(route.Stops)))
	return route, nil
}

// ExpiredTrips lists ended trips last touched before the retention window.
func (t *Tracker) ExpiredTrips(ctx context.Context, caller auth.Caller) ([]*transit.Trip, error) {
	if err := auth.Require(caller, auth.RoleAdmin); err != nil {
		return nil, &Error{Kind: KindForbidden, Message: "admin role required", Err: err}
	}
	trips, err := t.trips.ExpiredTrips(ctx, t.now().Add(-t.cfg.Retention))
	if err != nil {
		return nil, fmt.Errorf("list expired trips: %w", err)
	}
	return trips, nil
}

// DeleteExpiredTrips removes ended trips older than the retention window.
func (t *Tracker) DeleteExpiredTrips(ctx context.Context, caller auth.Caller) (int64, error) {
	if err := auth.Require(caller, auth.RoleAdmin); err != nil {
		return 0, &Error{Kind: KindForbidden, Message: "admin role required", Err: err}
	}
	return t.deleteExpired(ctx)
}

func (t *Tracker) deleteExpired(ctx context.Context) (int64, error) {
	n, err := t.trips.DeleteExpiredTrips(ctx, t.now().Add(-t.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("delete expired trips: %w", err)
	}
	if t.metrics != nil {
		t.metrics.TripsDeleted.Add(float64(n))
	}
	return n, nil
}

// SweepResult counts what a maintenance sweep changed.
type SweepResult struct {
	Closed  int
	Deleted int64
}

// Sweep ends active trips that received no update within the retention
// window and deletes expired ended trips.
func (t *Tracker) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	stale, err := t.trips.StaleActiveTrips(ctx, t.now().Add(-t.cfg.Retention))
	if err != nil {
		return res, fmt.Errorf("list stale trips: %w", err)
	}
	for _, trip := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := t.closeStale(ctx, trip); err != nil {
			t.logger.Warn("failed to close stale trip",
				slog.String("trip_id", trip.ID),
				slog.String("error", err.Error()))
			continue
		}
		res.Closed++
	}
	res.Deleted, err = t.deleteExpired(ctx)
	t.refreshActiveTrips(ctx)
	return res, err
}

func (t *Tracker) closeStale(ctx context.Context, trip *transit.Trip) error {
	pr, err := t.closingRoute(ctx, trip)
	if err != nil {
		return err
	}
	var line *geo.Polyline
	if pr != nil {
		line = pr.line
	}
	return t.close(ctx, trip.Clone(), nil, line, "stale")
}
