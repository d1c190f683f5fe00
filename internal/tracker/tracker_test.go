package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/db"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/live"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/transit"
)

var (
	t0     = time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)
	driver = auth.Caller{ID: "d1", Role: auth.RoleDriver}
	admin  = auth.Caller{ID: "ops", Role: auth.RoleAdmin}
)

func stopAt(name string, km float64) transit.Stop {
	return transit.Stop{Name: name, Location: at(km), DistanceFromStart: km, ProgressFraction: km / 10}
}

// lineRoute is a straight 10 km route along the equator.
func lineRoute() *transit.Route {
	return &transit.Route{
		ID:      "r1",
		Name:    "Line 1",
		Version: 1,
		Path:    []geo.Point{at(0), at(5), at(10)},
		Stops: []transit.Stop{
			stopAt("A", 2.0),
			stopAt("B", 2.3),
			stopAt("C", 6.0),
			stopAt("D", 9.5),
		},
		Prepared: true,
	}
}

type fixture struct {
	tr    *Tracker
	store *memStore
	pub   *recorder
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), pub: &recorder{}, clock: t0}
	f.store.routes["r1"] = lineRoute()
	f.tr = New(Deps{
		Routes:    f.store,
		Trips:     f.store,
		History:   f.store,
		Publisher: f.pub,
	}, DefaultConfig())
	f.tr.now = func() time.Time { return f.clock }
	ids := 0
	f.tr.newID = func() string {
		ids++
		return "trip-" + string(rune('0'+ids))
	}
	return f
}

// putTrip stores an active trip of d1 positioned at km.
func (f *fixture) putTrip(id string, km float64, reached ...transit.StopReached) *transit.Trip {
	trip := &transit.Trip{
		ID:               id,
		RouteID:          "r1",
		RouteVersion:     1,
		DriverID:         "d1",
		IsActive:         true,
		StartedAt:        t0.Add(-6 * time.Minute),
		UpdatedAt:        t0,
		DistanceTraveled: km,
		CurrentPosition:  transit.Fix{Coordinates: at(km), Timestamp: t0},
		PreviousPosition: transit.Fix{Coordinates: at(km), Timestamp: t0},
		ProgressAt:       t0,
		StopsReached:     append([]transit.StopReached{}, reached...),
		Version:          1,
	}
	f.store.trips[id] = trip.Clone()
	return trip
}

func fixAt(km float64, after time.Duration) transit.Fix {
	return transit.Fix{Coordinates: at(km), Timestamp: t0.Add(after)}
}

func TestStartTrip(t *testing.T) {
	f := newFixture(t)
	f.store.seedHistory("r1", transit.StartOfRoute, "A", 5)

	trip, err := f.tr.StartTrip(context.Background(), driver, "r1", fixAt(0.02, 0))
	require.NoError(t, err)

	assert.Equal(t, "trip-1", trip.ID)
	assert.True(t, trip.IsActive)
	assert.Equal(t, "d1", trip.DriverID)
	assert.InDelta(t, 0.02, trip.DistanceTraveled, 1e-6)
	assert.Equal(t, trip.CurrentPosition, trip.PreviousPosition)
	assert.Empty(t, trip.StopsReached)
	require.Len(t, trip.StopETAs, 4)
	require.NotNil(t, trip.StopETAs[0].ETAMinutes)
	assert.Equal(t, 5, *trip.StopETAs[0].ETAMinutes)
	assert.Nil(t, trip.StopETAs[1].ETAMinutes)

	assert.True(t, f.store.stored("trip-1").IsActive)
	assert.Empty(t, f.pub.all(), "start does not broadcast")
}

func TestStartTrip_Failures(t *testing.T) {
	far := transit.Fix{Coordinates: geo.Point{Lat: 0.001, Lon: at(1).Lon}, Timestamp: t0}

	tests := []struct {
		name   string
		caller auth.Caller
		route  string
		fix    transit.Fix
		setup  func(s *memStore)
		want   Kind
	}{
		{name: "viewer role", caller: auth.Caller{ID: "u", Role: auth.RoleUser}, route: "r1", fix: fixAt(0, 0), want: KindForbidden},
		{name: "bad coordinates", caller: driver, route: "r1", fix: transit.Fix{Coordinates: geo.Point{Lat: 91}}, want: KindInvalidInput},
		{name: "unknown route", caller: driver, route: "nope", fix: fixAt(0, 0), want: KindNotFound},
		{name: "far from route", caller: driver, route: "r1", fix: far, want: KindOutOfRange},
		{
			name: "single point path", caller: driver, route: "r1", fix: fixAt(0, 0), want: KindInvalidInput,
			setup: func(s *memStore) { s.routes["r1"].Path = []geo.Point{at(0)} },
		},
		{
			name: "unprepared route", caller: driver, route: "r1", fix: fixAt(0, 0), want: KindRouteData,
			setup: func(s *memStore) { s.routes["r1"].Prepared = false },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f.store)
			}
			_, err := f.tr.StartTrip(context.Background(), tt.caller, tt.route, tt.fix)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
			assert.Empty(t, f.store.trips)
		})
	}
}

func TestStartTrip_ConflictReportsExistingTrip(t *testing.T) {
	f := newFixture(t)
	first, err := f.tr.StartTrip(context.Background(), driver, "r1", fixAt(0, 0))
	require.NoError(t, err)

	_, err = f.tr.StartTrip(context.Background(), driver, "r1", fixAt(0, time.Second))
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindConflict, te.Kind)
	assert.Equal(t, first.ID, te.TripID)
}

func TestStartTrip_ConflictFromStorageConstraint(t *testing.T) {
	f := newFixture(t)
	f.putTrip("existing", 1.0)
	f.store.hideActive = true

	_, err := f.tr.StartTrip(context.Background(), driver, "r1", fixAt(0, 0))
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindConflict, te.Kind)
	assert.Equal(t, "existing", te.TripID)
}

func TestUpdatePosition_RejectsImplausibleJump(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 5.0)
	before := f.store.stored("t1")

	res, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(8.0, 5*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.InDelta(t, 5.0, res.Snapshot.DistanceTraveled, 1e-9)
	assert.Equal(t, at(5.0), res.Snapshot.RawPosition)

	assert.Equal(t, before, f.store.stored("t1"), "rejected fix must not touch the trip")
	assert.Empty(t, f.pub.all())
}

func TestUpdatePosition_RejectsRegressionBeyondTolerance(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 5.0)

	res, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(4.0, 5*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Rejected)

	res, err = f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(4.7, 5*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Rejected)
	assert.InDelta(t, 4.7, res.Snapshot.DistanceTraveled, 1e-6)
}

func TestUpdatePosition_CrossesStopsInOrder(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 1.8)
	f.store.seedHistory("r1", "B", "C", 4)
	f.store.seedHistory("r1", "C", "D", 6)

	res, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(2.5, time.Minute))
	require.NoError(t, err)
	require.False(t, res.Rejected)

	require.Len(t, res.Reached, 2)
	assert.Equal(t, "A", res.Reached[0].StopName)
	assert.Equal(t, "B", res.Reached[1].StopName)
	minute := float64(time.Minute)
	assert.WithinDuration(t, t0.Add(time.Duration(0.2/0.7*minute)), res.Reached[0].ReachedAt, 10*time.Millisecond)
	assert.WithinDuration(t, t0.Add(time.Duration(0.5/0.7*minute)), res.Reached[1].ReachedAt, 10*time.Millisecond)
	assert.True(t, res.Reached[1].ReachedAt.After(res.Reached[0].ReachedAt))

	require.Len(t, f.store.samples, 2)
	assert.Equal(t, transit.StartOfRoute, f.store.samples[0].From)
	assert.Equal(t, "A", f.store.samples[0].To)
	assert.InDelta(t, 6+0.2/0.7, f.store.samples[0].Minutes, 0.01)
	assert.Equal(t, "A", f.store.samples[1].From)
	assert.Equal(t, "B", f.store.samples[1].To)
	assert.InDelta(t, 0.3/0.7, f.store.samples[1].Minutes, 0.01)

	stored := f.store.stored("t1")
	assert.Equal(t, 2.3, stored.DistanceTraveled, "progress snaps to the last reached stop")
	assert.Equal(t, []string{"A", "B"}, stored.ReachedNames())
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, at(1.8), stored.PreviousPosition.Coordinates)
	assert.Equal(t, at(2.5), stored.CurrentPosition.Coordinates)

	require.Len(t, stored.StopETAs, 2)
	assert.Equal(t, "C", stored.StopETAs[0].StopName)
	require.NotNil(t, stored.StopETAs[0].ETAMinutes)
	assert.Equal(t, 4, *stored.StopETAs[0].ETAMinutes)
	require.NotNil(t, stored.StopETAs[1].ETAMinutes)
	assert.Equal(t, 10, *stored.StopETAs[1].ETAMinutes)

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, live.EventPosition, events[0].Type)
	assert.Equal(t, []string{"A", "B"}, events[0].Snapshot.StopsReached)
	assert.InDelta(t, 10.0, events[0].Snapshot.TotalRouteLength, 1e-6)
	assert.InDelta(t, at(2.3).Lon, events[0].Snapshot.SnappedPosition.Lon, 1e-9)
}

func TestUpdatePosition_ReachedStopIsNotResampled(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 1.8)

	_, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(2.0, 30*time.Second))
	require.NoError(t, err)
	require.Len(t, f.store.samples, 1)

	res, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(2.01, 40*time.Second))
	require.NoError(t, err)
	assert.Empty(t, res.Reached)
	assert.Len(t, f.store.samples, 1)
	assert.Equal(t, []string{"A"}, f.store.stored("t1").ReachedNames())
}

func TestUpdatePosition_ProgressNeverDropsBelowReachedStop(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 2.4,
		transit.StopReached{StopName: "A", ReachedAt: t0.Add(-2 * time.Minute)},
		transit.StopReached{StopName: "B", ReachedAt: t0.Add(-time.Minute)})

	res, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(2.1, 5*time.Second))
	require.NoError(t, err)
	require.False(t, res.Rejected)
	assert.Equal(t, 2.3, res.Snapshot.DistanceTraveled)
	assert.Empty(t, res.Reached)
}

func TestUpdatePosition_MonotonicWithinTolerance(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 0.5)

	kms := []float64{0.6, 0.58, 0.8, 1.1, 0.9, 1.3, 5.0, 1.5, 1.45, 1.9, 2.05, 2.2, 2.25, 2.45}
	prev := 0.5
	for i, km := range kms {
		res, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(km, time.Duration(i+1)*10*time.Second))
		require.NoError(t, err)
		if res.Rejected {
			continue
		}
		got := res.Snapshot.DistanceTraveled
		assert.GreaterOrEqual(t, got, prev-DefaultConfig().BackwardToleranceKm, "step %d", i)
		prev = got
	}
	assert.Equal(t, []string{"A", "B"}, f.store.stored("t1").ReachedNames())
}

func TestUpdatePosition_Authorization(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 1.0)

	_, err := f.tr.UpdatePosition(context.Background(), auth.Caller{ID: "d2", Role: auth.RoleDriver}, "t1", fixAt(1.05, 5*time.Second))
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = f.tr.UpdatePosition(context.Background(), auth.Caller{ID: "u", Role: auth.RoleUser}, "t1", fixAt(1.05, 5*time.Second))
	assert.Equal(t, KindForbidden, KindOf(err))

	res, err := f.tr.UpdatePosition(context.Background(), admin, "t1", fixAt(1.05, 5*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Rejected)
}

func TestUpdatePosition_MissingAndEndedTrips(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.UpdatePosition(context.Background(), driver, "nope", fixAt(1, 0))
	assert.Equal(t, KindNotFound, KindOf(err))

	trip := f.putTrip("t1", 1.0)
	trip.IsActive = false
	f.store.trips["t1"] = trip

	_, err = f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(1.05, time.Second))
	assert.Equal(t, KindGone, KindOf(err))
}

func TestUpdatePosition_OffRouteThenRecalibrates(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 1.8)

	detour := transit.Fix{Coordinates: geo.Point{Lat: 0.002, Lon: at(1.9).Lon}, Timestamp: t0.Add(20 * time.Second)}
	res, err := f.tr.UpdatePosition(context.Background(), driver, "t1", detour)
	require.NoError(t, err)
	assert.True(t, res.Snapshot.IsOffRoute)
	assert.Empty(t, res.Snapshot.StopETAs)
	assert.NotNil(t, res.Snapshot.StopETAs)
	assert.InDelta(t, 1.8, res.Snapshot.DistanceTraveled, 1e-9)

	stored := f.store.stored("t1")
	assert.True(t, stored.IsOffRoute)
	assert.Equal(t, detour, stored.CurrentPosition)
	assert.Equal(t, t0, stored.ProgressAt, "detour does not move the progress clock")

	res, err = f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(2.3, time.Minute))
	require.NoError(t, err)
	require.False(t, res.Rejected)
	assert.False(t, res.Snapshot.IsOffRoute)
	assert.Equal(t, []string{"B"}, res.Snapshot.StopsReached)
	assert.Empty(t, f.store.samples, "arrival after a detour is not sampled")
	require.Len(t, f.pub.all(), 2)
}

func TestUpdatePosition_ReachesStopAtComputedOffset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, transit.PrecomputeStopOffsets(f.store.routes["r1"]))
	f.putTrip("t1", 2.2)

	res, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(2.3, 20*time.Second))
	require.NoError(t, err)
	require.False(t, res.Rejected)
	assert.Equal(t, []string{"B"}, res.Snapshot.StopsReached)
}

func TestUpdatePosition_OverlappingLegsUseReachableStretch(t *testing.T) {
	f := newFixture(t)
	f.store.routes["r2"] = &transit.Route{
		ID: "r2", Version: 1, Prepared: true,
		Path: []geo.Point{at(0), at(2), at(0)},
		Stops: []transit.Stop{
			{Name: "Out", Location: at(1), DistanceFromStart: 1},
			{Name: "Turn", Location: at(2), DistanceFromStart: 2},
			{Name: "Back", Location: at(0.5), DistanceFromStart: 3.5},
		},
	}
	trip := f.putTrip("t1", 3.0,
		transit.StopReached{StopName: "Out", ReachedAt: t0.Add(-3 * time.Minute)},
		transit.StopReached{StopName: "Turn", ReachedAt: t0.Add(-2 * time.Minute)})
	trip.RouteID = "r2"
	trip.CurrentPosition.Coordinates = at(1.0)
	f.store.trips["t1"] = trip.Clone()

	res, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(0.9, 10*time.Second))
	require.NoError(t, err)
	require.False(t, res.Rejected)
	assert.InDelta(t, 3.1, res.Snapshot.DistanceTraveled, 1e-6)
	assert.Empty(t, res.Reached)

	res, err = f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(0.5, 30*time.Second))
	require.NoError(t, err)
	require.False(t, res.Rejected)
	assert.Equal(t, []string{"Out", "Turn", "Back"}, res.Snapshot.StopsReached)
	assert.Equal(t, 3.5, res.Snapshot.DistanceTraveled)
}

func TestUpdatePosition_SaveFailureAbortsUpdate(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 1.8)
	before := f.store.stored("t1")
	f.store.saveErr = errors.New("connection refused")

	_, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(2.5, time.Minute))
	require.Error(t, err)
	assert.Equal(t, Kind(""), KindOf(err))
	assert.Equal(t, before, f.store.stored("t1"))
	assert.Empty(t, f.store.samples)
	assert.Empty(t, f.pub.all())
}

func TestUpdatePosition_ConcurrentSaveIsConflict(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 1.0)
	f.store.saveErr = db.ErrStaleTrip

	_, err := f.tr.UpdatePosition(context.Background(), driver, "t1", fixAt(1.05, time.Second))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.ErrorIs(t, err, db.ErrStaleTrip)
}

func TestEndTrip_CapturesFinalStopInRadius(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 9.48, transit.StopReached{StopName: "C", ReachedAt: t0.Add(-4 * time.Minute)})
	f.clock = t0.Add(time.Minute)

	trip, err := f.tr.EndTrip(context.Background(), driver, "t1")
	require.NoError(t, err)
	assert.False(t, trip.IsActive)
	require.NotNil(t, trip.EndedAt)
	assert.Equal(t, f.clock, *trip.EndedAt)
	assert.Equal(t, []string{"C", "D"}, trip.ReachedNames())

	require.Len(t, f.store.samples, 1)
	assert.Equal(t, "C", f.store.samples[0].From)
	assert.Equal(t, "D", f.store.samples[0].To)
	assert.InDelta(t, 4.0, f.store.samples[0].Minutes, 1e-9)

	events := f.pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, live.EventPosition, events[0].Type)
	assert.Empty(t, events[0].Snapshot.StopETAs)
	assert.Equal(t, live.EventTripEnded, events[1].Type)
	assert.False(t, f.store.stored("t1").IsActive)
}

func TestEndTrip_FarFromFinalStop(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 7.0)

	trip, err := f.tr.EndTrip(context.Background(), driver, "t1")
	require.NoError(t, err)
	assert.False(t, trip.IsActive)
	assert.Empty(t, trip.StopsReached)
	assert.Empty(t, f.store.samples)
}

func TestEndTrip_Failures(t *testing.T) {
	f := newFixture(t)
	f.putTrip("t1", 7.0)

	_, err := f.tr.EndTrip(context.Background(), auth.Caller{ID: "d2", Role: auth.RoleDriver}, "t1")
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = f.tr.EndTrip(context.Background(), driver, "t1")
	require.NoError(t, err)
	_, err = f.tr.EndTrip(context.Background(), driver, "t1")
	assert.Equal(t, KindGone, KindOf(err))

	_, err = f.tr.EndTrip(context.Background(), driver, "nope")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestEndTrip_AfterRouteReimport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip, err := f.tr.StartTrip(ctx, driver, "r1", fixAt(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, trip.RouteVersion)

	edited := lineRoute()
	edited.Path = []geo.Point{at(0), at(6), at(12)}
	f.store.reimport(edited)
	f.tr.forgetRoute("r1")

	res, err := f.tr.UpdatePosition(ctx, driver, trip.ID, fixAt(0.1, 10*time.Second))
	require.NoError(t, err)
	require.False(t, res.Rejected)
	assert.InDelta(t, 10, res.Snapshot.TotalRouteLength, 1e-3, "the trip keeps the version it started on")

	ended, err := f.tr.EndTrip(ctx, driver, trip.ID)
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	assert.False(t, f.store.stored(trip.ID).IsActive)

	_, err = f.tr.StartTrip(ctx, driver, "r1", fixAt(0, time.Minute))
	assert.Equal(t, KindRouteData, KindOf(err), "the edited route must be prepared, the driver is free")
}

func TestEndTrip_ClosesWhenRouteVersionIsUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip := f.putTrip("t1", 9.5)
	trip.RouteVersion = 7
	f.store.trips["t1"] = trip.Clone()

	_, err := f.tr.UpdatePosition(ctx, driver, "t1", fixAt(9.52, 5*time.Second))
	assert.Equal(t, KindRouteData, KindOf(err))

	ended, err := f.tr.EndTrip(ctx, driver, "t1")
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	assert.Empty(t, ended.StopsReached, "no final stop capture without the route")
	assert.Empty(t, f.store.samples)
	assert.False(t, f.store.stored("t1").IsActive)

	events := f.pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, at(9.5), events[0].Snapshot.SnappedPosition)
	assert.Zero(t, events[0].Snapshot.TotalRouteLength)
	assert.Equal(t, live.EventTripEnded, events[1].Type)
}

func TestActiveTripsGaugeFollowsStorage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mc := metrics.NewCollector(40, 70, time.Hour)
	f.tr.metrics = mc
	earlier := f.putTrip("earlier", 1.0)
	earlier.DriverID = "d0"
	f.store.trips["earlier"] = earlier.Clone()

	trip, err := f.tr.StartTrip(ctx, driver, "r1", fixAt(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(mc.ActiveTrips))

	_, err = f.tr.EndTrip(ctx, admin, "earlier")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.ActiveTrips))

	_, err = f.tr.EndTrip(ctx, driver, trip.ID)
	require.NoError(t, err)
	assert.Zero(t, testutil.ToFloat64(mc.ActiveTrips))
}

func TestArrive_KeepsLedgerStrictlyIncreasing(t *testing.T) {
	trip := &transit.Trip{StartedAt: t0}
	first := arrive(trip, "r1", stopAt("A", 2.0), t0.Add(time.Minute))
	second := arrive(trip, "r1", stopAt("B", 2.3), t0.Add(time.Minute))

	assert.Equal(t, transit.StartOfRoute, first.From)
	assert.Equal(t, t0.Add(time.Minute+time.Millisecond), trip.StopsReached[1].ReachedAt)
	assert.InDelta(t, 1.0/60000, second.Minutes, 1e-12)
	assert.Equal(t, 2.3, trip.DistanceTraveled)
}

func TestInterpolate(t *testing.T) {
	assert.Equal(t, t0.Add(30*time.Second), interpolate(1, t0, 2, t0.Add(time.Minute), 1.5))
	assert.Equal(t, t0, interpolate(1, t0, 2, t0.Add(time.Minute), 0.5))
	assert.Equal(t, t0.Add(time.Minute), interpolate(1, t0.Add(time.Minute), 1, t0.Add(time.Minute), 1))
}
