package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bus-tracker/internal/eta"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/transit"
)

const tripColumns = `trip_id, route_id, route_version, driver_id, is_active, started_at, ended_at, updated_at,
	distance_traveled, current_lat, current_lon, current_at, previous_lat, previous_lon, previous_at,
	progress_at, is_off_route, stops_reached, stop_etas, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*transit.Trip, error) {
	var t transit.Trip
	var ended sql.NullTime
	var reached, etas []byte
	if err := row.Scan(&t.ID, &t.RouteID, &t.RouteVersion, &t.DriverID, &t.IsActive, &t.StartedAt, &ended, &t.UpdatedAt,
		&t.DistanceTraveled,
		&t.CurrentPosition.Coordinates.Lat, &t.CurrentPosition.Coordinates.Lon, &t.CurrentPosition.Timestamp,
		&t.PreviousPosition.Coordinates.Lat, &t.PreviousPosition.Coordinates.Lon, &t.PreviousPosition.Timestamp,
		&t.ProgressAt, &t.IsOffRoute, &reached, &etas, &t.Version); err != nil {
		return nil, err
	}
	if ended.Valid {
		e := ended.Time
		t.EndedAt = &e
	}
	if err := json.Unmarshal(reached, &t.StopsReached); err != nil {
		return nil, fmt.Errorf("decode stops_reached of trip %s: %w", t.ID, err)
	}
	if err := json.Unmarshal(etas, &t.StopETAs); err != nil {
		return nil, fmt.Errorf("decode stop_etas of trip %s: %w", t.ID, err)
	}
	return &t, nil
}

func encodeLedger(t *transit.Trip) (reached, etas []byte, err error) {
	sr := t.StopsReached
	if sr == nil {
		sr = []transit.StopReached{}
	}
	se := t.StopETAs
	if se == nil {
		se = []transit.StopETA{}
	}
	if reached, err = json.Marshal(sr); err != nil {
		return nil, nil, err
	}
	if etas, err = json.Marshal(se); err != nil {
		return nil, nil, err
	}
	return reached, etas, nil
}

// CreateTrip inserts a new trip at version 1. A driver who already owns an
// active trip gets an *ActiveTripError naming it.
func (s *Store) CreateTrip(ctx context.Context, t *transit.Trip) error {
	reached, etas, err := encodeLedger(t)
	if err != nil {
		return err
	}
	var ended sql.NullTime
	if t.EndedAt != nil {
		ended = sql.NullTime{Time: *t.EndedAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO trips (`+tripColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,1)`,
		t.ID, t.RouteID, t.RouteVersion, t.DriverID, t.IsActive, t.StartedAt, ended, t.UpdatedAt,
		t.DistanceTraveled,
		t.CurrentPosition.Coordinates.Lat, t.CurrentPosition.Coordinates.Lon, t.CurrentPosition.Timestamp,
		t.PreviousPosition.Coordinates.Lat, t.PreviousPosition.Coordinates.Lon, t.PreviousPosition.Timestamp,
		t.ProgressAt, t.IsOffRoute, reached, etas)
	if isUniqueViolation(err, activeDriverIndex) {
		existing, lerr := s.ActiveTripByDriver(ctx, t.DriverID)
		if lerr != nil {
			return fmt.Errorf("driver %s has an active trip: %w", t.DriverID, lerr)
		}
		return &ActiveTripError{DriverID: t.DriverID, ExistingID: existing.ID}
	}
	if err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}
	t.Version = 1
	return nil
}

func (s *Store) Trip(ctx context.Context, id string) (*transit.Trip, error) {
	t, err := scanTrip(s.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE trip_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trip: %w", err)
	}
	return t, nil
}

func (s *Store) ActiveTripByDriver(ctx context.Context, driverID string) (*transit.Trip, error) {
	t, err := scanTrip(s.db.QueryRowContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE driver_id = $1 AND is_active`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active trip: %w", err)
	}
	return t, nil
}

// SaveTrip writes the trip if its stored version still equals t.Version and
// folds the samples into the ETA history, all in one transaction. On success
// t.Version is incremented.
func (s *Store) SaveTrip(ctx context.Context, t *transit.Trip, samples []eta.Sample) error {
	reached, etas, err := encodeLedger(t)
	if err != nil {
		return err
	}
	var ended sql.NullTime
	if t.EndedAt != nil {
		ended = sql.NullTime{Time: *t.EndedAt, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer logging.SafeRollback(ctx, tx, s.logger, "save_trip")

	res, err := tx.ExecContext(ctx, `
UPDATE trips SET
  is_active = $3, ended_at = $4, updated_at = $5, distance_traveled = $6,
  current_lat = $7, current_lon = $8, current_at = $9,
  previous_lat = $10, previous_lon = $11, previous_at = $12,
  progress_at = $13, is_off_route = $14, stops_reached = $15, stop_etas = $16,
  version = version + 1
WHERE trip_id = $1 AND version = $2`,
		t.ID, t.Version, t.IsActive, ended, t.UpdatedAt, t.DistanceTraveled,
		t.CurrentPosition.Coordinates.Lat, t.CurrentPosition.Coordinates.Lon, t.CurrentPosition.Timestamp,
		t.PreviousPosition.Coordinates.Lat, t.PreviousPosition.Coordinates.Lon, t.PreviousPosition.Timestamp,
		t.ProgressAt, t.IsOffRoute, reached, etas)
	if err != nil {
		return fmt.Errorf("update trip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trips WHERE trip_id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check trip: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleTrip
	}
	for _, sm := range samples {
		if err := recordSample(ctx, tx, sm); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.Version++
	return nil
}

func (s *Store) queryTrips(ctx context.Context, q string, args ...any) ([]*transit.Trip, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()
	var out []*transit.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountActiveTrips returns the number of trips in progress.
func (s *Store) CountActiveTrips(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM trips WHERE is_active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active trips: %w", err)
	}
	return n, nil
}

// StaleActiveTrips returns active trips with no update since cutoff.
func (s *Store) StaleActiveTrips(ctx context.Context, cutoff time.Time) ([]*transit.Trip, error) {
	return s.queryTrips(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE is_active AND updated_at < $1 ORDER BY updated_at`, cutoff)
}

// ExpiredTrips returns ended trips last updated before cutoff.
func (s *Store) ExpiredTrips(ctx context.Context, cutoff time.Time) ([]*transit.Trip, error) {
	return s.queryTrips(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE NOT is_active AND updated_at < $1 ORDER BY updated_at`, cutoff)
}

func (s *Store) DeleteExpiredTrips(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trips WHERE NOT is_active AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete trips: %w", err)
	}
	return res.RowsAffected()
}
