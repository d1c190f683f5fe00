package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/transit"
)

// Route loads a route with its stops in route order.
func (s *Store) Route(ctx context.Context, id string) (*transit.Route, error) {
	r := &transit.Route{ID: id}
	var path []byte
	var prepared int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version, path, prepared_version FROM routes WHERE route_id = $1`, id).
		Scan(&r.Name, &r.Version, &path, &prepared)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query route: %w", err)
	}
	if err := json.Unmarshal(path, &r.Path); err != nil {
		return nil, fmt.Errorf("decode path of route %s: %w", id, err)
	}
	r.Prepared = prepared == r.Version

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, lat, lon, distance_from_start, progress_fraction
		 FROM route_stops WHERE route_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st transit.Stop
		if err := rows.Scan(&st.Name, &st.Location.Lat, &st.Location.Lon, &st.DistanceFromStart, &st.ProgressFraction); err != nil {
			return nil, err
		}
		r.Stops = append(r.Stops, st)
	}
	return r, rows.Err()
}

// UpsertRoute stores a route definition. Replacing an existing route bumps
// its version, which leaves it unprepared until stop offsets are recomputed.
func (s *Store) UpsertRoute(ctx context.Context, r *transit.Route) (err error) {
	path, err := json.Marshal(nonNilPath(r.Path))
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer logging.SafeRollback(ctx, tx, s.logger, "upsert_route")

	if err := tx.QueryRowContext(ctx, `
INSERT INTO routes (route_id, name, version, path, prepared_version, updated_at)
VALUES ($1, $2, 1, $3, 0, now())
ON CONFLICT (route_id) DO UPDATE SET
  name = EXCLUDED.name,
  path = EXCLUDED.path,
  version = routes.version + 1,
  updated_at = now()
RETURNING version`, r.ID, r.Name, path).Scan(&r.Version); err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_id = $1`, r.ID); err != nil {
		return fmt.Errorf("clear route stops: %w", err)
	}
	for i, st := range r.Stops {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO route_stops (route_id, seq, name, lat, lon, distance_from_start, progress_fraction)
VALUES ($1, $2, $3, $4, $5, 0, 0)`, r.ID, i, st.Name, st.Location.Lat, st.Location.Lon); err != nil {
			return fmt.Errorf("insert stop %q: %w", st.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.Prepared = false
	return nil
}

// SaveStopOffsets stores the computed stop offsets and marks the route
// version as prepared. It fails if the route changed since it was loaded.
func (s *Store) SaveStopOffsets(ctx context.Context, r *transit.Route) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer logging.SafeRollback(ctx, tx, s.logger, "save_stop_offsets")

	res, err := tx.ExecContext(ctx,
		`UPDATE routes SET prepared_version = version, updated_at = now() WHERE route_id = $1 AND version = $2`,
		r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("mark route prepared: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("route %s version %d: %w", r.ID, r.Version, ErrNotFound)
	}
	for i, st := range r.Stops {
		if _, err := tx.ExecContext(ctx,
			`UPDATE route_stops SET distance_from_start = $3, progress_fraction = $4 WHERE route_id = $1 AND seq = $2`,
			r.ID, i, st.DistanceFromStart, st.ProgressFraction); err != nil {
			return fmt.Errorf("update stop %q: %w", st.Name, err)
		}
	}
	path, err := json.Marshal(nonNilPath(r.Path))
	if err != nil {
		return err
	}
	stops, err := json.Marshal(nonNilStops(r.Stops))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO route_versions (route_id, version, name, path, stops)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (route_id, version) DO UPDATE SET
  name = EXCLUDED.name, path = EXCLUDED.path, stops = EXCLUDED.stops, prepared_at = now()`,
		r.ID, r.Version, r.Name, path, stops); err != nil {
		return fmt.Errorf("store route version: %w", err)
	}
	return tx.Commit()
}

// PreparedRoute loads a prepared version of a route as it was when its stop
// offsets were computed, even if the route has been edited since.
func (s *Store) PreparedRoute(ctx context.Context, id string, version int) (*transit.Route, error) {
	r := &transit.Route{ID: id, Version: version, Prepared: true}
	var path, stops []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT name, path, stops FROM route_versions WHERE route_id = $1 AND version = $2`, id, version).
		Scan(&r.Name, &path, &stops)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query route version: %w", err)
	}
	if err := json.Unmarshal(path, &r.Path); err != nil {
		return nil, fmt.Errorf("decode path of route %s v%d: %w", id, version, err)
	}
	if err := json.Unmarshal(stops, &r.Stops); err != nil {
		return nil, fmt.Errorf("decode stops of route %s v%d: %w", id, version, err)
	}
	return r, nil
}

func nonNilPath(p []geo.Point) []geo.Point {
	if p == nil {
		return []geo.Point{}
	}
	return p
}

func nonNilStops(s []transit.Stop) []transit.Stop {
	if s == nil {
		return []transit.Stop{}
	}
	return s
}
