package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

// GTFSRoute builds a route definition from one trip of a GTFS database as
// laid out by postgis-gtfs-importer: the trip's shape becomes the path and
// its stop_times the stops. The route id is the GTFS route_id.
func GTFSRoute(ctx context.Context, gtfsDB *sql.DB, tripID string) (*transit.Route, error) {
	var r transit.Route
	var shapeID string
	err := gtfsDB.QueryRowContext(ctx, `
SELECT t.route_id, COALESCE(t.shape_id, ''), COALESCE(NULLIF(r.route_short_name, ''), r.route_long_name, '')
FROM trips t JOIN routes r ON r.route_id = t.route_id
WHERE t.trip_id = $1`, tripID).Scan(&r.ID, &shapeID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gtfs trip %s: %w", tripID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query gtfs trip: %w", err)
	}
	if shapeID == "" {
		return nil, &transit.RouteDataError{RouteID: r.ID, Reason: "gtfs trip " + tripID + " has no shape"}
	}
	if r.Path, err = fetchShapePoints(ctx, gtfsDB, shapeID); err != nil {
		return nil, err
	}
	if r.Stops, err = fetchTripStops(ctx, gtfsDB, tripID); err != nil {
		return nil, err
	}
	return &r, nil
}

func fetchShapePoints(ctx context.Context, db *sql.DB, shapeID string) ([]geo.Point, error) {
	// Detect column layout: either shape_pt_lat/lon exist, or use PostGIS shape_pt_loc geography
	latlonExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_lat", "shape_pt_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	var q string
	if latlonExists["shape_pt_lat"] && latlonExists["shape_pt_lon"] {
		q = `SELECT shape_pt_lat, shape_pt_lon FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	} else {
		locExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect shapes shape_pt_loc: %w", err)
		}
		if !locExists["shape_pt_loc"] {
			return nil, fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
		}
		q = `SELECT ST_Y(shape_pt_loc::geometry), ST_X(shape_pt_loc::geometry)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	}
	rows, err := db.QueryContext(ctx, q, shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var pts []geo.Point
	for rows.Next() {
		var p geo.Point
		if err := rows.Scan(&p.Lat, &p.Lon); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

func fetchTripStops(ctx context.Context, db *sql.DB, tripID string) ([]transit.Stop, error) {
	latlonExists, err := hasColumns(ctx, db, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	coords := `COALESCE(s.stop_lat, 0), COALESCE(s.stop_lon, 0)`
	if !latlonExists["stop_lat"] || !latlonExists["stop_lon"] {
		locExists, err := hasColumns(ctx, db, "public", "stops", "stop_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect stops stop_loc: %w", err)
		}
		if !locExists["stop_loc"] {
			return nil, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
		}
		coords = `COALESCE(ST_Y(s.stop_loc::geometry), 0), COALESCE(ST_X(s.stop_loc::geometry), 0)`
	}
	rows, err := db.QueryContext(ctx, `
SELECT st.stop_id, COALESCE(s.stop_name, ''), `+coords+`
FROM stop_times st
JOIN stops s ON s.stop_id = st.stop_id
WHERE st.trip_id = $1
ORDER BY st.stop_sequence`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var stops []transit.Stop
	seen := make(map[string]int)
	for rows.Next() {
		var id string
		var st transit.Stop
		if err := rows.Scan(&id, &st.Name, &st.Location.Lat, &st.Location.Lon); err != nil {
			return nil, err
		}
		st.Name = uniqueStopName(strings.TrimSpace(st.Name), id, seen)
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// uniqueStopName keeps stop names unique within a route. A trip that calls
// at the same stop twice gets a numbered second entry.
func uniqueStopName(name, id string, seen map[string]int) string {
	if name == "" {
		name = id
	}
	seen[name]++
	if n := seen[name]; n > 1 {
		return fmt.Sprintf("%s (%d)", name, n)
	}
	return name
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
