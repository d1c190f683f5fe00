package db

import (
	"context"
	"database/sql"
	"fmt"

	"bus-tracker/internal/eta"
)

// sqlExecer is satisfied by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SegmentDurations loads every history record of a route.
func (s *Store) SegmentDurations(ctx context.Context, routeID string) (eta.History, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_stop, to_stop, average_duration, sample_count FROM eta_history WHERE route_id = $1`, routeID)
	if err != nil {
		return nil, fmt.Errorf("query eta history: %w", err)
	}
	defer rows.Close()
	h := eta.History{}
	for rows.Next() {
		var k eta.SegmentKey
		var r eta.Record
		if err := rows.Scan(&k.From, &k.To, &r.AverageDuration, &r.SampleCount); err != nil {
			return nil, err
		}
		h[k] = r
	}
	return h, rows.Err()
}

// RecordSegmentCompletion folds one observed traversal into the segment's
// running mean. Every call counts as a separate observation.
func (s *Store) RecordSegmentCompletion(ctx context.Context, sm eta.Sample) error {
	return recordSample(ctx, s.db, sm)
}

// The row lock taken by ON CONFLICT serializes concurrent updates of a key.
const upsertHistory = `
INSERT INTO eta_history (route_id, from_stop, to_stop, average_duration, sample_count, updated_at)
VALUES ($1, $2, $3, $4, 1, now())
ON CONFLICT (route_id, from_stop, to_stop) DO UPDATE SET
  average_duration = (eta_history.average_duration * eta_history.sample_count + EXCLUDED.average_duration)
                     / (eta_history.sample_count + 1),
  sample_count = eta_history.sample_count + 1,
  updated_at = now()`

func recordSample(ctx context.Context, ex sqlExecer, sm eta.Sample) error {
	if _, err := ex.ExecContext(ctx, upsertHistory, sm.RouteID, sm.From, sm.To, sm.Minutes); err != nil {
		return fmt.Errorf("record segment %s->%s: %w", sm.From, sm.To, err)
	}
	return nil
}
