package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Store persists routes, trips and ETA history in Postgres.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates the schema if it doesn't exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	s.logger.Info("database migrations applied", slog.Int("statements", len(migrations)))
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS routes (
		route_id         TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		version          INTEGER NOT NULL DEFAULT 1,
		path             JSONB NOT NULL,
		prepared_version INTEGER NOT NULL DEFAULT 0,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS route_stops (
		route_id            TEXT NOT NULL REFERENCES routes(route_id) ON DELETE CASCADE,
		seq                 INTEGER NOT NULL,
		name                TEXT NOT NULL,
		lat                 DOUBLE PRECISION NOT NULL,
		lon                 DOUBLE PRECISION NOT NULL,
		distance_from_start DOUBLE PRECISION NOT NULL DEFAULT 0,
		progress_fraction   DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (route_id, seq)
	)`,

	// Immutable copy of every prepared route version, so that trips keep the
	// geometry they started on while the route is edited.
	`CREATE TABLE IF NOT EXISTS route_versions (
		route_id    TEXT NOT NULL REFERENCES routes(route_id) ON DELETE CASCADE,
		version     INTEGER NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		path        JSONB NOT NULL,
		stops       JSONB NOT NULL,
		prepared_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (route_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS trips (
		trip_id           TEXT PRIMARY KEY,
		route_id          TEXT NOT NULL REFERENCES routes(route_id),
		route_version     INTEGER NOT NULL,
		driver_id         TEXT NOT NULL,
		is_active         BOOLEAN NOT NULL,
		started_at        TIMESTAMPTZ NOT NULL,
		ended_at          TIMESTAMPTZ,
		updated_at        TIMESTAMPTZ NOT NULL,
		distance_traveled DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_lat       DOUBLE PRECISION NOT NULL,
		current_lon       DOUBLE PRECISION NOT NULL,
		current_at        TIMESTAMPTZ NOT NULL,
		previous_lat      DOUBLE PRECISION NOT NULL,
		previous_lon      DOUBLE PRECISION NOT NULL,
		previous_at       TIMESTAMPTZ NOT NULL,
		progress_at       TIMESTAMPTZ NOT NULL,
		is_off_route      BOOLEAN NOT NULL DEFAULT false,
		stops_reached     JSONB NOT NULL DEFAULT '[]',
		stop_etas         JSONB NOT NULL DEFAULT '[]',
		version           INTEGER NOT NULL DEFAULT 1
	)`,

	// At most one active trip per driver
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + activeDriverIndex + ` ON trips (driver_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS trips_active_updated_idx ON trips (updated_at) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS trips_inactive_updated_idx ON trips (updated_at) WHERE NOT is_active`,

	`CREATE TABLE IF NOT EXISTS eta_history (
		route_id         TEXT NOT NULL,
		from_stop        TEXT NOT NULL,
		to_stop          TEXT NOT NULL,
		average_duration DOUBLE PRECISION NOT NULL,
		sample_count     INTEGER NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (route_id, from_stop, to_stop)
	)`,
}

const activeDriverIndex = "trips_one_active_per_driver"

// isUniqueViolation reports whether err is a unique constraint violation on
// the named constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
