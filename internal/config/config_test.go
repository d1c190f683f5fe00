package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"DATABASE_URL", "PG_DSN", "PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGDATABASE", "PGSSLMODE",
		"HTTP_ADDR", "METRICS_ADDR", "NATS_URL", "NATS_SUBJECT_PREFIX", "LOG_NATS_SUBJECTS",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "ETA_CACHE_TTL_SEC",
		"ARRIVAL_RADIUS_M", "START_PROXIMITY_M", "OFF_ROUTE_M", "MAX_SPEED_KMH", "MIN_JUMP_KM", "BACKWARD_TOLERANCE_KM",
		"TRIP_RETENTION_HOURS", "SWEEP_INTERVAL_MIN", "VIEWER_BUFFER", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/tracker")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/tracker", cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "trips", cfg.NATSSubjectPrefix)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, 60*time.Second, cfg.ETACacheTTL)
	assert.Equal(t, 40.0, cfg.ArrivalRadiusM)
	assert.Equal(t, 70.0, cfg.StartProximityM)
	assert.Equal(t, 70.0, cfg.OffRouteM)
	assert.Equal(t, 100.0, cfg.MaxSpeedKmh)
	assert.Equal(t, 0.15, cfg.MinJumpKm)
	assert.Equal(t, 0.5, cfg.BackwardToleranceKm)
	assert.Equal(t, 24*time.Hour, cfg.TripRetention)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 16, cfg.ViewerBuffer)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_BuildsDSNFromPGVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("PGHOST", "db")
	t.Setenv("PGUSER", "bus")
	t.Setenv("PGPASSWORD", "p@ss")
	t.Setenv("PGDATABASE", "tracker")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://bus:p%40ss@db:5432/tracker?sslmode=disable", cfg.DatabaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/tracker")
	t.Setenv("ARRIVAL_RADIUS_M", "25")
	t.Setenv("SWEEP_INTERVAL_MIN", "0")
	t.Setenv("LOG_NATS_SUBJECTS", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.ArrivalRadiusM)
	assert.Zero(t, cfg.SweepInterval)
	assert.True(t, cfg.LogNATSSubjects)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"MAX_SPEED_KMH":        "-3",
		"MIN_JUMP_KM":          "abc",
		"TRIP_RETENTION_HOURS": "0",
		"VIEWER_BUFFER":        "x",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DATABASE_URL", "postgres://localhost/tracker")
			t.Setenv(key, val)
			_, err := Load()
			assert.ErrorContains(t, err, key)
		})
	}

	t.Run("no database", func(t *testing.T) {
		clearEnv(t)
		_, err := Load()
		assert.Error(t, err)
	})
}
