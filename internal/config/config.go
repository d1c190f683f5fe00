package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ETACacheTTL   time.Duration

	ArrivalRadiusM      float64
	StartProximityM     float64
	OffRouteM           float64
	MaxSpeedKmh         float64
	MinJumpKm           float64
	BackwardToleranceKm float64

	TripRetention time.Duration
	SweepInterval time.Duration
	ViewerBuffer  int

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Empty NATS_URL disables cross-process fan-out
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "trips")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Empty REDIS_ADDR disables the ETA history cache
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0, 0); err != nil {
		return nil, err
	}
	ttl, err := intEnv("ETA_CACHE_TTL_SEC", 60, 1)
	if err != nil {
		return nil, err
	}
	cfg.ETACacheTTL = time.Duration(ttl) * time.Second

	floats := []struct {
		key string
		def float64
		dst *float64
	}{
		{"ARRIVAL_RADIUS_M", 40, &cfg.ArrivalRadiusM},
		{"START_PROXIMITY_M", 70, &cfg.StartProximityM},
		{"OFF_ROUTE_M", 70, &cfg.OffRouteM},
		{"MAX_SPEED_KMH", 100, &cfg.MaxSpeedKmh},
		{"MIN_JUMP_KM", 0.15, &cfg.MinJumpKm},
		{"BACKWARD_TOLERANCE_KM", 0.5, &cfg.BackwardToleranceKm},
	}
	for _, f := range floats {
		if *f.dst, err = positiveFloatEnv(f.key, f.def); err != nil {
			return nil, err
		}
	}

	hours, err := intEnv("TRIP_RETENTION_HOURS", 24, 1)
	if err != nil {
		return nil, err
	}
	cfg.TripRetention = time.Duration(hours) * time.Hour

	// 0 disables the periodic sweeper
	sweep, err := intEnv("SWEEP_INTERVAL_MIN", 30, 0)
	if err != nil {
		return nil, err
	}
	cfg.SweepInterval = time.Duration(sweep) * time.Minute

	if cfg.ViewerBuffer, err = intEnv("VIEWER_BUFFER", 16, 1); err != nil {
		return nil, err
	}

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getenvDefault("LOG_FORMAT", "text")

	return cfg, nil
}

func intEnv(key string, def, min int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < min {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func positiveFloatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
