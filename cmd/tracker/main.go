package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/httpapi"
	"bus-tracker/internal/live"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/maintenance"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/tracker"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("logger error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logging.LogError(logger, "tracker stopped", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return err
	}
	store := db.NewStore(sqlDB, logger)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.ArrivalRadiusM, cfg.OffRouteM, cfg.TripRetention)
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer shutdown(srv, logger, "metrics")
	}

	// ETA history, optionally cached in Redis
	var history eta.Source = store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logging.LogError(logger, "redis unavailable, eta history served from postgres", err,
				slog.String("addr", cfg.RedisAddr))
		} else {
			history = eta.NewRedisCache(rdb, store, cfg.ETACacheTTL, logger)
			logger.Info("eta history cache enabled", slog.String("addr", cfg.RedisAddr))
		}
	}

	// Live sessions: local viewers are fed directly, or through NATS when
	// several tracker processes share the viewers.
	registry := live.NewRegistry(cfg.ViewerBuffer, mcol)
	defer registry.Close()
	var pub live.Publisher = registry
	if cfg.NATSURL != "" {
		natsPub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol), logger)
		if err != nil {
			return err
		}
		defer natsPub.Close()
		sub, err := natsPub.Relay(ctx, registry)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()
		pub = natsPub
	}

	trk := tracker.New(tracker.Deps{
		Routes:    store,
		Trips:     store,
		History:   history,
		Publisher: pub,
		Logger:    logger,
		Metrics:   mcol,
	}, tracker.Config{
		StartProximityM:     cfg.StartProximityM,
		OffRouteM:           cfg.OffRouteM,
		ArrivalRadiusM:      cfg.ArrivalRadiusM,
		MaxSpeedKmh:         cfg.MaxSpeedKmh,
		MinJumpKm:           cfg.MinJumpKm,
		BackwardToleranceKm: cfg.BackwardToleranceKm,
		Retention:           cfg.TripRetention,
	})

	sweeper := maintenance.NewRunner(trk, cfg.SweepInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(trk, registry, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Block until context cancelled or the server fails
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	// Event streams return only once their sessions close.
	registry.Close()
	shutdown(srv, logger, "http")
	logger.Info("shutdown complete")
	return nil
}

func shutdown(srv *http.Server, logger *slog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.LogError(logger, "server shutdown failed", err, slog.String("server", name))
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
