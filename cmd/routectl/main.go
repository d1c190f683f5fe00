// Command routectl loads route definitions into the tracker database and
// prepares them for tracking.
//
//	routectl import -file routes.yaml [-precompute]
//	routectl gtfs -gtfs-dsn postgres://.../gtfs -trip 1234 [-route-id r1] [-precompute]
//	routectl precompute -route r1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/tracker"
	"bus-tracker/internal/transit"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitRouteData = 3
)

var operator = auth.Caller{ID: "routectl", Role: auth.RoleAdmin}

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: routectl <import|gtfs|precompute> [flags]")
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitFailure
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return exitFailure
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fail(logger, err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return fail(logger, err)
	}
	store := db.NewStore(sqlDB, logger)
	if err := store.Migrate(ctx); err != nil {
		return fail(logger, err)
	}
	trk := tracker.New(tracker.Deps{Routes: store, Trips: store, Logger: logger}, tracker.DefaultConfig())

	switch args[0] {
	case "import":
		return importFile(ctx, store, trk, logger, args[1:])
	case "gtfs":
		return importGTFS(ctx, store, trk, logger, args[1:])
	case "precompute":
		fs := flag.NewFlagSet("precompute", flag.ContinueOnError)
		routeID := fs.String("route", "", "route id")
		if err := fs.Parse(args[1:]); err != nil || *routeID == "" {
			fs.Usage()
			return exitUsage
		}
		return precompute(ctx, trk, logger, *routeID)
	default:
		usage()
		return exitUsage
	}
}

func importFile(ctx context.Context, store *db.Store, trk *tracker.Tracker, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	path := fs.String("file", "", "route YAML file")
	prep := fs.Bool("precompute", false, "compute stop offsets after import")
	if err := fs.Parse(args); err != nil || *path == "" {
		fs.Usage()
		return exitUsage
	}
	f, err := os.Open(*path)
	if err != nil {
		return fail(logger, err)
	}
	defer f.Close()
	doc, err := ParseRouteFile(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRouteData
	}
	for _, spec := range doc.Routes {
		if code := save(ctx, store, trk, logger, spec.Route(), *prep); code != exitOK {
			return code
		}
	}
	return exitOK
}

func importGTFS(ctx context.Context, store *db.Store, trk *tracker.Tracker, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("gtfs", flag.ContinueOnError)
	dsn := fs.String("gtfs-dsn", os.Getenv("GTFS_DATABASE_URL"), "DSN of a GTFS database loaded by postgis-gtfs-importer")
	tripID := fs.String("trip", "", "GTFS trip whose shape and stops become the route")
	routeID := fs.String("route-id", "", "route id to store (defaults to the GTFS route id)")
	prep := fs.Bool("precompute", false, "compute stop offsets after import")
	if err := fs.Parse(args); err != nil || *dsn == "" || *tripID == "" {
		fs.Usage()
		return exitUsage
	}
	gtfsDB, err := db.Open(*dsn)
	if err != nil {
		return fail(logger, err)
	}
	defer gtfsDB.Close()
	if err := db.Ping(ctx, gtfsDB); err != nil {
		return fail(logger, err)
	}
	route, err := db.GTFSRoute(ctx, gtfsDB, *tripID)
	if err != nil {
		var rde *transit.RouteDataError
		if errors.As(err, &rde) {
			fmt.Fprintln(os.Stderr, err)
			return exitRouteData
		}
		return fail(logger, err)
	}
	if *routeID != "" {
		route.ID = *routeID
	}
	return save(ctx, store, trk, logger, route, *prep)
}

func save(ctx context.Context, store *db.Store, trk *tracker.Tracker, logger *slog.Logger, r *transit.Route, prep bool) int {
	if err := store.UpsertRoute(ctx, r); err != nil {
		return fail(logger, err)
	}
	logger.Info("route stored",
		slog.String("route_id", r.ID),
		slog.Int("version", r.Version),
		slog.Int("stops", len(r.Stops)))
	if !prep {
		return exitOK
	}
	return precompute(ctx, trk, logger, r.ID)
}

func precompute(ctx context.Context, trk *tracker.Tracker, logger *slog.Logger, routeID string) int {
	if _, err := trk.PrecomputeStopOffsets(ctx, operator, routeID); err != nil {
		switch tracker.KindOf(err) {
		case tracker.KindRouteData:
			fmt.Fprintln(os.Stderr, err)
			return exitRouteData
		case tracker.KindNotFound:
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		return fail(logger, err)
	}
	return exitOK
}

func fail(logger *slog.Logger, err error) int {
	logging.LogError(logger, "routectl failed", err)
	return exitFailure
}
