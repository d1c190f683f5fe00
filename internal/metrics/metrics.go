package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Update outcomes used as the "outcome" label of PositionUpdates.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeOffRoute = "off_route"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveTrips   prometheus.Gauge
	TripsStarted  prometheus.Counter
	TripsEnded    *prometheus.CounterVec // reason label: driver|stale
	TripsDeleted  prometheus.Counter
	StopsReached  prometheus.Counter
	HistoryAdded  prometheus.Counter
	UpdateOutcome *prometheus.CounterVec // outcome label
	UpdateLatency prometheus.Histogram

	LiveViewers prometheus.Gauge
	LiveDropped prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	ArrivalRadius  prometheus.Gauge // meters
	OffRouteRadius prometheus.Gauge // meters
	Retention      prometheus.Gauge // hours
}

func NewCollector(arrivalRadiusM, offRouteM float64, retention time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_trips",
			Help: "Number of active trips in storage, refreshed on start, end and sweep.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_trips_ended_total",
			Help: "Total trips ended.",
		}, []string{"reason"}),
		TripsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_deleted_total",
			Help: "Total expired trips removed by maintenance.",
		}),
		StopsReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_stops_reached_total",
			Help: "Total stop arrivals recorded.",
		}),
		HistoryAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_eta_history_samples_total",
			Help: "Total segment duration samples folded into ETA history.",
		}),
		UpdateOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_position_updates_total",
			Help: "Position updates by outcome.",
		}, []string{"outcome"}),
		UpdateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_position_update_duration_seconds",
			Help:    "Duration of position update processing including persistence.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		LiveViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_live_viewers",
			Help: "Number of connected live viewers.",
		}),
		LiveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_live_dropped_events_total",
			Help: "Events dropped because a viewer queue was full.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ArrivalRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_arrival_radius_meters",
			Help: "Configured stop arrival radius.",
		}),
		OffRouteRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_off_route_meters",
			Help: "Configured off-route distance.",
		}),
		Retention: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_trip_retention_hours",
			Help: "Configured trip retention window.",
		}),
	}

	reg.MustRegister(
		c.ActiveTrips, c.TripsStarted, c.TripsEnded, c.TripsDeleted,
		c.StopsReached, c.HistoryAdded, c.UpdateOutcome, c.UpdateLatency,
		c.LiveViewers, c.LiveDropped,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.ArrivalRadius, c.OffRouteRadius, c.Retention,
	)

	c.ArrivalRadius.Set(arrivalRadiusM)
	c.OffRouteRadius.Set(offRouteM)
	c.Retention.Set(retention.Hours())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}
