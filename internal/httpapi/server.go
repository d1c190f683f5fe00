// Package httpapi exposes the tracker over HTTP: driver trip commands,
// public trip views with a server-sent event stream, and admin maintenance.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/live"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/tracker"
	"bus-tracker/internal/transit"
)

// Service is the tracker surface the handlers call.
type Service interface {
	StartTrip(ctx context.Context, caller auth.Caller, routeID string, fix transit.Fix) (*transit.Trip, error)
	UpdatePosition(ctx context.Context, caller auth.Caller, tripID string, fix transit.Fix) (*tracker.UpdateResult, error)
	EndTrip(ctx context.Context, caller auth.Caller, tripID string) (*transit.Trip, error)
	GetLiveData(ctx context.Context, tripID string) (*tracker.LiveData, error)
	PrecomputeStopOffsets(ctx context.Context, caller auth.Caller, routeID string) (*transit.Route, error)
	ExpiredTrips(ctx context.Context, caller auth.Caller) ([]*transit.Trip, error)
	DeleteExpiredTrips(ctx context.Context, caller auth.Caller) (int64, error)
}

// Sessions hands out live subscriptions to trip sessions.
type Sessions interface {
	Join(tripID string) (*live.Subscriber, error)
	Leave(s *live.Subscriber)
}

// DefaultHeartbeat is how often an idle event stream gets a keep-alive
// comment.
const DefaultHeartbeat = 25 * time.Second

type Server struct {
	svc       Service
	sessions  Sessions
	logger    *slog.Logger
	validate  *validator.Validate
	heartbeat time.Duration
}

func New(svc Service, sessions Sessions, logger *slog.Logger) *Server {
	return &Server{
		svc:       svc,
		sessions:  sessions,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		heartbeat: DefaultHeartbeat,
	}
}

func (s *Server) Routes() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/healthz", s.health)

	router.HandlerFunc(http.MethodPost, "/api/trips/start", s.startTrip)
	router.HandlerFunc(http.MethodPatch, "/api/trips/:tripId/position", s.updatePosition)
	router.HandlerFunc(http.MethodPatch, "/api/trips/:tripId/end", s.endTrip)
	router.HandlerFunc(http.MethodGet, "/api/trips/:tripId/track", s.trackTrip)
	router.HandlerFunc(http.MethodGet, "/api/trips/:tripId/live", s.liveStream)

	router.HandlerFunc(http.MethodGet, "/api/maintenance/old-trips", s.oldTrips)
	router.HandlerFunc(http.MethodPost, "/api/maintenance/cleanup", s.cleanup)
	router.HandlerFunc(http.MethodPost, "/api/routes/:routeId/precompute", s.precompute)

	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Error("handler panic", slog.String("path", r.URL.Path), slog.Any("panic", v))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
	return requestLogger(router, s.logger)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func param(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

func requestLogger(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLogger := logger.With(slog.String("request_id", uuid.NewString()))
		r = r.WithContext(logging.WithLogger(r.Context(), reqLogger))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logging.LogOperation(reqLogger, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", time.Since(start).Round(time.Microsecond)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush exposes the underlying Flusher for event streams.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
