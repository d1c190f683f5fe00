package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"bus-tracker/internal/live"
	"bus-tracker/internal/logging"
)

// liveStream follows a trip as server-sent events. The viewer joins before
// the current state is read, so no update falls between the two; the first
// event carries that state and queued updates older than it are skipped.
// The stream ends after the trip-ended event or when the client goes away.
func (s *Server) liveStream(w http.ResponseWriter, r *http.Request) {
	tripID := param(r, "tripId")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub, err := s.sessions.Join(tripID)
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "live sessions are shutting down"})
		return
	}
	defer s.sessions.Leave(sub)
	data, err := s.svc.GetLiveData(ctx, tripID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since := data.Snapshot.Timestamp

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	logger := logging.FromContext(ctx).With(slog.String("trip_id", sub.TripID()))
	if err := writeEvent(w, live.PositionUpdate(data.Snapshot)); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type == live.EventPosition && ev.At.Before(since) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Debug("live stream write failed", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
			if ev.Type == live.EventTripEnded {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// writeEvent writes ev in SSE framing, named after its type.
func writeEvent(w http.ResponseWriter, ev live.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
	return err
}
