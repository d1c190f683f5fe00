package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/tracker"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	TripID  string `json:"tripId,omitempty"`
}

func statusOf(kind tracker.Kind) int {
	switch kind {
	case tracker.KindNotFound:
		return http.StatusNotFound
	case tracker.KindForbidden:
		return http.StatusForbidden
	case tracker.KindConflict:
		return http.StatusConflict
	case tracker.KindInvalidInput:
		return http.StatusBadRequest
	case tracker.KindOutOfRange, tracker.KindRouteData:
		return http.StatusUnprocessableEntity
	case tracker.KindGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code. Unclassified errors are logged and
// reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrUnauthenticated) {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthenticated", Message: "missing caller identity"})
		return
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: string(tracker.KindInvalidInput), Message: ve.Error()})
		return
	}
	var te *tracker.Error
	if errors.As(err, &te) {
		body := errorBody{Error: string(te.Kind), Message: te.Message}
		if te.Kind == tracker.KindConflict {
			body.TripID = te.TripID
		}
		s.writeJSON(w, statusOf(te.Kind), body)
		return
	}
	logging.LogError(logging.FromContext(r.Context()), "request failed", err,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))
	s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: string(tracker.KindInvalidInput), Message: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
