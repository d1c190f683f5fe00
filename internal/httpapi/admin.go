package httpapi

import (
	"net/http"

	"bus-tracker/internal/auth"
)

type oldTripsResponse struct {
	Count int        `json:"count"`
	Trips []tripView `json:"trips"`
}

func (s *Server) oldTrips(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trips, err := s.svc.ExpiredTrips(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := oldTripsResponse{Count: len(trips), Trips: make([]tripView, 0, len(trips))}
	for _, t := range trips {
		resp.Trips = append(resp.Trips, viewOf(t))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.svc.DeleteExpiredTrips(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) precompute(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	route, err := s.svc.PrecomputeStopOffsets(r.Context(), caller, param(r, "routeId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"routeId": route.ID,
		"version": route.Version,
		"stops":   route.Stops,
	})
}
