package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

const maxBodyBytes = 1 << 16

type coordinates struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

type fixRequest struct {
	Coordinates *coordinates `json:"coordinates" validate:"required"`
	Timestamp   *time.Time   `json:"timestamp"`
}

func (f fixRequest) fix() transit.Fix {
	out := transit.Fix{Coordinates: geo.Point{Lat: *f.Coordinates.Lat, Lon: *f.Coordinates.Lng}}
	if f.Timestamp != nil {
		out.Timestamp = *f.Timestamp
	}
	return out
}

type startRequest struct {
	RouteID string `json:"routeId" validate:"required,max=128"`
	fixRequest
}

// tripView is the JSON form of a trip.
type tripView struct {
	ID               string                `json:"id"`
	RouteID          string                `json:"routeId"`
	DriverID         string                `json:"driverId"`
	IsActive         bool                  `json:"isActive"`
	StartedAt        time.Time             `json:"startedAt"`
	EndedAt          *time.Time            `json:"endedAt,omitempty"`
	UpdatedAt        time.Time             `json:"updatedAt"`
	DistanceTraveled float64               `json:"distanceTraveled"`
	CurrentPosition  transit.Fix           `json:"currentPosition"`
	IsOffRoute       bool                  `json:"isOffRoute"`
	StopsReached     []transit.StopReached `json:"stopsReached"`
	StopETAs         []transit.StopETA     `json:"stopETAs"`
}

func viewOf(t *transit.Trip) tripView {
	v := tripView{
		ID:               t.ID,
		RouteID:          t.RouteID,
		DriverID:         t.DriverID,
		IsActive:         t.IsActive,
		StartedAt:        t.StartedAt,
		EndedAt:          t.EndedAt,
		UpdatedAt:        t.UpdatedAt,
		DistanceTraveled: t.DistanceTraveled,
		CurrentPosition:  t.CurrentPosition,
		IsOffRoute:       t.IsOffRoute,
		StopsReached:     t.StopsReached,
		StopETAs:         t.StopETAs,
	}
	if v.StopsReached == nil {
		v.StopsReached = []transit.StopReached{}
	}
	if v.StopETAs == nil {
		v.StopETAs = []transit.StopETA{}
	}
	return v
}

type updateResponse struct {
	Snapshot transit.Snapshot      `json:"snapshot"`
	Rejected bool                  `json:"rejected"`
	Reached  []transit.StopReached `json:"reached"`
}

// decode reads a JSON body into dst and validates it. It writes the
// response for a bad body and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}

func (s *Server) startTrip(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	trip, err := s.svc.StartTrip(r.Context(), caller, req.RouteID, req.fix())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(trip))
}

func (s *Server) updatePosition(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req fixRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.UpdatePosition(r.Context(), caller, param(r, "tripId"), req.fix())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reached := res.Reached
	if reached == nil {
		reached = []transit.StopReached{}
	}
	s.writeJSON(w, http.StatusOK, updateResponse{Snapshot: res.Snapshot, Rejected: res.Rejected, Reached: reached})
}

func (s *Server) endTrip(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trip, err := s.svc.EndTrip(r.Context(), caller, param(r, "tripId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(trip))
}

func (s *Server) trackTrip(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.GetLiveData(r.Context(), param(r, "tripId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}
