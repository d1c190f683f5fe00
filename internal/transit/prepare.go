// Package transit defines routes, stops and trips, and prepares route
// geometry for tracking.
package transit

import (
	"errors"
	"fmt"

	"bus-tracker/internal/geo"
)

// ErrRouteNotPrepared is returned when a route is used for tracking before
// its stop offsets were computed.
var ErrRouteNotPrepared = errors.New("route stop offsets not computed")

// RouteDataError reports a problem with a route's geometry or stops.
type RouteDataError struct {
	RouteID string
	Reason  string
}

func (e *RouteDataError) Error() string {
	return fmt.Sprintf("route %s: %s", e.RouteID, e.Reason)
}

// Geometry returns the route path as a polyline.
func (r *Route) Geometry() (*geo.Polyline, error) {
	line, err := geo.NewPolyline(r.Path)
	if err != nil {
		return nil, &RouteDataError{RouteID: r.ID, Reason: err.Error()}
	}
	return line, nil
}

// orderSlackM is how much closer a stop may sit to an earlier stretch of the
// path than to the stretch after the previous stop.
const orderSlackM = 50

// PrecomputeStopOffsets projects every stop onto the route path and stores
// its arc-length offset and progress fraction. Each stop is searched only
// from the previous stop's offset onward, so stops on the return leg of an
// out-and-back route land on the return leg.
func PrecomputeStopOffsets(r *Route) error {
	line, err := r.Geometry()
	if err != nil {
		return err
	}
	total := line.Length()
	if total == 0 {
		return &RouteDataError{RouteID: r.ID, Reason: "route path has zero length"}
	}
	seen := make(map[string]bool, len(r.Stops))
	prev := 0.0
	for i := range r.Stops {
		s := &r.Stops[i]
		if s.Name == "" {
			return &RouteDataError{RouteID: r.ID, Reason: fmt.Sprintf("stop %d has no name", i)}
		}
		if seen[s.Name] {
			return &RouteDataError{RouteID: r.ID, Reason: fmt.Sprintf("duplicate stop name %q", s.Name)}
		}
		seen[s.Name] = true
		if !s.Location.Valid() {
			return &RouteDataError{RouteID: r.ID, Reason: fmt.Sprintf("stop %q has invalid coordinates", s.Name)}
		}
		proj := line.ProjectWithin(s.Location, prev, total)
		if best := line.Project(s.Location); best.OffsetKm < prev && proj.DistanceM-best.DistanceM > orderSlackM {
			return &RouteDataError{RouteID: r.ID, Reason: fmt.Sprintf("stop %q lies before the previous stop along the path", s.Name)}
		}
		s.DistanceFromStart = proj.OffsetKm
		s.ProgressFraction = proj.OffsetKm / total
		prev = proj.OffsetKm
	}
	r.Prepared = true
	return nil
}
