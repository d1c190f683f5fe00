// Package arrival decides which stops a vehicle reached between two fixes.
package arrival

import (
	"sort"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

// DefaultRadiusMeters is the distance at which a stop counts as reached.
const DefaultRadiusMeters = 40.0

// offsetSlackKm absorbs float error between a stop's stored offset and the
// projection of a fix standing on it.
const offsetSlackKm = 1e-6

// Detector matches vehicle movement against unreached stops.
type Detector struct {
	RadiusM float64
}

func NewDetector(radiusM float64) *Detector {
	if radiusM <= 0 {
		radiusM = DefaultRadiusMeters
	}
	return &Detector{RadiusM: radiusM}
}

// Detect returns the stops among candidates that were reached while moving
// from prev to cur, ordered by distance from the route start. A stop is only
// considered once offset has reached it; it is then reached if cur lies
// within the radius, or if the straight path prev->cur passes within the
// radius (the vehicle drove past between fixes).
func (d *Detector) Detect(prev, cur geo.Point, offset float64, candidates []transit.Stop) []transit.Stop {
	moved := prev != cur
	var hits []transit.Stop
	for _, s := range candidates {
		if s.DistanceFromStart > offset+offsetSlackKm {
			continue
		}
		if geo.Haversine(cur, s.Location) <= d.RadiusM {
			hits = append(hits, s)
			continue
		}
		if moved && geo.DistanceToSegment(s.Location, prev, cur) <= d.RadiusM {
			hits = append(hits, s)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].DistanceFromStart < hits[j].DistanceFromStart
	})
	return hits
}

// Within reports whether p is inside the arrival radius of stop.
func (d *Detector) Within(p geo.Point, stop transit.Stop) bool {
	return geo.Haversine(p, stop.Location) <= d.RadiusM
}
