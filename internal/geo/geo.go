// Package geo holds the spherical geometry used to place vehicles on a route:
// great-circle distance, projection onto a polyline and arc-length lookups.
// Distances are returned in meters, arc-length offsets in kilometers.
package geo

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// EarthRadiusMeters is the sphere radius behind every distance in this package.
const EarthRadiusMeters = orb.EarthRadius

// ErrTooFewPoints is returned when a polyline has fewer than two points.
var ErrTooFewPoints = errors.New("polyline needs at least 2 points")

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// Valid reports whether the point lies within latitude/longitude bounds.
func (p Point) Valid() bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lon) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func (p Point) orb() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// Haversine returns the great-circle distance in meters between a and b.
func Haversine(a, b Point) float64 {
	return orbgeo.DistanceHaversine(a.orb(), b.orb())
}

// DistanceToSegment returns the distance in meters from p to the closest
// point of the segment a-b. A degenerate segment behaves like a point.
func DistanceToSegment(p, a, b Point) float64 {
	plane := localPlane(p)
	return planar.DistanceFromSegment(plane(a), plane(b), orb.Point{})
}

// localPlane returns an equirectangular projection to meters centered on
// origin, accurate over the few kilometers between consecutive fixes.
func localPlane(origin Point) func(Point) orb.Point {
	cosLat := math.Cos(toRad(origin.Lat))
	return func(q Point) orb.Point {
		return orb.Point{
			toRad(q.Lon-origin.Lon) * EarthRadiusMeters * cosLat,
			toRad(q.Lat-origin.Lat) * EarthRadiusMeters,
		}
	}
}

// projectOnSegment projects p onto a-b in the local plane of p. It returns
// the segment parameter t, clamped to [tMin,tMax], and the squared distance
// in meters from p to that point.
func projectOnSegment(p, a, b Point, tMin, tMax float64) (t, dist2 float64) {
	plane := localPlane(p)
	s0, s1 := plane(a), plane(b)
	dx := s1.X() - s0.X()
	dy := s1.Y() - s0.Y()
	if segLen2 := dx*dx + dy*dy; segLen2 > 0 {
		t = -(s0.X()*dx + s0.Y()*dy) / segLen2
	}
	t = math.Min(math.Max(t, tMin), tMax)
	return t, planar.DistanceSquared(orb.Point{s0.X() + t*dx, s0.Y() + t*dy}, orb.Point{})
}

func lerp(a, b Point, t float64) Point {
	return Point{Lat: a.Lat + (b.Lat-a.Lat)*t, Lon: a.Lon + (b.Lon-a.Lon)*t}
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
