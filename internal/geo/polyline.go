package geo

import "math"

// Polyline is an immutable route geometry with precomputed cumulative
// distances. It is safe for concurrent use.
type Polyline struct {
	pts []Point
	cum []float64 // meters from the first point
}

// Projection is the result of snapping a point onto a polyline.
type Projection struct {
	Point     Point   // nearest point on the line
	OffsetKm  float64 // arc-length from the start of the line to Point
	DistanceM float64 // distance from the projected input to Point
}

// NewPolyline copies pts and builds the cumulative distance table.
func NewPolyline(pts []Point) (*Polyline, error) {
	if len(pts) < 2 {
		return nil, ErrTooFewPoints
	}
	l := &Polyline{
		pts: append([]Point(nil), pts...),
		cum: make([]float64, len(pts)),
	}
	sum := 0.0
	for i := 1; i < len(pts); i++ {
		sum += Haversine(pts[i-1], pts[i])
		l.cum[i] = sum
	}
	return l, nil
}

// Length returns the total length in kilometers.
func (l *Polyline) Length() float64 {
	return l.cum[len(l.cum)-1] / 1000
}

// Points returns a copy of the vertices.
func (l *Polyline) Points() []Point {
	return append([]Point(nil), l.pts...)
}

// tieTolerance is the squared distance (m²) under which two candidate
// segments are considered equally close.
const tieTolerance = 1e-4

// Project finds the point of the line closest to p. When several segments
// are equally close (overlapping out-and-back legs) the earliest one wins.
func (l *Polyline) Project(p Point) Projection {
	return l.project(p, 0, math.Inf(1))
}

// ProjectWithin is Project restricted to the stretch of line between the
// arc-length offsets fromKm and toKm.
func (l *Polyline) ProjectWithin(p Point, fromKm, toKm float64) Projection {
	if toKm < fromKm {
		fromKm, toKm = toKm, fromKm
	}
	return l.project(p, fromKm*1000, toKm*1000)
}

func (l *Polyline) project(p Point, lo, hi float64) Projection {
	best := Projection{DistanceM: math.MaxFloat64}
	bestD2 := math.MaxFloat64
	for i := 1; i < len(l.pts); i++ {
		s0, s1 := l.cum[i-1], l.cum[i]
		if s1 < lo || s0 > hi {
			continue
		}
		tMin, tMax := 0.0, 1.0
		if segLen := s1 - s0; segLen > 0 {
			tMin = math.Max(0, (lo-s0)/segLen)
			tMax = math.Min(1, (hi-s0)/segLen)
		}
		t, d2 := projectOnSegment(p, l.pts[i-1], l.pts[i], tMin, tMax)
		if d2+tieTolerance < bestD2 {
			bestD2 = d2
			best.Point = lerp(l.pts[i-1], l.pts[i], t)
			best.OffsetKm = (s0 + t*(s1-s0)) / 1000
		}
	}
	if bestD2 == math.MaxFloat64 {
		// range entirely outside the line: clamp to the nearest end
		km := math.Min(math.Max(lo, 0), l.cum[len(l.cum)-1]) / 1000
		pt := l.Along(km)
		return Projection{Point: pt, OffsetKm: km, DistanceM: Haversine(p, pt)}
	}
	best.DistanceM = math.Sqrt(bestD2)
	return best
}

// Along returns the point at the given arc-length offset in kilometers,
// clamped to the ends of the line.
func (l *Polyline) Along(km float64) Point {
	n := len(l.pts)
	dist := km * 1000
	if dist <= 0 {
		return l.pts[0]
	}
	if dist >= l.cum[n-1] {
		return l.pts[n-1]
	}
	i := 1
	for i < n && l.cum[i] < dist {
		i++
	}
	d0, d1 := l.cum[i-1], l.cum[i]
	if d1 == d0 {
		return l.pts[i-1]
	}
	return lerp(l.pts[i-1], l.pts[i], (dist-d0)/(d1-d0))
}
