// Package eta estimates arrival times at upcoming stops from the average
// durations observed between consecutive stops on previous trips.
package eta

import (
	"math"

	"bus-tracker/internal/transit"
)

// SegmentKey identifies the stretch between two stop names of one route.
type SegmentKey struct {
	From string
	To   string
}

// Record is the running mean of a segment's traversal time in minutes.
type Record struct {
	AverageDuration float64
	SampleCount     int
}

// Add folds one observation into the mean.
func (r Record) Add(minutes float64) Record {
	n := r.SampleCount + 1
	return Record{
		AverageDuration: (r.AverageDuration*float64(r.SampleCount) + minutes) / float64(n),
		SampleCount:     n,
	}
}

// History holds the segment records of a single route.
type History map[SegmentKey]Record

// Lookup returns the record for from->to if at least one sample exists.
func (h History) Lookup(from, to string) (Record, bool) {
	rec, ok := h[SegmentKey{From: from, To: to}]
	return rec, ok && rec.SampleCount > 0
}

// Add folds a sample into the in-memory history.
func (h History) Add(from, to string, minutes float64) {
	k := SegmentKey{From: from, To: to}
	h[k] = h[k].Add(minutes)
}

// Sample is one observed segment completion.
type Sample struct {
	RouteID string
	From    string
	To      string
	Minutes float64
}

// Estimate returns an ETA for every stop beyond currentOffset, in route
// order. The first upcoming stop gets the remaining share of its segment's
// average; later stops accumulate full segment averages. Once a segment has
// no history every following ETA is nil.
func Estimate(stops []transit.Stop, currentOffset float64, reached []transit.StopReached, h History) []transit.StopETA {
	var upcoming []transit.Stop
	for _, s := range stops {
		if s.DistanceFromStart > currentOffset {
			upcoming = append(upcoming, s)
		}
	}
	if len(upcoming) == 0 {
		return []transit.StopETA{}
	}

	anchorName, anchorOffset := transit.StartOfRoute, 0.0
	if n := len(reached); n > 0 {
		for _, s := range stops {
			if s.Name == reached[n-1].StopName {
				anchorName, anchorOffset = s.Name, s.DistanceFromStart
				break
			}
		}
	}

	etas := make([]transit.StopETA, 0, len(upcoming))
	cumulative := 0.0
	available := true

	first := upcoming[0]
	if rec, ok := h.Lookup(anchorName, first.Name); ok {
		progress := 1.0
		if segLen := first.DistanceFromStart - anchorOffset; segLen > 0 {
			progress = (currentOffset - anchorOffset) / segLen
		}
		progress = math.Min(1, math.Max(0, progress))
		cumulative += rec.AverageDuration * (1 - progress)
	} else {
		available = false
	}
	etas = append(etas, stopETA(first.Name, cumulative, available))

	for i := 1; i < len(upcoming); i++ {
		if available {
			if rec, ok := h.Lookup(upcoming[i-1].Name, upcoming[i].Name); ok {
				cumulative += rec.AverageDuration
			} else {
				available = false
			}
		}
		etas = append(etas, stopETA(upcoming[i].Name, cumulative, available))
	}
	return etas
}

func stopETA(name string, minutes float64, available bool) transit.StopETA {
	if !available {
		return transit.StopETA{StopName: name}
	}
	m := int(math.Round(minutes))
	return transit.StopETA{StopName: name, ETAMinutes: &m}
}
