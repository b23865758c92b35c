package stats

import (
	"slices"
	"time"
)

// Interval is the span a session was active. A zero Stop is still open.
type Interval struct {
	Start time.Time
	Stop  time.Time
}

type point struct {
	at    time.Time
	delta int
}

// PeakConcurrent returns the largest number of intervals open at one
// instant. Points are swept in time order; at equal times every start is
// counted before any stop, so a session starting at the instant another
// stops overlaps it.
func PeakConcurrent(intervals []Interval) int {
	points := make([]point, 0, 2*len(intervals))
	for _, iv := range intervals {
		points = append(points, point{at: iv.Start, delta: 1})
		if !iv.Stop.IsZero() {
			points = append(points, point{at: iv.Stop, delta: -1})
		}
	}

	slices.SortFunc(points, func(a, b point) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return b.delta - a.delta
	})

	cur, peak := 0, 0
	for _, p := range points {
		cur += p.delta
		peak = max(peak, cur)
	}
	return peak
}

// clip restricts an interval to r. ok is false when nothing remains.
func clip(iv Interval, r TimeRange) (Interval, bool) {
	if !r.Since.IsZero() && iv.Start.Before(r.Since) {
		iv.Start = r.Since
	}
	if !r.Until.IsZero() && (iv.Stop.IsZero() || iv.Stop.After(r.Until)) {
		iv.Stop = r.Until
	}
	if !iv.Stop.IsZero() && iv.Stop.Before(iv.Start) {
		return iv, false
	}
	return iv, true
}
