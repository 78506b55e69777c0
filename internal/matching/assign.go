package matching

import (
	"time"

	"github.com/paulmach/orb"

	"gtfsrt-aggregator/internal/gtfs"
)

// Row is one vehicle's scored candidates.
type Row struct {
	Vehicle    int
	Candidates []Match
}

// Filter decides whether trip is a candidate for vehicle v at all.
type Filter func(v int, trip *gtfs.ScheduledTrip) bool

// BuildTable scores every vehicle against every trip. positions must already
// be projected the same way as stops.
func BuildTable(positions []orb.Point, trips []gtfs.ScheduledTrip, stops StopPoints, now time.Time, keep Filter) []Row {
	rows := make([]Row, 0, len(positions))
	for v, pos := range positions {
		row := Row{Vehicle: v}
		for i := range trips {
			trip := &trips[i]
			if keep != nil && !keep(v, trip) {
				continue
			}
			if m, ok := Evaluate(trip, stops, pos, now); ok {
				row.Candidates = append(row.Candidates, m)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Assign pairs vehicles and trips greedily: the globally closest remaining
// pair is fixed first, its trip is withdrawn from every other vehicle, and
// the loop repeats. Ties go to the earlier row, then the earlier candidate.
// The result is a partial injective mapping from vehicle to match; it is not
// a minimum-cost matching.
func Assign(rows []Row) map[int]Match {
	out := make(map[int]Match)

	remaining := make([]Row, 0, len(rows))
	for _, r := range rows {
		if len(r.Candidates) == 0 {
			continue
		}
		remaining = append(remaining, Row{Vehicle: r.Vehicle, Candidates: append([]Match(nil), r.Candidates...)})
	}

	for len(remaining) > 0 {
		bestRow, bestCand := -1, -1
		for ri := range remaining {
			ci := closest(remaining[ri].Candidates)
			if bestRow < 0 || remaining[ri].Candidates[ci].Closeness < remaining[bestRow].Candidates[bestCand].Closeness {
				bestRow, bestCand = ri, ci
			}
		}

		won := remaining[bestRow].Candidates[bestCand]
		out[remaining[bestRow].Vehicle] = won

		next := make([]Row, 0, len(remaining)-1)
		for ri, r := range remaining {
			if ri == bestRow {
				continue
			}
			kept := r.Candidates[:0]
			for _, c := range r.Candidates {
				if c.Trip.TripID != won.Trip.TripID {
					kept = append(kept, c)
				}
			}
			if len(kept) > 0 {
				next = append(next, Row{Vehicle: r.Vehicle, Candidates: kept})
			}
		}
		remaining = next
	}
	return out
}

func closest(cands []Match) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].Closeness < cands[best].Closeness {
			best = i
		}
	}
	return best
}
