// Package matching scores live vehicle positions against scheduled trips and
// pairs vehicles with trips.
package matching

import (
	"math"
	"time"

	"github.com/paulmach/orb"

	"gtfsrt-aggregator/internal/geom"
	"gtfsrt-aggregator/internal/gtfs"
)

// StopPoints maps stop ids to projected coordinates.
type StopPoints map[string]orb.Point

// Match is the result of scoring one vehicle position against one trip.
type Match struct {
	Trip      *gtfs.ScheduledTrip
	Closeness time.Duration // |now - expected|, smaller is better
	Leg       int           // index of the segment start stop
	StopIndex int           // next stop, Leg+1
	Progress  float64       // fraction of the leg covered, 0..1
	Expected  time.Time     // schedule-interpolated time at the position
}

// Evaluate places pos (projected) on the trip's closest leg and compares the
// schedule time at that point with now. Legs with an unknown stop coordinate
// are never chosen. ok is false for trips with fewer than two stops.
func Evaluate(trip *gtfs.ScheduledTrip, stops StopPoints, pos orb.Point, now time.Time) (Match, bool) {
	n := len(trip.Stops)
	if n < 2 || len(trip.Departures) < n {
		return Match{}, false
	}

	leg, closest, best := nearestLeg(trip, stops, pos)

	pct := 0.0
	if !math.IsInf(best, 1) {
		a := stops[trip.Stops[leg]]
		b := stops[trip.Stops[leg+1]]
		if total := geom.Distance(a, b); total > 0 {
			pct = geom.Distance(a, closest) / total
		}
	}

	from := trip.DepartureAt(leg)
	to := trip.DepartureAt(leg + 1)
	expected := from.Add(time.Duration(float64(to.Sub(from)) * pct))

	diff := now.Sub(expected)
	if diff < 0 {
		diff = -diff
	}
	return Match{
		Trip:      trip,
		Closeness: diff,
		Leg:       leg,
		StopIndex: leg + 1,
		Progress:  pct,
		Expected:  expected,
	}, true
}

// NearestLeg returns the index of the trip leg closest to pos. ok is false
// when no leg has both stop coordinates.
func NearestLeg(trip *gtfs.ScheduledTrip, stops StopPoints, pos orb.Point) (int, bool) {
	leg, _, d := nearestLeg(trip, stops, pos)
	return leg, !math.IsInf(d, 1)
}

func nearestLeg(trip *gtfs.ScheduledTrip, stops StopPoints, pos orb.Point) (int, orb.Point, float64) {
	leg := 0
	best := math.Inf(1)
	var closest orb.Point
	for i := 0; i < len(trip.Stops)-1; i++ {
		a, okA := stops[trip.Stops[i]]
		b, okB := stops[trip.Stops[i+1]]
		if !okA || !okB {
			continue
		}
		c := geom.ClosestPointOnSegment(pos, a, b)
		if d := geom.Distance(pos, c); d < best {
			best = d
			leg = i
			closest = c
		}
	}
	return leg, closest, best
}
