package source

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"gtfsrt-aggregator/internal/geom"
	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/matching"
)

// MatchRoute assigns position-only vehicles (lon/lat) on routeID to the
// trips in progress around now. Vehicles left without a trip are absent from
// the result.
func MatchRoute(ctx context.Context, sched Schedule, routeID string, positions []orb.Point, now time.Time, lookback time.Duration, keep matching.Filter) (map[int]matching.Match, error) {
	if len(positions) == 0 {
		return map[int]matching.Match{}, nil
	}
	trips, err := sched.Candidates(ctx, now, routeID, lookback)
	if err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}
	if len(trips) == 0 {
		return map[int]matching.Match{}, nil
	}
	pts, err := sched.StopPoints(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("stop points: %w", err)
	}
	stops := matching.StopPoints(geom.ProjectAll(pts))

	projected := make([]orb.Point, len(positions))
	for i, p := range positions {
		projected[i] = geom.Project(p)
	}
	return matching.Assign(matching.BuildTable(projected, trips, stops, now, keep)), nil
}

// InferStop places a self-identified vehicle on the nearest leg of its trip
// and returns the upcoming stop index. ok is false when the trip or its stop
// coordinates are unknown.
func InferStop(ctx context.Context, sched Schedule, trip *gtfs.ScheduledTrip, pos orb.Point) (int, bool, error) {
	if len(trip.Stops) < 2 {
		return 0, false, nil
	}
	pts, err := sched.StopPoints(ctx, trip.RouteID)
	if err != nil {
		return 0, false, fmt.Errorf("stop points: %w", err)
	}
	leg, ok := matching.NearestLeg(trip, matching.StopPoints(geom.ProjectAll(pts)), geom.Project(pos))
	if !ok {
		return 0, false, nil
	}
	return leg + 1, true, nil
}
