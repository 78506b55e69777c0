// Package sourcetest provides an in-memory schedule for adapter tests.
package sourcetest

import (
	"context"
	"time"

	"github.com/paulmach/orb"

	"gtfsrt-aggregator/internal/gtfs"
)

// Schedule answers schedule queries from maps. Missing keys yield
// gtfs.ErrNotFound, except Candidates which returns the route's trips
// unfiltered.
type Schedule struct {
	Trips     map[string][]gtfs.ScheduledTrip // route id -> trips
	Stops     map[string]map[string]orb.Point // route id -> stop id -> lon/lat
	Routes    map[string]string               // agency|name -> route id
	Operators map[string]string               // operator code -> agency id
	Patterns  []gtfs.RoutePattern
	Lookups   map[string]gtfs.TripRef // agency|name|HH:MM|stop -> ref

	// Err, when set, is returned by every query.
	Err error
}

func (s *Schedule) Candidates(_ context.Context, _ time.Time, routeID string, _ time.Duration) ([]gtfs.ScheduledTrip, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]gtfs.ScheduledTrip(nil), s.Trips[routeID]...), nil
}

func (s *Schedule) StopPoints(_ context.Context, routeID string) (map[string]orb.Point, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Stops[routeID], nil
}

func (s *Schedule) FindTrip(_ context.Context, q gtfs.TripLookup) (gtfs.TripRef, error) {
	if s.Err != nil {
		return gtfs.TripRef{}, s.Err
	}
	ref, ok := s.Lookups[LookupKey(q.AgencyID, q.RouteName, q.OriginDeparture, q.StopID)]
	if !ok {
		return gtfs.TripRef{}, gtfs.ErrNotFound
	}
	return ref, nil
}

func (s *Schedule) TripStops(_ context.Context, tripID string) (*gtfs.ScheduledTrip, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	for _, trips := range s.Trips {
		for i := range trips {
			if trips[i].TripID == tripID {
				t := trips[i]
				return &t, nil
			}
		}
	}
	return nil, gtfs.ErrNotFound
}

func (s *Schedule) RouteIDByName(_ context.Context, agencyID, name string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	id, ok := s.Routes[agencyID+"|"+name]
	if !ok {
		return "", gtfs.ErrNotFound
	}
	return id, nil
}

func (s *Schedule) AgencyForOperator(_ context.Context, code string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	id, ok := s.Operators[code]
	if !ok {
		return "", gtfs.ErrNotFound
	}
	return id, nil
}

func (s *Schedule) RoutePatterns(context.Context) ([]gtfs.RoutePattern, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Patterns, nil
}

// LookupKey builds the Lookups key for a FindTrip query.
func LookupKey(agency, route string, dep time.Time, stop string) string {
	return agency + "|" + route + "|" + dep.Format("15:04") + "|" + stop
}
