package gtfs

import (
	"errors"
	"time"
)

// ErrNotFound is returned by direct schedule lookups that match nothing.
var ErrNotFound = errors.New("gtfs: not found")

// ScheduledTrip is one trip on one service date as returned by a candidate query.
// The slices are index-aligned and ordered by stop_sequence.
type ScheduledTrip struct {
	TripID      string
	RouteID     string
	Direction   *int // 0/1, nil when the feed leaves direction_id empty
	Stops       []string
	Departures  []string // HH:MM:SS, hours may exceed 24
	Sequences   []int
	ServiceDate time.Time // local midnight of the operating day
}

// DepartureAt returns the absolute departure time at stop index i.
func (t *ScheduledTrip) DepartureAt(i int) time.Time {
	return t.ServiceDate.Add(time.Duration(ParseDaySeconds(t.Departures[i])) * time.Second)
}

// StartDate is the GTFS-RT start_date (YYYYMMDD) of the trip.
func (t *ScheduledTrip) StartDate() string {
	return t.ServiceDate.Format("20060102")
}

// StartTime is the first departure as written in stop_times.
func (t *ScheduledTrip) StartTime() string {
	if len(t.Departures) == 0 {
		return ""
	}
	return t.Departures[0]
}

// StopIndex returns the index of stopID on the trip, or -1.
func (t *ScheduledTrip) StopIndex(stopID string) int {
	for i, s := range t.Stops {
		if s == stopID {
			return i
		}
	}
	return -1
}

// TripLookup identifies a trip without a trip id: the route by agency and
// short name, the origin departure, and one stop the trip calls at (the
// origin itself works too).
type TripLookup struct {
	AgencyID        string
	RouteName       string
	OriginDeparture time.Time
	StopID          string
}

// TripRef is the result of a direct lookup.
type TripRef struct {
	TripID       string
	RouteID      string
	StopID       string
	StopSequence int
	ServiceDate  time.Time
}

// RoutePattern maps an upstream route pattern to a GTFS route.
type RoutePattern struct {
	Pattern string `db:"pattern"`
	RouteID string `db:"route_id"`
}
