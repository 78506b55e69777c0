// Package source defines the contract shared by every upstream realtime
// adapter and the runner that polls them into aggregator slots.
package source

import (
	"context"
	"errors"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/paulmach/orb"
	"google.golang.org/protobuf/proto"

	"gtfsrt-aggregator/internal/feed"
	"gtfsrt-aggregator/internal/gtfs"
)

// Adapter turns one upstream feed into a snapshot of canonical entities.
// Poll must honour ctx and must not keep references to the returned snapshot.
type Adapter interface {
	Name() string
	Poll(ctx context.Context) (*feed.Snapshot, error)
}

// Schedule is the read-only schedule access adapters rely on.
type Schedule interface {
	Candidates(ctx context.Context, now time.Time, routeID string, lookback time.Duration) ([]gtfs.ScheduledTrip, error)
	StopPoints(ctx context.Context, routeID string) (map[string]orb.Point, error)
	FindTrip(ctx context.Context, q gtfs.TripLookup) (gtfs.TripRef, error)
	TripStops(ctx context.Context, tripID string) (*gtfs.ScheduledTrip, error)
	RouteIDByName(ctx context.Context, agencyID, name string) (string, error)
	AgencyForOperator(ctx context.Context, code string) (string, error)
	RoutePatterns(ctx context.Context) ([]gtfs.RoutePattern, error)
}

// ErrSchedule marks a lookup that failed in the schedule store itself, as
// opposed to a record the schedule does not know. A poll where every lookup
// failed this way must fail so the previous snapshot keeps being served.
var ErrSchedule = errors.New("schedule lookup failed")

// MatchObserver is told how many position-only vehicles each poll placed.
type MatchObserver interface {
	VehiclesMatched(source string, assigned, unmatched int)
}

// Vehicle carries the fields adapters fill in for one vehicle entity.
// Optional fields stay unset when zero.
type Vehicle struct {
	EntityID     string
	TripID       string
	RouteID      string
	StartTime    string
	StartDate    string
	Canceled     bool
	Position     orb.Point // lon/lat
	Bearing      *float32
	StopSequence *uint32
	StopID       string
	InTransit    bool
	Timestamp    time.Time
}

// Entity builds the canonical vehicle entity.
func (v Vehicle) Entity() *gtfsrt.FeedEntity {
	trip := &gtfsrt.TripDescriptor{TripId: proto.String(v.TripID)}
	if v.RouteID != "" {
		trip.RouteId = proto.String(v.RouteID)
	}
	if v.StartTime != "" {
		trip.StartTime = proto.String(v.StartTime)
	}
	if v.StartDate != "" {
		trip.StartDate = proto.String(v.StartDate)
	}
	if v.Canceled {
		trip.ScheduleRelationship = gtfsrt.TripDescriptor_CANCELED.Enum()
	} else {
		trip.ScheduleRelationship = gtfsrt.TripDescriptor_SCHEDULED.Enum()
	}

	vp := &gtfsrt.VehiclePosition{
		Trip: trip,
		Position: &gtfsrt.Position{
			Latitude:  proto.Float32(float32(v.Position.Lat())),
			Longitude: proto.Float32(float32(v.Position.Lon())),
			Bearing:   v.Bearing,
		},
		CurrentStopSequence: v.StopSequence,
	}
	if v.StopID != "" {
		vp.StopId = proto.String(v.StopID)
	}
	if v.InTransit {
		vp.CurrentStatus = gtfsrt.VehiclePosition_IN_TRANSIT_TO.Enum()
	}
	if !v.Timestamp.IsZero() {
		vp.Timestamp = proto.Uint64(uint64(v.Timestamp.Unix()))
	}
	return &gtfsrt.FeedEntity{Id: proto.String(v.EntityID), Vehicle: vp}
}

// Float32 returns a pointer to f, for optional protobuf fields.
func Float32(f float64) *float32 {
	v := float32(f)
	return &v
}

// Uint32 returns a pointer to n.
func Uint32(n int) *uint32 {
	v := uint32(n)
	return &v
}
