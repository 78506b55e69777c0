// Package gtfsrt polls an upstream GTFS-RT feed, optionally zipped, and
// normalises it for aggregation. Pointing it at another aggregator carries
// that aggregator's stop alerts through as well.
package gtfsrt

import (
	"context"
	"errors"
	"net/http"
	"time"

	rt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"gtfsrt-aggregator/internal/feed"
	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/source"
)

type Config struct {
	Name string
	URL  string
	// ZipMember names the feed file when the response is a zip archive.
	ZipMember string
	// TripPrefix is prepended to every upstream trip id.
	TripPrefix string
	Header     http.Header
}

type Adapter struct {
	cfg    Config
	sched  source.Schedule
	client *http.Client
	log    *logrus.Entry
}

// New returns an adapter. sched may be nil, which disables stop inference.
func New(cfg Config, sched source.Schedule, client *http.Client) *Adapter {
	return &Adapter{
		cfg:    cfg,
		sched:  sched,
		client: client,
		log:    logrus.WithFields(logrus.Fields{"source": cfg.Name, "kind": "gtfsrt"}),
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Poll(ctx context.Context) (*feed.Snapshot, error) {
	body, err := source.Fetch(ctx, a.client, a.cfg.URL, a.cfg.Header)
	if err != nil {
		return nil, err
	}
	if a.cfg.ZipMember != "" {
		if body, err = source.Unzip(body, a.cfg.ZipMember); err != nil {
			return nil, err
		}
	}
	upstream, err := feed.Unmarshal(body)
	if err != nil {
		return nil, err
	}

	entities := upstream.Message.GetEntity()
	if a.cfg.TripPrefix != "" {
		for _, e := range entities {
			a.prefix(e)
		}
		for _, al := range upstream.StopAlerts.Alerts() {
			a.prefixSelectors(al)
		}
	}

	snap := &feed.Snapshot{
		Entities:   a.normalise(ctx, entities),
		StopAlerts: upstream.StopAlerts,
	}
	if ts := upstream.Message.GetHeader().GetTimestamp(); ts > 0 {
		snap.FetchedAt = time.Unix(int64(ts), 0)
	}
	return snap, nil
}

// normalise drops vehicles without a trip id, folds vehicle-less trip
// updates into the vehicle entity of the same trip and fills in a missing
// current stop sequence from geometry.
func (a *Adapter) normalise(ctx context.Context, in []*rt.FeedEntity) []*rt.FeedEntity {
	updates := make(map[string]*rt.FeedEntity)
	var order []string
	for _, e := range in {
		if e.GetVehicle() != nil || e.GetTripUpdate() == nil {
			continue
		}
		id := e.GetTripUpdate().GetTrip().GetTripId()
		if id == "" {
			continue
		}
		if _, dup := updates[id]; !dup {
			order = append(order, id)
		}
		updates[id] = e
	}

	out := make([]*rt.FeedEntity, 0, len(in))
	for _, e := range in {
		switch {
		case e.GetVehicle() != nil:
			id := e.GetVehicle().GetTrip().GetTripId()
			if id == "" {
				continue
			}
			if e.GetTripUpdate() == nil {
				if tu, ok := updates[id]; ok {
					e.TripUpdate = tu.GetTripUpdate()
					delete(updates, id)
				}
			}
			a.inferStop(ctx, e.GetVehicle())
			out = append(out, e)
		case e.GetTripUpdate() != nil:
			// emitted below if no vehicle claimed it
		default:
			out = append(out, e)
		}
	}
	for _, id := range order {
		if tu, ok := updates[id]; ok {
			out = append(out, tu)
		}
	}
	return out
}

func (a *Adapter) inferStop(ctx context.Context, vp *rt.VehiclePosition) {
	if a.sched == nil || vp.CurrentStopSequence != nil || vp.GetPosition() == nil {
		return
	}
	trip, err := a.sched.TripStops(ctx, vp.GetTrip().GetTripId())
	if err != nil {
		if !errors.Is(err, gtfs.ErrNotFound) {
			a.log.WithError(err).Debug("trip lookup failed")
		}
		return
	}
	pos := orb.Point{float64(vp.GetPosition().GetLongitude()), float64(vp.GetPosition().GetLatitude())}
	idx, ok, err := source.InferStop(ctx, a.sched, trip, pos)
	if err != nil || !ok {
		return
	}
	vp.CurrentStopSequence = proto.Uint32(uint32(trip.Sequences[idx]))
	vp.StopId = proto.String(trip.Stops[idx])
}

func (a *Adapter) prefix(e *rt.FeedEntity) {
	a.prefixTrip(e.GetVehicle().GetTrip())
	a.prefixTrip(e.GetTripUpdate().GetTrip())
	if al := e.GetAlert(); al != nil {
		a.prefixSelectors(al)
	}
}

func (a *Adapter) prefixSelectors(al *rt.Alert) {
	for _, sel := range al.GetInformedEntity() {
		a.prefixTrip(sel.GetTrip())
	}
}

func (a *Adapter) prefixTrip(td *rt.TripDescriptor) {
	if td == nil || td.TripId == nil {
		return
	}
	td.TripId = proto.String(a.cfg.TripPrefix + td.GetTripId())
}
