// Package geofeed polls a GeoJSON vehicle FeatureCollection and matches the
// vehicles of each operator line to scheduled trips by position.
package geofeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"gtfsrt-aggregator/internal/feed"
	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/source"
)

type Config struct {
	Name string
	URL  string
	// Operators maps lower-case upstream operator codes to GTFS agency ids.
	// Vehicles of other operators are ignored.
	Operators map[string]string
	Lookback  time.Duration
	Location  *time.Location
	Observer  source.MatchObserver
}

// vehicle is one feature reduced to what matching needs.
type vehicle struct {
	ID        string
	Operator  string
	Line      string
	Direction int
	Position  orb.Point
	Bearing   *float32
}

type lineKey struct{ operator, line string }

type Adapter struct {
	cfg    Config
	sched  source.Schedule
	client *http.Client
	now    func() time.Time
	log    *logrus.Entry
}

func New(cfg Config, sched source.Schedule, client *http.Client) *Adapter {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	ops := make(map[string]string, len(cfg.Operators))
	for k, v := range cfg.Operators {
		ops[strings.ToLower(k)] = v
	}
	cfg.Operators = ops
	return &Adapter{
		cfg:    cfg,
		sched:  sched,
		client: client,
		now:    time.Now,
		log:    logrus.WithFields(logrus.Fields{"source": cfg.Name, "kind": "geojson"}),
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Poll(ctx context.Context) (*feed.Snapshot, error) {
	body, err := source.Fetch(ctx, a.client, a.cfg.URL, http.Header{"Accept": {"application/geo+json, application/json"}})
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("decoding vehicles: %w", err)
	}
	now := a.now().In(a.cfg.Location)

	groups, order := a.group(fc)
	snap := &feed.Snapshot{StopAlerts: feed.StopAlerts{}, FetchedAt: now}
	failed := 0
	var lastErr error
	for _, k := range order {
		entities, err := a.matchLine(ctx, k, groups[k], now)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			lastErr = err
			a.log.WithError(err).WithFields(logrus.Fields{"operator": k.operator, "line": k.line}).Warn("line skipped")
			continue
		}
		snap.Entities = append(snap.Entities, entities...)
	}
	if len(order) > 0 && failed == len(order) {
		return nil, fmt.Errorf("all %d lines failed: %w", failed, lastErr)
	}
	return snap, nil
}

// group splits the collection by operator and line, keeping first-seen
// order. Features without a point geometry or from unknown operators are
// dropped.
func (a *Adapter) group(fc *geojson.FeatureCollection) (map[lineKey][]vehicle, []lineKey) {
	groups := make(map[lineKey][]vehicle)
	var order []lineKey
	for _, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		op := strings.ToLower(f.Properties.MustString("operator", ""))
		if _, known := a.cfg.Operators[op]; !known {
			continue
		}
		v := vehicle{
			ID:        f.Properties.MustString("vehicle", ""),
			Operator:  op,
			Line:      f.Properties.MustString("line", ""),
			Direction: 1,
			Position:  pt,
		}
		if f.Properties.MustString("direction", "") == "inbound" {
			v.Direction = 0
		}
		if b, ok := f.Properties["bearing"].(float64); ok {
			v.Bearing = source.Float32(b)
		}
		k := lineKey{op, v.Line}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], v)
	}
	return groups, order
}

func (a *Adapter) matchLine(ctx context.Context, k lineKey, vehicles []vehicle, now time.Time) ([]*gtfsrt.FeedEntity, error) {
	routeID, err := a.sched.RouteIDByName(ctx, a.cfg.Operators[k.operator], k.line)
	if errors.Is(err, gtfs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	positions := make([]orb.Point, len(vehicles))
	for i, v := range vehicles {
		positions[i] = v.Position
	}
	sameDirection := func(i int, trip *gtfs.ScheduledTrip) bool {
		return trip.Direction != nil && *trip.Direction == vehicles[i].Direction
	}
	assigned, err := source.MatchRoute(ctx, a.sched, routeID, positions, now, a.cfg.Lookback, sameDirection)
	if err != nil {
		return nil, err
	}
	if a.cfg.Observer != nil {
		a.cfg.Observer.VehiclesMatched(a.cfg.Name, len(assigned), len(vehicles)-len(assigned))
	}

	out := make([]*gtfsrt.FeedEntity, 0, len(assigned))
	for i, v := range vehicles {
		m, ok := assigned[i]
		if !ok {
			continue
		}
		out = append(out, source.Vehicle{
			EntityID:     fmt.Sprintf("%s-%s-%s", v.Operator, v.Line, v.ID),
			TripID:       m.Trip.TripID,
			StartTime:    m.Trip.StartTime(),
			StartDate:    m.Trip.StartDate(),
			Position:     v.Position,
			Bearing:      v.Bearing,
			StopSequence: source.Uint32(m.Trip.Sequences[m.StopIndex]),
			StopID:       m.Trip.Stops[m.StopIndex],
			InTransit:    true,
			Timestamp:    now,
		}.Entity())
	}
	return out, nil
}
