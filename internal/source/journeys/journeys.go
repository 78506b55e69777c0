// Package journeys polls a regional journey feed whose records name their
// line, origin departure and next stop, and resolves each to a scheduled
// trip directly.
package journeys

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"gtfsrt-aggregator/internal/feed"
	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/source"
)

type Config struct {
	Name string
	// URL is requested once per region with {region} substituted.
	URL string
	// Regions maps upstream region codes to GTFS agency ids.
	Regions  map[string]string
	Location *time.Location
}

type servicesResponse struct {
	Services []journey `json:"services"`
}

// journey is one upstream record. Every field arrives as a string.
type journey struct {
	FleetNumber     string `json:"fn"`
	UpdateTime      string `json:"ut"` // unix millis
	Line            string `json:"sn"`
	Cancelled       string `json:"cd"` // "True" / "False"
	Latitude        string `json:"la"`
	Longitude       string `json:"lo"`
	Heading         string `json:"hg"`
	NextStop        string `json:"nr"`
	OriginDeparture string `json:"ao"` // unix millis, may be empty
	TripID          string `json:"td"`
	Completed       string `json:"jc"` // "True" / "False" / ""
}

type Adapter struct {
	cfg    Config
	sched  source.Schedule
	client *http.Client
	log    *logrus.Entry
}

func New(cfg Config, sched source.Schedule, client *http.Client) *Adapter {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Adapter{
		cfg:    cfg,
		sched:  sched,
		client: client,
		log:    logrus.WithFields(logrus.Fields{"source": cfg.Name, "kind": "journeys"}),
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Poll(ctx context.Context) (*feed.Snapshot, error) {
	regions := make([]string, 0, len(a.cfg.Regions))
	for r := range a.cfg.Regions {
		regions = append(regions, r)
	}
	sort.Strings(regions)

	snap := &feed.Snapshot{StopAlerts: feed.StopAlerts{}, FetchedAt: time.Now()}
	failed := 0
	var lastErr error
	for _, region := range regions {
		entities, err := a.pollRegion(ctx, region, a.cfg.Regions[region])
		if err != nil {
			failed++
			lastErr = err
			a.log.WithError(err).WithField("region", region).Warn("region poll failed")
			continue
		}
		snap.Entities = append(snap.Entities, entities...)
	}
	if len(regions) > 0 && failed == len(regions) {
		return nil, fmt.Errorf("all %d regions failed: %w", failed, lastErr)
	}
	return snap, nil
}

func (a *Adapter) pollRegion(ctx context.Context, region, agencyID string) ([]*gtfsrt.FeedEntity, error) {
	var resp servicesResponse
	url := strings.ReplaceAll(a.cfg.URL, "{region}", region)
	if err := source.FetchJSON(ctx, a.client, url, nil, &resp); err != nil {
		return nil, err
	}

	var (
		out       []*gtfsrt.FeedEntity
		storeErrs int
		lastErr   error
	)
	for _, j := range resp.Services {
		e, err := a.resolve(ctx, agencyID, j)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, source.ErrSchedule) {
				storeErrs++
				lastErr = err
			}
			a.log.WithError(err).WithFields(logrus.Fields{"line": j.Line, "journey": j.TripID}).Debug("journey skipped")
			continue
		}
		if e != nil {
			out = append(out, e)
		}
	}
	if storeErrs > 0 && len(out) == 0 {
		return nil, fmt.Errorf("%d journeys unresolved: %w", storeErrs, lastErr)
	}
	return out, nil
}

// resolve converts one journey. A nil entity with nil error means the
// journey was deliberately left out.
func (a *Adapter) resolve(ctx context.Context, agencyID string, j journey) (*gtfsrt.FeedEntity, error) {
	cancelled := parseBool(j.Cancelled)
	if parseBool(j.Completed) && !cancelled {
		return nil, nil
	}
	if j.OriginDeparture == "" {
		return nil, nil
	}
	origin, err := parseMillis(j.OriginDeparture)
	if err != nil {
		return nil, fmt.Errorf("origin departure: %w", err)
	}
	origin = origin.In(a.cfg.Location)
	lat, errLat := strconv.ParseFloat(j.Latitude, 64)
	lon, errLon := strconv.ParseFloat(j.Longitude, 64)
	if err := errors.Join(errLat, errLon); err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	pos := orb.Point{lon, lat}

	ref, err := a.sched.FindTrip(ctx, gtfs.TripLookup{
		AgencyID:        agencyID,
		RouteName:       j.Line,
		OriginDeparture: origin,
		StopID:          j.NextStop,
	})
	if errors.Is(err, gtfs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", source.ErrSchedule, err)
	}

	stopID, seq := ref.StopID, ref.StopSequence
	if trip, err := a.sched.TripStops(ctx, ref.TripID); err == nil {
		trip.RouteID = ref.RouteID
		if idx, ok, err := source.InferStop(ctx, a.sched, trip, pos); err == nil && ok {
			stopID, seq = trip.Stops[idx], trip.Sequences[idx]
		}
	}

	v := source.Vehicle{
		EntityID:     j.TripID,
		TripID:       ref.TripID,
		RouteID:      ref.RouteID,
		StartTime:    gtfs.FormatDaySeconds(int(origin.Truncate(time.Minute).Sub(ref.ServiceDate) / time.Second)),
		StartDate:    ref.ServiceDate.Format("20060102"),
		Canceled:     cancelled,
		Position:     pos,
		StopSequence: source.Uint32(seq),
		StopID:       stopID,
	}
	if v.EntityID == "" {
		v.EntityID = a.cfg.Name + "-" + j.FleetNumber
	}
	if h, err := strconv.ParseFloat(j.Heading, 64); err == nil {
		v.Bearing = source.Float32(h)
	}
	if ts, err := parseMillis(j.UpdateTime); err == nil {
		v.Timestamp = ts
	}
	return v.Entity(), nil
}

func parseBool(s string) bool {
	return strings.EqualFold(s, "true")
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
