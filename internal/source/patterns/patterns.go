// Package patterns polls a vehicles-per-route-pattern feed whose vehicles
// carry no trip id and matches them to scheduled trips by position.
package patterns

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/paulmach/orb"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"gtfsrt-aggregator/internal/feed"
	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/source"
)

const DefaultRefresh = "0 2 */5 * *"

type Config struct {
	Name string
	// URL is requested once per pattern with {pattern} substituted.
	URL         string
	Refresh     string // cron spec for reloading the pattern table
	Lookback    time.Duration
	Concurrency int
	Location    *time.Location
	Observer    source.MatchObserver
}

type vehiclesResponse struct {
	Vehicles []vehicle `json:"vehicles"`
}

type vehicle struct {
	VehicleID   string  `json:"vehicle_id"`
	JourneyID   string  `json:"journey_id"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Heading     float64 `json:"heading"`
	ServiceName string  `json:"service_name"`
	NextStopID  string  `json:"next_stop_id"`
}

type Adapter struct {
	cfg    Config
	sched  source.Schedule
	client *http.Client
	now    func() time.Time
	log    *logrus.Entry

	mu       sync.RWMutex
	patterns []gtfs.RoutePattern
	cron     *cron.Cron
}

func New(cfg Config, sched source.Schedule, client *http.Client) *Adapter {
	if cfg.Refresh == "" {
		cfg.Refresh = DefaultRefresh
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Adapter{
		cfg:    cfg,
		sched:  sched,
		client: client,
		now:    time.Now,
		log:    logrus.WithFields(logrus.Fields{"source": cfg.Name, "kind": "patterns"}),
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

// Start loads the pattern table and schedules its periodic reload.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.RefreshPatterns(ctx); err != nil {
		a.log.WithError(err).Warn("initial pattern load failed, retrying on first poll")
	}
	c := cron.New(cron.WithLocation(a.cfg.Location))
	if _, err := c.AddFunc(a.cfg.Refresh, func() {
		if err := a.RefreshPatterns(ctx); err != nil {
			a.log.WithError(err).Error("pattern refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", a.cfg.Refresh, err)
	}
	c.Start()
	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	return nil
}

// Stop halts the reload schedule.
func (a *Adapter) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RefreshPatterns reloads the pattern -> route table from the schedule.
func (a *Adapter) RefreshPatterns(ctx context.Context) error {
	ps, err := a.sched.RoutePatterns(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.patterns = ps
	a.mu.Unlock()
	a.log.WithField("patterns", len(ps)).Info("route patterns loaded")
	return nil
}

func (a *Adapter) loadedPatterns(ctx context.Context) ([]gtfs.RoutePattern, error) {
	a.mu.RLock()
	ps := a.patterns
	a.mu.RUnlock()
	if len(ps) > 0 {
		return ps, nil
	}
	if err := a.RefreshPatterns(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.patterns, nil
}

// Poll fetches and matches every pattern. It fails only when no pattern
// could be fetched.
func (a *Adapter) Poll(ctx context.Context) (*feed.Snapshot, error) {
	ps, err := a.loadedPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	now := a.now().In(a.cfg.Location)

	type result struct {
		entities []*gtfsrt.FeedEntity
		err      error
	}
	results := make([]result, len(ps))
	sem := make(chan struct{}, a.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, p := range ps {
		wg.Add(1)
		go func(i int, p gtfs.RoutePattern) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i].err = ctx.Err()
				return
			}
			defer func() { <-sem }()
			results[i].entities, results[i].err = a.pollPattern(ctx, p, now)
		}(i, p)
	}
	wg.Wait()

	snap := &feed.Snapshot{StopAlerts: feed.StopAlerts{}, FetchedAt: now}
	failed := 0
	var lastErr error
	for i, r := range results {
		if r.err != nil {
			failed++
			lastErr = r.err
			a.log.WithError(r.err).WithField("pattern", ps[i].Pattern).Warn("pattern poll failed")
			continue
		}
		snap.Entities = append(snap.Entities, r.entities...)
	}
	if len(ps) > 0 && failed == len(ps) {
		return nil, fmt.Errorf("all %d patterns failed: %w", failed, lastErr)
	}
	return snap, nil
}

func (a *Adapter) pollPattern(ctx context.Context, p gtfs.RoutePattern, now time.Time) ([]*gtfsrt.FeedEntity, error) {
	var resp vehiclesResponse
	url := strings.ReplaceAll(a.cfg.URL, "{pattern}", p.Pattern)
	if err := source.FetchJSON(ctx, a.client, url, nil, &resp); err != nil {
		return nil, err
	}

	positions := make([]orb.Point, len(resp.Vehicles))
	for i, v := range resp.Vehicles {
		positions[i] = orb.Point{v.Longitude, v.Latitude}
	}
	assigned, err := source.MatchRoute(ctx, a.sched, p.RouteID, positions, now, a.cfg.Lookback, nil)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", p.RouteID, err)
	}

	if a.cfg.Observer != nil {
		a.cfg.Observer.VehiclesMatched(a.cfg.Name, len(assigned), len(positions)-len(assigned))
	}

	out := make([]*gtfsrt.FeedEntity, 0, len(assigned))
	for i, v := range resp.Vehicles {
		m, ok := assigned[i]
		if !ok {
			continue
		}
		trip := m.Trip
		idx := trip.StopIndex(v.NextStopID)
		if idx < 0 {
			idx = m.StopIndex
		}
		out = append(out, source.Vehicle{
			EntityID:     fmt.Sprintf("%s-%s-%s", a.cfg.Name, v.ServiceName, v.JourneyID),
			TripID:       trip.TripID,
			StartTime:    trip.StartTime(),
			StartDate:    trip.StartDate(),
			Position:     positions[i],
			Bearing:      source.Float32(v.Heading),
			StopSequence: source.Uint32(trip.Sequences[idx]),
			StopID:       trip.Stops[idx],
			InTransit:    true,
			Timestamp:    now,
		}.Entity())
	}
	return out, nil
}
