package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"gtfsrt-aggregator/internal/config"
	"gtfsrt-aggregator/internal/source"
	"gtfsrt-aggregator/internal/source/disruptions"
	"gtfsrt-aggregator/internal/source/geofeed"
	"gtfsrt-aggregator/internal/source/gtfsrt"
	"gtfsrt-aggregator/internal/source/journeys"
	"gtfsrt-aggregator/internal/source/patterns"
	"gtfsrt-aggregator/internal/source/regions"
)

// configured is one adapter with its effective schedule.
type configured struct {
	adapter  source.Adapter
	interval time.Duration
	timeout  time.Duration
}

// starter is implemented by adapters with background work of their own.
type starter interface {
	Start(ctx context.Context) error
	Stop()
}

func buildAdapters(specs []config.SourceConfig, cfg *config.Config, sched source.Schedule, client *http.Client, obs source.MatchObserver) ([]configured, error) {
	out := make([]configured, 0, len(specs))
	for _, s := range specs {
		a, defInterval, err := buildAdapter(s, cfg, sched, client, obs)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", s.Name, err)
		}
		c := configured{adapter: a, interval: s.Interval, timeout: s.Timeout}
		if c.interval == 0 {
			c.interval = defInterval
		}
		if c.timeout == 0 {
			c.timeout = cfg.FetchTimeout
		}
		out = append(out, c)
	}
	return out, nil
}

func buildAdapter(s config.SourceConfig, cfg *config.Config, sched source.Schedule, client *http.Client, obs source.MatchObserver) (source.Adapter, time.Duration, error) {
	header := http.Header{}
	for k, v := range s.Headers {
		header.Set(k, v)
	}

	switch s.Kind {
	case config.KindPatterns:
		return patterns.New(patterns.Config{
			Name:        s.Name,
			URL:         s.URL,
			Refresh:     s.Refresh,
			Lookback:    cfg.MatchWindow,
			Concurrency: s.Concurrency,
			Location:    cfg.Location,
			Observer:    obs,
		}, sched, client), cfg.PollInterval, nil
	case config.KindGeoJSON:
		return geofeed.New(geofeed.Config{
			Name:      s.Name,
			URL:       s.URL,
			Operators: s.Operators,
			Lookback:  cfg.MatchWindow,
			Location:  cfg.Location,
			Observer:  obs,
		}, sched, client), cfg.PollInterval, nil
	case config.KindJourneys:
		return journeys.New(journeys.Config{
			Name:     s.Name,
			URL:      s.URL,
			Regions:  s.Regions,
			Location: cfg.Location,
		}, sched, client), cfg.PollInterval, nil
	case config.KindGTFSRT:
		return gtfsrt.New(gtfsrt.Config{
			Name:       s.Name,
			URL:        s.URL,
			ZipMember:  s.ZipMember,
			TripPrefix: s.TripPrefix,
			Header:     header,
		}, sched, client), cfg.PollInterval, nil
	case config.KindRegions:
		bounds := make([]regions.Bounds, len(s.Bounds))
		for i, b := range s.Bounds {
			bounds[i] = regions.Bounds{MinLat: b.MinLat, MaxLat: b.MaxLat, MinLon: b.MinLon, MaxLon: b.MaxLon}
		}
		return regions.New(regions.Config{
			Name:      s.Name,
			URL:       s.URL,
			TokenURL:  s.TokenURL,
			APIKey:    s.APIKey,
			Bounds:    bounds,
			Operators: s.Operators,
			Location:  cfg.Location,
		}, sched, client), cfg.PollInterval, nil
	case config.KindDisruptions:
		return disruptions.New(disruptions.Config{
			Name:      s.Name,
			URL:       s.URL,
			ZipMember: s.ZipMember,
			Header:    header,
		}, sched, client), disruptions.DefaultInterval, nil
	}
	return nil, 0, fmt.Errorf("unknown kind %q", s.Kind)
}

// startAll starts every adapter that has background work and returns a
// function that stops them and releases their connections.
func startAll(ctx context.Context, adapters []configured) (func(), error) {
	var started []starter
	stop := func() {
		for _, s := range started {
			s.Stop()
		}
		for _, c := range adapters {
			if cl, ok := c.adapter.(io.Closer); ok {
				cl.Close()
			}
		}
	}
	for _, c := range adapters {
		s, ok := c.adapter.(starter)
		if !ok {
			continue
		}
		if err := s.Start(ctx); err != nil {
			stop()
			return nil, fmt.Errorf("start %s: %w", c.adapter.Name(), err)
		}
		started = append(started, s)
	}
	return stop, nil
}
