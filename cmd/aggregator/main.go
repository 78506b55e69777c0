package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"gtfsrt-aggregator/internal/api"
	"gtfsrt-aggregator/internal/config"
	"gtfsrt-aggregator/internal/db"
	"gtfsrt-aggregator/internal/feed"
	"gtfsrt-aggregator/internal/metrics"
	"gtfsrt-aggregator/internal/publisher"
	"gtfsrt-aggregator/internal/source"
)

const importCheckInterval = 30 * time.Minute

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	if err := configureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		logrus.Fatalf("logging: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mcol := metrics.NewCollector(cfg.PollInterval, cfg.FetchTimeout)
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(srv)
	}

	agg := feed.NewAggregator()
	if cfg.RealtimeEnabled {
		stop, a, err := startRealtime(ctx, cfg, mcol)
		if err != nil {
			logrus.Fatalf("realtime: %v", err)
		}
		defer stop()
		agg = a
	} else {
		logrus.Warn("realtime disabled, serving an empty feed")
	}

	handler := api.NewHandler(agg, mcol)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go func() {
		logrus.WithField("addr", cfg.HTTPAddr).Info("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP server error")
			cancel()
		}
	}()

	sinks := openSinks(cfg, mcol)
	defer func() {
		for _, s := range sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				c.Close()
			}
		}
	}()
	b := publisher.NewBroadcaster(func(now time.Time) ([]byte, error) {
		return feed.Marshal(agg.Build(now))
	}, cfg.PublishInterval, sinks...)
	go b.Run(ctx)

	<-ctx.Done()
	logrus.Info("shutdown signal received")
	shutdown(srv)
	logrus.Info("shutdown complete")
}

// startRealtime connects the schedule store, builds every configured source
// and starts polling. The returned function undoes all of it.
func startRealtime(ctx context.Context, cfg *config.Config, mcol *metrics.Collector) (func(), *feed.Aggregator, error) {
	store, follower, err := openSchedule(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if conn := store.Swap(nil); conn != nil {
			conn.Close()
		}
	}
	if follower != nil {
		follower.Switched = mcol.DBSwitched
		go follower.Run(ctx)
	}

	specs, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("load sources: %w", err)
	}
	adapters, err := buildAdapters(specs, cfg, store, source.NewHTTPClient(), mcol)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	names := make([]string, len(adapters))
	for i, c := range adapters {
		names[i] = c.adapter.Name()
	}
	agg := feed.NewAggregator(names...)

	stopAdapters, err := startAll(ctx, adapters)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	runner := source.NewRunner(mcol)
	for _, c := range adapters {
		slot, _ := agg.Slot(c.adapter.Name())
		runner.Add(c.adapter, slot, c.interval, c.timeout)
		logrus.WithFields(logrus.Fields{"source": c.adapter.Name(), "interval": c.interval, "timeout": c.timeout}).Info("source registered")
	}
	runner.Start(ctx)

	return func() {
		runner.Stop()
		stopAdapters()
		closeStore()
	}, agg, nil
}

// openSchedule opens the schedule database. With CITY set it follows the
// newest import for that city.
func openSchedule(ctx context.Context, cfg *config.Config) (*db.Store, *db.ImportFollower, error) {
	if cfg.City == "" {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db open: %w", err)
		}
		if err := db.Ping(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		return db.NewStore(conn), nil, nil
	}

	var (
		conn *sqlx.DB
		name string
		err  error
	)
	if conn, name, err = db.OpenLatest(ctx, cfg.DatabaseURL, cfg.City); err != nil {
		return nil, nil, fmt.Errorf("resolve latest import for city %q: %w", cfg.City, err)
	}
	logrus.WithFields(logrus.Fields{"db": name, "city": cfg.City}).Info("using schedule database")
	store := db.NewStore(conn)
	return store, &db.ImportFollower{
		BaseDSN:  cfg.DatabaseURL,
		City:     cfg.City,
		Interval: importCheckInterval,
		Store:    store,
		Current:  name,
	}, nil
}

// openSinks connects the optional broadcast targets. A target that cannot
// be reached at startup is logged and skipped.
func openSinks(cfg *config.Config, mcol *metrics.Collector) []publisher.Sink {
	var sinks []publisher.Sink
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, mcol)
		if err != nil {
			logrus.WithError(err).Error("nats unavailable, feed will not be broadcast there")
		} else {
			sinks = append(sinks, pub)
		}
	}
	if cfg.RedisAddr != "" {
		m, err := publisher.NewRedisMirror(cfg.RedisAddr, cfg.RedisKey, cfg.RedisTTL)
		if err != nil {
			logrus.WithError(err).Error("redis unavailable, feed will not be mirrored")
		} else {
			sinks = append(sinks, m)
		}
	}
	return sinks
}

func configureLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stdout)
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("HTTP server shutdown error")
	}
}
