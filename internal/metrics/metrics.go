package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	Polls            *prometheus.CounterVec // source, result: ok|error|panic
	PollDuration     *prometheus.HistogramVec
	SourceEntities   *prometheus.GaugeVec
	SourceStopAlerts *prometheus.GaugeVec
	LastSuccess      *prometheus.GaugeVec // unix seconds
	Matches          *prometheus.CounterVec // source, outcome: assigned|unmatched

	FeedEntities prometheus.Gauge
	FeedBytes    prometheus.Gauge
	FeedRequests *prometheus.CounterVec // format

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	DBSwitches *prometheus.CounterVec // reason label: update|ping_failure

	PollInterval prometheus.Gauge // seconds
	FetchTimeout prometheus.Gauge // seconds
}

func NewCollector(pollInterval, fetchTimeout time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_source_polls_total",
			Help: "Source polls by result.",
		}, []string{"source", "result"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aggregator_source_poll_duration_seconds",
			Help:    "Duration of one source poll including matching.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"source"}),
		SourceEntities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggregator_source_entities",
			Help: "Entities in the latest snapshot of each source.",
		}, []string{"source"}),
		SourceStopAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggregator_source_alerted_stops",
			Help: "Stops with alerts in the latest snapshot of each source.",
		}, []string{"source"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggregator_source_last_success_timestamp_seconds",
			Help: "Unix time of the last successful poll.",
		}, []string{"source"}),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_vehicle_matches_total",
			Help: "Position-only vehicles assigned to a trip or left unmatched.",
		}, []string{"source", "outcome"}),
		FeedEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_feed_entities",
			Help: "Entities in the last built feed.",
		}),
		FeedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_feed_bytes",
			Help: "Encoded size of the last built feed.",
		}),
		FeedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_feed_requests_total",
			Help: "Feed requests served by format.",
		}, []string{"format"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aggregator_publish_duration_seconds",
			Help:    "Duration to encode and publish the feed.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_db_switches_total",
			Help: "Number of schedule database switches.",
		}, []string{"reason"}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_poll_interval_seconds",
			Help: "Default source poll interval in seconds.",
		}),
		FetchTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_fetch_timeout_seconds",
			Help: "Default per-poll fetch timeout in seconds.",
		}),
	}

	reg.MustRegister(
		c.Polls, c.PollDuration, c.SourceEntities, c.SourceStopAlerts, c.LastSuccess, c.Matches,
		c.FeedEntities, c.FeedBytes, c.FeedRequests,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.DBSwitches, c.PollInterval, c.FetchTimeout,
	)

	c.PollInterval.Set(pollInterval.Seconds())
	c.FetchTimeout.Set(fetchTimeout.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics server error")
		}
	}()
	logrus.WithField("addr", addr).Info("metrics listening")
	return srv
}

// SourcePolled records the outcome of one poll. entities and stops are only
// meaningful when result is "ok".
func (c *Collector) SourcePolled(source, result string, d time.Duration, entities, stops int) {
	c.Polls.WithLabelValues(source, result).Inc()
	c.PollDuration.WithLabelValues(source).Observe(d.Seconds())
	if result != "ok" {
		return
	}
	c.SourceEntities.WithLabelValues(source).Set(float64(entities))
	c.SourceStopAlerts.WithLabelValues(source).Set(float64(stops))
	c.LastSuccess.WithLabelValues(source).Set(float64(time.Now().Unix()))
}

// VehiclesMatched records assignment outcomes for a position-only source.
func (c *Collector) VehiclesMatched(source string, assigned, unmatched int) {
	c.Matches.WithLabelValues(source, "assigned").Add(float64(assigned))
	c.Matches.WithLabelValues(source, "unmatched").Add(float64(unmatched))
}

func (c *Collector) NATSPublishedInc() { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

// FeedServed records one encoded feed handed to a client or sink.
func (c *Collector) FeedServed(format string, entities, size int) {
	c.FeedRequests.WithLabelValues(format).Inc()
	c.FeedEntities.Set(float64(entities))
	c.FeedBytes.Set(float64(size))
}

func (c *Collector) DBSwitched(reason string) { c.DBSwitches.WithLabelValues(reason).Inc() }
