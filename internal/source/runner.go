package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gtfsrt-aggregator/internal/feed"
)

// Metrics receives the outcome of each poll. result is "ok", "error" or
// "panic".
type Metrics interface {
	SourcePolled(source, result string, d time.Duration, entities, stops int)
}

type task struct {
	adapter  Adapter
	slot     *feed.Slot
	interval time.Duration
	timeout  time.Duration
}

// Runner polls every registered adapter on its own ticker and stores each
// successful snapshot in the adapter's slot. A failed poll leaves the slot
// untouched, so the feed keeps serving the previous snapshot.
type Runner struct {
	metrics Metrics

	mu      sync.Mutex
	tasks   []task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewRunner(metrics Metrics) *Runner {
	return &Runner{metrics: metrics}
}

// Add registers an adapter. It must be called before Start.
func (r *Runner) Add(a Adapter, slot *feed.Slot, interval, timeout time.Duration) {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task{adapter: a, slot: slot, interval: interval, timeout: timeout})
}

// Start launches one polling loop per adapter. Each loop polls immediately,
// then every interval, until Stop or ctx is done.
func (r *Runner) Start(parent context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	for _, t := range r.tasks {
		r.wg.Add(1)
		go func(t task) {
			defer r.wg.Done()
			r.loop(ctx, t)
		}(t)
	}
	logrus.WithField("sources", len(r.tasks)).Info("source runner started")
}

// Stop cancels every loop and waits for in-flight polls to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, t task) {
	log := logrus.WithFields(logrus.Fields{"source": t.adapter.Name(), "interval": t.interval.String()})
	log.Info("polling source")

	r.pollOnce(ctx, t, log)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx, t, log)
		}
	}
}

func (r *Runner) pollOnce(parent context.Context, t task, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(parent, t.timeout)
	defer cancel()

	start := time.Now()
	snap, result, err := safePoll(ctx, t.adapter)
	d := time.Since(start)
	if err != nil {
		if parent.Err() != nil {
			return
		}
		log.WithError(err).WithField("result", result).Warn("poll failed, keeping previous snapshot")
		if r.metrics != nil {
			r.metrics.SourcePolled(t.adapter.Name(), result, d, 0, 0)
		}
		return
	}

	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = start
	}
	if snap.StopAlerts == nil {
		snap.StopAlerts = feed.StopAlerts{}
	}
	t.slot.Store(snap)
	log.WithFields(logrus.Fields{"entities": len(snap.Entities), "stops": len(snap.StopAlerts), "took": d.String()}).Debug("poll ok")
	if r.metrics != nil {
		r.metrics.SourcePolled(t.adapter.Name(), "ok", d, len(snap.Entities), len(snap.StopAlerts))
	}
}

// safePoll runs one poll and turns a panic into an error.
func safePoll(ctx context.Context, a Adapter) (snap *feed.Snapshot, result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			snap, result, err = nil, "panic", fmt.Errorf("panic: %v", rec)
		}
	}()
	snap, err = a.Poll(ctx)
	if err != nil {
		return nil, "error", err
	}
	if snap == nil {
		return nil, "error", fmt.Errorf("adapter returned no snapshot")
	}
	return snap, "ok", nil
}
