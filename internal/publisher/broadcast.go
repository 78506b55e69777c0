// Package publisher pushes the encoded aggregated feed to downstream
// consumers on a fixed interval.
package publisher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink receives every broadcast payload.
type Sink interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
}

// Encoder produces the payload for one broadcast.
type Encoder func(now time.Time) ([]byte, error)

type Broadcaster struct {
	encode   Encoder
	sinks    []Sink
	interval time.Duration
	timeout  time.Duration
}

// NewBroadcaster publishes encode's output to every sink each interval.
// A sink that errors is logged and retried on the next tick.
func NewBroadcaster(encode Encoder, interval time.Duration, sinks ...Sink) *Broadcaster {
	timeout := interval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Broadcaster{encode: encode, sinks: sinks, interval: interval, timeout: timeout}
}

// Run blocks until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	if len(b.sinks) == 0 {
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Once(ctx, now)
		}
	}
}

// Once encodes and publishes a single payload.
func (b *Broadcaster) Once(ctx context.Context, now time.Time) {
	payload, err := b.encode(now)
	if err != nil {
		logrus.WithError(err).Error("encode feed for broadcast")
		return
	}
	for _, s := range b.sinks {
		pctx, cancel := context.WithTimeout(ctx, b.timeout)
		if err := s.Publish(pctx, payload); err != nil {
			logrus.WithError(err).WithField("sink", s.Name()).Warn("broadcast failed")
		}
		cancel()
	}
}
