package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisMirror keeps the latest encoded feed under one key so consumers
// without HTTP access can read it. The TTL lets the key lapse when the
// aggregator stops.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *logrus.Entry
}

func NewRedisMirror(addr, key string, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisMirror(client, key, ttl), nil
}

func newRedisMirror(client *redis.Client, key string, ttl time.Duration) *RedisMirror {
	return &RedisMirror{
		client: client,
		key:    key,
		ttl:    ttl,
		log:    logrus.WithField("component", "redis_mirror"),
	}
}

func (m *RedisMirror) Name() string { return "redis" }

func (m *RedisMirror) Close() error { return m.client.Close() }

func (m *RedisMirror) Publish(ctx context.Context, payload []byte) error {
	start := time.Now()
	if err := m.client.Set(ctx, m.key, payload, m.ttl).Err(); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"key": m.key, "size_bytes": len(payload), "duration_ms": time.Since(start).Milliseconds()}).Debug("feed mirrored")
	return nil
}

// Latest reads the mirrored feed back; nil when the key has lapsed.
func (m *RedisMirror) Latest(ctx context.Context) ([]byte, error) {
	b, err := m.client.Get(ctx, m.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}
