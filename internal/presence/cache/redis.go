// Package cache mirrors presence into Redis so dashboards can read it without touching the document store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"presence-agent/internal/presence/domain"
)

// DefaultTTL bounds how long a mirrored record outlives an agent that died without writing offline.
const DefaultTTL = 10 * time.Minute

// Key returns the Redis key holding userID's presence.
func Key(userID string) string { return "presence:" + userID }

// Channel returns the pub/sub channel announcing userID's presence changes.
func Channel(userID string) string { return "presence." + userID }

// Connect parses url, pings the server and returns a client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// RedisSink writes each record to Key(userID) with a TTL and publishes it on Channel(userID).
type RedisSink struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisSink returns a sink using rdb. A non-positive ttl means DefaultTTL.
func NewRedisSink(rdb redis.Cmdable, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisSink{rdb: rdb, ttl: ttl}
}

// Publish stores and announces r in one pipeline.
func (s *RedisSink) Publish(ctx context.Context, r domain.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, Key(r.UserID), data, s.ttl)
		p.Publish(ctx, Channel(r.UserID), data)
		return nil
	})
	return err
}

// Get reads a mirrored record; nil when absent or expired.
func (s *RedisSink) Get(ctx context.Context, userID string) (*domain.Record, error) {
	raw, err := s.rdb.Get(ctx, Key(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r domain.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("cache: decode %s: %w", Key(userID), err)
	}
	return &r, nil
}
