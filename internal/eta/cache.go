package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source loads the segment history of a route.
type Source interface {
	SegmentDurations(ctx context.Context, routeID string) (History, error)
}

// Invalidator drops cached history after new samples were committed.
type Invalidator interface {
	Forget(ctx context.Context, routeID string) error
}

// RedisCache is a read-through cache of per-route history in Redis.
// Redis failures are logged and fall back to the source.
type RedisCache struct {
	rdb    *redis.Client
	src    Source
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(rdb *redis.Client, src Source, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, src: src, ttl: ttl, logger: logger}
}

type cachedSegment struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Average float64 `json:"avg"`
	Samples int     `json:"n"`
}

func cacheKey(routeID string) string {
	return "eta:history:" + routeID
}

func (c *RedisCache) SegmentDurations(ctx context.Context, routeID string) (History, error) {
	b, err := c.rdb.Get(ctx, cacheKey(routeID)).Bytes()
	switch {
	case err == nil:
		h, derr := decodeHistory(b)
		if derr == nil {
			return h, nil
		}
		c.logger.Warn("discarding undecodable eta cache entry", "route_id", routeID, "error", derr)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("eta cache read failed", "route_id", routeID, "error", err)
	}

	h, err := c.src.SegmentDurations(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if b, err := encodeHistory(h); err == nil {
		if err := c.rdb.Set(ctx, cacheKey(routeID), b, c.ttl).Err(); err != nil {
			c.logger.Warn("eta cache write failed", "route_id", routeID, "error", err)
		}
	}
	return h, nil
}

func (c *RedisCache) Forget(ctx context.Context, routeID string) error {
	if err := c.rdb.Del(ctx, cacheKey(routeID)).Err(); err != nil {
		return fmt.Errorf("forget eta history for %s: %w", routeID, err)
	}
	return nil
}

func encodeHistory(h History) ([]byte, error) {
	out := make([]cachedSegment, 0, len(h))
	for k, r := range h {
		out = append(out, cachedSegment{From: k.From, To: k.To, Average: r.AverageDuration, Samples: r.SampleCount})
	}
	return json.Marshal(out)
}

func decodeHistory(b []byte) (History, error) {
	var in []cachedSegment
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, err
	}
	h := make(History, len(in))
	for _, s := range in {
		h[SegmentKey{From: s.From, To: s.To}] = Record{AverageDuration: s.Average, SampleCount: s.Samples}
	}
	return h, nil
}
