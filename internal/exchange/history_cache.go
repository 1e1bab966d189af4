package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"equitybot-go/internal/candle"
)

// CachingHistory decorates a HistorySource with Redis caching so restarts
// during the session do not refetch the warm-up window.
type CachingHistory struct {
	inner     HistorySource
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
}

// NewCachingHistory wraps inner. If ttl is 0 it defaults to 5 minutes; an
// empty namespace becomes "candles". A nil client disables caching.
func NewCachingHistory(rdb *redis.Client, ttl time.Duration, inner HistorySource, namespace string) *CachingHistory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if namespace == "" {
		namespace = "candles"
	}
	return &CachingHistory{inner: inner, rdb: rdb, ttl: ttl, namespace: namespace}
}

// Candles checks the cache first and falls back to the inner source.
func (c *CachingHistory) Candles(ctx context.Context, symbol string, width time.Duration, from, to time.Time) ([]candle.Candle, error) {
	if c.rdb == nil {
		return c.inner.Candles(ctx, symbol, width, from, to)
	}

	key := c.cacheKey(symbol, width, from, to)
	if b, err := c.rdb.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
		var out []candle.Candle
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		_ = c.rdb.Del(ctx, key).Err()
	}

	out, err := c.inner.Candles(ctx, symbol, width, from, to)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(out); err == nil {
		_ = c.rdb.Set(ctx, key, b, c.ttl).Err()
	}
	return out, nil
}

func (c *CachingHistory) cacheKey(symbol string, width time.Duration, from, to time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d:%d",
		c.namespace,
		safe(symbol),
		int64(width/time.Minute),
		from.Unix(),
		to.Unix(),
	)
}

// safe escapes characters that are problematic for Redis keys.
func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
