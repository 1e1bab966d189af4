package validate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MarginSource reports funds available for new positions.
type MarginSource interface {
	AvailableMargin(ctx context.Context) (float64, error)
}

// MarginCache serves a recent margin figure and fails open when the source is down.
type MarginCache struct {
	src     MarginSource
	ttl     time.Duration
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	value   float64
	fetched time.Time
}

// NewMarginCache caches quotes for ttl and bounds each fetch by timeout.
func NewMarginCache(src MarginSource, ttl, timeout time.Duration, log zerolog.Logger) *MarginCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MarginCache{src: src, ttl: ttl, timeout: timeout, log: log, now: time.Now}
}

// Quote returns the cached figure while fresh, otherwise queries the source.
// A failed query yields an unknown quote rather than an error.
func (m *MarginCache) Quote(ctx context.Context) MarginQuote {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fetched.IsZero() && m.now().Sub(m.fetched) < m.ttl {
		return MarginQuote{Available: m.value, Known: true}
	}
	if m.src == nil {
		return MarginQuote{}
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	v, err := m.src.AvailableMargin(cctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("margin query failed, failing open")
		return MarginQuote{}
	}
	m.value, m.fetched = v, m.now()
	return MarginQuote{Available: v, Known: true}
}

// Invalidate forces the next Quote to hit the source, e.g. after an order fills.
func (m *MarginCache) Invalidate() {
	m.mu.Lock()
	m.fetched = time.Time{}
	m.mu.Unlock()
}
