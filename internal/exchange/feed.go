// Package exchange hosts market-data connectors: live tick feeds and the
// historical candle API used to warm the engine at startup.
package exchange

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equitybot-go/internal/metrics"
	"equitybot-go/internal/retry"
	"equitybot-go/internal/signal"
)

const (
	// ProviderStub emits deterministic synthetic ticks (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderWebsocket streams live quotes from a broker websocket.
	ProviderWebsocket = "websocket"
	// ProviderReplay plays back recorded ticks from a CSV file.
	ProviderReplay = "replay"
)

// Feed represents a pluggable market data stream implementation.
type Feed struct {
	provider     string
	symbols      []string
	log          zerolog.Logger
	stubInterval time.Duration
	wsURL        string
	wsHeaders    map[string]string
	replayPath   string
	replaySpeed  float64
	reconnect    retry.Policy
	now          func() time.Time
	mu           sync.RWMutex
}

// Option configures Feed construction parameters.
type Option func(*Feed)

const defaultStubInterval = 500 * time.Millisecond

// WithStubInterval overrides the synthetic tick cadence.
func WithStubInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.stubInterval = d
		}
	}
}

// WithWebsocket sets the quote stream endpoint and extra handshake headers.
func WithWebsocket(url string, headers map[string]string) Option {
	return func(f *Feed) {
		f.wsURL = url
		f.wsHeaders = headers
	}
}

// WithReplay points the replay provider at a CSV file. speed scales the
// recorded inter-tick gaps; 0 replays as fast as the consumer reads.
func WithReplay(path string, speed float64) Option {
	return func(f *Feed) {
		f.replayPath = path
		f.replaySpeed = speed
	}
}

// WithReconnect sets the backoff used between websocket reconnects.
func WithReconnect(p retry.Policy) Option {
	return func(f *Feed) { f.reconnect = p }
}

// WithClock overrides the stub feed's timestamp source.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// NewFeed constructs a feed backed by the requested provider.
func NewFeed(provider string, symbols []string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderStub
	}
	f := &Feed{
		provider:     strings.ToLower(provider),
		log:          log.With().Str("provider", strings.ToLower(provider)).Logger(),
		stubInterval: defaultStubInterval,
		reconnect:    retry.Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 1.8, Jitter: 0.2},
		now:          time.Now,
	}
	f.setSymbols(symbols)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Provider returns the normalized provider name.
func (f *Feed) Provider() string { return f.provider }

// SetSymbols replaces the tracked symbol list (deduplicated, sorted for determinism).
func (f *Feed) SetSymbols(symbols []string) {
	f.setSymbols(symbols)
}

func (f *Feed) setSymbols(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unique := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		unique[sym] = struct{}{}
	}
	f.symbols = f.symbols[:0]
	for sym := range unique {
		f.symbols = append(f.symbols, sym)
	}
	sort.Strings(f.symbols)
}

func (f *Feed) snapshotSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Run pushes ticks onto the provided channel until the context is canceled.
// The replay provider returns nil once the file is exhausted.
func (f *Feed) Run(ctx context.Context, out chan<- signal.Tick) error {
	switch f.provider {
	case ProviderWebsocket:
		return f.runWebsocket(ctx, out)
	case ProviderReplay:
		return f.runReplay(ctx, out)
	default:
		return f.runStub(ctx, out)
	}
}

func (f *Feed) emit(ctx context.Context, out chan<- signal.Tick, tick signal.Tick) error {
	select {
	case out <- tick:
		metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) runStub(ctx context.Context, out chan<- signal.Tick) error {
	ticker := time.NewTicker(f.stubInterval)
	defer ticker.Stop()

	var px float64 = 100.0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			px += 0.1
			ts := f.now()
			for _, s := range f.snapshotSymbols() {
				if err := f.emit(ctx, out, signal.Tick{Symbol: s, Price: px, Volume: 1, Ts: ts}); err != nil {
					return err
				}
			}
		}
	}
}
