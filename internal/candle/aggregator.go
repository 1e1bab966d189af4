package candle

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equitybot-go/internal/signal"
)

// GapPolicy decides what happens to buckets that saw no ticks.
type GapPolicy string

const (
	// GapFill inserts flat synthetic candles (OHLC = previous close, volume 0).
	GapFill GapPolicy = "fill"
	// GapSkip jumps forward; the next candle follows the gap directly.
	GapSkip GapPolicy = "skip"
)

const maxSyntheticBars = 500

var (
	// ErrMalformedTick is returned for ticks missing a symbol, timestamp or a sane price.
	ErrMalformedTick = errors.New("malformed tick")
	// ErrStaleTick is returned for ticks older than data already aggregated.
	ErrStaleTick = errors.New("stale tick")
)

// BucketFunc maps a timestamp to the start of its bucket.
type BucketFunc func(ts time.Time, width time.Duration) time.Time

// SessionFunc names the trading session a timestamp belongs to; gaps are never filled across sessions.
type SessionFunc func(ts time.Time) string

// Aggregator keeps one in-progress candle per symbol.
type Aggregator struct {
	width   time.Duration
	policy  GapPolicy
	bucket  BucketFunc
	session SessionFunc
	log     zerolog.Logger

	mu       sync.Mutex
	building map[string]*Candle
	last     map[string]Candle
	lastTick map[string]time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithGapPolicy selects fill or skip behaviour for empty buckets.
func WithGapPolicy(p GapPolicy) Option {
	return func(a *Aggregator) {
		if p == GapFill || p == GapSkip {
			a.policy = p
		}
	}
}

// WithBucketFunc anchors buckets, e.g. to the session open.
func WithBucketFunc(fn BucketFunc) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.bucket = fn
		}
	}
}

// WithSessionFunc bounds gap filling to a single session.
func WithSessionFunc(fn SessionFunc) Option {
	return func(a *Aggregator) { a.session = fn }
}

// NewAggregator builds an aggregator producing bars of the given width.
func NewAggregator(width time.Duration, log zerolog.Logger, opts ...Option) *Aggregator {
	if width <= 0 {
		width = time.Minute
	}
	a := &Aggregator{
		width:    width,
		policy:   GapFill,
		bucket:   func(ts time.Time, w time.Duration) time.Time { return ts.Truncate(w) },
		log:      log,
		building: make(map[string]*Candle),
		last:     make(map[string]Candle),
		lastTick: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Width returns the bar width.
func (a *Aggregator) Width() time.Duration { return a.width }

// Ingest folds a tick into its symbol's in-progress candle and returns any candles it closed,
// oldest first. Malformed or out-of-order ticks are dropped and never touch the in-progress bar.
func (a *Aggregator) Ingest(t signal.Tick) ([]Candle, error) {
	if err := CheckTick(t); err != nil {
		a.log.Warn().Err(err).Str("sym", t.Symbol).Msg("dropping tick")
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.lastTick[t.Symbol]; ok && t.Ts.Before(prev) {
		err := fmt.Errorf("%w: %s at %s before %s", ErrStaleTick, t.Symbol, t.Ts.Format(time.RFC3339Nano), prev.Format(time.RFC3339Nano))
		a.log.Warn().Err(err).Msg("dropping tick")
		return nil, err
	}
	start := a.bucket(t.Ts, a.width)
	if last, ok := a.last[t.Symbol]; ok && !start.After(last.OpenTime) {
		err := fmt.Errorf("%w: %s bucket %s already closed", ErrStaleTick, t.Symbol, start.Format(time.RFC3339))
		a.log.Warn().Err(err).Msg("dropping tick")
		return nil, err
	}
	a.lastTick[t.Symbol] = t.Ts

	var closed []Candle
	cur := a.building[t.Symbol]
	if cur != nil && !cur.OpenTime.Equal(start) {
		closed = append(closed, a.finalize(t.Symbol))
		cur = nil
	}
	if cur == nil {
		closed = append(closed, a.fillGap(t.Symbol, start)...)
		a.building[t.Symbol] = &Candle{
			Symbol:   t.Symbol,
			OpenTime: start,
			Width:    a.width,
			Open:     t.Price,
			High:     t.Price,
			Low:      t.Price,
			Close:    t.Price,
			Volume:   t.Volume,
			Ticks:    1,
		}
		return closed, nil
	}
	cur.High = math.Max(cur.High, t.Price)
	cur.Low = math.Min(cur.Low, t.Price)
	cur.Close = t.Price
	cur.Volume += t.Volume
	cur.Ticks++
	return closed, nil
}

// Flush closes every in-progress candle whose bucket ended at or before now.
func (a *Aggregator) Flush(now time.Time) []Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var closed []Candle
	for sym, cur := range a.building {
		if !now.Before(cur.CloseTime()) {
			closed = append(closed, a.finalize(sym))
		}
	}
	sortCandles(closed)
	return closed
}

// FlushSymbol closes symbol's in-progress candle if its bucket ended at or
// before now.
func (a *Aggregator) FlushSymbol(symbol string, now time.Time) (Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.building[symbol]
	if cur == nil || now.Before(cur.CloseTime()) {
		return Candle{}, false
	}
	return a.finalize(symbol), true
}

// InProgress returns a copy of the bar currently being built for symbol.
func (a *Aggregator) InProgress(symbol string) (Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.building[symbol]
	if cur == nil {
		return Candle{}, false
	}
	return *cur, true
}

// Seed records the last closed candle for a symbol, e.g. after loading history,
// so later ticks for already-closed buckets are rejected and gaps are measured from it.
func (a *Aggregator) Seed(c Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.last[c.Symbol]; ok && !c.OpenTime.After(last.OpenTime) {
		return
	}
	a.last[c.Symbol] = c
}

func (a *Aggregator) finalize(symbol string) Candle {
	cur := a.building[symbol]
	delete(a.building, symbol)
	c := *cur
	a.last[symbol] = c
	return c
}

func (a *Aggregator) fillGap(symbol string, next time.Time) []Candle {
	if a.policy != GapFill {
		return nil
	}
	prev, ok := a.last[symbol]
	if !ok {
		return nil
	}
	if a.session != nil && a.session(prev.OpenTime) != a.session(next) {
		return nil
	}
	var out []Candle
	for ts := a.bucket(prev.CloseTime(), a.width); ts.Before(next); ts = ts.Add(a.width) {
		if !ts.After(prev.OpenTime) {
			continue
		}
		if len(out) >= maxSyntheticBars {
			a.log.Warn().Str("sym", symbol).Int("bars", len(out)).Msg("gap too large, stopped filling")
			break
		}
		flat := Candle{
			Symbol:    symbol,
			OpenTime:  ts,
			Width:     a.width,
			Open:      prev.Close,
			High:      prev.Close,
			Low:       prev.Close,
			Close:     prev.Close,
			Synthetic: true,
		}
		out = append(out, flat)
		a.last[symbol] = flat
	}
	return out
}

// CheckTick reports why a tick can never be aggregated, wrapping ErrMalformedTick.
func CheckTick(t signal.Tick) error {
	switch {
	case t.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrMalformedTick)
	case t.Ts.IsZero():
		return fmt.Errorf("%w: %s missing timestamp", ErrMalformedTick, t.Symbol)
	case math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0:
		return fmt.Errorf("%w: %s price %v", ErrMalformedTick, t.Symbol, t.Price)
	case math.IsNaN(t.Volume) || t.Volume < 0:
		return fmt.Errorf("%w: %s volume %v", ErrMalformedTick, t.Symbol, t.Volume)
	}
	return nil
}
