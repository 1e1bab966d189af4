package session

import (
	"math"
	"sync"
	"time"

	"equitybot-go/internal/candle"
)

// DefiningRange is the high/low band set during the observation window after
// the open. It is immutable once Final.
type DefiningRange struct {
	Symbol        string
	Session       string
	High          float64
	Low           float64
	Bars          int
	EstablishedAt time.Time
	Final         bool
}

// Width is High-Low.
func (r DefiningRange) Width() float64 { return r.High - r.Low }

// WidthPct is the width relative to the midpoint.
func (r DefiningRange) WidthPct() float64 {
	mid := (r.High + r.Low) / 2
	if mid == 0 {
		return 0
	}
	return r.Width() / mid
}

// Contains reports whether px lies inside [Low, High].
func (r DefiningRange) Contains(px float64) bool { return px >= r.Low && px <= r.High }

func (r *DefiningRange) include(c candle.Candle) {
	if r.Bars == 0 {
		r.High, r.Low = c.High, c.Low
	} else {
		r.High = math.Max(r.High, c.High)
		r.Low = math.Min(r.Low, c.Low)
	}
	r.Bars++
}

// RangeTracker builds one DefiningRange per symbol per session from closed candles.
type RangeTracker struct {
	cal    *Calendar
	window time.Duration

	mu     sync.RWMutex
	ranges map[string]*DefiningRange
}

// NewRangeTracker observes the first window of each session.
func NewRangeTracker(cal *Calendar, window time.Duration) *RangeTracker {
	if window <= 0 {
		window = time.Hour
	}
	return &RangeTracker{cal: cal, window: window, ranges: make(map[string]*DefiningRange)}
}

// Window returns the observation window length.
func (t *RangeTracker) Window() time.Duration { return t.window }

// Observe folds a closed candle into its symbol's range. Candles from a new
// session discard the previous range.
func (t *RangeTracker) Observe(c candle.Candle) {
	sid := t.cal.SessionID(c.OpenTime)
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.ranges[c.Symbol]
	if r == nil || r.Session != sid {
		r = &DefiningRange{Symbol: c.Symbol, Session: sid}
		t.ranges[c.Symbol] = r
	}
	observe(r, c, t.cal.Open(c.OpenTime), t.window)
}

func observe(r *DefiningRange, c candle.Candle, open time.Time, window time.Duration) {
	if r.Final || c.OpenTime.Before(open) {
		return
	}
	end := open.Add(window)
	if c.OpenTime.Before(end) {
		r.include(c)
	}
	if !c.CloseTime().Before(end) && r.Bars > 0 {
		r.Final = true
		r.EstablishedAt = end
	}
}

// Range returns the finalized range for symbol in the session containing at.
func (t *RangeTracker) Range(symbol string, at time.Time) (DefiningRange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := t.ranges[symbol]
	if r == nil || !r.Final || r.Session != t.cal.SessionID(at) {
		return DefiningRange{}, false
	}
	return *r, true
}

// Pending returns the range under construction, finalized or not.
func (t *RangeTracker) Pending(symbol string) (DefiningRange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := t.ranges[symbol]
	if r == nil {
		return DefiningRange{}, false
	}
	return *r, true
}

// Reset drops every range.
func (t *RangeTracker) Reset() {
	t.mu.Lock()
	t.ranges = make(map[string]*DefiningRange)
	t.mu.Unlock()
}

// RangeFromCandles derives the defining range of the session containing at
// using only candles that closed at or before at.
func RangeFromCandles(cal *Calendar, window time.Duration, candles []candle.Candle, at time.Time) (DefiningRange, bool) {
	sid := cal.SessionID(at)
	open := cal.Open(at)
	var r DefiningRange
	for _, c := range candles {
		if cal.SessionID(c.OpenTime) != sid || c.CloseTime().After(at) {
			continue
		}
		if r.Symbol == "" {
			r.Symbol, r.Session = c.Symbol, sid
		}
		observe(&r, c, open, window)
	}
	return r, r.Final
}
