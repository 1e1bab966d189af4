package strategy

import (
	"fmt"
	"time"

	"equitybot-go/internal/candle"
	"equitybot-go/internal/indicator"
	"equitybot-go/internal/session"
)

// Trend is the direction of the benchmark index.
type Trend int

const (
	TrendDown Trend = -1
	TrendFlat Trend = 0
	TrendUp   Trend = 1
)

func (t Trend) String() string {
	switch t {
	case TrendUp:
		return "up"
	case TrendDown:
		return "down"
	default:
		return "flat"
	}
}

// Regime is the market-wide backdrop derived from the benchmark index.
type Regime struct {
	Known bool
	Trend Trend
	Close float64
	EMA   float64
}

// RegimeFrom classifies a benchmark snapshot: close above a rising fast EMA
// over the slow EMA is up, the mirror is down.
func RegimeFrom(s indicator.Snapshot) Regime {
	if !s.Ready("ema_fast", "ema_slow") {
		return Regime{}
	}
	r := Regime{Known: true, Close: s.Close, EMA: s.EMASlow}
	switch {
	case s.Close > s.EMASlow && s.EMAFast > s.EMASlow:
		r.Trend = TrendUp
	case s.Close < s.EMASlow && s.EMAFast < s.EMASlow:
		r.Trend = TrendDown
	}
	return r
}

// Frame is a candle series with indicator snapshots aligned 1:1 by index.
type Frame struct {
	Width     time.Duration
	Candles   []candle.Candle
	Snapshots []indicator.Snapshot
}

// Len returns the number of aligned bars.
func (f Frame) Len() int { return min(len(f.Candles), len(f.Snapshots)) }

// Last returns the newest bar and its snapshot.
func (f Frame) Last() (candle.Candle, indicator.Snapshot, bool) {
	return f.At(f.Len() - 1)
}

// At returns the bar at i counted from the oldest aligned bar.
func (f Frame) At(i int) (candle.Candle, indicator.Snapshot, bool) {
	if i < 0 || i >= f.Len() {
		return candle.Candle{}, indicator.Snapshot{}, false
	}
	off := len(f.Candles) - f.Len()
	soff := len(f.Snapshots) - f.Len()
	return f.Candles[off+i], f.Snapshots[soff+i], true
}

// Aligned verifies candle and snapshot times agree.
func (f Frame) Aligned() error {
	n := f.Len()
	c, s, ok := f.Last()
	if n > 0 && ok && !c.OpenTime.Equal(s.Time) {
		return fmt.Errorf("frame misaligned: candle %s snapshot %s", c.OpenTime.Format(time.RFC3339), s.Time.Format(time.RFC3339))
	}
	return nil
}

// Context is everything an evaluator may read for one symbol in one cycle.
// It only ever contains closed candles.
type Context struct {
	Symbol   string
	Now      time.Time
	Frame    Frame
	Higher   map[time.Duration]Frame
	Range    *session.DefiningRange
	Regime   Regime
	Calendar *session.Calendar

	// Trace receives reasons a candidate was filtered out; may be nil.
	Trace func(reason string)
}

func (c Context) trace(format string, args ...any) {
	if c.Trace != nil {
		c.Trace(fmt.Sprintf(format, args...))
	}
}

// FrameFor returns the frame of the requested width, the base frame included.
func (c Context) FrameFor(width time.Duration) (Frame, bool) {
	if width == 0 || width == c.Frame.Width {
		return c.Frame, true
	}
	f, ok := c.Higher[width]
	return f, ok
}
