package candle

import (
	"math"
	"sort"
	"time"
)

// Resampler folds closed base candles into a wider timeframe. A higher-timeframe bar is
// released only once the base bar ending exactly at its right edge has closed, or once a
// base bar from a later bucket arrives, so partially formed bars are never visible.
type Resampler struct {
	width   time.Duration
	bucket  BucketFunc
	current *Candle
}

// NewResampler builds a resampler for the target width using bucket alignment fn (nil truncates).
func NewResampler(width time.Duration, fn BucketFunc) *Resampler {
	if fn == nil {
		fn = func(ts time.Time, w time.Duration) time.Time { return ts.Truncate(w) }
	}
	return &Resampler{width: width, bucket: fn}
}

// Width returns the target timeframe.
func (r *Resampler) Width() time.Duration { return r.width }

// Add consumes one closed base candle and returns the higher-timeframe bars it completed.
func (r *Resampler) Add(c Candle) []Candle {
	start := r.bucket(c.OpenTime, r.width)
	var out []Candle
	if r.current != nil && !r.current.OpenTime.Equal(start) {
		out = append(out, *r.current)
		r.current = nil
	}
	if r.current == nil {
		r.current = &Candle{
			Symbol:    c.Symbol,
			OpenTime:  start,
			Width:     r.width,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			Ticks:     c.Ticks,
			Synthetic: c.Synthetic,
		}
	} else {
		r.current.High = math.Max(r.current.High, c.High)
		r.current.Low = math.Min(r.current.Low, c.Low)
		r.current.Close = c.Close
		r.current.Volume += c.Volume
		r.current.Ticks += c.Ticks
		r.current.Synthetic = r.current.Synthetic && c.Synthetic
	}
	if !c.CloseTime().Before(r.current.CloseTime()) {
		out = append(out, *r.current)
		r.current = nil
	}
	return out
}

// Resample converts a whole base series; the trailing incomplete bucket is dropped.
func Resample(candles []Candle, width time.Duration, fn BucketFunc) []Candle {
	r := NewResampler(width, fn)
	var out []Candle
	for _, c := range candles {
		out = append(out, r.Add(c)...)
	}
	return out
}

func sortCandles(cs []Candle) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Symbol != cs[j].Symbol {
			return cs[i].Symbol < cs[j].Symbol
		}
		return cs[i].OpenTime.Before(cs[j].OpenTime)
	})
}
