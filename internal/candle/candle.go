// Package candle turns ticks into fixed-width OHLCV bars and keeps per-symbol bar history.
package candle

import (
	"errors"
	"fmt"
	"time"
)

// Candle is one OHLCV bar. OpenTime is the bucket start.
type Candle struct {
	Symbol    string
	OpenTime  time.Time
	Width     time.Duration
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Ticks     int
	Synthetic bool // flat bar inserted for a bucket without ticks
}

// CloseTime is the exclusive end of the bar's bucket.
func (c Candle) CloseTime() time.Time { return c.OpenTime.Add(c.Width) }

// Typical returns (high+low+close)/3.
func (c Candle) Typical() float64 { return (c.High + c.Low + c.Close) / 3 }

// Bullish reports whether the bar closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

var (
	// ErrOutOfOrder is returned when a candle would break chronological order.
	ErrOutOfOrder = errors.New("candle out of order")
)

// Series is an append-only, chronologically ordered, bounded buffer of closed candles.
type Series struct {
	symbol   string
	capacity int
	candles  []Candle
}

// NewSeries builds a buffer retaining at most capacity candles (0 keeps everything).
func NewSeries(symbol string, capacity int) *Series {
	return &Series{symbol: symbol, capacity: capacity}
}

// Append adds a closed candle. OpenTime must be strictly increasing.
func (s *Series) Append(c Candle) error {
	if n := len(s.candles); n > 0 && !c.OpenTime.After(s.candles[n-1].OpenTime) {
		return fmt.Errorf("%w: %s %s not after %s", ErrOutOfOrder, s.symbol, c.OpenTime.Format(time.RFC3339), s.candles[n-1].OpenTime.Format(time.RFC3339))
	}
	s.candles = append(s.candles, c)
	if s.capacity > 0 && len(s.candles) > s.capacity {
		drop := len(s.candles) - s.capacity
		s.candles = append(s.candles[:0:0], s.candles[drop:]...)
	}
	return nil
}

// Len returns the number of retained candles.
func (s *Series) Len() int { return len(s.candles) }

// Last returns the most recent closed candle.
func (s *Series) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Candles returns a copy of the retained candles, oldest first.
func (s *Series) Candles() []Candle {
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Tail returns a copy of the newest n candles.
func (s *Series) Tail(n int) []Candle {
	if n <= 0 || n > len(s.candles) {
		n = len(s.candles)
	}
	out := make([]Candle, n)
	copy(out, s.candles[len(s.candles)-n:])
	return out
}
