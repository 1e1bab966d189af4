package indicator

import (
	"math"
	"time"
)

// MACD holds the MACD line, its signal line and the histogram.
type MACD struct {
	Line   float64
	Signal float64
	Hist   float64
}

// Bands are Bollinger bands around a simple moving average.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Width is (upper-lower)/middle.
func (b Bands) Width() float64 {
	if b.Middle == 0 {
		return math.NaN()
	}
	return (b.Upper - b.Lower) / b.Middle
}

// Pivots are classic floor pivots computed from the previous session.
type Pivots struct {
	P, R1, R2, S1, S2 float64
	PrevHigh          float64
	PrevLow           float64
	PrevClose         float64
}

// Snapshot is the indicator state as of one closed candle. Values that have
// not completed their warm-up are NaN.
type Snapshot struct {
	Time  time.Time
	Index int

	Open, High, Low, Close, Volume float64

	EMAFast  float64
	EMASlow  float64
	EMATrend float64
	EMALong  float64
	SMA      float64

	RSI     float64
	MACD    MACD
	ADX     float64
	PlusDI  float64
	MinusDI float64
	ATR     float64
	BB      Bands

	VWAP      float64
	OBV       float64
	VolumeAvg float64
	Pivots    Pivots
}

// VolumeRatio is the candle volume over the average of the preceding candles.
func (s Snapshot) VolumeRatio() float64 {
	if math.IsNaN(s.VolumeAvg) || s.VolumeAvg <= 0 {
		return math.NaN()
	}
	return s.Volume / s.VolumeAvg
}

// Values flattens the snapshot into named features.
func (s Snapshot) Values() map[string]float64 {
	return map[string]float64{
		"close":       s.Close,
		"volume":      s.Volume,
		"ema_fast":    s.EMAFast,
		"ema_slow":    s.EMASlow,
		"ema_trend":   s.EMATrend,
		"ema_long":    s.EMALong,
		"sma":         s.SMA,
		"rsi":         s.RSI,
		"macd":        s.MACD.Line,
		"macd_signal": s.MACD.Signal,
		"macd_hist":   s.MACD.Hist,
		"adx":         s.ADX,
		"plus_di":     s.PlusDI,
		"minus_di":    s.MinusDI,
		"atr":         s.ATR,
		"bb_upper":    s.BB.Upper,
		"bb_middle":   s.BB.Middle,
		"bb_lower":    s.BB.Lower,
		"vwap":        s.VWAP,
		"obv":         s.OBV,
		"volume_avg":  s.VolumeAvg,
		"pivot":       s.Pivots.P,
	}
}

// Get returns a named feature and whether it is defined.
func (s Snapshot) Get(name string) (float64, bool) {
	v, ok := s.Values()[name]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Ready reports whether every named feature is defined.
func (s Snapshot) Ready(names ...string) bool {
	vals := s.Values()
	for _, n := range names {
		v, ok := vals[n]
		if !ok || math.IsNaN(v) {
			return false
		}
	}
	return true
}
