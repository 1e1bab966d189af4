package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"equitybot-go/internal/indicator"
	"equitybot-go/internal/session"
	"equitybot-go/internal/signal"
)

// ErrNotReady is returned when the indicators an evaluator needs are still warming up.
var ErrNotReady = errors.New("indicators not ready")

// BreakoutParams tune the defining-range breakout family.
type BreakoutParams struct {
	RangeMinutes    int     `yaml:"range_minutes"`
	ADXMin          float64 `yaml:"adx_min"`
	RSILow          float64 `yaml:"rsi_low"`
	RSIHigh         float64 `yaml:"rsi_high"`
	VolumeMult      float64 `yaml:"volume_mult"`
	ATRStopMult     float64 `yaml:"atr_stop_mult"`
	RiskReward      float64 `yaml:"risk_reward"`
	LastEntry       string  `yaml:"last_entry"`
	LongOnly        bool    `yaml:"long_only"`
	IgnoreMACD      bool    `yaml:"ignore_macd"`
	IgnoreBenchmark bool    `yaml:"ignore_benchmark"`
}

func (p BreakoutParams) withDefaults(rangeMinutes int) BreakoutParams {
	if p.RangeMinutes <= 0 {
		p.RangeMinutes = rangeMinutes
	}
	if p.ADXMin <= 0 {
		p.ADXMin = 25
	}
	if p.RSILow <= 0 {
		p.RSILow = 40
	}
	if p.RSIHigh <= 0 {
		p.RSIHigh = 70
	}
	if p.VolumeMult <= 0 {
		p.VolumeMult = 1.5
	}
	if p.ATRStopMult < 0 {
		p.ATRStopMult = 0
	} else if p.ATRStopMult == 0 {
		p.ATRStopMult = 1
	}
	if p.RiskReward <= 0 {
		p.RiskReward = 2
	}
	if p.LastEntry == "" {
		p.LastEntry = "14:45"
	}
	return p
}

// Ironclad trades the first close outside the session's defining range when
// trend, momentum and volume all confirm.
type Ironclad struct {
	p BreakoutParams
}

// NewIronclad builds the breakout evaluator.
func NewIronclad(p BreakoutParams) *Ironclad {
	return &Ironclad{p: p.withDefaults(60)}
}

// Name returns the identifier for the strategy implementation.
func (s *Ironclad) Name() string { return ModeIronclad }

// Warmup covers ADX (two smoothing passes) and MACD signal seeding.
func (s *Ironclad) Warmup() int { return breakoutWarmup }

// RangeWindow is the defining-range observation window.
func (s *Ironclad) RangeWindow() time.Duration {
	return time.Duration(s.p.RangeMinutes) * time.Minute
}

// Evaluate emits at most one signal on the bar that crosses the range.
func (s *Ironclad) Evaluate(ctx Context) ([]signal.Signal, error) {
	sig, ok, err := evaluateBreakout(ctx, s.p, s.Name())
	if err != nil || !ok {
		return nil, err
	}
	return []signal.Signal{sig}, nil
}

const breakoutWarmup = 35

func evaluateBreakout(ctx Context, p BreakoutParams, name string) (signal.Signal, bool, error) {
	r := ctx.Range
	if r == nil || !r.Final {
		ctx.trace("defining range not established")
		return signal.Signal{}, false, nil
	}
	n := ctx.Frame.Len()
	if n < 2 {
		return signal.Signal{}, false, nil
	}
	last, snap, _ := ctx.Frame.Last()
	prev, _, _ := ctx.Frame.At(n - 2)
	if last.OpenTime.Before(r.EstablishedAt) {
		return signal.Signal{}, false, nil
	}

	var dir signal.Direction
	switch {
	case last.Close > r.High && prev.Close <= r.High:
		dir = signal.Long
	case last.Close < r.Low && prev.Close >= r.Low && !p.LongOnly:
		dir = signal.Short
	default:
		return signal.Signal{}, false, nil
	}

	if !snap.Ready("adx", "rsi", "atr", "volume_avg") {
		return signal.Signal{}, false, fmt.Errorf("%w: %s breakout needs adx/rsi/atr/volume_avg", ErrNotReady, ctx.Symbol)
	}
	if ctx.Calendar != nil {
		if cut, err := session.ParseClock(p.LastEntry); err == nil && last.CloseTime().After(ctx.Calendar.At(last.OpenTime, cut)) {
			ctx.trace("%s breakout after last entry time %s", dir, cut)
			return signal.Signal{}, false, nil
		}
	}
	if snap.ADX < p.ADXMin {
		ctx.trace("adx %.1f below %.1f", snap.ADX, p.ADXMin)
		return signal.Signal{}, false, nil
	}
	if !p.IgnoreBenchmark && ctx.Regime.Known && ctx.Regime.Trend != Trend(dir) {
		ctx.trace("benchmark trend %s against %s breakout", ctx.Regime.Trend, dir)
		return signal.Signal{}, false, nil
	}
	if !p.IgnoreMACD {
		if !snap.Ready("macd", "macd_signal") {
			return signal.Signal{}, false, fmt.Errorf("%w: %s macd", ErrNotReady, ctx.Symbol)
		}
		if dir.Sign()*(snap.MACD.Line-snap.MACD.Signal) <= 0 {
			ctx.trace("macd does not confirm %s", dir)
			return signal.Signal{}, false, nil
		}
	}
	lo, hi := rsiBand(dir, p.RSILow, p.RSIHigh)
	if snap.RSI < lo || snap.RSI > hi {
		ctx.trace("rsi %.1f outside [%.0f, %.0f]", snap.RSI, lo, hi)
		return signal.Signal{}, false, nil
	}
	vr := snap.VolumeRatio()
	if math.IsNaN(vr) || vr < p.VolumeMult {
		ctx.trace("volume %.2fx below %.2fx", vr, p.VolumeMult)
		return signal.Signal{}, false, nil
	}

	entry := last.Close
	stop := r.High - p.ATRStopMult*snap.ATR
	if dir == signal.Short {
		stop = r.Low + p.ATRStopMult*snap.ATR
	}
	risk := dir.Sign() * (entry - stop)
	if risk <= 0 {
		ctx.trace("stop %.2f not on loss side of %.2f", stop, entry)
		return signal.Signal{}, false, nil
	}
	target := entry + dir.Sign()*p.RiskReward*risk

	conf := 0.5 +
		0.2*clamp((snap.ADX-p.ADXMin)/25, 0, 1) +
		0.2*clamp((vr-p.VolumeMult)/3, 0, 1)
	if ctx.Regime.Known {
		conf += 0.1
	}

	return signal.Signal{
		Symbol:      ctx.Symbol,
		Direction:   dir,
		Strategy:    name,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		Confidence:  clamp(conf, 0, 1),
		Rationale:   fmt.Sprintf("%s breakout of %.2f-%.2f range, adx=%.1f rsi=%.1f vol=%.1fx", dir, r.Low, r.High, snap.ADX, snap.RSI, vr),
		GeneratedAt: ctx.Now,
		CandleTime:  last.OpenTime,
		Features:    features(snap, map[string]float64{"range_high": r.High, "range_low": r.Low, "volume_ratio": vr}),
	}, true, nil
}

// rsiBand mirrors the long band for shorts.
func rsiBand(dir signal.Direction, low, high float64) (float64, float64) {
	if dir == signal.Short {
		return 100 - high, 100 - low
	}
	return low, high
}

func features(s indicator.Snapshot, extra map[string]float64) map[string]float64 {
	out := map[string]float64{}
	for _, k := range []string{"adx", "rsi", "atr", "macd_hist", "vwap", "ema_slow"} {
		if v, ok := s.Get(k); ok {
			out[k] = v
		}
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
