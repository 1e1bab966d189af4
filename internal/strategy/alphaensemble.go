package strategy

import (
	"fmt"
	"math"
	"time"

	"equitybot-go/internal/signal"
)

// EnsembleParams tune the multi-timeframe retest strategy.
type EnsembleParams struct {
	LowerMinutes    int     `yaml:"lower_minutes"`
	HigherMinutes   int     `yaml:"higher_minutes"`
	TrendEMA        string  `yaml:"trend_ema"`
	RetestEMA       string  `yaml:"retest_ema"`
	RetestBars      int     `yaml:"retest_bars"`
	RetestTolerance float64 `yaml:"retest_tolerance"`
	MaxDistancePct  float64 `yaml:"max_distance_pct"`
	ADXMin          float64 `yaml:"adx_min"`
	VolumeMult      float64 `yaml:"volume_mult"`
	RSILow          float64 `yaml:"rsi_low"`
	RSIHigh         float64 `yaml:"rsi_high"`
	ATRStopMult     float64 `yaml:"atr_stop_mult"`
	RiskReward      float64 `yaml:"risk_reward"`
	LongOnly        bool    `yaml:"long_only"`
}

func (p EnsembleParams) withDefaults() EnsembleParams {
	if p.LowerMinutes <= 0 {
		p.LowerMinutes = 5
	}
	if p.HigherMinutes <= 0 {
		p.HigherMinutes = 15
	}
	if p.TrendEMA == "" {
		p.TrendEMA = "ema_long"
	}
	if p.RetestEMA == "" {
		p.RetestEMA = "ema_slow"
	}
	if p.RetestBars <= 0 {
		p.RetestBars = 3
	}
	if p.RetestTolerance <= 0 {
		p.RetestTolerance = 0.002
	}
	if p.MaxDistancePct <= 0 {
		p.MaxDistancePct = 0.01
	}
	if p.ADXMin <= 0 {
		p.ADXMin = 20
	}
	if p.VolumeMult <= 0 {
		p.VolumeMult = 1.2
	}
	if p.RSILow <= 0 {
		p.RSILow = 45
	}
	if p.RSIHigh <= 0 {
		p.RSIHigh = 70
	}
	if p.ATRStopMult <= 0 {
		p.ATRStopMult = 0.5
	}
	if p.RiskReward <= 0 {
		p.RiskReward = 2
	}
	return p
}

// AlphaEnsemble enters on a lower-timeframe retest of a moving average when
// the higher timeframe trend points the same way.
type AlphaEnsemble struct {
	p EnsembleParams
}

// NewAlphaEnsemble builds the evaluator.
func NewAlphaEnsemble(p EnsembleParams) *AlphaEnsemble {
	return &AlphaEnsemble{p: p.withDefaults()}
}

// Name returns the identifier for the strategy implementation.
func (s *AlphaEnsemble) Name() string { return ModeEnsemble }

// Warmup applies to the base frame; higher frames report ErrNotReady until warm.
func (s *AlphaEnsemble) Warmup() int { return breakoutWarmup }

// Timeframes lists the bar widths this evaluator reads.
func (s *AlphaEnsemble) Timeframes() []time.Duration {
	return []time.Duration{
		time.Duration(s.p.LowerMinutes) * time.Minute,
		time.Duration(s.p.HigherMinutes) * time.Minute,
	}
}

// Evaluate checks higher-timeframe bias, then the lower-timeframe retest and its gates.
func (s *AlphaEnsemble) Evaluate(ctx Context) ([]signal.Signal, error) {
	tfs := s.Timeframes()
	lower, ok := ctx.FrameFor(tfs[0])
	if !ok {
		return nil, fmt.Errorf("%s: no %s frame", ctx.Symbol, tfs[0])
	}
	higher, ok := ctx.FrameFor(tfs[1])
	if !ok {
		return nil, fmt.Errorf("%s: no %s frame", ctx.Symbol, tfs[1])
	}
	if lower.Len() < s.p.RetestBars+1 || higher.Len() == 0 {
		return nil, fmt.Errorf("%w: %s multi-timeframe history", ErrNotReady, ctx.Symbol)
	}
	lastL, snapL, _ := lower.Last()
	lastH, snapH, _ := higher.Last()
	if lastH.CloseTime().After(lastL.CloseTime()) {
		return nil, fmt.Errorf("%s: %s bar closing %s is ahead of %s bar closing %s", ctx.Symbol,
			tfs[1], lastH.CloseTime().Format(time.RFC3339), tfs[0], lastL.CloseTime().Format(time.RFC3339))
	}
	if lastL.CloseTime().Sub(lastH.CloseTime()) >= tfs[1] {
		ctx.trace("higher timeframe lagging by %s", lastL.CloseTime().Sub(lastH.CloseTime()))
		return nil, nil
	}

	trendMA, ok := snapH.Get(s.p.TrendEMA)
	if !ok || !snapH.Ready("ema_fast", "ema_slow") {
		return nil, fmt.Errorf("%w: %s higher timeframe %s", ErrNotReady, ctx.Symbol, s.p.TrendEMA)
	}
	var dir signal.Direction
	switch {
	case snapH.Close > trendMA && snapH.EMAFast > snapH.EMASlow:
		dir = signal.Long
	case snapH.Close < trendMA && snapH.EMAFast < snapH.EMASlow && !s.p.LongOnly:
		dir = signal.Short
	default:
		ctx.trace("no higher timeframe bias")
		return nil, nil
	}

	ma, ok := snapL.Get(s.p.RetestEMA)
	if !ok || !snapL.Ready("adx", "rsi", "atr", "volume_avg") {
		return nil, fmt.Errorf("%w: %s lower timeframe", ErrNotReady, ctx.Symbol)
	}

	sgn := dir.Sign()
	tol := s.p.RetestTolerance
	retested := false
	extreme := lastL.Low
	if dir == signal.Short {
		extreme = lastL.High
	}
	for i := lower.Len() - s.p.RetestBars; i < lower.Len(); i++ {
		c, snap, _ := lower.At(i)
		m, ok := snap.Get(s.p.RetestEMA)
		if !ok {
			continue
		}
		if dir == signal.Long {
			extreme = math.Min(extreme, c.Low)
			if c.Low <= m*(1+tol) && c.Close >= m*(1-tol) {
				retested = true
			}
		} else {
			extreme = math.Max(extreme, c.High)
			if c.High >= m*(1-tol) && c.Close <= m*(1+tol) {
				retested = true
			}
		}
	}
	if !retested {
		ctx.trace("no %s retest of %s", dir, s.p.RetestEMA)
		return nil, nil
	}
	if sgn*(lastL.Close-lastL.Open) <= 0 || sgn*(lastL.Close-ma) <= 0 {
		ctx.trace("retest bar did not confirm %s", dir)
		return nil, nil
	}
	dist := sgn * (lastL.Close - ma) / ma
	if dist > s.p.MaxDistancePct {
		ctx.trace("%.2f%% from %s exceeds %.2f%%", dist*100, s.p.RetestEMA, s.p.MaxDistancePct*100)
		return nil, nil
	}
	if snapL.ADX < s.p.ADXMin {
		ctx.trace("adx %.1f below %.1f", snapL.ADX, s.p.ADXMin)
		return nil, nil
	}
	vr := snapL.VolumeRatio()
	if math.IsNaN(vr) || vr < s.p.VolumeMult {
		ctx.trace("volume %.2fx below %.2fx", vr, s.p.VolumeMult)
		return nil, nil
	}
	lo, hi := rsiBand(dir, s.p.RSILow, s.p.RSIHigh)
	if snapL.RSI < lo || snapL.RSI > hi {
		ctx.trace("rsi %.1f outside [%.0f, %.0f]", snapL.RSI, lo, hi)
		return nil, nil
	}

	entry := lastL.Close
	var stop float64
	if dir == signal.Long {
		stop = math.Min(extreme, ma) - s.p.ATRStopMult*snapL.ATR
	} else {
		stop = math.Max(extreme, ma) + s.p.ATRStopMult*snapL.ATR
	}
	risk := sgn * (entry - stop)
	if risk <= 0 {
		return nil, nil
	}
	conf := 0.55 +
		0.15*clamp((snapL.ADX-s.p.ADXMin)/20, 0, 1) +
		0.15*clamp((vr-s.p.VolumeMult)/2, 0, 1) +
		0.15*clamp(1-dist/s.p.MaxDistancePct, 0, 1)

	return []signal.Signal{{
		Symbol:      ctx.Symbol,
		Direction:   dir,
		Strategy:    s.Name(),
		Entry:       entry,
		Stop:        stop,
		Target:      entry + sgn*s.p.RiskReward*risk,
		Confidence:  clamp(conf, 0, 1),
		Rationale:   fmt.Sprintf("%s retest of %s on %s with %s trend above %s", dir, s.p.RetestEMA, tfs[0], tfs[1], s.p.TrendEMA),
		GeneratedAt: ctx.Now,
		CandleTime:  lastL.OpenTime,
		Timeframe:   tfs[0],
		Features: features(snapL, map[string]float64{
			"htf_trend_ema": trendMA,
			"distance_pct":  dist,
			"volume_ratio":  vr,
		}),
	}}, nil
}
