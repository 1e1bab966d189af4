package strategy

import (
	"fmt"
	"math"
	"sort"

	"equitybot-go/internal/signal"
)

// PatternParams tune extrema detection and the pattern shapes.
type PatternParams struct {
	Lookback      int      `yaml:"lookback"`
	PivotOrder    int      `yaml:"pivot_order"`
	Tolerance     float64  `yaml:"tolerance"`
	MinSeparation int      `yaml:"min_separation"`
	MinDepthPct   float64  `yaml:"min_depth_pct"`
	PoleBars      int      `yaml:"pole_bars"`
	PoleMinPct    float64  `yaml:"pole_min_pct"`
	MinFlagBars   int      `yaml:"min_flag_bars"`
	MaxFlagBars   int      `yaml:"max_flag_bars"`
	MaxRetrace    float64  `yaml:"max_retrace"`
	FlatTolerance float64  `yaml:"flat_tolerance"`
	VolumeMult    float64  `yaml:"volume_mult"`
	MinConfidence float64  `yaml:"min_confidence"`
	Kinds         []string `yaml:"kinds"`
}

func (p PatternParams) withDefaults() PatternParams {
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setF := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	setInt(&p.Lookback, 60)
	setInt(&p.PivotOrder, 3)
	setInt(&p.MinSeparation, 5)
	setInt(&p.PoleBars, 5)
	setInt(&p.MinFlagBars, 3)
	setInt(&p.MaxFlagBars, 10)
	setF(&p.Tolerance, 0.015)
	setF(&p.MinDepthPct, 0.01)
	setF(&p.PoleMinPct, 0.02)
	setF(&p.MaxRetrace, 0.5)
	setF(&p.FlatTolerance, 0.003)
	setF(&p.VolumeMult, 1.5)
	setF(&p.MinConfidence, 0.6)
	if p.MaxFlagBars < p.MinFlagBars {
		p.MaxFlagBars = p.MinFlagBars
	}
	return p
}

func (p PatternParams) enabled() map[string]bool {
	all := []string{DoubleTop, DoubleBottom, BullFlag, BearFlag, AscendingTriangle, DescendingTriangle, SymmetricTriangle}
	kinds := p.Kinds
	if len(kinds) == 0 {
		kinds = all
	}
	out := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		out[k] = true
	}
	return out
}

var patternBase = map[string]float64{
	DoubleTop:          0.65,
	DoubleBottom:       0.65,
	BullFlag:           0.7,
	BearFlag:           0.7,
	AscendingTriangle:  0.65,
	DescendingTriangle: 0.65,
	SymmetricTriangle:  0.6,
}

// PatternBreakout trades breakouts from classical chart patterns with a
// measured-move target.
type PatternBreakout struct {
	p PatternParams
}

// NewPatternBreakout builds the evaluator.
func NewPatternBreakout(p PatternParams) *PatternBreakout {
	return &PatternBreakout{p: p.withDefaults()}
}

// Name returns the identifier for the strategy implementation.
func (s *PatternBreakout) Name() string { return ModePattern }

// Warmup is the pattern lookback.
func (s *PatternBreakout) Warmup() int { return s.p.Lookback }

// Evaluate emits the best-scoring pattern breakout on the last candle, if any.
func (s *PatternBreakout) Evaluate(ctx Context) ([]signal.Signal, error) {
	n := ctx.Frame.Len()
	if n < s.p.PivotOrder*2+3 {
		return nil, nil
	}
	from := max(0, n-s.p.Lookback-1)
	cs := ctx.Frame.Candles[len(ctx.Frame.Candles)-n:][from:]
	last, snap, _ := ctx.Frame.Last()

	var out []signal.Signal
	for _, pt := range DetectPatterns(cs, s.p) {
		conf := patternBase[pt.Kind] * (0.6 + 0.4*pt.Quality)
		vr := snap.VolumeRatio()
		if !math.IsNaN(vr) && vr >= s.p.VolumeMult {
			conf += 0.1
		}
		if ctx.Regime.Known && ctx.Regime.Trend == Trend(pt.Direction) {
			conf += 0.05
		}
		conf = clamp(conf, 0, 1)
		if conf < s.p.MinConfidence {
			ctx.trace("%s confidence %.2f below %.2f", pt.Kind, conf, s.p.MinConfidence)
			continue
		}
		sig := signal.Signal{
			Symbol:      ctx.Symbol,
			Direction:   pt.Direction,
			Strategy:    s.Name(),
			Entry:       last.Close,
			Stop:        pt.Stop,
			Target:      pt.Target,
			Confidence:  conf,
			Rationale:   fmt.Sprintf("%s breakout through %.2f, height %.2f", pt.Kind, pt.Trigger, pt.Height),
			GeneratedAt: ctx.Now,
			CandleTime:  last.OpenTime,
			Features: features(snap, map[string]float64{
				"pattern_height":  pt.Height,
				"pattern_trigger": pt.Trigger,
				"pattern_quality": pt.Quality,
				"volume_ratio":    vr,
			}),
		}
		if err := sig.Validate(); err != nil {
			ctx.trace("%s levels rejected: %v", pt.Kind, err)
			continue
		}
		out = append(out, sig)
	}
	if len(out) > 1 {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score() > out[j].Score() })
		out = out[:1]
	}
	return out, nil
}
