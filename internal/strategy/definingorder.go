package strategy

import (
	"time"

	"equitybot-go/internal/signal"
)

// DefiningOrderParams extend the breakout knobs with the v3.2 gates.
type DefiningOrderParams struct {
	BreakoutParams `yaml:",inline"`
	Denylist       []string `yaml:"denylist"`
	AllowHours     []int    `yaml:"allow_hours"`
	DenyHours      []int    `yaml:"deny_hours"`
	IgnoreVWAP     bool     `yaml:"ignore_vwap"`
	MinRangePct    float64  `yaml:"min_range_pct"`
	MaxRangePct    float64  `yaml:"max_range_pct"`
}

// DefiningOrder is the v3.2 defining-range breakout: the Ironclad core
// followed by an ordered chain of static gates.
type DefiningOrder struct {
	p     DefiningOrderParams
	chain Chain
}

// NewDefiningOrder builds the evaluator and its filter chain.
func NewDefiningOrder(p DefiningOrderParams) *DefiningOrder {
	if p.RiskReward <= 0 {
		p.RiskReward = 2.5
	}
	p.BreakoutParams = p.BreakoutParams.withDefaults(75)
	if p.MaxRangePct <= 0 {
		p.MaxRangePct = 0.03
	}
	chain := Chain{NewDenylist(p.Denylist), HourFilter{Allow: p.AllowHours, Deny: p.DenyHours}}
	if !p.IgnoreVWAP {
		chain = append(chain, VWAPFilter{})
	}
	chain = append(chain, RangeWidthFilter{MinPct: p.MinRangePct, MaxPct: p.MaxRangePct})
	return &DefiningOrder{p: p, chain: chain}
}

// Name returns the identifier for the strategy implementation.
func (s *DefiningOrder) Name() string { return ModeDefiningOrder }

// Warmup matches the breakout core.
func (s *DefiningOrder) Warmup() int { return breakoutWarmup }

// RangeWindow is the defining-range observation window.
func (s *DefiningOrder) RangeWindow() time.Duration {
	return time.Duration(s.p.RangeMinutes) * time.Minute
}

// Filters exposes the gate order.
func (s *DefiningOrder) Filters() Chain { return s.chain }

// Evaluate runs the breakout core then the filter chain.
func (s *DefiningOrder) Evaluate(ctx Context) ([]signal.Signal, error) {
	sig, ok, err := evaluateBreakout(ctx, s.p.BreakoutParams, s.Name())
	if err != nil || !ok {
		return nil, err
	}
	if name, reason, pass := s.chain.Run(ctx, sig); !pass {
		ctx.trace("%s filter: %s", name, reason)
		return nil, nil
	}
	return []signal.Signal{sig}, nil
}
