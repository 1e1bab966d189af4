// Package strategy turns closed candles and indicator snapshots into trade candidates.
package strategy

import (
	"strings"

	"equitybot-go/internal/signal"
)

// Strategy defines behaviour shared by strategy implementations used by the bot.
type Strategy interface {
	Name() string
	// Warmup is the minimum number of base candles before Evaluate can trust its inputs.
	Warmup() int
	Evaluate(ctx Context) ([]signal.Signal, error)
}

// Params expresses tunable knobs required by strategy constructors.
type Params struct {
	Ironclad      BreakoutParams      `yaml:"ironclad"`
	DefiningOrder DefiningOrderParams `yaml:"defining_order"`
	Pattern       PatternParams       `yaml:"pattern"`
	Ensemble      EnsembleParams      `yaml:"ensemble"`
}

const (
	ModeIronclad      = "ironclad"
	ModeDefiningOrder = "defining_order"
	ModePattern       = "pattern_breakout"
	ModeEnsemble      = "alpha_ensemble"
)

// Modes lists the canonical strategy names.
func Modes() []string {
	return []string{ModeIronclad, ModeDefiningOrder, ModePattern, ModeEnsemble}
}

// Canonical maps a configured mode and its aliases to a canonical name.
func Canonical(mode string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "ironclad", "defining_range", "range_breakout":
		return ModeIronclad, true
	case "defining_order", "defining_order_v3_2", "v3.2", "v32":
		return ModeDefiningOrder, true
	case "pattern", "pattern_breakout", "patterns":
		return ModePattern, true
	case "alpha_ensemble", "ensemble", "alpha", "multi_timeframe":
		return ModeEnsemble, true
	default:
		return "", false
	}
}

// Build returns a strategy implementation matching the configured mode.
func Build(mode string, params Params) Strategy {
	name, _ := Canonical(mode)
	switch name {
	case ModeDefiningOrder:
		return NewDefiningOrder(params.DefiningOrder)
	case ModePattern:
		return NewPatternBreakout(params.Pattern)
	case ModeEnsemble:
		return NewAlphaEnsemble(params.Ensemble)
	default:
		return NewIronclad(params.Ironclad)
	}
}
