// Package signal standardizes payloads shared between data ingestion, strategy and execution layers.
package signal

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Tick models one normalized market data event for a symbol.
type Tick struct {
	Symbol string
	Price  float64
	Volume float64 // traded quantity since the previous tick
	Bid    float64
	Ask    float64
	Ts     time.Time
}

// Direction is the side of a trade idea.
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "none"
	}
}

// Sign returns +1 for long and -1 for short so price math can be written once.
func (d Direction) Sign() float64 { return float64(d) }

// ErrInvalidSignal marks a candidate whose prices are inconsistent with its direction.
var ErrInvalidSignal = errors.New("invalid signal")

// Signal is a candidate trade produced by a strategy evaluator.
type Signal struct {
	Symbol      string
	Direction   Direction
	Strategy    string
	Entry       float64
	Stop        float64
	Target      float64
	Confidence  float64 // 0..1
	Rationale   string
	GeneratedAt time.Time
	CandleTime  time.Time          // open time of the candle that triggered the signal
	Timeframe   time.Duration      // bar width the signal was judged on; zero means the base bar
	Features    map[string]float64 // indicator readings captured at decision time
}

// Risk is the per-share loss if the stop is hit.
func (s Signal) Risk() float64 { return math.Abs(s.Entry - s.Stop) }

// Reward is the per-share gain if the target is hit.
func (s Signal) Reward() float64 { return math.Abs(s.Target - s.Entry) }

// RiskReward returns reward divided by risk, zero when risk is not positive.
func (s Signal) RiskReward() float64 {
	risk := s.Risk()
	if risk <= 0 {
		return 0
	}
	return s.Reward() / risk
}

// Score is the composite ranking key: confidence times risk:reward.
func (s Signal) Score() float64 { return s.Confidence * s.RiskReward() }

// Key identifies a signal so the same decision is not acted on twice.
func (s Signal) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", s.Symbol, s.Strategy, s.Direction, s.CandleTime.Unix())
}

// Validate checks that stop and target sit on the correct side of entry.
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidSignal)
	}
	if s.Direction != Long && s.Direction != Short {
		return fmt.Errorf("%w: unknown direction for %s", ErrInvalidSignal, s.Symbol)
	}
	if !(s.Entry > 0) || !(s.Stop > 0) || !(s.Target > 0) {
		return fmt.Errorf("%w: %s prices must be positive (entry=%.2f stop=%.2f target=%.2f)", ErrInvalidSignal, s.Symbol, s.Entry, s.Stop, s.Target)
	}
	if s.Direction == Long && !(s.Stop < s.Entry && s.Entry < s.Target) {
		return fmt.Errorf("%w: %s long requires stop < entry < target (%.2f/%.2f/%.2f)", ErrInvalidSignal, s.Symbol, s.Stop, s.Entry, s.Target)
	}
	if s.Direction == Short && !(s.Stop > s.Entry && s.Entry > s.Target) {
		return fmt.Errorf("%w: %s short requires stop > entry > target (%.2f/%.2f/%.2f)", ErrInvalidSignal, s.Symbol, s.Stop, s.Entry, s.Target)
	}
	return nil
}
