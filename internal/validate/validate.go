// Package validate runs candidate signals through an ordered checklist before sizing.
package validate

import (
	"fmt"
	"math"

	"equitybot-go/internal/indicator"
	"equitybot-go/internal/signal"
	"equitybot-go/internal/strategy"
)

// Check names one step of the checklist.
type Check string

const (
	CheckSanity     Check = "sanity"
	CheckTrend      Check = "trend"
	CheckVolume     Check = "volume"
	CheckLevels     Check = "support_resistance"
	CheckRiskReward Check = "risk_reward"
	CheckMargin     Check = "margin"
)

// Order is the fixed sequence in which checks run.
var Order = []Check{CheckSanity, CheckTrend, CheckVolume, CheckLevels, CheckRiskReward, CheckMargin}

// Rejection records the first failing check.
type Rejection struct {
	Step   int
	Check  Check
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("check %d (%s): %s", r.Step, r.Check, r.Reason)
}

// Thresholds configure the checks.
type Thresholds struct {
	MinVolumeRatio float64 `yaml:"min_volume_ratio"`
	MinRiskReward  float64 `yaml:"min_risk_reward"`
	MinADX         float64 `yaml:"min_adx"`
	MinRoomR       float64 `yaml:"min_room_r"`
	MarginBuffer   float64 `yaml:"margin_buffer"`
	IgnoreRegime   bool    `yaml:"ignore_regime"`
}

// DefaultThresholds are used for zero fields.
func DefaultThresholds() Thresholds {
	return Thresholds{MinVolumeRatio: 1.2, MinRiskReward: 1.5, MinRoomR: 1, MarginBuffer: 1}
}

// MarginQuote is the broker's available margin as seen by the caller.
// Known is false when the broker could not be reached.
type MarginQuote struct {
	Available float64
	Known     bool
}

// Inputs are everything the validator reads besides the signal.
type Inputs struct {
	Snapshot       indicator.Snapshot
	Regime         strategy.Regime
	RequiredMargin float64
	Margin         MarginQuote
}

// Result is the outcome of a validation.
type Result struct {
	Approved   bool
	Rejection  *Rejection
	Passed     []Check
	MarginOpen bool // margin check passed because the quote was unavailable
}

// Validator is stateless; Validate depends only on its arguments.
type Validator struct {
	th Thresholds
}

// New fills zero thresholds with defaults.
func New(th Thresholds) *Validator {
	d := DefaultThresholds()
	if th.MinVolumeRatio <= 0 {
		th.MinVolumeRatio = d.MinVolumeRatio
	}
	if th.MinRiskReward <= 0 {
		th.MinRiskReward = d.MinRiskReward
	}
	if th.MinRoomR <= 0 {
		th.MinRoomR = d.MinRoomR
	}
	if th.MarginBuffer <= 0 {
		th.MarginBuffer = d.MarginBuffer
	}
	return &Validator{th: th}
}

// Thresholds returns the effective thresholds.
func (v *Validator) Thresholds() Thresholds { return v.th }

// Validate runs the checks in Order and stops at the first failure.
func (v *Validator) Validate(s signal.Signal, in Inputs) Result {
	var res Result
	for i, c := range Order {
		reason := v.run(c, s, in, &res)
		if reason != "" {
			res.Rejection = &Rejection{Step: i + 1, Check: c, Reason: reason}
			return res
		}
		res.Passed = append(res.Passed, c)
	}
	res.Approved = true
	return res
}

func (v *Validator) run(c Check, s signal.Signal, in Inputs, res *Result) string {
	switch c {
	case CheckSanity:
		if err := s.Validate(); err != nil {
			return err.Error()
		}
	case CheckTrend:
		return v.trend(s, in)
	case CheckVolume:
		vr := in.Snapshot.VolumeRatio()
		if math.IsNaN(vr) {
			return "volume average unavailable"
		}
		if vr < v.th.MinVolumeRatio {
			return fmt.Sprintf("volume %.2fx average below %.2fx minimum", vr, v.th.MinVolumeRatio)
		}
	case CheckLevels:
		return v.levels(s, in.Snapshot)
	case CheckRiskReward:
		if rr := s.RiskReward(); rr < v.th.MinRiskReward {
			return fmt.Sprintf("risk:reward 1:%.2f below 1:%.2f", rr, v.th.MinRiskReward)
		}
	case CheckMargin:
		if !in.Margin.Known {
			res.MarginOpen = true
			return ""
		}
		need := in.RequiredMargin * v.th.MarginBuffer
		if need > in.Margin.Available {
			return fmt.Sprintf("insufficient margin: need %.2f, available %.2f", need, in.Margin.Available)
		}
	}
	return ""
}

func (v *Validator) trend(s signal.Signal, in Inputs) string {
	if !v.th.IgnoreRegime && in.Regime.Known && in.Regime.Trend != strategy.Trend(s.Direction) {
		return fmt.Sprintf("benchmark trend %s does not support %s", in.Regime.Trend, s.Direction)
	}
	if v.th.MinADX > 0 {
		adx, ok := in.Snapshot.Get("adx")
		if !ok {
			return "adx unavailable"
		}
		if adx < v.th.MinADX {
			return fmt.Sprintf("adx %.1f below %.1f", adx, v.th.MinADX)
		}
	}
	return ""
}

// levels requires room of at least MinRoomR times the risk between entry and
// the nearest pivot level in the trade direction.
func (v *Validator) levels(s signal.Signal, snap indicator.Snapshot) string {
	pv := snap.Pivots
	named := []struct {
		name string
		px   float64
	}{
		{"P", pv.P}, {"R1", pv.R1}, {"R2", pv.R2}, {"S1", pv.S1}, {"S2", pv.S2},
		{"prev high", pv.PrevHigh}, {"prev low", pv.PrevLow},
	}
	risk := s.Risk()
	sgn := s.Direction.Sign()
	for _, l := range named {
		if math.IsNaN(l.px) || l.px <= 0 {
			continue
		}
		room := sgn * (l.px - s.Entry)
		if room <= 0 {
			continue
		}
		if room < v.th.MinRoomR*risk {
			kind := "resistance"
			if s.Direction == signal.Short {
				kind = "support"
			}
			return fmt.Sprintf("%s %s at %.2f leaves %.2fR of room", kind, l.name, l.px, room/risk)
		}
	}
	return ""
}
