package risk

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrNonPositiveRisk = errors.New("per-share risk must be positive")
	ErrZeroQuantity    = errors.New("computed quantity is zero")
)

type Limits struct {
	MaxNotionalPerTrade float64
}

func (l Limits) Allow(notional float64) bool {
	return l.MaxNotionalPerTrade <= 0 || notional <= l.MaxNotionalPerTrade
}

// Sizer converts a stop distance into a share quantity.
type Sizer struct {
	RiskFraction float64
	MaxQuantity  int64
	Limits       Limits
}

// Sizing is the result of a sizing decision.
type Sizing struct {
	Quantity     int64
	RiskAmount   float64
	PerShareRisk float64
	Entry        float64
	Capped       bool
}

// OpenRisk is the loss if the stop is hit.
func (s Sizing) OpenRisk() float64 { return float64(s.Quantity) * s.PerShareRisk }

// Notional is quantity times entry.
func (s Sizing) Notional() float64 { return float64(s.Quantity) * s.Entry }

// Size computes floor(portfolio*fraction / |entry-stop|), capped by
// MaxQuantity and the per-trade notional limit. It never rounds up to a
// minimum lot.
func (z Sizer) Size(portfolio, entry, stop float64) (Sizing, error) {
	perShare := math.Abs(entry - stop)
	if !(perShare > 0) || math.IsInf(perShare, 0) {
		return Sizing{}, fmt.Errorf("%w: entry %.2f stop %.2f", ErrNonPositiveRisk, entry, stop)
	}
	out := Sizing{RiskAmount: portfolio * z.RiskFraction, PerShareRisk: perShare, Entry: entry}
	qty := math.Floor(out.RiskAmount / perShare)
	if z.MaxQuantity > 0 && qty > float64(z.MaxQuantity) {
		qty = float64(z.MaxQuantity)
		out.Capped = true
	}
	if !z.Limits.Allow(qty*entry) && entry > 0 {
		qty = math.Floor(z.Limits.MaxNotionalPerTrade / entry)
		out.Capped = true
	}
	if qty < 1 {
		return Sizing{}, fmt.Errorf("%w: risk %.2f over %.2f per share", ErrZeroQuantity, out.RiskAmount, perShare)
	}
	out.Quantity = int64(qty)
	return out, nil
}

// Fit shrinks the sizing so its open risk stays within headroom.
func (s Sizing) Fit(headroom float64) (Sizing, error) {
	if s.OpenRisk() <= headroom {
		return s, nil
	}
	qty := math.Floor(headroom / s.PerShareRisk)
	if qty < 1 {
		return Sizing{}, fmt.Errorf("%w: heat headroom %.2f below one share of risk %.2f", ErrHeatExceeded, headroom, s.PerShareRisk)
	}
	s.Quantity = int64(qty)
	s.Capped = true
	return s, nil
}
