// Package position owns open positions and drives their exit state machine:
// PENDING_ENTRY → OPEN → EXIT_{TARGET,STOP,TRAIL,EOD,MANUAL} → CLOSED.
package position

import (
	"errors"
	"fmt"
	"math"
	"time"

	"equitybot-go/internal/signal"
)

// State is a stage of the position lifecycle.
type State string

const (
	PendingEntry State = "PENDING_ENTRY"
	Open         State = "OPEN"
	ExitTarget   State = "EXIT_TARGET"
	ExitStop     State = "EXIT_STOP"
	ExitTrail    State = "EXIT_TRAIL"
	ExitEOD      State = "EXIT_EOD"
	ExitManual   State = "EXIT_MANUAL"
	Closed       State = "CLOSED"
)

// Exiting reports whether s is one of the EXIT_* states.
func (s State) Exiting() bool {
	switch s {
	case ExitTarget, ExitStop, ExitTrail, ExitEOD, ExitManual:
		return true
	}
	return false
}

var (
	// ErrDuplicatePosition rejects a second live position on a symbol.
	ErrDuplicatePosition = errors.New("duplicate position")
	// ErrInvariant marks levels or sizes that can never be valid.
	ErrInvariant = errors.New("position invariant violated")
	// ErrNotFound is returned when no live position exists for a symbol.
	ErrNotFound = errors.New("position not found")
)

// Position is one trade from entry order to exit fill. Values handed out by
// the Manager are copies.
type Position struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Strategy    string           `json:"strategy"`
	Direction   signal.Direction `json:"direction"`
	Qty         int64            `json:"qty"`
	Entry       float64          `json:"entry"`
	InitialStop float64          `json:"initial_stop"`
	Stop        float64          `json:"stop"`
	Target      float64          `json:"target"`
	RiskAmount  float64          `json:"risk_amount"`
	Rationale   string           `json:"rationale"`
	State       State            `json:"state"`
	ExitReason  State            `json:"exit_reason,omitempty"`
	ExitNote    string           `json:"exit_note,omitempty"`
	ExitPrice   float64          `json:"exit_price,omitempty"`
	PnL         float64          `json:"pnl"`
	Best        float64          `json:"best"` // most favourable price seen while open
	LastPrice   float64          `json:"last_price"`
	CreatedAt   time.Time        `json:"created_at"`
	OpenedAt    time.Time        `json:"opened_at"`
	ClosedAt    time.Time        `json:"closed_at,omitempty"`
	EntryOrder  string           `json:"entry_order"`
	ExitOrder   string           `json:"exit_order,omitempty"`
	Signal      signal.Signal    `json:"-"`

	exitInFlight    bool
	exitAttempts    int
	monitorFailures int
}

// Live reports whether the position still holds or is acquiring shares.
func (p Position) Live() bool { return p.State != Closed }

// Unrealized is the open P&L at price.
func (p Position) Unrealized(price float64) float64 {
	return (price - p.Entry) * float64(p.Qty) * p.Direction.Sign()
}

// OpenRisk is the loss if the current stop fills, floored at zero.
func (p Position) OpenRisk() float64 {
	return math.Max(0, (p.Entry-p.Stop)*p.Direction.Sign()*float64(p.Qty))
}

// checkLevels enforces qty > 0 and stop/entry/target ordering for the direction.
func checkLevels(dir signal.Direction, qty int64, entry, stop, target float64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvariant, qty)
	}
	switch dir {
	case signal.Long:
		if !(stop < entry && entry < target) {
			return fmt.Errorf("%w: long requires stop < entry < target (%.2f/%.2f/%.2f)", ErrInvariant, stop, entry, target)
		}
	case signal.Short:
		if !(stop > entry && entry > target) {
			return fmt.Errorf("%w: short requires stop > entry > target (%.2f/%.2f/%.2f)", ErrInvariant, stop, entry, target)
		}
	default:
		return fmt.Errorf("%w: direction %v", ErrInvariant, dir)
	}
	return nil
}

// trail ratchets the stop one step for every full step of favourable move
// from entry. It returns true if the stop moved.
func (p *Position) trail(price, step float64) bool {
	if step <= 0 || p.Entry <= 0 {
		return false
	}
	gain := (price - p.Entry) * p.Direction.Sign() / p.Entry
	if gain < step {
		return false
	}
	steps := math.Floor(gain/step + 1e-9)
	candidate := p.InitialStop + p.Direction.Sign()*steps*step*p.Entry
	if (candidate-p.Stop)*p.Direction.Sign() <= 0 {
		return false
	}
	p.Stop = candidate
	return true
}

// trigger returns the exit state price implies, if any.
func (p *Position) trigger(price float64) (State, bool) {
	s := p.Direction.Sign()
	switch {
	case (price-p.Stop)*s <= 0:
		if (p.Stop-p.InitialStop)*s > 0 {
			return ExitTrail, true
		}
		return ExitStop, true
	case (price-p.Target)*s >= 0:
		return ExitTarget, true
	}
	return "", false
}
