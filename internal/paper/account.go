// Package paper simulates a broker account for paper trading.
package paper

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"equitybot-go/internal/execution"
)

var (
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrPositionLimit    = errors.New("position limit exceeded")
)

type positionState struct {
	Qty     int64 // negative when short
	AvgCost decimal.Decimal
}

// Account tracks virtual cash, realized PnL, and per-symbol positions while trading in paper mode.
// Intraday shorts are allowed and must be backed by free cash as margin.
type Account struct {
	mu                   sync.Mutex
	startingCash         decimal.Decimal
	cash                 decimal.Decimal
	blocked              decimal.Decimal // margin held against open shorts
	realizedPnL          decimal.Decimal
	maxPositionPerSymbol int64
	positions            map[string]positionState
}

// PositionSnapshot exposes a read-only view of a single symbol position.
type PositionSnapshot struct {
	Qty         int64           `json:"qty"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	MarketValue decimal.Decimal `json:"market_value"`
	Unrealized  decimal.Decimal `json:"unrealized"`
}

// Snapshot represents a thread-safe view of the account state, optionally marked to market using provided prices.
type Snapshot struct {
	Cash        decimal.Decimal             `json:"cash"`
	RealizedPnL decimal.Decimal             `json:"realized_pnl"`
	Equity      decimal.Decimal             `json:"equity"`
	Positions   map[string]PositionSnapshot `json:"positions"`
}

// NewAccount constructs an account populated with starting cash and optional position cap.
func NewAccount(startingCash float64, maxPositionPerSymbol int64) *Account {
	cash := decimal.NewFromFloat(startingCash)
	return &Account{
		startingCash:         cash,
		cash:                 cash,
		maxPositionPerSymbol: maxPositionPerSymbol,
		positions:            make(map[string]positionState),
	}
}

// StartingCash returns the initial bankroll used to compute drawdown.
func (a *Account) StartingCash() decimal.Decimal { return a.startingCash }

// MarketFill executes a market order at price, closing any opposite
// position first, and returns the P&L realized by this fill.
func (a *Account) MarketFill(symbol string, side execution.Side, qty int64, price float64) (decimal.Decimal, error) {
	if qty <= 0 {
		return decimal.Zero, errors.New("quantity must be positive")
	}
	if price <= 0 {
		return decimal.Zero, errors.New("price must be positive")
	}
	var signed int64
	switch side {
	case execution.Buy:
		signed = qty
	case execution.Sell:
		signed = -qty
	default:
		return decimal.Zero, errors.New("unknown order side")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	px := decimal.NewFromFloat(price)
	state := a.positions[symbol]

	// portion of the fill that reduces the existing position
	closing := int64(0)
	if state.Qty != 0 && (state.Qty > 0) != (signed > 0) {
		closing = min(abs(state.Qty), qty)
	}
	opening := qty - closing

	newQty := state.Qty + signed
	if a.maxPositionPerSymbol > 0 && abs(newQty) > a.maxPositionPerSymbol {
		return decimal.Zero, fmt.Errorf("%w: %s %d > %d", ErrPositionLimit, symbol, abs(newQty), a.maxPositionPerSymbol)
	}
	openNotional := px.Mul(decimal.NewFromInt(opening))
	if opening > 0 && openNotional.GreaterThan(a.free()) {
		return decimal.Zero, fmt.Errorf("%w: need %s, free %s", ErrInsufficientCash, openNotional.StringFixed(2), a.free().StringFixed(2))
	}

	realized := decimal.Zero
	if closing > 0 {
		dir := decimal.NewFromInt(sign(state.Qty))
		realized = px.Sub(state.AvgCost).Mul(decimal.NewFromInt(closing)).Mul(dir)
		a.realizedPnL = a.realizedPnL.Add(realized)
		if state.Qty < 0 {
			a.blocked = a.blocked.Sub(state.AvgCost.Mul(decimal.NewFromInt(closing)))
		}
	}

	notional := px.Mul(decimal.NewFromInt(qty))
	if side == execution.Buy {
		a.cash = a.cash.Sub(notional)
	} else {
		a.cash = a.cash.Add(notional)
	}

	switch {
	case newQty == 0:
		delete(a.positions, symbol)
	case closing > 0 && opening == 0:
		a.positions[symbol] = positionState{Qty: newQty, AvgCost: state.AvgCost}
	case closing > 0:
		// flipped through flat: the remainder opens at the fill price
		a.positions[symbol] = positionState{Qty: newQty, AvgCost: px}
		if newQty < 0 {
			a.blocked = a.blocked.Add(openNotional)
		}
	default:
		held := state.AvgCost.Mul(decimal.NewFromInt(abs(state.Qty)))
		avg := held.Add(openNotional).Div(decimal.NewFromInt(abs(newQty)))
		a.positions[symbol] = positionState{Qty: newQty, AvgCost: avg}
		if newQty < 0 {
			a.blocked = a.blocked.Add(openNotional)
		}
	}
	return realized, nil
}

// free is cash not needed to buy back shorts or held as their margin.
func (a *Account) free() decimal.Decimal {
	f := a.cash.Sub(a.blocked)
	for _, p := range a.positions {
		if p.Qty < 0 {
			f = f.Sub(p.AvgCost.Mul(decimal.NewFromInt(-p.Qty)))
		}
	}
	return f
}

// Snapshot returns a copy of balances, optionally marked using the supplied prices map.
func (a *Account) Snapshot(prices map[string]float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make(map[string]PositionSnapshot, len(a.positions))
	equity := a.cash
	for sym, pos := range a.positions {
		mark := prices[sym]
		if mark == 0 {
			mark = pos.AvgCost.InexactFloat64()
		}
		m := decimal.NewFromFloat(mark)
		q := decimal.NewFromInt(pos.Qty)
		marketValue := m.Mul(q)
		positions[sym] = PositionSnapshot{
			Qty:         pos.Qty,
			AvgCost:     pos.AvgCost,
			MarketValue: marketValue,
			Unrealized:  m.Sub(pos.AvgCost).Mul(q),
		}
		equity = equity.Add(marketValue)
	}

	return Snapshot{
		Cash:        a.cash,
		RealizedPnL: a.realizedPnL,
		Equity:      equity,
		Positions:   positions,
	}
}

// AvailableCash reports cash that can back new positions.
func (a *Account) AvailableCash() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free()
}

// Position returns the signed position size for the supplied symbol.
func (a *Account) Position(symbol string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[symbol].Qty
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}
