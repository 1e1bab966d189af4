package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equitybot-go/internal/execution"
	"equitybot-go/internal/paper"
)

// PriceFunc returns the last traded price for a symbol.
type PriceFunc func(symbol string) (float64, bool)

// PaperOption customizes a Paper broker.
type PaperOption func(*Paper)

// WithSlippageBps moves fills against the order side by bps basis points.
func WithSlippageBps(bps float64) PaperOption {
	return func(p *Paper) {
		if bps > 0 {
			p.slippageBps = bps
		}
	}
}

// WithLatency delays each fill, honouring context cancellation.
func WithLatency(d time.Duration) PaperOption {
	return func(p *Paper) { p.latency = d }
}

// WithPrices supplies marks for market orders that carry no reference price.
func WithPrices(fn PriceFunc) PaperOption {
	return func(p *Paper) { p.prices = fn }
}

// WithClock overrides the fill timestamp source.
func WithClock(now func() time.Time) PaperOption {
	return func(p *Paper) { p.now = now }
}

// Paper fills orders immediately against a simulated account.
type Paper struct {
	account     *paper.Account
	log         zerolog.Logger
	slippageBps float64
	latency     time.Duration
	prices      PriceFunc
	now         func() time.Time

	mu    sync.Mutex
	seq   int
	fills map[string]execution.Fill // by client order ID
}

// NewPaper wraps account as an order venue.
func NewPaper(account *paper.Account, log zerolog.Logger, opts ...PaperOption) *Paper {
	p := &Paper{
		account: account,
		log:     log.With().Str("component", "paper_broker").Logger(),
		now:     time.Now,
		fills:   make(map[string]execution.Fill),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Account exposes the simulated account for reporting.
func (p *Paper) Account() *paper.Account { return p.account }

// PlaceOrder fills the order at its reference price plus slippage. Replaying
// an order ID returns the original fill.
func (p *Paper) PlaceOrder(ctx context.Context, o execution.Order) (execution.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.fills[o.ID]; ok && o.ID != "" {
		p.log.Debug().Str("order_id", o.ID).Msg("duplicate order id, returning original fill")
		return f, nil
	}
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return execution.Fill{}, ctx.Err()
		case <-timer.C:
		}
	}

	ref := o.Price
	if ref <= 0 && p.prices != nil {
		ref, _ = p.prices(o.Symbol)
	}
	if ref <= 0 {
		return execution.Fill{}, fmt.Errorf("%w: no price for %s", ErrRejected, o.Symbol)
	}
	price := p.slip(ref, o.Side)
	if _, err := p.account.MarketFill(o.Symbol, o.Side, o.Qty, price); err != nil {
		if errors.Is(err, paper.ErrInsufficientCash) || errors.Is(err, paper.ErrPositionLimit) {
			return execution.Fill{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return execution.Fill{}, fmt.Errorf("%w: %v", execution.ErrInvalidOrder, err)
	}

	p.seq++
	fill := execution.Fill{
		OrderID:  o.ID,
		BrokerID: fmt.Sprintf("paper-%d", p.seq),
		Symbol:   o.Symbol,
		Side:     o.Side,
		Qty:      o.Qty,
		Price:    price,
		Ts:       p.now().UTC(),
	}
	if o.ID != "" {
		p.fills[o.ID] = fill
	}
	return fill, nil
}

func (p *Paper) slip(price float64, side execution.Side) float64 {
	if p.slippageBps <= 0 {
		return price
	}
	adj := price * p.slippageBps / 10_000
	if side == execution.Buy {
		return price + adj
	}
	return price - adj
}

// AvailableMargin reports free cash in the simulated account.
func (p *Paper) AvailableMargin(context.Context) (float64, error) {
	return p.account.AvailableCash().InexactFloat64(), nil
}
