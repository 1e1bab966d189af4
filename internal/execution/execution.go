// Package execution handles order lifecycle and interaction with venues.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"equitybot-go/internal/metrics"
	"equitybot-go/internal/retry"
	"equitybot-go/internal/signal"
)

// Side enumerates order directions used by the executor.
type Side string

const (
	// Buy indicates a long order.
	Buy Side = "BUY"
	// Sell indicates a short order.
	Sell Side = "SELL"
)

// EntrySide is the side that opens a position in dir.
func EntrySide(dir signal.Direction) Side {
	if dir == signal.Short {
		return Sell
	}
	return Buy
}

// ExitSide is the side that closes a position in dir.
func ExitSide(dir signal.Direction) Side {
	if dir == signal.Short {
		return Buy
	}
	return Sell
}

// OrderType is how the venue should price the order.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Product is the broker margin product.
type Product string

const (
	// Intraday positions are squared off by the broker at session end.
	Intraday Product = "MIS"
	Delivery Product = "CNC"
)

// Order represents a placement request the executor can process.
type Order struct {
	ID      string // client tag; stable across retries
	Symbol  string
	Side    Side
	Qty     int64
	Type    OrderType
	Product Product
	Price   float64 // limit price, or the reference price for market orders
	Reason  string
}

// Fill is a venue's confirmation of an executed order.
type Fill struct {
	OrderID  string    `json:"order_id"`
	BrokerID string    `json:"broker_id,omitempty"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Qty      int64     `json:"qty"`
	Price    float64   `json:"price"`
	Ts       time.Time `json:"ts"`
}

var (
	// ErrLiveDisabled is returned once an authentication failure has switched live placement off.
	ErrLiveDisabled = errors.New("live order placement disabled")
	// ErrAuth marks invalid or expired broker credentials.
	ErrAuth = errors.New("broker authentication failed")
	// ErrTransient marks failures worth retrying (timeouts, rate limits, 5xx).
	ErrTransient = errors.New("transient venue error")
	// ErrRejected marks an order the venue refused.
	ErrRejected = errors.New("order rejected")
	// ErrInvalidOrder marks an order that must never reach a venue.
	ErrInvalidOrder = errors.New("invalid order")
)

// Venue places orders. Implementations must treat Order.ID as an idempotency key.
type Venue interface {
	PlaceOrder(ctx context.Context, o Order) (Fill, error)
}

// FillRecorder captures fills for later inspection.
type FillRecorder interface {
	Record(Fill)
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRetry sets the retry policy for transient venue errors.
func WithRetry(p retry.Policy) Option { return func(e *Executor) { e.policy = p } }

// WithTimeout bounds each placement attempt.
func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// WithRecorder records every fill.
func WithRecorder(r FillRecorder) Option { return func(e *Executor) { e.recorders = append(e.recorders, r) } }

// Executor submits orders to a venue with bounded retries.
type Executor struct {
	venue     Venue
	log       zerolog.Logger
	policy    retry.Policy
	timeout   time.Duration
	recorders []FillRecorder
	disabled  atomic.Bool
	reason    atomic.Value
}

// NewExecutor wraps a venue.
func NewExecutor(venue Venue, log zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{venue: venue, log: log, policy: retry.Default, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Disabled reports whether placement has been switched off and why.
func (e *Executor) Disabled() (bool, string) {
	if !e.disabled.Load() {
		return false, ""
	}
	reason, _ := e.reason.Load().(string)
	return true, reason
}

// Disable stops further placement, e.g. after an auth failure.
func (e *Executor) Disable(reason string) {
	e.reason.Store(reason)
	if !e.disabled.Swap(true) {
		e.log.Error().Str("reason", reason).Msg("order placement disabled")
	}
}

// Submit places the order, retrying transient failures. An auth failure
// disables the executor for the rest of the run.
func (e *Executor) Submit(ctx context.Context, order Order) (Fill, error) {
	if off, reason := e.Disabled(); off {
		return Fill{}, fmt.Errorf("%w: %s", ErrLiveDisabled, reason)
	}
	if order.Qty <= 0 || order.Symbol == "" || (order.Side != Buy && order.Side != Sell) {
		return Fill{}, fmt.Errorf("%w: %s %s qty=%d", ErrInvalidOrder, order.Symbol, order.Side, order.Qty)
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Type == "" {
		order.Type = Market
	}
	if order.Product == "" {
		order.Product = Intraday
	}
	metrics.OrdersTotal.WithLabelValues(order.Symbol, string(order.Side)).Inc()
	log := e.log.With().Str("sym", order.Symbol).Str("side", string(order.Side)).Int64("qty", order.Qty).Str("order_id", order.ID).Logger()

	var fill Fill
	attempt := 0
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		f, err := e.venue.PlaceOrder(cctx, order)
		switch {
		case err == nil:
			fill = f
			return nil
		case errors.Is(err, ErrAuth):
			e.Disable(err.Error())
			return retry.Permanent(err)
		case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
			log.Warn().Err(err).Int("attempt", attempt).Msg("order attempt failed")
			return err
		default:
			return retry.Permanent(err)
		}
	})
	if err != nil {
		metrics.OrderFailuresTotal.WithLabelValues(order.Symbol).Inc()
		log.Error().Err(err).Msg("order failed")
		return Fill{}, fmt.Errorf("place %s %s: %w", order.Side, order.Symbol, err)
	}
	if fill.OrderID == "" {
		fill.OrderID = order.ID
	}
	for _, r := range e.recorders {
		r.Record(fill)
	}
	log.Info().Float64("px", fill.Price).Str("broker_id", fill.BrokerID).Str("reason", order.Reason).Msg("order filled")
	return fill, nil
}
