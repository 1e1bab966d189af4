package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"equitybot-go/internal/execution"
	"equitybot-go/internal/metrics"
	"equitybot-go/internal/signal"
)

// Submitter sends orders to a venue; execution.Executor satisfies it.
type Submitter interface {
	Submit(ctx context.Context, o execution.Order) (execution.Fill, error)
}

// Observer is told about lifecycle transitions, synchronously and without
// the manager lock held.
type Observer interface {
	PositionOpened(p Position)
	PositionClosed(p Position)
	ExitFailed(p Position, err error)
}

// PriceFunc returns the last trade price of symbol and when it printed.
type PriceFunc func(symbol string) (price float64, at time.Time, ok bool)

// Config tunes exit handling.
type Config struct {
	TrailStep    float64       `yaml:"trail_step"`    // fraction of entry per ratchet; 0 disables trailing
	StaleAfter   time.Duration `yaml:"stale_after"`   // a price older than this counts as a monitor failure
	FailureLimit int           `yaml:"failure_limit"` // consecutive failures before a fallback market exit
	Product      execution.Product
	HistoryLimit int `yaml:"history_limit"`
}

func (c Config) withDefaults() Config {
	if c.FailureLimit <= 0 {
		c.FailureLimit = 120
	}
	if c.Product == "" {
		c.Product = execution.Intraday
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	return c
}

// Option customizes a Manager.
type Option func(*Manager)

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option { return func(m *Manager) { m.observers = append(m.observers, o) } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager is the single writer of position state. At most one live position
// exists per symbol; broker calls are made without the lock held.
type Manager struct {
	cfg       Config
	exec      Submitter
	log       zerolog.Logger
	observers []Observer
	now       func() time.Time

	mu       sync.Mutex
	live     map[string]*Position
	history  []Position
	inflight sync.WaitGroup
}

// NewManager builds a manager that places orders through exec.
func NewManager(cfg Config, exec Submitter, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:  cfg.withDefaults(),
		exec: exec,
		log:  log.With().Str("component", "positions").Logger(),
		now:  time.Now,
		live: make(map[string]*Position),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open places the entry order for an approved signal and returns the filled
// position. A failed entry leaves no trace in the live table and returns a
// zero Position. A fill that lands outside the stop/target band is exited at
// once; the position is returned with an error wrapping ErrInvariant, so a
// non-empty ID always means shares were bought or sold.
func (m *Manager) Open(ctx context.Context, sig signal.Signal, qty int64, riskAmount float64) (Position, error) {
	if err := checkLevels(sig.Direction, qty, sig.Entry, sig.Stop, sig.Target); err != nil {
		m.log.Error().Err(err).Str("sym", sig.Symbol).Str("strategy", sig.Strategy).Msg("entry refused")
		return Position{}, fmt.Errorf("open %s: %w", sig.Symbol, err)
	}

	m.mu.Lock()
	if cur, ok := m.live[sig.Symbol]; ok {
		m.mu.Unlock()
		err := fmt.Errorf("%w: %s already %s", ErrDuplicatePosition, sig.Symbol, cur.State)
		m.log.Error().Err(err).Str("sym", sig.Symbol).Msg("entry refused")
		return Position{}, err
	}
	p := &Position{
		ID:          uuid.NewString(),
		Symbol:      sig.Symbol,
		Strategy:    sig.Strategy,
		Direction:   sig.Direction,
		Qty:         qty,
		Entry:       sig.Entry,
		InitialStop: sig.Stop,
		Stop:        sig.Stop,
		Target:      sig.Target,
		RiskAmount:  riskAmount,
		Rationale:   sig.Rationale,
		State:       PendingEntry,
		CreatedAt:   m.now(),
		EntryOrder:  uuid.NewString(),
		Signal:      sig,
	}
	m.live[sig.Symbol] = p
	m.inflight.Add(1)
	order := execution.Order{
		ID:      p.EntryOrder,
		Symbol:  p.Symbol,
		Side:    execution.EntrySide(p.Direction),
		Qty:     p.Qty,
		Type:    execution.Market,
		Product: m.cfg.Product,
		Price:   sig.Entry,
		Reason:  "entry " + sig.Strategy,
	}
	m.mu.Unlock()
	defer m.inflight.Done()

	fill, err := m.exec.Submit(ctx, order)

	m.mu.Lock()
	if err != nil {
		delete(m.live, p.Symbol)
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("sym", p.Symbol).Msg("entry failed")
		return Position{}, fmt.Errorf("open %s: %w", p.Symbol, err)
	}
	if fill.Price > 0 {
		p.Entry = fill.Price
	}
	if fill.Qty > 0 {
		p.Qty = fill.Qty
	}
	p.OpenedAt = fill.Ts
	if p.OpenedAt.IsZero() {
		p.OpenedAt = m.now()
	}
	p.State = Open
	p.Best = p.Entry
	p.LastPrice = p.Entry
	broken := checkLevels(p.Direction, p.Qty, p.Entry, p.Stop, p.Target)
	if broken != nil {
		p.State = ExitManual
		p.ExitReason = ExitManual
		p.ExitNote = fmt.Sprintf("entry filled at %.2f outside stop %.2f / target %.2f", p.Entry, p.Stop, p.Target)
	}
	out := *p
	m.gaugeLocked()
	m.mu.Unlock()

	m.log.Info().Str("sym", out.Symbol).Str("dir", out.Direction.String()).Int64("qty", out.Qty).
		Float64("px", out.Entry).Float64("stop", out.Stop).Float64("target", out.Target).Msg("position opened")
	for _, o := range m.observers {
		o.PositionOpened(out)
	}
	if broken != nil {
		m.log.Error().Err(broken).Str("sym", out.Symbol).Msg("fill broke position levels, exiting")
		if ex, _ := m.exit(ctx, out.Symbol, out.Entry); ex.ID != "" {
			out = ex
		}
		return out, fmt.Errorf("open %s: %w", out.Symbol, broken)
	}
	return out, nil
}

// OnPrice applies a trade print to the symbol's open position: trailing,
// then stop and target checks. A triggered exit is placed before returning.
func (m *Manager) OnPrice(ctx context.Context, symbol string, price float64, at time.Time) (Position, bool) {
	if price <= 0 {
		return Position{}, false
	}
	m.mu.Lock()
	p, ok := m.live[symbol]
	if !ok || p.State != Open {
		m.mu.Unlock()
		return Position{}, false
	}
	p.LastPrice = price
	if (price-p.Best)*p.Direction.Sign() > 0 {
		p.Best = price
	}
	if m.cfg.TrailStep > 0 && p.trail(price, m.cfg.TrailStep) {
		m.log.Debug().Str("sym", symbol).Float64("stop", p.Stop).Float64("px", price).Msg("stop trailed")
	}
	st, hit := p.trigger(price)
	if !hit {
		out := *p
		m.mu.Unlock()
		return out, false
	}
	p.State = st
	p.ExitReason = st
	switch st {
	case ExitTarget:
		p.ExitNote = fmt.Sprintf("target %.2f reached at %.2f", p.Target, price)
	default:
		p.ExitNote = fmt.Sprintf("stop %.2f hit at %.2f", p.Stop, price)
	}
	m.mu.Unlock()

	m.log.Info().Str("sym", symbol).Str("state", string(st)).Float64("px", price).Time("at", at).Msg("exit triggered")
	out, _ := m.exit(ctx, symbol, price)
	return out, true
}

// Monitor sweeps every live position once: retries failed exits, applies the
// latest price, and falls back to a market exit for positions that could not
// be priced for FailureLimit consecutive sweeps.
func (m *Manager) Monitor(ctx context.Context, prices PriceFunc) {
	now := m.now()
	for _, sym := range m.liveSymbols() {
		px, at, ok := prices(sym)

		m.mu.Lock()
		p, live := m.live[sym]
		if !live {
			m.mu.Unlock()
			continue
		}
		if p.State.Exiting() {
			retry := !p.exitInFlight
			ref := p.LastPrice
			m.mu.Unlock()
			if retry {
				_, _ = m.exit(ctx, sym, ref)
			}
			continue
		}
		if p.State != Open {
			m.mu.Unlock()
			continue
		}
		fresh := ok && (m.cfg.StaleAfter <= 0 || now.Sub(at) <= m.cfg.StaleAfter)
		if fresh {
			p.monitorFailures = 0
		} else {
			p.monitorFailures++
		}
		if p.monitorFailures >= m.cfg.FailureLimit {
			p.State = ExitManual
			p.ExitReason = ExitManual
			p.ExitNote = fmt.Sprintf("monitor fallback: no fresh price for %d sweeps", p.monitorFailures)
			ref := p.LastPrice
			m.mu.Unlock()
			m.log.Error().Str("sym", sym).Int("failures", m.cfg.FailureLimit).Msg("position unmonitored, forcing exit")
			_, _ = m.exit(ctx, sym, ref)
			continue
		}
		m.mu.Unlock()

		if ok {
			m.OnPrice(ctx, sym, px, at)
		}
	}
}

// CloseAll moves every OPEN position to the given exit state and places the
// exits. Positions already exiting are left to their pending exit, so
// repeated calls never double an exit. It returns how many positions it
// started closing.
func (m *Manager) CloseAll(ctx context.Context, reason State, note string) int {
	if !reason.Exiting() {
		reason = ExitManual
	}
	var targets []string
	refs := map[string]float64{}
	m.mu.Lock()
	for sym, p := range m.live {
		if p.State != Open {
			continue
		}
		p.State = reason
		p.ExitReason = reason
		p.ExitNote = note
		targets = append(targets, sym)
		refs[sym] = p.LastPrice
	}
	m.mu.Unlock()
	sort.Strings(targets)

	if len(targets) > 0 {
		m.log.Warn().Str("state", string(reason)).Int("positions", len(targets)).Str("reason", note).Msg("closing all positions")
	}
	for _, sym := range targets {
		_, _ = m.exit(ctx, sym, refs[sym])
	}
	return len(targets)
}

// Close manually exits one symbol's open position.
func (m *Manager) Close(ctx context.Context, symbol, note string) (Position, error) {
	m.mu.Lock()
	p, ok := m.live[symbol]
	if !ok || p.State != Open {
		m.mu.Unlock()
		return Position{}, fmt.Errorf("%w: no open position for %s", ErrNotFound, symbol)
	}
	p.State = ExitManual
	p.ExitReason = ExitManual
	p.ExitNote = note
	ref := p.LastPrice
	m.mu.Unlock()
	return m.exit(ctx, symbol, ref)
}

// exit places the closing order for a position already in an EXIT_* state.
// The exit order ID is kept across attempts unless the venue refused it.
func (m *Manager) exit(ctx context.Context, symbol string, ref float64) (Position, error) {
	m.mu.Lock()
	p, ok := m.live[symbol]
	if !ok || !p.State.Exiting() || p.exitInFlight {
		m.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s not awaiting exit", ErrNotFound, symbol)
	}
	p.exitInFlight = true
	p.exitAttempts++
	if p.ExitOrder == "" {
		p.ExitOrder = uuid.NewString()
	}
	order := execution.Order{
		ID:      p.ExitOrder,
		Symbol:  p.Symbol,
		Side:    execution.ExitSide(p.Direction),
		Qty:     p.Qty,
		Type:    execution.Market,
		Product: m.cfg.Product,
		Price:   ref,
		Reason:  string(p.State),
	}
	m.mu.Unlock()

	fill, err := m.exec.Submit(ctx, order)

	m.mu.Lock()
	p.exitInFlight = false
	if err != nil {
		if !errors.Is(err, execution.ErrTransient) && !errors.Is(err, context.DeadlineExceeded) {
			p.ExitOrder = ""
		}
		out := *p
		m.mu.Unlock()
		m.log.Error().Err(err).Str("sym", symbol).Str("state", string(out.State)).Int("attempt", out.exitAttempts).Msg("exit failed, will retry")
		for _, o := range m.observers {
			o.ExitFailed(out, err)
		}
		return out, err
	}
	price := fill.Price
	if price <= 0 {
		price = ref
	}
	p.ExitPrice = price
	p.PnL = p.Unrealized(price)
	p.ClosedAt = fill.Ts
	if p.ClosedAt.IsZero() {
		p.ClosedAt = m.now()
	}
	p.State = Closed
	delete(m.live, symbol)
	out := *p
	m.history = append(m.history, out)
	if over := len(m.history) - m.cfg.HistoryLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.gaugeLocked()
	m.mu.Unlock()

	metrics.ExitsTotal.WithLabelValues(string(out.ExitReason)).Inc()
	m.log.Info().Str("sym", symbol).Str("reason", string(out.ExitReason)).Float64("px", price).Float64("pnl", out.PnL).Msg("position closed")
	for _, o := range m.observers {
		o.PositionClosed(out)
	}
	return out, nil
}

func (m *Manager) gaugeLocked() {
	open := 0
	for _, p := range m.live {
		if p.State != PendingEntry {
			open++
		}
	}
	metrics.OpenPositions.Set(float64(open))
}

func (m *Manager) liveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.live))
	for sym := range m.live {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Get returns the live position for symbol.
func (m *Manager) Get(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.live[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Has reports whether symbol has a live position (pending, open or exiting).
func (m *Manager) Has(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[symbol]
	return ok
}

// Positions returns copies of live positions ordered by symbol.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	out := make([]Position, 0, len(m.live))
	for _, p := range m.live {
		out = append(out, *p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// History returns closed positions, oldest first.
func (m *Manager) History() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.history))
	copy(out, m.history)
	return out
}

// Count returns the number of live positions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Wait blocks until no entry order is in flight, so no position is left in
// PENDING_ENTRY when the engine stops.
func (m *Manager) Wait() { m.inflight.Wait() }
