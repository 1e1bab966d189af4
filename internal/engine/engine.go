// Package engine drives the trading pipeline: ticks are folded into candles
// and indicators on the ingest path, a slow loop scans symbols for entries,
// and a fast loop monitors open positions for exits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equitybot-go/internal/activity"
	"equitybot-go/internal/candle"
	"equitybot-go/internal/exchange"
	"equitybot-go/internal/execution"
	"equitybot-go/internal/indicator"
	"equitybot-go/internal/journal"
	"equitybot-go/internal/metrics"
	"equitybot-go/internal/position"
	"equitybot-go/internal/risk"
	"equitybot-go/internal/session"
	"equitybot-go/internal/signal"
	"equitybot-go/internal/store"
	"equitybot-go/internal/strategy"
	"equitybot-go/internal/validate"
)

// TickSource streams ticks until ctx ends; exchange.Feed satisfies it.
type TickSource interface {
	Run(ctx context.Context, out chan<- signal.Tick) error
}

// Settings are the scalar knobs of the engine loops.
type Settings struct {
	Symbols         []string
	Benchmark       string
	BarWidth        time.Duration
	Higher          []time.Duration
	GapPolicy       candle.GapPolicy
	CandleCapacity  int
	HistoryDays     int
	MinCandles      int
	ScanInterval    time.Duration
	MonitorInterval time.Duration
	EODCutoff       session.Clock
	TopK            int
	StaleAfter      time.Duration
	OrderTimeout    time.Duration
	CloseOnShutdown bool
	Mode            string
}

func (s Settings) withDefaults() Settings {
	if s.BarWidth <= 0 {
		s.BarWidth = time.Minute
	}
	if s.CandleCapacity <= 0 {
		s.CandleCapacity = 1500
	}
	if s.MinCandles <= 0 {
		s.MinCandles = 50
	}
	if s.ScanInterval <= 0 {
		s.ScanInterval = 5 * time.Second
	}
	if s.MonitorInterval <= 0 {
		s.MonitorInterval = 500 * time.Millisecond
	}
	if s.TopK <= 0 {
		s.TopK = 3
	}
	if s.OrderTimeout <= 0 {
		s.OrderTimeout = 15 * time.Second
	}
	if s.Mode == "" {
		s.Mode = "paper"
	}
	return s
}

// Components are the collaborators the engine coordinates. Feed, Margin,
// History, Journal and Bus are optional.
type Components struct {
	Calendar   *session.Calendar
	Strategy   strategy.Strategy
	Indicators indicator.Params
	Validator  *validate.Validator
	Sizer      risk.Sizer
	Risk       *risk.State
	Executor   *execution.Executor
	Positions  position.Config
	Margin     *validate.MarginCache
	Feed       TickSource
	History    exchange.HistorySource
	Journal    journal.Recorder
	Bus        *activity.Bus
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithMarketClock makes the newest tick timestamp the engine's notion of now,
// so recorded sessions replay with their own timing.
func WithMarketClock() Option { return func(e *Engine) { e.now = e.tickClock } }

// WithScheduler runs session-open and end-of-day jobs on a cron scheduler.
func WithScheduler(s *session.Scheduler) Option { return func(e *Engine) { e.sched = s } }

// WithCloser registers a resource released by Close.
func WithCloser(c io.Closer) Option { return func(e *Engine) { e.closers = append(e.closers, c) } }

// Engine owns the per-run state shared by the ingest, scan and monitor loops.
type Engine struct {
	set        Settings
	log        zerolog.Logger
	now        func() time.Time
	minCandles int
	wantsRange bool

	cal       *session.Calendar
	agg       *candle.Aggregator
	store     *store.Store
	ind       map[time.Duration]*indicator.Engine
	ranges    *session.RangeTracker
	strat     strategy.Strategy
	validator *validate.Validator
	margin    *validate.MarginCache
	sizer     risk.Sizer
	risk      *risk.State
	exec      *execution.Executor
	positions *position.Manager
	bus       *activity.Bus
	journal   journal.Recorder
	feed      TickSource
	history   exchange.HistorySource
	sched     *session.Scheduler
	closers   []io.Closer
	startedAt time.Time

	mu        sync.Mutex
	seen      map[string]struct{}
	sessionID string
	lastTick  time.Time
	blocked   bool
}

type ranged interface{ RangeWindow() time.Duration }

type multiFrame interface{ Timeframes() []time.Duration }

// New wires an engine from already built components.
func New(set Settings, c Components, log zerolog.Logger, opts ...Option) (*Engine, error) {
	if c.Calendar == nil || c.Strategy == nil || c.Risk == nil || c.Executor == nil {
		return nil, errors.New("engine: calendar, strategy, risk state and executor are required")
	}
	if len(set.Symbols) == 0 {
		return nil, errors.New("engine: no symbols")
	}
	set = set.withDefaults()
	if set.EODCutoff <= 0 {
		set.EODCutoff = c.Calendar.CloseClock() - 15
	}
	if c.Validator == nil {
		c.Validator = validate.New(validate.DefaultThresholds())
	}
	if c.Journal == nil {
		c.Journal = journal.NewNoopRecorder()
	}
	if c.Bus == nil {
		c.Bus = activity.NewBus(0, activity.LogSink(log))
	}

	e := &Engine{
		set:       set,
		log:       log.With().Str("component", "engine").Logger(),
		now:       time.Now,
		cal:       c.Calendar,
		strat:     c.Strategy,
		validator: c.Validator,
		margin:    c.Margin,
		sizer:     c.Sizer,
		risk:      c.Risk,
		exec:      c.Executor,
		bus:       c.Bus,
		journal:   c.Journal,
		feed:      c.Feed,
		history:   c.History,
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.minCandles = max(set.MinCandles, c.Strategy.Warmup())
	bucket := func(ts time.Time, w time.Duration) time.Time { return e.cal.Bucket(w)(ts) }
	e.set.Higher = higherWidths(set.BarWidth, set.Higher, c.Strategy)
	e.agg = candle.NewAggregator(set.BarWidth, log,
		candle.WithGapPolicy(set.GapPolicy),
		candle.WithBucketFunc(bucket),
		candle.WithSessionFunc(e.cal.SessionID),
	)
	e.store = store.New(set.CandleCapacity, bucket, e.set.Higher...)

	params := c.Indicators
	params.Session = e.cal.SessionID
	e.ind = map[time.Duration]*indicator.Engine{set.BarWidth: indicator.NewEngine(params, set.CandleCapacity)}
	for _, w := range e.set.Higher {
		e.ind[w] = indicator.NewEngine(params, set.CandleCapacity)
	}

	window := time.Hour
	if r, ok := c.Strategy.(ranged); ok {
		window = r.RangeWindow()
		e.wantsRange = true
	}
	e.ranges = session.NewRangeTracker(e.cal, window)

	e.positions = position.NewManager(c.Positions, e.exec, log,
		position.WithObserver(observer{e}),
		position.WithClock(e.clock),
	)
	return e, nil
}

// higherWidths merges configured and strategy-required timeframes wider than the base bar.
func higherWidths(base time.Duration, configured []time.Duration, s strategy.Strategy) []time.Duration {
	all := append([]time.Duration(nil), configured...)
	if mf, ok := s.(multiFrame); ok {
		all = append(all, mf.Timeframes()...)
	}
	var out []time.Duration
	for _, w := range all {
		if w > base && w%base == 0 && !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	slices.Sort(out)
	return out
}

func (e *Engine) clock() time.Time { return e.now() }

func (e *Engine) tickClock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastTick.IsZero() {
		return time.Now()
	}
	return e.lastTick
}

// HandleTick folds one tick into its symbol's candles and indicators, then
// applies it to the symbol's open position. Aggregation runs under the symbol
// lock so a bar closed here and one flushed by the scan loop are stored in
// bucket order. Exit orders are placed after the lock is released.
func (e *Engine) HandleTick(ctx context.Context, t signal.Tick) error {
	if err := candle.CheckTick(t); err != nil {
		e.log.Warn().Err(err).Msg("dropping tick")
		metrics.TicksDroppedTotal.WithLabelValues("malformed").Inc()
		return err
	}
	err := e.store.With(t.Symbol, func(b *store.Book) error {
		closed, err := e.agg.Ingest(t)
		if err != nil {
			return err
		}
		for _, c := range closed {
			e.addCandle(b, c)
		}
		b.Observe(t)
		return nil
	})
	if err != nil {
		reason := "malformed"
		if errors.Is(err, candle.ErrStaleTick) {
			reason = "out_of_order"
		}
		metrics.TicksDroppedTotal.WithLabelValues(reason).Inc()
		return err
	}
	e.mu.Lock()
	if t.Ts.After(e.lastTick) {
		e.lastTick = t.Ts
	}
	e.mu.Unlock()

	if e.positions.Has(t.Symbol) {
		octx, cancel := e.orderContext(ctx)
		defer cancel()
		e.positions.OnPrice(octx, t.Symbol, t.Price, t.Ts)
	}
	return nil
}

// flush closes bars whose bucket ended by now, for symbols that stopped trading.
func (e *Engine) flush(now time.Time) {
	for _, sym := range e.store.Symbols() {
		_ = e.store.With(sym, func(b *store.Book) error {
			if c, ok := e.agg.FlushSymbol(sym, now); ok {
				e.addCandle(b, c)
			}
			return nil
		})
	}
}

// addCandle must be called with the symbol lock held.
func (e *Engine) addCandle(b *store.Book, c candle.Candle) {
	higher, err := b.AddCandle(c)
	if err != nil {
		e.log.Warn().Err(err).Str("sym", c.Symbol).Msg("candle not stored")
		return
	}
	metrics.CandlesTotal.WithLabelValues(c.Symbol).Inc()
	e.ranges.Observe(c)
	if _, err := e.ind[e.set.BarWidth].Update(c.Symbol, []candle.Candle{c}); err != nil {
		e.log.Warn().Err(err).Str("sym", c.Symbol).Msg("indicator update failed")
	}
	for _, hc := range higher {
		if ind, ok := e.ind[hc.Width]; ok {
			if _, err := ind.Update(hc.Symbol, []candle.Candle{hc}); err != nil {
				e.log.Warn().Err(err).Str("sym", hc.Symbol).Dur("width", hc.Width).Msg("indicator update failed")
			}
		}
	}
}

// LastPrice returns the last traded price of symbol.
func (e *Engine) LastPrice(symbol string) (float64, bool) {
	px, _, ok := e.store.LastPrice(symbol)
	return px, ok
}

// Positions exposes the position manager.
func (e *Engine) Positions() *position.Manager { return e.positions }

// Risk exposes the portfolio risk state.
func (e *Engine) Risk() *risk.State { return e.risk }

// Activity exposes the activity bus.
func (e *Engine) Activity() *activity.Bus { return e.bus }

// Journal exposes the trade journal.
func (e *Engine) Journal() journal.Recorder { return e.journal }

// Store exposes the market state store.
func (e *Engine) Store() *store.Store { return e.store }

// Indicators returns the indicator engine for a timeframe (the base bar when width is 0).
func (e *Engine) Indicators(width time.Duration) *indicator.Engine {
	if width == 0 {
		width = e.set.BarWidth
	}
	return e.ind[width]
}

// MinCandles is the history a symbol needs before it is evaluated.
func (e *Engine) MinCandles() int { return e.minCandles }

// Close releases the journal and any registered resources.
func (e *Engine) Close() error {
	var errs []error
	if err := e.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) notice(msg string, fields map[string]any) {
	e.bus.Emit(activity.Event{Kind: activity.EngineNotice, Time: e.now(), Reason: msg, Fields: fields})
}

func (e *Engine) heat() {
	snap := e.risk.Snapshot()
	if snap.PortfolioValue > 0 {
		metrics.PortfolioHeat.Set(snap.OpenRisk / snap.PortfolioValue)
	}
}

// observer feeds position lifecycle changes into risk, journal and activity.
type observer struct{ e *Engine }

func (o observer) PositionOpened(p position.Position) {
	if err := o.e.journal.RecordEntry(journal.FromPosition(p)); err != nil {
		o.e.log.Warn().Err(err).Str("sym", p.Symbol).Msg("journal entry failed")
	}
	o.e.bus.Emit(activity.Event{
		Kind: activity.PositionOpened, Time: p.OpenedAt, Symbol: p.Symbol, Strategy: p.Strategy,
		Reason: p.Rationale,
		Fields: map[string]any{"id": p.ID, "dir": p.Direction.String(), "qty": p.Qty, "entry": p.Entry, "stop": p.Stop, "target": p.Target},
	})
}

func (o observer) PositionClosed(p position.Position) {
	o.e.risk.Release(p.Symbol, p.PnL)
	o.e.heat()
	if o.e.margin != nil {
		o.e.margin.Invalidate()
	}
	if err := o.e.journal.RecordExit(journal.FromPosition(p)); err != nil {
		o.e.log.Warn().Err(err).Str("sym", p.Symbol).Msg("journal exit failed")
	}
	o.e.bus.Emit(activity.Event{
		Kind: activity.PositionClosed, Time: p.ClosedAt, Symbol: p.Symbol, Strategy: p.Strategy,
		Reason: p.ExitNote,
		Fields: map[string]any{"id": p.ID, "exit_reason": string(p.ExitReason), "exit": p.ExitPrice, "pnl": p.PnL},
	})
}

func (o observer) ExitFailed(p position.Position, err error) {
	o.e.bus.Emit(activity.Event{
		Kind: activity.ExitFailed, Symbol: p.Symbol, Strategy: p.Strategy, Reason: err.Error(),
		Fields: map[string]any{"id": p.ID, "state": string(p.State)},
	})
}
