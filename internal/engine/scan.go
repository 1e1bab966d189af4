package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"equitybot-go/internal/activity"
	"equitybot-go/internal/indicator"
	"equitybot-go/internal/metrics"
	"equitybot-go/internal/position"
	"equitybot-go/internal/risk"
	"equitybot-go/internal/signal"
	"equitybot-go/internal/store"
	"equitybot-go/internal/strategy"
	"equitybot-go/internal/validate"
)

// ScanReport summarizes one strategy cycle.
type ScanReport struct {
	At        time.Time
	Evaluated int
	Skipped   int
	Signals   int
	Rejected  int
	Opened    int
	Idle      string // why no symbol was evaluated, if so
}

type candidate struct {
	sig  signal.Signal
	snap indicator.Snapshot
}

// Scan runs one strategy cycle: every symbol with enough fresh history is
// evaluated, the candidates are ranked and the best are validated, sized and
// entered. Each symbol's state is read under its lock; broker calls are made
// without any market lock held.
func (e *Engine) Scan(ctx context.Context) ScanReport {
	started := time.Now()
	now := e.now()
	e.rollSession(now)
	e.flush(now)

	rep := ScanReport{At: now}
	e.bus.Emit(activity.Event{Kind: activity.ScanStarted, Time: now})
	defer func() {
		metrics.ScanDuration.Observe(time.Since(started).Seconds())
		e.bus.Emit(activity.Event{Kind: activity.ScanFinished, Time: e.now(), Reason: rep.Idle, Fields: map[string]any{
			"evaluated": rep.Evaluated, "skipped": rep.Skipped, "signals": rep.Signals,
			"rejected": rep.Rejected, "opened": rep.Opened,
		}})
	}()

	if off, reason := e.exec.Disabled(); off {
		e.mu.Lock()
		first := !e.blocked
		e.blocked = true
		e.mu.Unlock()
		if first {
			e.notice("order placement disabled, entries suspended", map[string]any{"cause": reason})
		}
		rep.Idle = "orders disabled"
		return rep
	}
	if !e.cal.IsOpen(now) {
		rep.Idle = "market closed"
		return rep
	}
	if e.pastCutoff(now) {
		rep.Idle = "past entry cutoff"
		return rep
	}
	slots := e.risk.Slots()
	if slots == 0 {
		rep.Idle = "no risk slots"
		return rep
	}

	regime := e.regime()
	var cands []signal.Signal
	snaps := make(map[string]indicator.Snapshot)
	for _, sym := range e.set.Symbols {
		if sym == e.set.Benchmark || e.positions.Has(sym) {
			continue
		}
		rep.Evaluated++
		sctx, snap, key, reason := e.context(sym, now, regime)
		if reason != "" {
			e.skip(sym, key, reason)
			rep.Skipped++
			continue
		}
		for _, s := range e.evaluate(sym, sctx) {
			if s.GeneratedAt.IsZero() {
				s.GeneratedAt = now
			}
			if !e.markSeen(s.Key()) {
				continue
			}
			rep.Signals++
			metrics.SignalsTotal.WithLabelValues(s.Strategy).Inc()
			e.bus.Emit(activity.Event{
				Kind: activity.SignalGenerated, Time: now, Symbol: s.Symbol, Strategy: s.Strategy, Reason: s.Rationale,
				Fields: map[string]any{"dir": s.Direction.String(), "entry": s.Entry, "stop": s.Stop, "target": s.Target, "score": s.Score()},
			})
			cands = append(cands, s)
			snaps[s.Key()] = judgedOn(sctx, s, snap)
		}
	}

	for _, s := range strategy.Rank(cands, min(e.set.TopK, slots)) {
		if e.enter(ctx, candidate{sig: s, snap: snaps[s.Key()]}, regime) {
			rep.Opened++
		} else {
			rep.Rejected++
		}
	}
	return rep
}

// context snapshots one symbol for its evaluator. A non-empty reason means
// the symbol is skipped this cycle.
func (e *Engine) context(sym string, now time.Time, regime strategy.Regime) (strategy.Context, indicator.Snapshot, string, string) {
	sctx := strategy.Context{Symbol: sym, Now: now, Regime: regime, Calendar: e.cal}
	var snap indicator.Snapshot
	var key, reason string
	err := e.store.View(sym, func(b *store.Book) error {
		if n := b.Base.Len(); n < e.minCandles {
			key, reason = "insufficient_candles", fmt.Sprintf("insufficient candles: %d of %d", n, e.minCandles)
			return nil
		}
		if age := now.Sub(b.LastTick); e.set.StaleAfter > 0 && age > e.set.StaleAfter {
			key, reason = "stale_data", fmt.Sprintf("stale data: last tick %s ago", age.Round(time.Second))
			return nil
		}
		sctx.Frame = strategy.Frame{
			Width:     e.set.BarWidth,
			Candles:   b.Base.Candles(),
			Snapshots: e.ind[e.set.BarWidth].Snapshots(sym, 0),
		}
		if len(e.set.Higher) > 0 {
			sctx.Higher = make(map[time.Duration]strategy.Frame, len(e.set.Higher))
			for _, w := range e.set.Higher {
				sctx.Higher[w] = strategy.Frame{Width: w, Candles: b.Higher[w].Candles(), Snapshots: e.ind[w].Snapshots(sym, 0)}
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrUnknownSymbol) {
		return sctx, snap, "insufficient_candles", fmt.Sprintf("insufficient candles: 0 of %d", e.minCandles)
	}
	if reason != "" {
		return sctx, snap, key, reason
	}
	if err := sctx.Frame.Aligned(); err != nil {
		return sctx, snap, "misaligned", err.Error()
	}
	_, snap, _ = sctx.Frame.Last()
	if e.wantsRange {
		if r, ok := e.ranges.Range(sym, now); ok {
			sctx.Range = &r
		}
	}
	sctx.Trace = func(why string) {
		e.log.Debug().Str("sym", sym).Str("strategy", e.strat.Name()).Str("reason", why).Msg("no entry")
	}
	return sctx, snap, "", ""
}

// judgedOn returns the latest snapshot of the frame a signal was generated
// on, so the validator reads the same bars the strategy did.
func judgedOn(sctx strategy.Context, s signal.Signal, base indicator.Snapshot) indicator.Snapshot {
	if s.Timeframe == 0 {
		return base
	}
	f, ok := sctx.FrameFor(s.Timeframe)
	if !ok {
		return base
	}
	if _, snap, ok := f.Last(); ok {
		return snap
	}
	return base
}

// evaluate runs the strategy for one symbol; a panic or error skips only that symbol.
func (e *Engine) evaluate(sym string, sctx strategy.Context) (out []signal.Signal) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("sym", sym).Interface("panic", r).Msg("strategy panicked")
			e.skip(sym, "strategy_error", fmt.Sprintf("strategy error: %v", r))
			out = nil
		}
	}()
	sigs, err := e.strat.Evaluate(sctx)
	if err != nil {
		if errors.Is(err, strategy.ErrNotReady) {
			e.skip(sym, "not_ready", err.Error())
		} else {
			e.skip(sym, "strategy_error", err.Error())
		}
		return nil
	}
	return sigs
}

// enter validates, sizes and places one ranked candidate.
func (e *Engine) enter(ctx context.Context, c candidate, regime strategy.Regime) bool {
	s := c.sig
	sizing, err := e.sizer.Size(e.risk.PortfolioValue(), s.Entry, s.Stop)
	if err != nil {
		e.reject(s, "sizing", err.Error())
		return false
	}
	if sizing, err = sizing.Fit(e.risk.Headroom()); err != nil {
		e.reject(s, "portfolio_heat", err.Error())
		return false
	}
	res := e.validator.Validate(s, validate.Inputs{
		Snapshot:       c.snap,
		Regime:         regime,
		RequiredMargin: sizing.Notional(),
		Margin:         e.quote(ctx),
	})
	if !res.Approved {
		e.reject(s, string(res.Rejection.Check), res.Rejection.Reason)
		return false
	}
	if res.MarginOpen {
		e.log.Warn().Str("sym", s.Symbol).Msg("margin unknown, entering without margin check")
	}
	if err := e.risk.Reserve(s.Symbol, sizing.OpenRisk()); err != nil {
		e.reject(s, "risk", err.Error())
		return false
	}
	e.heat()

	octx, cancel := e.orderContext(ctx)
	defer cancel()
	pos, err := e.positions.Open(octx, s, sizing.Quantity, sizing.OpenRisk())
	if e.margin != nil {
		e.margin.Invalidate()
	}
	if err != nil && pos.ID == "" {
		e.risk.Cancel(s.Symbol)
		e.heat()
		e.bus.Emit(activity.Event{
			Kind: activity.OrderFailed, Time: e.now(), Symbol: s.Symbol, Strategy: s.Strategy, Reason: err.Error(),
			Fields: map[string]any{"qty": sizing.Quantity},
		})
		return false
	}
	if err != nil {
		// filled outside its levels; the manager is already exiting it
		e.settle(pos)
		e.reject(s, "fill", err.Error())
		return false
	}
	if !e.settle(pos) {
		e.reject(s, "portfolio_heat", fmt.Sprintf("fill at %.2f puts %.2f at risk over the heat ceiling", pos.Entry, pos.OpenRisk()))
		if _, err := e.positions.Close(octx, s.Symbol, "fill risk over heat ceiling"); err != nil && !errors.Is(err, position.ErrNotFound) {
			e.log.Error().Err(err).Str("sym", s.Symbol).Msg("could not shed position over heat ceiling")
		}
		e.heat()
		return false
	}
	return true
}

// settle replaces the reserved risk with what the filled position holds. It
// returns false when that breaks the heat ceiling.
func (e *Engine) settle(p position.Position) bool {
	defer e.heat()
	err := e.risk.Adjust(p.Symbol, p.OpenRisk())
	switch {
	case err == nil, errors.Is(err, risk.ErrNoReservation):
		// no reservation: the position already closed and released it
		return true
	case errors.Is(err, risk.ErrHeatExceeded):
		e.log.Error().Err(err).Str("sym", p.Symbol).Float64("px", p.Entry).Msg("fill over heat ceiling")
		return false
	default:
		e.log.Error().Err(err).Str("sym", p.Symbol).Msg("risk adjust failed")
		return true
	}
}

// orderContext detaches order placement from loop cancellation so an order
// already sent is always resolved; only the order timeout bounds it.
func (e *Engine) orderContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.set.OrderTimeout)
}

func (e *Engine) quote(ctx context.Context) validate.MarginQuote {
	if e.margin == nil {
		return validate.MarginQuote{}
	}
	return e.margin.Quote(ctx)
}

func (e *Engine) regime() strategy.Regime {
	if e.set.Benchmark == "" {
		return strategy.Regime{}
	}
	snap, ok := e.ind[e.set.BarWidth].Latest(e.set.Benchmark)
	if !ok {
		return strategy.Regime{}
	}
	return strategy.RegimeFrom(snap)
}

func (e *Engine) skip(sym, key, reason string) {
	metrics.SkipsTotal.WithLabelValues(key).Inc()
	e.bus.Emit(activity.Event{Kind: activity.SymbolSkipped, Time: e.now(), Symbol: sym, Strategy: e.strat.Name(), Reason: reason})
}

func (e *Engine) reject(s signal.Signal, check, reason string) {
	metrics.RejectionsTotal.WithLabelValues(check).Inc()
	e.bus.Emit(activity.Event{Kind: activity.SignalRejected, Time: e.now(), Symbol: s.Symbol, Strategy: s.Strategy, Check: check, Reason: reason})
}

// markSeen reports whether key is new this session.
func (e *Engine) markSeen(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.seen[key]; dup {
		return false
	}
	e.seen[key] = struct{}{}
	return true
}

// rollSession resets per-session state the first time a new trading day is seen.
func (e *Engine) rollSession(now time.Time) {
	sid := e.cal.SessionID(now)
	e.mu.Lock()
	prev := e.sessionID
	if sid == prev {
		e.mu.Unlock()
		return
	}
	e.sessionID = sid
	e.seen = make(map[string]struct{})
	e.blocked = false
	e.mu.Unlock()
	if prev == "" {
		return
	}
	e.risk.ResetDay()
	e.notice("new session", map[string]any{"session": sid, "previous": prev})
}

func (e *Engine) pastCutoff(now time.Time) bool {
	return e.cal.IsTradingDay(now) && !now.Before(e.cal.At(now, e.set.EODCutoff))
}
