package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"equitybot-go/internal/api"
	"equitybot-go/internal/candle"
	"equitybot-go/internal/exchange"
	"equitybot-go/internal/position"
	"equitybot-go/internal/risk"
	"equitybot-go/internal/signal"
	"equitybot-go/internal/store"
)

const tickBuffer = 4096

// Run starts the feed, ingest, scan and monitor loops and blocks until ctx
// ends or the feed fails. On the way out pending entries are resolved and,
// if configured, every open position is closed.
func (e *Engine) Run(ctx context.Context) error {
	if e.feed == nil {
		return errors.New("engine: no tick source")
	}
	e.startedAt = time.Now()
	if err := e.Bootstrap(ctx); err != nil {
		return err
	}
	if e.sched != nil {
		if err := e.schedule(ctx); err != nil {
			return err
		}
		e.sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			e.sched.Stop(stopCtx)
		}()
	}

	ticks := make(chan signal.Tick, tickBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := e.feed.Run(gctx, ticks)
		if gctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		e.notice("feed finished", nil)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case t := <-ticks:
				_ = e.HandleTick(gctx, t)
			}
		}
	})
	g.Go(func() error {
		return every(gctx, e.set.ScanInterval, func() { e.Scan(gctx) })
	})
	g.Go(func() error {
		return every(gctx, e.set.MonitorInterval, func() { e.MonitorOnce(gctx) })
	})

	e.log.Info().Str("mode", e.set.Mode).Str("strategy", e.strat.Name()).Strs("symbols", e.set.Symbols).
		Int("min_candles", e.minCandles).Msg("engine started")
	err := g.Wait()
	e.shutdown(ctx)
	return err
}

func every(ctx context.Context, d time.Duration, fn func()) error {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// MonitorOnce runs one exit sweep: stops, targets and trailing on the latest
// prices, retries of failed exits, and the end-of-day close once the cutoff
// has passed.
func (e *Engine) MonitorOnce(ctx context.Context) {
	octx, cancel := e.orderContext(ctx)
	defer cancel()
	e.positions.Monitor(octx, e.store.LastPrice)
	for _, p := range e.positions.Positions() {
		if p.State == position.Open {
			// trailed stops free heat
			if err := e.risk.Adjust(p.Symbol, p.OpenRisk()); err != nil && !errors.Is(err, risk.ErrNoReservation) {
				e.log.Error().Err(err).Str("sym", p.Symbol).Msg("risk adjust failed")
			}
		}
	}
	e.heat()

	if now := e.now(); e.pastCutoff(now) {
		e.closeAll(octx, fmt.Sprintf("end of day cutoff %s", e.set.EODCutoff))
	}
}

func (e *Engine) closeAll(ctx context.Context, note string) {
	if n := e.positions.CloseAll(ctx, position.ExitEOD, note); n > 0 {
		e.notice("closing open positions", map[string]any{"positions": n, "cause": note})
	}
}

func (e *Engine) schedule(ctx context.Context) error {
	if err := e.sched.OnSessionOpen(func() { e.rollSession(e.now()) }); err != nil {
		return err
	}
	return e.sched.Daily("eod_close", e.set.EODCutoff, func() {
		octx, cancel := e.orderContext(ctx)
		defer cancel()
		e.closeAll(octx, fmt.Sprintf("scheduled close at %s", e.set.EODCutoff))
	})
}

func (e *Engine) shutdown(ctx context.Context) {
	e.positions.Wait()
	if e.set.CloseOnShutdown {
		octx, cancel := e.orderContext(ctx)
		defer cancel()
		if n := e.positions.CloseAll(octx, position.ExitEOD, "shutdown"); n > 0 {
			e.log.Warn().Int("positions", n).Msg("closed positions on shutdown")
		}
	}
	if open := e.positions.Count(); open > 0 {
		e.log.Warn().Int("positions", open).Msg("stopping with live positions")
	}
	e.log.Info().Msg("engine stopped")
}

// Bootstrap loads recent history for every symbol so indicators are warm
// before the first live tick. It is a no-op without a history source; a
// symbol whose history cannot be fetched simply warms up from live ticks.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if e.history == nil || e.set.HistoryDays <= 0 {
		return nil
	}
	now := e.now()
	from := now.AddDate(0, 0, -e.set.HistoryDays)
	if warm := e.warmFrom(now); warm.Before(from) {
		e.log.Info().Time("from", warm).Int("history_days", e.set.HistoryDays).Msg("extending history for strategy warm-up")
		from = warm
	}
	symbols := e.set.Symbols
	if e.set.Benchmark != "" {
		symbols = append(append([]string(nil), symbols...), e.set.Benchmark)
	}
	loaded := 0
	for _, sym := range symbols {
		candles, err := e.history.Candles(ctx, sym, e.set.BarWidth, from, now)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, exchange.ErrHistoryAuth) {
				e.notice("history unavailable: "+err.Error(), nil)
				return nil
			}
			e.log.Warn().Err(err).Str("sym", sym).Msg("history fetch failed")
			continue
		}
		n := e.Seed(sym, candles, now)
		loaded += n
	}
	e.log.Info().Int("candles", loaded).Int("symbols", len(symbols)).Msg("history loaded")
	return nil
}

// warmFrom is the session open far enough back that every timeframe the
// strategy reads, including the long EMA on its widest frame, is defined
// by the first scan.
func (e *Engine) warmFrom(now time.Time) time.Time {
	need := time.Duration(e.minCandles) * e.set.BarWidth
	if mf, ok := e.strat.(multiFrame); ok {
		p := e.ind[e.set.BarWidth].Params()
		bars := max(p.Warmup(), p.EMALong) + 1
		for _, w := range mf.Timeframes() {
			need = max(need, time.Duration(bars)*w)
		}
	}
	perSession := e.cal.Close(now).Sub(e.cal.Open(now))
	if perSession <= 0 {
		return now
	}
	// one extra session covers a partial day at either end
	sessions := int((need+perSession-1)/perSession) + 1
	day := now
	for n, guard := 0, 0; n < sessions && guard < 3*366; guard++ {
		day = day.AddDate(0, 0, -1)
		if e.cal.IsTradingDay(day) {
			n++
		}
	}
	return e.cal.Open(day)
}

// Seed appends closed historical candles for symbol and returns how many
// were kept. Bars still open at now are dropped.
func (e *Engine) Seed(symbol string, candles []candle.Candle, now time.Time) int {
	kept := 0
	var last candle.Candle
	_ = e.store.With(symbol, func(b *store.Book) error {
		for _, c := range candles {
			if c.CloseTime().After(now) {
				continue
			}
			if l, ok := b.Base.Last(); ok && !c.OpenTime.After(l.OpenTime) {
				continue
			}
			e.addCandle(b, c)
			last = c
			kept++
		}
		if kept > 0 {
			e.agg.Seed(last)
		}
		return nil
	})
	return kept
}

// Status summarizes the engine for the status API.
func (e *Engine) Status() api.Status {
	off, reason := e.exec.Disabled()
	return api.Status{
		Mode:          e.set.Mode,
		Strategy:      e.strat.Name(),
		Symbols:       append([]string(nil), e.set.Symbols...),
		StartedAt:     e.startedAt,
		OrdersBlocked: off,
		BlockedReason: reason,
	}
}
