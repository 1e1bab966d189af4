package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equitybot-go/internal/activity"
	"equitybot-go/internal/broker"
	"equitybot-go/internal/candle"
	"equitybot-go/internal/execution"
	"equitybot-go/internal/indicator"
	"equitybot-go/internal/paper"
	"equitybot-go/internal/position"
	"equitybot-go/internal/retry"
	"equitybot-go/internal/risk"
	"equitybot-go/internal/session"
	"equitybot-go/internal/signal"
	"equitybot-go/internal/store"
	"equitybot-go/internal/strategy"
	"equitybot-go/internal/validate"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// stubStrategy goes long on the last closed candle with a 2 point stop and a 6 point target.
type stubStrategy struct {
	mu     sync.Mutex
	calls  int
	panics bool
}

func (s *stubStrategy) Name() string { return "stub" }
func (s *stubStrategy) Warmup() int  { return 0 }

func (s *stubStrategy) Evaluate(ctx strategy.Context) ([]signal.Signal, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.panics {
		panic("index out of range")
	}
	c, _, ok := ctx.Frame.Last()
	if !ok {
		return nil, strategy.ErrNotReady
	}
	return []signal.Signal{{
		Symbol: ctx.Symbol, Direction: signal.Long, Strategy: s.Name(),
		Entry: c.Close, Stop: c.Close - 2, Target: c.Close + 6,
		Confidence: 0.8, Rationale: "stub breakout", CandleTime: c.OpenTime,
	}}, nil
}

func (s *stubStrategy) evaluations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	eng     *Engine
	clock   *fakeClock
	account *paper.Account
	cal     *session.Calendar
	day     time.Time
}

// venue tunes the paper broker and risk ceiling behind a harness.
type venue struct {
	slippageBps float64
	maxHeat     float64
}

func newHarness(t *testing.T, strat strategy.Strategy, mutate func(*Settings)) *harness {
	t.Helper()
	return newHarnessWith(t, strat, mutate, venue{maxHeat: 0.06})
}

func newHarnessWith(t *testing.T, strat strategy.Strategy, mutate func(*Settings), v venue) *harness {
	t.Helper()
	cal := session.NSE()
	// a Monday
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, cal.Location())
	clock := &fakeClock{t: cal.Open(day)}

	var eng *Engine
	account := paper.NewAccount(1_000_000, 0)
	pb := broker.NewPaper(account, zerolog.Nop(),
		broker.WithPrices(func(sym string) (float64, bool) { return eng.LastPrice(sym) }),
		broker.WithClock(clock.Now),
		broker.WithSlippageBps(v.slippageBps),
	)
	exec := execution.NewExecutor(pb, zerolog.Nop(), execution.WithRetry(retry.Policy{MaxAttempts: 1}))

	set := Settings{
		Symbols:      []string{"INFY"},
		BarWidth:     time.Minute,
		GapPolicy:    candle.GapFill,
		MinCandles:   5,
		StaleAfter:   2 * time.Minute,
		TopK:         3,
		EODCutoff:    session.Clock(15*60 + 15),
		OrderTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&set)
	}
	eng, err := New(set, Components{
		Calendar:   cal,
		Strategy:   strat,
		Indicators: indicator.Params{VolumeAvg: 3},
		Validator:  validate.New(validate.Thresholds{}),
		Sizer:      risk.Sizer{RiskFraction: 0.01},
		Risk:       risk.NewState(risk.Config{PortfolioValue: 1_000_000, MaxHeat: v.maxHeat, MaxPositions: 3}),
		Executor:   exec,
		Positions:  position.Config{StaleAfter: 2 * time.Minute},
		Margin:     validate.NewMarginCache(pb, time.Second, time.Second, zerolog.Nop()),
		Bus:        activity.NewBus(256),
	}, zerolog.Nop(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return &harness{eng: eng, clock: clock, account: account, cal: cal, day: day}
}

// at returns hh:mm:ss IST on the harness day.
func (h *harness) at(hh, mm, ss int) time.Time {
	return time.Date(h.day.Year(), h.day.Month(), h.day.Day(), hh, mm, ss, 0, h.cal.Location())
}

// feed sends n one-minute ticks from 09:15:05, rising 0.5 per minute. The
// tick at index spike carries five times the usual volume. It returns the
// time of the last tick; n ticks close n-1 candles.
func (h *harness) feed(t *testing.T, sym string, n, spike int) time.Time {
	t.Helper()
	start := h.at(9, 15, 5)
	var last time.Time
	for i := 0; i < n; i++ {
		vol := 1000.0
		if i == spike {
			vol = 5000
		}
		last = start.Add(time.Duration(i) * time.Minute)
		require.NoError(t, h.eng.HandleTick(context.Background(), signal.Tick{Symbol: sym, Price: 100 + 0.5*float64(i), Volume: vol, Ts: last}))
	}
	return last
}

func (h *harness) events(kind activity.Kind) []activity.Event {
	var out []activity.Event
	for _, e := range h.eng.Activity().Recent(0) {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestHandleTickBuildsCandlesAndIndicators(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	h.feed(t, "INFY", 8, -1)

	var n int
	require.NoError(t, h.eng.Store().View("INFY", func(b *store.Book) error {
		n = b.Base.Len()
		return nil
	}))
	assert.Equal(t, 7, n)
	snaps := h.eng.Indicators(0).Snapshots("INFY", 0)
	require.Len(t, snaps, 7)
	assert.Equal(t, h.at(9, 21, 0), snaps[6].Time)

	px, ok := h.eng.LastPrice("INFY")
	require.True(t, ok)
	assert.InDelta(t, 103.5, px, 1e-9)
}

func TestHandleTickRejectsOutOfOrder(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	last := h.feed(t, "INFY", 3, -1)

	err := h.eng.HandleTick(context.Background(), signal.Tick{Symbol: "INFY", Price: 90, Volume: 1, Ts: last.Add(-2 * time.Minute)})
	require.ErrorIs(t, err, candle.ErrStaleTick)
	err = h.eng.HandleTick(context.Background(), signal.Tick{Symbol: "INFY", Price: -1, Volume: 1, Ts: last.Add(time.Second)})
	require.ErrorIs(t, err, candle.ErrMalformedTick)

	px, _ := h.eng.LastPrice("INFY")
	assert.InDelta(t, 101.0, px, 1e-9, "rejected ticks must not move the price")
}

func TestScanSkipsInsufficientCandles(t *testing.T) {
	strat := &stubStrategy{}
	h := newHarness(t, strat, nil)
	last := h.feed(t, "INFY", 3, -1)
	h.clock.Set(last.Add(10 * time.Second))

	rep := h.eng.Scan(context.Background())
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Opened)
	assert.Zero(t, strat.evaluations(), "strategy must not see short history")

	skips := h.events(activity.SymbolSkipped)
	require.Len(t, skips, 1)
	assert.Equal(t, "INFY", skips[0].Symbol)
	assert.Equal(t, "insufficient candles: 2 of 5", skips[0].Reason)
}

func TestScanSkipsUnknownSymbol(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	h.clock.Set(h.at(10, 0, 0))

	rep := h.eng.Scan(context.Background())
	assert.Equal(t, 1, rep.Skipped)
	skips := h.events(activity.SymbolSkipped)
	require.Len(t, skips, 1)
	assert.Equal(t, "insufficient candles: 0 of 5", skips[0].Reason)
}

func TestScanSkipsStaleData(t *testing.T) {
	strat := &stubStrategy{}
	h := newHarness(t, strat, nil)
	last := h.feed(t, "INFY", 8, 6)
	h.clock.Set(last.Add(5 * time.Minute))

	rep := h.eng.Scan(context.Background())
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, strat.evaluations())
	skips := h.events(activity.SymbolSkipped)
	require.Len(t, skips, 1)
	assert.Equal(t, "stale data: last tick 5m0s ago", skips[0].Reason)
}

func TestScanOpensRankedEntry(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	last := h.feed(t, "INFY", 8, 6)
	h.clock.Set(last.Add(10 * time.Second))

	rep := h.eng.Scan(context.Background())
	require.Equal(t, 1, rep.Signals)
	require.Equal(t, 1, rep.Opened, "rejections: %+v", h.events(activity.SignalRejected))

	p, ok := h.eng.Positions().Get("INFY")
	require.True(t, ok)
	assert.Equal(t, position.Open, p.State)
	assert.InDelta(t, 103.0, p.Entry, 1e-9)
	// 1% of 1,000,000 over a 2 point stop
	assert.Equal(t, int64(5000), p.Qty)
	assert.Equal(t, int64(5000), h.account.Position("INFY"))

	snap := h.eng.Risk().Snapshot()
	assert.Equal(t, 1, snap.OpenPositions)
	assert.InDelta(t, 10000, snap.OpenRisk, 1e-6)
	assert.Len(t, h.events(activity.PositionOpened), 1)

	// a symbol with a live position is not evaluated again
	rep = h.eng.Scan(context.Background())
	assert.Zero(t, rep.Evaluated)
}

func TestScanRejectsThinVolume(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	last := h.feed(t, "INFY", 8, -1)
	h.clock.Set(last.Add(10 * time.Second))

	rep := h.eng.Scan(context.Background())
	assert.Equal(t, 1, rep.Rejected)
	assert.False(t, h.eng.Positions().Has("INFY"))

	rej := h.events(activity.SignalRejected)
	require.Len(t, rej, 1)
	assert.Equal(t, string(validate.CheckVolume), rej[0].Check)
	assert.Zero(t, h.eng.Risk().Snapshot().OpenRisk, "a rejected signal reserves nothing")
}

func TestStopExitReleasesRiskAndBlocksReentry(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	last := h.feed(t, "INFY", 8, 6)
	h.clock.Set(last.Add(10 * time.Second))
	require.Equal(t, 1, h.eng.Scan(context.Background()).Opened)

	// 3 points under entry, same minute
	stopAt := last.Add(20 * time.Second)
	require.NoError(t, h.eng.HandleTick(context.Background(), signal.Tick{Symbol: "INFY", Price: 100, Volume: 10, Ts: stopAt}))
	h.clock.Set(stopAt.Add(time.Second))
	h.eng.MonitorOnce(context.Background())

	require.False(t, h.eng.Positions().Has("INFY"))
	hist := h.eng.Positions().History()
	require.Len(t, hist, 1)
	assert.Equal(t, position.ExitStop, hist[0].ExitReason)
	assert.InDelta(t, -15000, hist[0].PnL, 1e-6)

	snap := h.eng.Risk().Snapshot()
	assert.Zero(t, snap.OpenPositions)
	assert.Zero(t, snap.OpenRisk)
	assert.InDelta(t, -15000, snap.RealizedToday, 1e-6)
	assert.Zero(t, h.account.Position("INFY"))

	// the same candle produces the same signal key
	rep := h.eng.Scan(context.Background())
	assert.Equal(t, 1, rep.Evaluated)
	assert.Zero(t, rep.Signals)
	assert.Zero(t, rep.Opened)
}

func TestTickThroughStopExitsBeforeNextSweep(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	last := h.feed(t, "INFY", 8, 6)
	h.clock.Set(last.Add(10 * time.Second))
	require.Equal(t, 1, h.eng.Scan(context.Background()).Opened)

	// entry 103, stop 101: one print through the stop, then a recovery, with no sweep between
	ctx := context.Background()
	require.NoError(t, h.eng.HandleTick(ctx, signal.Tick{Symbol: "INFY", Price: 100, Volume: 10, Ts: last.Add(20 * time.Second)}))
	require.NoError(t, h.eng.HandleTick(ctx, signal.Tick{Symbol: "INFY", Price: 103.5, Volume: 10, Ts: last.Add(25 * time.Second)}))
	h.eng.MonitorOnce(ctx)

	require.False(t, h.eng.Positions().Has("INFY"))
	hist := h.eng.Positions().History()
	require.Len(t, hist, 1)
	assert.Equal(t, position.ExitStop, hist[0].ExitReason)
	assert.InDelta(t, 100, hist[0].ExitPrice, 1e-9)
	assert.Zero(t, h.eng.Risk().Snapshot().OpenRisk)
}

func TestFillOverHeatCeilingIsShed(t *testing.T) {
	// 50 bps of slippage on a trade sized to the whole 1% ceiling
	h := newHarnessWith(t, &stubStrategy{}, nil, venue{slippageBps: 50, maxHeat: 0.01})
	last := h.feed(t, "INFY", 8, 6)
	h.clock.Set(last.Add(10 * time.Second))

	rep := h.eng.Scan(context.Background())
	assert.Zero(t, rep.Opened)
	assert.Equal(t, 1, rep.Rejected)

	rej := h.events(activity.SignalRejected)
	require.Len(t, rej, 1)
	assert.Equal(t, "portfolio_heat", rej[0].Check)
	assert.Contains(t, rej[0].Reason, "over the heat ceiling")

	require.False(t, h.eng.Positions().Has("INFY"))
	hist := h.eng.Positions().History()
	require.Len(t, hist, 1)
	assert.Equal(t, position.ExitManual, hist[0].ExitReason)
	assert.InDelta(t, 103.515, hist[0].Entry, 1e-9)
	assert.Zero(t, h.account.Position("INFY"))

	snap := h.eng.Risk().Snapshot()
	assert.Zero(t, snap.OpenRisk)
	assert.Zero(t, snap.OpenPositions)
}

func TestFillWithinCeilingRecordsFilledRisk(t *testing.T) {
	h := newHarnessWith(t, &stubStrategy{}, nil, venue{slippageBps: 50, maxHeat: 0.06})
	last := h.feed(t, "INFY", 8, 6)
	h.clock.Set(last.Add(10 * time.Second))
	require.Equal(t, 1, h.eng.Scan(context.Background()).Opened)

	p, ok := h.eng.Positions().Get("INFY")
	require.True(t, ok)
	// (103.515 - 101) * 5000, not the 10000 sized from the signal price
	assert.InDelta(t, 12575, p.OpenRisk(), 1e-6)
	assert.InDelta(t, 12575, h.eng.Risk().Snapshot().OpenRisk, 1e-6)
}

func TestFlushAndTickKeepBucketOrder(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	ctx := context.Background()
	require.NoError(t, h.eng.HandleTick(ctx, signal.Tick{Symbol: "INFY", Price: 100, Volume: 10, Ts: h.at(9, 15, 5)}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.eng.flush(h.at(9, 16, 30))
	}()
	go func() {
		defer wg.Done()
		// two buckets later, so a flat 09:16 bar is filled in
		assert.NoError(t, h.eng.HandleTick(ctx, signal.Tick{Symbol: "INFY", Price: 101, Volume: 10, Ts: h.at(9, 17, 5)}))
	}()
	wg.Wait()

	var got []time.Time
	require.NoError(t, h.eng.Store().View("INFY", func(b *store.Book) error {
		for _, c := range b.Base.Candles() {
			got = append(got, c.OpenTime)
		}
		return nil
	}))
	assert.Equal(t, []time.Time{h.at(9, 15, 0), h.at(9, 16, 0)}, got)
	assert.Len(t, h.eng.Indicators(0).Snapshots("INFY", 0), 2)
}

func TestMonitorClosesEverythingAfterCutoff(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	last := h.feed(t, "INFY", 8, 6)
	h.clock.Set(last.Add(10 * time.Second))
	require.Equal(t, 1, h.eng.Scan(context.Background()).Opened)

	h.clock.Set(h.at(15, 16, 0))
	rep := h.eng.Scan(context.Background())
	assert.Equal(t, "past entry cutoff", rep.Idle)

	h.eng.MonitorOnce(context.Background())
	require.Zero(t, h.eng.Positions().Count())
	hist := h.eng.Positions().History()
	require.Len(t, hist, 1)
	assert.Equal(t, position.ExitEOD, hist[0].ExitReason)
	assert.Equal(t, "end of day cutoff 15:15", hist[0].ExitNote)

	// idempotent
	h.eng.MonitorOnce(context.Background())
	assert.Len(t, h.eng.Positions().History(), 1)
}

func TestScanRecoversFromStrategyPanic(t *testing.T) {
	h := newHarness(t, &stubStrategy{panics: true}, nil)
	last := h.feed(t, "INFY", 8, 6)
	h.clock.Set(last.Add(10 * time.Second))

	var rep ScanReport
	require.NotPanics(t, func() { rep = h.eng.Scan(context.Background()) })
	assert.Zero(t, rep.Signals)
	skips := h.events(activity.SymbolSkipped)
	require.Len(t, skips, 1)
	assert.True(t, strings.HasPrefix(skips[0].Reason, "strategy error"), skips[0].Reason)
}

func TestScanIdleOutsideSession(t *testing.T) {
	strat := &stubStrategy{}
	h := newHarness(t, strat, nil)
	h.clock.Set(h.at(8, 0, 0))
	assert.Equal(t, "market closed", h.eng.Scan(context.Background()).Idle)

	// Saturday
	h.clock.Set(h.at(11, 0, 0).AddDate(0, 0, 5))
	assert.Equal(t, "market closed", h.eng.Scan(context.Background()).Idle)
	assert.Zero(t, strat.evaluations())
}

func TestScanSuspendedWhenOrdersDisabled(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	last := h.feed(t, "INFY", 8, 6)
	h.clock.Set(last.Add(10 * time.Second))
	h.eng.exec.Disable("token expired")

	assert.Equal(t, "orders disabled", h.eng.Scan(context.Background()).Idle)
	assert.Equal(t, "orders disabled", h.eng.Scan(context.Background()).Idle)

	var notices int
	for _, e := range h.events(activity.EngineNotice) {
		if strings.Contains(e.Reason, "entries suspended") {
			notices++
		}
	}
	assert.Equal(t, 1, notices, "one notice per session")
	st := h.eng.Status()
	assert.True(t, st.OrdersBlocked)
	assert.Equal(t, "token expired", st.BlockedReason)
}

func TestSessionRollResetsDailyState(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	h.clock.Set(h.at(10, 0, 0))
	h.eng.Scan(context.Background())

	require.NoError(t, h.eng.Risk().Reserve("TCS", 100))
	h.eng.Risk().Release("TCS", -500)
	require.InDelta(t, -500, h.eng.Risk().Snapshot().RealizedToday, 1e-9)

	h.clock.Set(h.at(10, 0, 0).AddDate(0, 0, 1))
	h.eng.Scan(context.Background())
	assert.Zero(t, h.eng.Risk().Snapshot().RealizedToday)

	var rolled bool
	for _, e := range h.events(activity.EngineNotice) {
		rolled = rolled || e.Reason == "new session"
	}
	assert.True(t, rolled)
}

type multiStub struct{ stubStrategy }

func (m *multiStub) Timeframes() []time.Duration { return []time.Duration{15 * time.Minute, time.Hour} }

func TestHigherWidths(t *testing.T) {
	got := higherWidths(time.Minute, []time.Duration{5 * time.Minute, 90 * time.Second, 15 * time.Minute, time.Minute}, &multiStub{})
	assert.Equal(t, []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour}, got)
}

func TestMinCandlesCoversStrategyWarmup(t *testing.T) {
	h := newHarness(t, &warmStub{}, func(s *Settings) { s.MinCandles = 5 })
	assert.Equal(t, 40, h.eng.MinCandles())
}

type warmStub struct{ stubStrategy }

func (w *warmStub) Warmup() int { return 40 }

type ensembleStub struct{ stubStrategy }

func (m *ensembleStub) Timeframes() []time.Duration { return []time.Duration{5 * time.Minute, 15 * time.Minute} }

// sessionHistory serves flat-volume one-minute bars for every session between from and to.
type sessionHistory struct {
	cal  *session.Calendar
	mu   sync.Mutex
	from time.Time
}

func (s *sessionHistory) Candles(_ context.Context, symbol string, width time.Duration, from, to time.Time) ([]candle.Candle, error) {
	s.mu.Lock()
	s.from = from
	s.mu.Unlock()
	var out []candle.Candle
	px := 100.0
	for day := s.cal.Open(from); day.Before(to); day = s.cal.Open(day.AddDate(0, 0, 1)) {
		if !s.cal.IsTradingDay(day) {
			continue
		}
		for ts := s.cal.Open(day); ts.Before(s.cal.Close(day)) && !ts.Add(width).After(to); ts = ts.Add(width) {
			px += 0.01
			out = append(out, candle.Candle{Symbol: symbol, OpenTime: ts, Width: width, Open: px, High: px + 0.05, Low: px - 0.05, Close: px, Volume: 1000})
		}
	}
	return out, nil
}

func TestBootstrapWarmsEveryStrategyTimeframe(t *testing.T) {
	h := newHarness(t, &ensembleStub{}, func(s *Settings) { s.HistoryDays = 5 })
	hist := &sessionHistory{cal: h.cal}
	h.eng.history = hist
	now := h.clock.Now()

	require.NoError(t, h.eng.Bootstrap(context.Background()))

	// 201 bars of 15m need nine 375 minute sessions, plus one
	assert.Equal(t, h.cal.Open(time.Date(2026, 2, 16, 0, 0, 0, 0, h.cal.Location())), hist.from)
	assert.True(t, hist.from.Before(now.AddDate(0, 0, -5)))

	snap, ok := h.eng.Indicators(15 * time.Minute).Latest("INFY")
	require.True(t, ok)
	assert.True(t, snap.Ready("ema_long"), "15m EMA-200 should be warm after bootstrap")
	snap, ok = h.eng.Indicators(5 * time.Minute).Latest("INFY")
	require.True(t, ok)
	assert.True(t, snap.Ready("ema_long"))
}

type frameStub struct{ stubStrategy }

func (f *frameStub) Timeframes() []time.Duration { return []time.Duration{5 * time.Minute} }

// Evaluate goes long on the 5m frame's last bar.
func (f *frameStub) Evaluate(ctx strategy.Context) ([]signal.Signal, error) {
	frame, ok := ctx.FrameFor(5 * time.Minute)
	if !ok {
		return nil, strategy.ErrNotReady
	}
	c, _, ok := frame.Last()
	if !ok {
		return nil, strategy.ErrNotReady
	}
	return []signal.Signal{{
		Symbol: ctx.Symbol, Direction: signal.Long, Strategy: f.Name(),
		Entry: c.Close, Stop: c.Close - 2, Target: c.Close + 6,
		Confidence: 0.8, CandleTime: c.OpenTime, Timeframe: 5 * time.Minute,
	}}, nil
}

func TestValidatorReadsTheSignalTimeframe(t *testing.T) {
	h := newHarness(t, &frameStub{}, nil)
	ctx := context.Background()
	start := h.at(9, 15, 5)
	var last time.Time
	for i := 0; i < 26; i++ {
		vol := 1000.0
		if i == 21 {
			// heavy 5m bar at 09:35; by 09:39 the 1m volume has faded to 0.14x its average
			vol = 20000
		}
		last = start.Add(time.Duration(i) * time.Minute)
		require.NoError(t, h.eng.HandleTick(ctx, signal.Tick{Symbol: "INFY", Price: 100 + 0.5*float64(i), Volume: vol, Ts: last}))
	}
	h.clock.Set(last.Add(10 * time.Second))

	rep := h.eng.Scan(ctx)
	require.Equal(t, 1, rep.Opened, "rejections: %+v", h.events(activity.SignalRejected))
	p, ok := h.eng.Positions().Get("INFY")
	require.True(t, ok)
	assert.InDelta(t, 112.0, p.Entry, 1e-9)
	assert.Equal(t, 5*time.Minute, p.Signal.Timeframe)
}

type chanSource struct {
	ticks []signal.Tick
	err   error
}

func (c chanSource) Run(ctx context.Context, out chan<- signal.Tick) error {
	for _, t := range c.ticks {
		select {
		case out <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.err != nil {
		return c.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunIngestsUntilCancelled(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, func(s *Settings) {
		s.ScanInterval = 20 * time.Millisecond
		s.MonitorInterval = 10 * time.Millisecond
	})
	ts := h.at(9, 20, 0)
	h.clock.Set(ts)
	h.eng.feed = chanSource{ticks: []signal.Tick{
		{Symbol: "INFY", Price: 101, Volume: 10, Ts: ts},
		{Symbol: "INFY", Price: 102, Volume: 10, Ts: ts.Add(time.Second)},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, h.eng.Run(ctx))

	px, ok := h.eng.LastPrice("INFY")
	require.True(t, ok)
	assert.InDelta(t, 102.0, px, 1e-9)
	assert.NotEmpty(t, h.events(activity.ScanFinished))
}

func TestRunReturnsFeedError(t *testing.T) {
	h := newHarness(t, &stubStrategy{}, nil)
	h.eng.feed = chanSource{err: errors.New("socket closed")}

	err := h.eng.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed: socket closed")
}
