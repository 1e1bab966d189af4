package strategy

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"equitybot-go/internal/candle"
	"equitybot-go/internal/indicator"
	"equitybot-go/internal/session"
	"equitybot-go/internal/signal"
)

func istTime(t *testing.T, cal *session.Calendar, hhmm string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", "2024-05-06 "+hhmm, cal.Location())
	if err != nil {
		t.Fatalf("parse %s: %v", hhmm, err)
	}
	return ts
}

// breakoutContext builds four 15m bars inside [100, 110] followed by a close at 112.
func breakoutContext(t *testing.T, regime Trend) (Context, *[]string) {
	t.Helper()
	cal := session.NSE()
	bars := []struct {
		at             string
		o, h, l, c, vo float64
	}{
		{"09:15", 104, 110, 100, 106, 1000},
		{"09:30", 106, 109, 101, 103, 1000},
		{"09:45", 103, 108, 100, 107, 1000},
		{"10:00", 107, 110, 104, 109, 1000},
		{"10:15", 109, 112.5, 108.5, 112, 3000},
	}
	var cs []candle.Candle
	var snaps []indicator.Snapshot
	for _, b := range bars {
		open := istTime(t, cal, b.at)
		cs = append(cs, candle.Candle{Symbol: "SBIN", OpenTime: open, Width: 15 * time.Minute, Open: b.o, High: b.h, Low: b.l, Close: b.c, Volume: b.vo})
		snaps = append(snaps, indicator.Snapshot{
			Time: open, Close: b.c, Volume: b.vo,
			ADX: 30, RSI: 55, ATR: 2, VolumeAvg: 1000, VWAP: 105,
			MACD: indicator.MACD{Line: 1, Signal: 0.5, Hist: 0.5},
			EMASlow: 105, Pivots: indicator.Pivots{P: math.NaN()},
		})
	}
	now := istTime(t, cal, "10:30")
	r, ok := session.RangeFromCandles(cal, time.Hour, cs, now)
	if !ok {
		t.Fatalf("expected finalized range")
	}
	var traces []string
	return Context{
		Symbol:   "SBIN",
		Now:      now,
		Frame:    Frame{Width: 15 * time.Minute, Candles: cs, Snapshots: snaps},
		Range:    &r,
		Regime:   Regime{Known: true, Trend: regime},
		Calendar: cal,
		Trace:    func(reason string) { traces = append(traces, reason) },
	}, &traces
}

func TestIroncladBreakoutConfirmation(t *testing.T) {
	ctx, _ := breakoutContext(t, TrendUp)
	strat := NewIronclad(BreakoutParams{ATRStopMult: 1, RiskReward: 2, ADXMin: 25, VolumeMult: 1.5})

	sigs, err := strat.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected exactly one signal, got %d", len(sigs))
	}
	s := sigs[0]
	if s.Direction != signal.Long {
		t.Fatalf("expected long, got %s", s.Direction)
	}
	if math.Abs(s.Entry-112) > 1e-9 {
		t.Fatalf("entry = %.2f, want 112", s.Entry)
	}
	if math.Abs(s.Stop-108) > 1e-9 {
		t.Fatalf("stop = %.2f, want 110 - 1*ATR(2) = 108", s.Stop)
	}
	if math.Abs(s.Target-120) > 1e-9 {
		t.Fatalf("target = %.2f, want 112 + 2*4 = 120", s.Target)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("signal invalid: %v", err)
	}
	if s.Features["range_high"] != 110 || s.Features["range_low"] != 100 {
		t.Fatalf("range features not captured: %v", s.Features)
	}
}

func TestIroncladRejectsAgainstBenchmark(t *testing.T) {
	ctx, traces := breakoutContext(t, TrendDown)
	sigs, err := NewIronclad(BreakoutParams{}).Evaluate(ctx)
	if err != nil || len(sigs) != 0 {
		t.Fatalf("expected no signal, got %d (%v)", len(sigs), err)
	}
	if len(*traces) == 0 || !strings.Contains((*traces)[0], "benchmark") {
		t.Fatalf("expected benchmark trace, got %v", *traces)
	}
}

func TestIroncladNeedsFinalRange(t *testing.T) {
	ctx, traces := breakoutContext(t, TrendUp)
	ctx.Range = nil
	sigs, _ := NewIronclad(BreakoutParams{}).Evaluate(ctx)
	if len(sigs) != 0 {
		t.Fatalf("expected no signal before the range is set")
	}
	if len(*traces) != 1 {
		t.Fatalf("expected one trace, got %v", *traces)
	}
}

func TestIroncladGates(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*indicator.Snapshot)
		want   string
	}{
		{"weak adx", func(s *indicator.Snapshot) { s.ADX = 18 }, "adx"},
		{"rsi overbought", func(s *indicator.Snapshot) { s.RSI = 82 }, "rsi"},
		{"macd against", func(s *indicator.Snapshot) { s.MACD.Line = 0.2 }, "macd"},
		{"thin volume", func(s *indicator.Snapshot) { s.VolumeAvg = 2500 }, "volume"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, traces := breakoutContext(t, TrendUp)
			tc.mutate(&ctx.Frame.Snapshots[len(ctx.Frame.Snapshots)-1])
			sigs, err := NewIronclad(BreakoutParams{}).Evaluate(ctx)
			if err != nil || len(sigs) != 0 {
				t.Fatalf("expected rejection, got %d signals (%v)", len(sigs), err)
			}
			if len(*traces) == 0 || !strings.Contains((*traces)[0], tc.want) {
				t.Fatalf("expected %q trace, got %v", tc.want, *traces)
			}
		})
	}
}

func TestIroncladNotReadyIsAnError(t *testing.T) {
	ctx, _ := breakoutContext(t, TrendUp)
	ctx.Frame.Snapshots[len(ctx.Frame.Snapshots)-1].ADX = math.NaN()
	_, err := NewIronclad(BreakoutParams{}).Evaluate(ctx)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestDefiningOrderFilterChain(t *testing.T) {
	base := DefiningOrderParams{
		BreakoutParams: BreakoutParams{RangeMinutes: 60},
		MaxRangePct:    0.2,
	}
	ctx, _ := breakoutContext(t, TrendUp)
	sigs, err := NewDefiningOrder(base).Evaluate(ctx)
	if err != nil || len(sigs) != 1 {
		t.Fatalf("expected signal through empty gates, got %d (%v)", len(sigs), err)
	}
	if sigs[0].Strategy != ModeDefiningOrder {
		t.Fatalf("strategy = %s", sigs[0].Strategy)
	}
	if rr := sigs[0].RiskReward(); math.Abs(rr-2.5) > 1e-9 {
		t.Fatalf("expected default 2.5 risk:reward, got %.2f", rr)
	}

	cases := []struct {
		name   string
		mutate func(*DefiningOrderParams)
		want   string
	}{
		{"denylist", func(p *DefiningOrderParams) { p.Denylist = []string{"sbin"} }, "denylist"},
		{"deny hour", func(p *DefiningOrderParams) { p.DenyHours = []int{10} }, "hour"},
		{"allow hours", func(p *DefiningOrderParams) { p.AllowHours = []int{13, 14} }, "hour"},
		{"narrow range cap", func(p *DefiningOrderParams) { p.MaxRangePct = 0.03 }, "range_width"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			ctx, traces := breakoutContext(t, TrendUp)
			sigs, err := NewDefiningOrder(p).Evaluate(ctx)
			if err != nil || len(sigs) != 0 {
				t.Fatalf("expected filtered, got %d (%v)", len(sigs), err)
			}
			if len(*traces) != 1 || !strings.HasPrefix((*traces)[0], tc.want) {
				t.Fatalf("expected %s trace, got %v", tc.want, *traces)
			}
		})
	}
}

func TestDefiningOrderFilterOrder(t *testing.T) {
	s := NewDefiningOrder(DefiningOrderParams{})
	var names []string
	for _, f := range s.Filters() {
		names = append(names, f.Name())
	}
	got := strings.Join(names, ",")
	if got != "denylist,hour,vwap,range_width" {
		t.Fatalf("filter order = %s", got)
	}
}

func TestInsufficientHistoryEmitsNothing(t *testing.T) {
	cal := session.NSE()
	start := istTime(t, cal, "09:15")
	var cs []candle.Candle
	for i := 0; i < 10; i++ {
		px := 100 + float64(i)
		cs = append(cs, candle.Candle{Symbol: "TCS", OpenTime: start.Add(time.Duration(i) * time.Minute), Width: time.Minute,
			Open: px, High: px + 1, Low: px - 1, Close: px + 0.5, Volume: 100})
	}
	frame := Frame{Width: time.Minute, Candles: cs, Snapshots: indicator.Compute(cs, indicator.DefaultParams())}
	for _, mode := range Modes() {
		strat := Build(mode, Params{})
		ctx := Context{Symbol: "TCS", Now: start.Add(10 * time.Minute), Frame: frame, Calendar: cal,
			Higher: map[time.Duration]Frame{5 * time.Minute: frame, 15 * time.Minute: frame}}
		sigs, _ := strat.Evaluate(ctx)
		if len(sigs) != 0 {
			t.Fatalf("%s emitted %d signals on 10 candles", mode, len(sigs))
		}
		if strat.Warmup() <= 10 {
			t.Fatalf("%s warmup %d should exceed 10 candles", mode, strat.Warmup())
		}
	}
}

func TestBuildModes(t *testing.T) {
	cases := map[string]string{
		"":                ModeIronclad,
		"ironclad":        ModeIronclad,
		"v3.2":            ModeDefiningOrder,
		"Pattern":         ModePattern,
		" alpha_ensemble": ModeEnsemble,
	}
	for in, want := range cases {
		if got := Build(in, Params{}).Name(); got != want {
			t.Fatalf("Build(%q) = %s, want %s", in, got, want)
		}
	}
	if _, ok := Canonical("martingale"); ok {
		t.Fatalf("unknown mode should not resolve")
	}
}
