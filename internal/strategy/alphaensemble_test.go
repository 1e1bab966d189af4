package strategy

import (
	"math"
	"testing"
	"time"

	"equitybot-go/internal/candle"
	"equitybot-go/internal/indicator"
	"equitybot-go/internal/signal"
)

func ensembleContext(higherOpen time.Time) Context {
	start := time.Date(2024, 5, 6, 3, 45, 0, 0, time.UTC)
	type bar struct{ o, h, l, c float64 }
	lowerBars := []bar{
		{100.8, 101.2, 100.7, 101},
		{101, 101.1, 100.1, 100.5}, // touches the 21 EMA at 100
		{100.5, 100.9, 100.3, 100.6},
		{100.4, 100.9, 100.3, 100.8},
	}
	var lower Frame
	lower.Width = 5 * time.Minute
	for i, b := range lowerBars {
		open := start.Add(time.Duration(i) * 5 * time.Minute)
		lower.Candles = append(lower.Candles, candle.Candle{Symbol: "ITC", OpenTime: open, Width: 5 * time.Minute, Open: b.o, High: b.h, Low: b.l, Close: b.c, Volume: 1500})
		lower.Snapshots = append(lower.Snapshots, indicator.Snapshot{
			Time: open, Close: b.c, Volume: 1500,
			EMASlow: 100, ADX: 28, RSI: 58, ATR: 0.6, VolumeAvg: 1000,
		})
	}
	higher := Frame{
		Width:   15 * time.Minute,
		Candles: []candle.Candle{{Symbol: "ITC", OpenTime: higherOpen, Width: 15 * time.Minute, Open: 99, High: 101.5, Low: 98.8, Close: 101}},
		Snapshots: []indicator.Snapshot{{
			Time: higherOpen, Close: 101, EMALong: 98, EMAFast: 100.5, EMASlow: 99.5,
		}},
	}
	return Context{
		Symbol: "ITC",
		Now:    start.Add(20 * time.Minute),
		Frame:  Frame{Width: time.Minute},
		Higher: map[time.Duration]Frame{5 * time.Minute: lower, 15 * time.Minute: higher},
	}
}

func TestAlphaEnsembleRetestLong(t *testing.T) {
	start := time.Date(2024, 5, 6, 3, 45, 0, 0, time.UTC)
	ctx := ensembleContext(start)
	sigs, err := NewAlphaEnsemble(EnsembleParams{}).Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected one signal, got %d", len(sigs))
	}
	s := sigs[0]
	if s.Direction != signal.Long || s.Entry != 100.8 {
		t.Fatalf("unexpected signal %+v", s)
	}
	// min(retest low 100.1, ema 100) - 0.5*ATR
	if math.Abs(s.Stop-99.7) > 1e-9 {
		t.Fatalf("stop = %.3f, want 99.7", s.Stop)
	}
	if math.Abs(s.Target-(100.8+2*1.1)) > 1e-9 {
		t.Fatalf("target = %.3f", s.Target)
	}
	if s.Timeframe != 5*time.Minute {
		t.Fatalf("timeframe = %s, want the 5m retest frame", s.Timeframe)
	}
}

func TestAlphaEnsembleRefusesHigherBarFromTheFuture(t *testing.T) {
	start := time.Date(2024, 5, 6, 3, 45, 0, 0, time.UTC)
	// a 15m bar opening at +15m closes at +30m, after the last 5m bar closes at +20m
	ctx := ensembleContext(start.Add(15 * time.Minute))
	sigs, err := NewAlphaEnsemble(EnsembleParams{}).Evaluate(ctx)
	if err == nil || len(sigs) != 0 {
		t.Fatalf("expected lookahead error, got %d signals (%v)", len(sigs), err)
	}
}

func TestAlphaEnsembleGates(t *testing.T) {
	start := time.Date(2024, 5, 6, 3, 45, 0, 0, time.UTC)
	cases := []struct {
		name   string
		params EnsembleParams
		mutate func(*Context)
	}{
		{"far from average", EnsembleParams{MaxDistancePct: 0.005}, nil},
		{"weak adx", EnsembleParams{ADXMin: 30}, nil},
		{"no bias", EnsembleParams{}, func(c *Context) {
			h := c.Higher[15*time.Minute]
			h.Snapshots[0].EMAFast = 99
			c.Higher[15*time.Minute] = h
		}},
		{"bearish confirmation bar", EnsembleParams{}, func(c *Context) {
			l := c.Higher[5*time.Minute]
			l.Candles[3].Open = 101
			c.Higher[5*time.Minute] = l
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := ensembleContext(start)
			if tc.mutate != nil {
				tc.mutate(&ctx)
			}
			var traces []string
			ctx.Trace = func(r string) { traces = append(traces, r) }
			sigs, err := NewAlphaEnsemble(tc.params).Evaluate(ctx)
			if err != nil || len(sigs) != 0 {
				t.Fatalf("expected gate to reject, got %d (%v)", len(sigs), err)
			}
			if len(traces) != 1 {
				t.Fatalf("expected one trace, got %v", traces)
			}
		})
	}
}

func TestRankTopKWithDeterministicTies(t *testing.T) {
	mk := func(sym, strat string, conf, rr float64) signal.Signal {
		return signal.Signal{Symbol: sym, Strategy: strat, Direction: signal.Long, Entry: 100, Stop: 99, Target: 100 + rr, Confidence: conf}
	}
	cands := []signal.Signal{
		mk("WIPRO", "ironclad", 0.5, 2),    // 1.0
		mk("INFY", "ironclad", 0.5, 2),     // 1.0, wins tie on symbol
		mk("TCS", "ironclad", 0.9, 3),      // 2.7
		mk("TCS", "pattern", 0.8, 2),       // 1.6, dropped: one per symbol
		mk("RELIANCE", "ironclad", 0.2, 2), // 0.4
	}
	got := Rank(cands, 3)
	var syms []string
	for _, s := range got {
		syms = append(syms, s.Symbol+"/"+s.Strategy)
	}
	want := []string{"TCS/ironclad", "INFY/ironclad", "WIPRO/ironclad"}
	if len(syms) != len(want) {
		t.Fatalf("got %v, want %v", syms, want)
	}
	for i := range want {
		if syms[i] != want[i] {
			t.Fatalf("got %v, want %v", syms, want)
		}
	}
	if Rank(cands, 0) != nil {
		t.Fatalf("no slots should yield nothing")
	}
}
