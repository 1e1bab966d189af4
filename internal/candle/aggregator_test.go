package candle

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"equitybot-go/internal/signal"
)

var t0 = time.Date(2024, 5, 6, 9, 15, 0, 0, time.UTC)

func tick(sym string, offset time.Duration, px, vol float64) signal.Tick {
	return signal.Tick{Symbol: sym, Price: px, Volume: vol, Ts: t0.Add(offset)}
}

func TestIngestBuildsOHLCV(t *testing.T) {
	agg := NewAggregator(time.Minute, zerolog.Nop())
	ticks := []signal.Tick{
		tick("INFY", 1*time.Second, 100, 10),
		tick("INFY", 10*time.Second, 103, 5),
		tick("INFY", 20*time.Second, 99, 5),
		tick("INFY", 50*time.Second, 101, 20),
	}
	for _, tk := range ticks {
		closed, err := agg.Ingest(tk)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if len(closed) != 0 {
			t.Fatalf("unexpected close inside bucket")
		}
	}
	closed, err := agg.Ingest(tick("INFY", 61*time.Second, 102, 1))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("expected one closed candle, got %d", len(closed))
	}
	c := closed[0]
	if c.Open != 100 || c.High != 103 || c.Low != 99 || c.Close != 101 || c.Volume != 40 {
		t.Fatalf("unexpected candle %+v", c)
	}
	if !c.OpenTime.Equal(t0) || c.Ticks != 4 {
		t.Fatalf("unexpected bucket or tick count %+v", c)
	}
}

func TestIngestDropsMalformedAndStale(t *testing.T) {
	agg := NewAggregator(time.Minute, zerolog.Nop())
	if _, err := agg.Ingest(tick("TCS", 5*time.Second, 200, 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	bad := []signal.Tick{
		{Symbol: "TCS", Price: math.NaN(), Volume: 1, Ts: t0.Add(6 * time.Second)},
		{Symbol: "TCS", Price: 0, Volume: 1, Ts: t0.Add(6 * time.Second)},
		{Symbol: "", Price: 10, Volume: 1, Ts: t0.Add(6 * time.Second)},
		{Symbol: "TCS", Price: 10, Volume: 1},
	}
	for _, tk := range bad {
		if _, err := agg.Ingest(tk); !errors.Is(err, ErrMalformedTick) {
			t.Fatalf("expected malformed error for %+v, got %v", tk, err)
		}
	}
	if _, err := agg.Ingest(tick("TCS", 1*time.Second, 500, 1)); !errors.Is(err, ErrStaleTick) {
		t.Fatalf("expected stale error, got %v", err)
	}
	cur, ok := agg.InProgress("TCS")
	if !ok || cur.High != 200 || cur.Low != 200 || cur.Volume != 1 {
		t.Fatalf("in-progress candle corrupted: %+v", cur)
	}
}

func TestIngestGapFillProducesContiguousBars(t *testing.T) {
	agg := NewAggregator(time.Minute, zerolog.Nop(), WithGapPolicy(GapFill))
	if _, err := agg.Ingest(tick("SBIN", 0, 500, 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	closed, err := agg.Ingest(tick("SBIN", 4*time.Minute+time.Second, 505, 3))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(closed) != 4 {
		t.Fatalf("expected real + 3 synthetic candles, got %d", len(closed))
	}
	for i := 1; i < len(closed); i++ {
		if closed[i].OpenTime.Sub(closed[i-1].OpenTime) != time.Minute {
			t.Fatalf("bars not evenly spaced at %d", i)
		}
		if !closed[i].Synthetic || closed[i].Close != 500 || closed[i].Volume != 0 {
			t.Fatalf("unexpected synthetic bar %+v", closed[i])
		}
	}
}

func TestIngestGapSkipJumpsForward(t *testing.T) {
	agg := NewAggregator(time.Minute, zerolog.Nop(), WithGapPolicy(GapSkip))
	_, _ = agg.Ingest(tick("SBIN", 0, 500, 10))
	closed, err := agg.Ingest(tick("SBIN", 4*time.Minute, 505, 3))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(closed) != 1 || closed[0].Synthetic {
		t.Fatalf("expected single real candle, got %+v", closed)
	}
}

func TestGapFillStopsAtSessionBoundary(t *testing.T) {
	session := func(ts time.Time) string { return ts.Format("2006-01-02") }
	agg := NewAggregator(time.Minute, zerolog.Nop(), WithSessionFunc(session))
	_, _ = agg.Ingest(tick("HDFC", 0, 1500, 1))
	closed, err := agg.Ingest(tick("HDFC", 24*time.Hour, 1510, 1))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("expected no overnight synthetic bars, got %d", len(closed))
	}
}

func TestFlushClosesElapsedBars(t *testing.T) {
	agg := NewAggregator(time.Minute, zerolog.Nop())
	_, _ = agg.Ingest(tick("A", 10*time.Second, 10, 1))
	_, _ = agg.Ingest(tick("B", 20*time.Second, 20, 1))
	if got := agg.Flush(t0.Add(59 * time.Second)); len(got) != 0 {
		t.Fatalf("flushed too early: %+v", got)
	}
	got := agg.Flush(t0.Add(time.Minute))
	if len(got) != 2 || got[0].Symbol != "A" || got[1].Symbol != "B" {
		t.Fatalf("unexpected flush result %+v", got)
	}
	if _, err := agg.Ingest(tick("A", 50*time.Second, 11, 1)); !errors.Is(err, ErrStaleTick) {
		t.Fatalf("expected closed bucket to reject late tick, got %v", err)
	}
}

func TestFlushSymbolLeavesOtherSymbols(t *testing.T) {
	agg := NewAggregator(time.Minute, zerolog.Nop())
	_, _ = agg.Ingest(tick("A", 10*time.Second, 10, 1))
	_, _ = agg.Ingest(tick("B", 20*time.Second, 20, 1))
	if _, ok := agg.FlushSymbol("A", t0.Add(30*time.Second)); ok {
		t.Fatal("flushed a bar whose bucket is still open")
	}
	c, ok := agg.FlushSymbol("A", t0.Add(time.Minute))
	if !ok || c.Symbol != "A" || c.Close != 10 {
		t.Fatalf("unexpected flush %+v (ok=%v)", c, ok)
	}
	if _, ok := agg.FlushSymbol("A", t0.Add(time.Minute)); ok {
		t.Fatal("second flush must find nothing")
	}
	if _, ok := agg.InProgress("B"); !ok {
		t.Fatal("B should still be building")
	}
}

func TestClosedCandlesMonotonic(t *testing.T) {
	agg := NewAggregator(time.Minute, zerolog.Nop())
	series := NewSeries("RELIANCE", 0)
	px := 2500.0
	for i := 0; i < 300; i++ {
		offset := time.Duration(i*17) * time.Second
		px += float64(i%7) - 3
		closed, err := agg.Ingest(tick("RELIANCE", offset, px, 1))
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		for _, c := range closed {
			if err := series.Append(c); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	}
	cs := series.Candles()
	for i := 1; i < len(cs); i++ {
		if cs[i].OpenTime.Sub(cs[i-1].OpenTime) != time.Minute {
			t.Fatalf("gap between %s and %s", cs[i-1].OpenTime, cs[i].OpenTime)
		}
	}
}
