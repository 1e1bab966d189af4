package activity

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestBusDeliversSynchronously(t *testing.T) {
	var seen []Kind
	bus := NewBus(10, SinkFunc(func(e Event) { seen = append(seen, e.Kind) }))

	e := bus.Emit(Event{Kind: SymbolSkipped, Symbol: "INFY", Reason: "insufficient candles"})
	if len(seen) != 1 || seen[0] != SymbolSkipped {
		t.Fatalf("sink not called before Emit returned")
	}
	if e.Seq != 1 || e.Time.IsZero() {
		t.Fatalf("event not stamped: %+v", e)
	}
}

func TestBusRecentWrapsRing(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Emit(Event{Kind: ScanStarted})
	}
	got := bus.Recent(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(got))
	}
	if got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("expected seq 3..5 oldest first, got %d..%d", got[0].Seq, got[2].Seq)
	}
	if last := bus.Recent(1); len(last) != 1 || last[0].Seq != 5 {
		t.Fatalf("unexpected Recent(1) %+v", last)
	}
	if got := NewBus(3).Recent(10); len(got) != 0 {
		t.Fatalf("empty bus returned %d events", len(got))
	}
}

func TestLogSinkWritesReason(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(2, LogSink(zerolog.New(&buf)))
	bus.Emit(Event{Kind: SignalRejected, Symbol: "TCS", Check: "volume", Reason: "volume ratio 0.80 below 1.20"})
	out := buf.String()
	if !strings.Contains(out, `"check":"volume"`) || !strings.Contains(out, "volume ratio 0.80 below 1.20") {
		t.Fatalf("unexpected log line %s", out)
	}
	if !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("rejections should log at warn: %s", out)
	}
}
