// Package activity publishes diagnostic events (scan cycles, skips,
// rejections, position changes) to in-process sinks as they happen.
package activity

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an event.
type Kind string

const (
	ScanStarted     Kind = "scan_started"
	ScanFinished    Kind = "scan_finished"
	SymbolSkipped   Kind = "symbol_skipped"
	SignalGenerated Kind = "signal_generated"
	SignalRejected  Kind = "signal_rejected"
	OrderFailed     Kind = "order_failed"
	PositionOpened  Kind = "position_opened"
	PositionClosed  Kind = "position_closed"
	ExitFailed      Kind = "exit_failed"
	EngineNotice    Kind = "engine_notice"
)

// Event is one activity-feed entry. Reason always carries the specific,
// human-readable cause for skips and rejections.
type Event struct {
	Seq      int64          `json:"seq"`
	Time     time.Time      `json:"time"`
	Kind     Kind           `json:"kind"`
	Symbol   string         `json:"symbol,omitempty"`
	Strategy string         `json:"strategy,omitempty"`
	Check    string         `json:"check,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Sink receives events synchronously, in emission order.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Handle calls f(e).
func (f SinkFunc) Handle(e Event) { f(e) }

// Bus stamps events, keeps the most recent ones and fans them out.
type Bus struct {
	mu    sync.Mutex
	seq   int64
	ring  []Event
	next  int
	full  bool
	sinks []Sink
	now   func() time.Time
}

// NewBus retains capacity events for Recent.
func NewBus(capacity int, sinks ...Sink) *Bus {
	if capacity <= 0 {
		capacity = 500
	}
	return &Bus{ring: make([]Event, capacity), sinks: sinks, now: time.Now}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Emit records e and delivers it to every sink before returning.
func (b *Bus) Emit(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	for _, s := range b.sinks {
		s.Handle(e)
	}
	return e
}

// Recent returns up to n events, oldest first. n <= 0 returns all retained.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := b.next
	if b.full {
		size = len(b.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	start := (b.next - n + len(b.ring)) % len(b.ring)
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// LogSink writes events to a zerolog logger. Rejections and failures log at
// warn, the rest at info (scan ticks at debug).
func LogSink(log zerolog.Logger) Sink {
	return SinkFunc(func(e Event) {
		var ev *zerolog.Event
		switch e.Kind {
		case SignalRejected, OrderFailed, ExitFailed:
			ev = log.Warn()
		case ScanStarted, ScanFinished, SymbolSkipped:
			ev = log.Debug()
		default:
			ev = log.Info()
		}
		ev = ev.Int64("seq", e.Seq).Str("kind", string(e.Kind))
		if e.Symbol != "" {
			ev = ev.Str("sym", e.Symbol)
		}
		if e.Strategy != "" {
			ev = ev.Str("strategy", e.Strategy)
		}
		if e.Check != "" {
			ev = ev.Str("check", e.Check)
		}
		if len(e.Fields) > 0 {
			ev = ev.Fields(e.Fields)
		}
		ev.Msg(e.Reason)
	})
}
