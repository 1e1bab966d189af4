package paper

import (
	"sync"

	"equitybot-go/internal/execution"
)

// Ledger keeps the most recent paper fills in memory for the status API.
// A zero limit keeps everything.
type Ledger struct {
	mu    sync.Mutex
	limit int
	fills []execution.Fill
}

// NewLedger creates an empty ledger retaining at most limit fills.
func NewLedger(limit int) *Ledger {
	if limit < 0 {
		limit = 0
	}
	return &Ledger{limit: limit, fills: make([]execution.Fill, 0, min(limit, 256))}
}

// Record appends a fill, evicting the oldest once the limit is reached.
func (l *Ledger) Record(fill execution.Fill) {
	l.mu.Lock()
	l.fills = append(l.fills, fill)
	if l.limit > 0 && len(l.fills) > l.limit {
		l.fills = append(l.fills[:0], l.fills[len(l.fills)-l.limit:]...)
	}
	l.mu.Unlock()
}

// Snapshot returns a copy of the recorded fills, oldest first.
func (l *Ledger) Snapshot() []execution.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]execution.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

// ForSymbol returns the retained fills for one symbol.
func (l *Ledger) ForSymbol(symbol string) []execution.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []execution.Fill
	for _, f := range l.fills {
		if f.Symbol == symbol {
			out = append(out, f)
		}
	}
	return out
}

// Reset clears all stored fills.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.fills = l.fills[:0]
	l.mu.Unlock()
}
