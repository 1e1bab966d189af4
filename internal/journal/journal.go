// Package journal persists trade records and activity events for the
// dashboard layer.
package journal

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"equitybot-go/internal/activity"
	"equitybot-go/internal/position"
)

// TradeRecord is written once at entry and completed at exit.
type TradeRecord struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Strategy   string          `json:"strategy"`
	Direction  string          `json:"direction"`
	Qty        int64           `json:"qty"`
	Entry      float64         `json:"entry"`
	Stop       float64         `json:"stop"`
	Target     float64         `json:"target"`
	Rationale  string          `json:"rationale"`
	OpenedAt   time.Time       `json:"opened_at"`
	Exit       float64         `json:"exit,omitempty"`
	ExitReason string          `json:"exit_reason,omitempty"`
	ExitNote   string          `json:"exit_note,omitempty"`
	ClosedAt   time.Time       `json:"closed_at,omitempty"`
	PnL        decimal.Decimal `json:"pnl"`
	Outcome    string          `json:"outcome,omitempty"` // win, loss or flat once closed
}

// Closed reports whether the exit half has been recorded.
func (t TradeRecord) Closed() bool { return !t.ClosedAt.IsZero() }

// FromPosition converts a position into its trade record.
func FromPosition(p position.Position) TradeRecord {
	rec := TradeRecord{
		ID:        p.ID,
		Symbol:    p.Symbol,
		Strategy:  p.Strategy,
		Direction: p.Direction.String(),
		Qty:       p.Qty,
		Entry:     p.Entry,
		Stop:      p.InitialStop,
		Target:    p.Target,
		Rationale: p.Rationale,
		OpenedAt:  p.OpenedAt,
		PnL:       decimal.Zero,
	}
	if p.State == position.Closed {
		rec.Exit = p.ExitPrice
		rec.ExitReason = string(p.ExitReason)
		rec.ExitNote = p.ExitNote
		rec.ClosedAt = p.ClosedAt
		rec.PnL = decimal.NewFromFloat(p.PnL).Round(2)
		switch rec.PnL.Sign() {
		case 1:
			rec.Outcome = "win"
		case -1:
			rec.Outcome = "loss"
		default:
			rec.Outcome = "flat"
		}
	}
	return rec
}

// Recorder persists the trade journal.
type Recorder interface {
	RecordEntry(rec TradeRecord) error
	RecordExit(rec TradeRecord) error
	RecordEvent(evt activity.Event) error
	Trades(limit int) ([]TradeRecord, error)
	Close() error
}

// EventSink forwards activity events to rec, logging write failures.
func EventSink(rec Recorder, log zerolog.Logger) activity.Sink {
	return activity.SinkFunc(func(e activity.Event) {
		if err := rec.RecordEvent(e); err != nil {
			log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("journal event write failed")
		}
	})
}
