package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"equitybot-go/internal/activity"
)

// SQLiteRecorder persists trades and events to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(dbPath string, log zerolog.Logger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL so the dashboard can read while the engine writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: log.With().Str("component", "journal").Logger()}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.Info().Str("path", dbPath).Msg("sqlite journal opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id          TEXT PRIMARY KEY,
			symbol      TEXT NOT NULL,
			strategy    TEXT,
			direction   TEXT,
			qty         INTEGER,
			entry       REAL,
			stop        REAL,
			target      REAL,
			rationale   TEXT,
			opened_at   INTEGER NOT NULL,
			exit_price  REAL,
			exit_reason TEXT,
			exit_note   TEXT,
			closed_at   INTEGER,
			pnl         TEXT,
			outcome     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_opened ON trades(opened_at)`,

		`CREATE TABLE IF NOT EXISTS events (
			seq       INTEGER,
			timestamp INTEGER NOT NULL,
			kind      TEXT NOT NULL,
			symbol    TEXT,
			strategy  TEXT,
			check_name TEXT,
			reason    TEXT,
			fields    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordEntry(rec TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO trades
		(id, symbol, strategy, direction, qty, entry, stop, target, rationale, opened_at, pnl)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Symbol, rec.Strategy, rec.Direction, rec.Qty,
		rec.Entry, rec.Stop, rec.Target, rec.Rationale,
		rec.OpenedAt.UnixMilli(), rec.PnL.String(),
	)
	return err
}

// RecordExit completes the trade row, inserting it if the entry was never
// recorded.
func (r *SQLiteRecorder) RecordExit(rec TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO trades
		(id, symbol, strategy, direction, qty, entry, stop, target, rationale, opened_at,
		 exit_price, exit_reason, exit_note, closed_at, pnl, outcome)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			exit_price = excluded.exit_price,
			exit_reason = excluded.exit_reason,
			exit_note = excluded.exit_note,
			closed_at = excluded.closed_at,
			pnl = excluded.pnl,
			outcome = excluded.outcome`,
		rec.ID, rec.Symbol, rec.Strategy, rec.Direction, rec.Qty,
		rec.Entry, rec.Stop, rec.Target, rec.Rationale, rec.OpenedAt.UnixMilli(),
		rec.Exit, rec.ExitReason, rec.ExitNote, rec.ClosedAt.UnixMilli(),
		rec.PnL.String(), rec.Outcome,
	)
	return err
}

func (r *SQLiteRecorder) RecordEvent(evt activity.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fields []byte
	if len(evt.Fields) > 0 {
		b, err := json.Marshal(evt.Fields)
		if err != nil {
			return fmt.Errorf("encode fields: %w", err)
		}
		fields = b
	}
	_, err := r.db.Exec(`INSERT INTO events
		(seq, timestamp, kind, symbol, strategy, check_name, reason, fields)
		VALUES (?,?,?,?,?,?,?,?)`,
		evt.Seq, evt.Time.UnixMilli(), string(evt.Kind), evt.Symbol, evt.Strategy,
		evt.Check, evt.Reason, string(fields),
	)
	return err
}

// Trades returns the newest limit trades, newest first.
func (r *SQLiteRecorder) Trades(limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT id, symbol, strategy, direction, qty, entry, stop, target,
		rationale, opened_at, exit_price, exit_reason, exit_note, closed_at, pnl, outcome
		FROM trades ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			rec                           TradeRecord
			opened                        int64
			exitPx                        sql.NullFloat64
			exitReason, exitNote, outcome sql.NullString
			closed                        sql.NullInt64
			pnl                           sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Strategy, &rec.Direction, &rec.Qty,
			&rec.Entry, &rec.Stop, &rec.Target, &rec.Rationale, &opened,
			&exitPx, &exitReason, &exitNote, &closed, &pnl, &outcome); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		rec.OpenedAt = time.UnixMilli(opened).UTC()
		rec.Exit = exitPx.Float64
		rec.ExitReason = exitReason.String
		rec.ExitNote = exitNote.String
		rec.Outcome = outcome.String
		if closed.Valid {
			rec.ClosedAt = time.UnixMilli(closed.Int64).UTC()
		}
		rec.PnL = decimal.Zero
		if pnl.Valid && pnl.String != "" {
			if rec.PnL, err = decimal.NewFromString(pnl.String); err != nil {
				return nil, fmt.Errorf("parse pnl %q: %w", pnl.String, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EventCount returns the number of stored events of kind (all kinds when empty).
func (r *SQLiteRecorder) EventCount(kind activity.Kind) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	var err error
	if kind == "" {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	} else {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM events WHERE kind = ?`, string(kind)).Scan(&n)
	}
	return n, err
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info().Msg("closing sqlite journal")
	return r.db.Close()
}
