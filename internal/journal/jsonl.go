package journal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"equitybot-go/internal/activity"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal closed")

type jsonlLine struct {
	Type  string          `json:"type"` // entry, exit or event
	Trade *TradeRecord    `json:"trade,omitempty"`
	Event *activity.Event `json:"event,omitempty"`
}

// JSONLRecorder appends journal lines to a file and keeps this run's trades
// in memory for Trades.
type JSONLRecorder struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	trades map[string]int
	order  []TradeRecord
}

// NewJSONLRecorder creates/opens the target file.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{file: file, enc: json.NewEncoder(file), trades: make(map[string]int)}, nil
}

func (r *JSONLRecorder) write(line jsonlLine) error {
	if r.file == nil {
		return ErrClosed
	}
	return r.enc.Encode(line)
}

func (r *JSONLRecorder) upsert(rec TradeRecord) {
	if i, ok := r.trades[rec.ID]; ok {
		r.order[i] = rec
		return
	}
	r.trades[rec.ID] = len(r.order)
	r.order = append(r.order, rec)
}

func (r *JSONLRecorder) RecordEntry(rec TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(rec)
	return r.write(jsonlLine{Type: "entry", Trade: &rec})
}

func (r *JSONLRecorder) RecordExit(rec TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(rec)
	return r.write(jsonlLine{Type: "exit", Trade: &rec})
}

func (r *JSONLRecorder) RecordEvent(evt activity.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(jsonlLine{Type: "event", Event: &evt})
}

// Trades returns the newest limit trades of this run, newest first.
func (r *JSONLRecorder) Trades(limit int) ([]TradeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.order) {
		limit = len(r.order)
	}
	out := make([]TradeRecord, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.order[i])
	}
	return out, nil
}

func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
