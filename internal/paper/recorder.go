package paper

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"equitybot-go/internal/execution"
)

// JSONLRecorder appends fills as JSON lines for later analysis.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	log  zerolog.Logger
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string, log zerolog.Logger) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{
		file: file,
		enc:  json.NewEncoder(file),
		log:  log.With().Str("component", "fill_recorder").Str("path", path).Logger(),
	}, nil
}

// Record writes a single fill to the underlying JSONL file. Write errors are
// logged; a lost audit line never blocks trading.
func (r *JSONLRecorder) Record(fill execution.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	if err := r.enc.Encode(fill); err != nil {
		r.log.Error().Err(err).Str("order_id", fill.OrderID).Msg("fill write failed")
	}
}

// Close flushes and closes the file handle.
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

// Tee fans a fill out to several recorders.
type Tee []execution.FillRecorder

// Record forwards the fill to every recorder in order.
func (t Tee) Record(fill execution.Fill) {
	for _, r := range t {
		if r != nil {
			r.Record(fill)
		}
	}
}
