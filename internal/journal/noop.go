package journal

import "equitybot-go/internal/activity"

// NoopRecorder is used when no journal is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordEntry(TradeRecord) error { return nil }
func (n *NoopRecorder) RecordExit(TradeRecord) error { return nil }
func (n *NoopRecorder) RecordEvent(activity.Event) error { return nil }
func (n *NoopRecorder) Trades(int) ([]TradeRecord, error) { return nil, nil }
func (n *NoopRecorder) Close() error { return nil }
