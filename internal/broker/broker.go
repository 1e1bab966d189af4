// Package broker holds the order venues the executor can talk to: a paper
// simulator backed by a local account and a REST client for a Kite-style
// equities API.
package broker

import (
	"context"

	"equitybot-go/internal/execution"
)

// Broker places orders and reports the funds available for new ones.
type Broker interface {
	execution.Venue
	AvailableMargin(ctx context.Context) (float64, error)
}

// Error classes shared with the executor so callers can match with errors.Is
// without importing execution.
var (
	ErrAuth      = execution.ErrAuth
	ErrTransient = execution.ErrTransient
	ErrRejected  = execution.ErrRejected
)
