package execution

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"equitybot-go/internal/retry"
	"equitybot-go/internal/signal"
)

type scriptedVenue struct {
	mu    sync.Mutex
	errs  []error
	calls []Order
}

func (v *scriptedVenue) PlaceOrder(_ context.Context, o Order) (Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, o)
	if len(v.errs) > 0 {
		err := v.errs[0]
		v.errs = v.errs[1:]
		if err != nil {
			return Fill{}, err
		}
	}
	return Fill{Symbol: o.Symbol, Side: o.Side, Qty: o.Qty, Price: o.Price, Ts: time.Now()}, nil
}

type sliceRecorder struct{ fills []Fill }

func (r *sliceRecorder) Record(f Fill) { r.fills = append(r.fills, f) }

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

func TestSubmitLogsOrder(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	rec := &sliceRecorder{}

	exec := NewExecutor(&scriptedVenue{}, logger, WithRecorder(rec))
	fill, err := exec.Submit(context.Background(), Order{Symbol: "INFY", Side: Buy, Qty: 10, Price: 1500})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if fill.OrderID == "" {
		t.Fatalf("expected generated order id")
	}
	if len(rec.fills) != 1 {
		t.Fatalf("expected recorded fill")
	}
	if out := buf.String(); !strings.Contains(out, "INFY") {
		t.Fatalf("log does not contain symbol: %s", out)
	}
}

func TestSubmitRetriesTransientWithSameID(t *testing.T) {
	venue := &scriptedVenue{errs: []error{ErrTransient, ErrTransient, nil}}
	exec := NewExecutor(venue, zerolog.Nop(), WithRetry(fastRetry))
	if _, err := exec.Submit(context.Background(), Order{Symbol: "INFY", Side: Sell, Qty: 5}); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if len(venue.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(venue.calls))
	}
	if venue.calls[0].ID != venue.calls[2].ID {
		t.Fatalf("retries must reuse the order id")
	}
}

func TestSubmitDoesNotRetryRejection(t *testing.T) {
	venue := &scriptedVenue{errs: []error{ErrRejected}}
	exec := NewExecutor(venue, zerolog.Nop(), WithRetry(fastRetry))
	_, err := exec.Submit(context.Background(), Order{Symbol: "INFY", Side: Buy, Qty: 5})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(venue.calls) != 1 {
		t.Fatalf("rejections must not be retried, got %d calls", len(venue.calls))
	}
}

func TestAuthFailureDisablesPlacement(t *testing.T) {
	venue := &scriptedVenue{errs: []error{ErrAuth}}
	exec := NewExecutor(venue, zerolog.Nop(), WithRetry(fastRetry))
	if _, err := exec.Submit(context.Background(), Order{Symbol: "INFY", Side: Buy, Qty: 5}); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if off, _ := exec.Disabled(); !off {
		t.Fatalf("executor should be disabled")
	}
	if _, err := exec.Submit(context.Background(), Order{Symbol: "TCS", Side: Buy, Qty: 1}); !errors.Is(err, ErrLiveDisabled) {
		t.Fatalf("expected ErrLiveDisabled, got %v", err)
	}
	if len(venue.calls) != 1 {
		t.Fatalf("disabled executor must not reach the venue")
	}
}

func TestSubmitRejectsInvalidOrder(t *testing.T) {
	exec := NewExecutor(&scriptedVenue{}, zerolog.Nop())
	if _, err := exec.Submit(context.Background(), Order{Symbol: "INFY", Side: Buy, Qty: 0}); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected invalid order, got %v", err)
	}
}

func TestSides(t *testing.T) {
	if EntrySide(signal.Long) != Buy || ExitSide(signal.Long) != Sell {
		t.Fatalf("long sides wrong")
	}
	if EntrySide(signal.Short) != Sell || ExitSide(signal.Short) != Buy {
		t.Fatalf("short sides wrong")
	}
}
