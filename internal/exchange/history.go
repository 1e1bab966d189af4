package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"equitybot-go/internal/candle"
	"equitybot-go/internal/retry"
)

// HistorySource fetches closed historical candles.
type HistorySource interface {
	Candles(ctx context.Context, symbol string, width time.Duration, from, to time.Time) ([]candle.Candle, error)
}

var (
	// ErrHistoryAuth marks rejected credentials on the history API.
	ErrHistoryAuth = errors.New("history api authentication failed")
	// ErrUnsupportedInterval is returned for widths the API cannot serve.
	ErrUnsupportedInterval = errors.New("unsupported candle interval")
)

var intervalNames = map[time.Duration]string{
	time.Minute:      "minute",
	3 * time.Minute:  "3minute",
	5 * time.Minute:  "5minute",
	10 * time.Minute: "10minute",
	15 * time.Minute: "15minute",
	30 * time.Minute: "30minute",
	time.Hour:        "60minute",
	24 * time.Hour:   "day",
}

// HistoryClient reads candles from a Kite-style historical data endpoint.
type HistoryClient struct {
	baseURL  string
	auth     string
	client   *http.Client
	limiter  *rate.Limiter
	policy   retry.Policy
	location *time.Location
	log      zerolog.Logger
}

// NewHistoryClient builds a client. auth is sent verbatim as the
// Authorization header.
func NewHistoryClient(baseURL, auth string, ratePerSec float64, policy retry.Policy, loc *time.Location, log zerolog.Logger) *HistoryClient {
	if ratePerSec <= 0 {
		ratePerSec = 3
	}
	if loc == nil {
		loc = time.UTC
	}
	return &HistoryClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		auth:     auth,
		client:   &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
		policy:   policy,
		location: loc,
		log:      log.With().Str("component", "history").Logger(),
	}
}

type historyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Candles [][]json.RawMessage `json:"candles"`
	} `json:"data"`
}

// Candles fetches bars of width for [from, to], retrying transient failures.
func (h *HistoryClient) Candles(ctx context.Context, symbol string, width time.Duration, from, to time.Time) ([]candle.Candle, error) {
	interval, ok := intervalNames[width]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInterval, width)
	}
	q := url.Values{}
	q.Set("from", from.In(h.location).Format("2006-01-02 15:04:05"))
	q.Set("to", to.In(h.location).Format("2006-01-02 15:04:05"))
	endpoint := fmt.Sprintf("%s/instruments/historical/%s/%s?%s", h.baseURL, url.PathEscape(symbol), interval, q.Encode())

	var payload historyResponse
	err := h.policy.Do(ctx, func(ctx context.Context) error {
		payload = historyResponse{}
		return h.fetch(ctx, endpoint, &payload)
	})
	if err != nil {
		return nil, fmt.Errorf("history %s %s: %w", symbol, interval, err)
	}

	out := make([]candle.Candle, 0, len(payload.Data.Candles))
	for i, row := range payload.Data.Candles {
		c, err := parseHistoryRow(symbol, width, row)
		if err != nil {
			return nil, fmt.Errorf("history %s row %d: %w", symbol, i, err)
		}
		out = append(out, c)
	}
	h.log.Debug().Str("sym", symbol).Str("interval", interval).Int("candles", len(out)).Msg("history fetched")
	return out, nil
}

func (h *HistoryClient) fetch(ctx context.Context, endpoint string, out *historyResponse) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("X-Kite-Version", "3")
	if h.auth != "" {
		req.Header.Set("Authorization", h.auth)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.Permanent(fmt.Errorf("%w: status %d", ErrHistoryAuth, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return retry.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if out.Status == "error" {
		return retry.Permanent(fmt.Errorf("history api: %s", out.Message))
	}
	return nil
}

// parseHistoryRow decodes [timestamp, open, high, low, close, volume].
func parseHistoryRow(symbol string, width time.Duration, row []json.RawMessage) (candle.Candle, error) {
	if len(row) < 6 {
		return candle.Candle{}, fmt.Errorf("want 6 fields, got %d", len(row))
	}
	var raw string
	if err := json.Unmarshal(row[0], &raw); err != nil {
		return candle.Candle{}, fmt.Errorf("timestamp: %w", err)
	}
	ts, err := time.Parse("2006-01-02T15:04:05-0700", raw)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, raw); err != nil {
			return candle.Candle{}, fmt.Errorf("timestamp %q: %w", raw, err)
		}
	}
	var vals [5]float64
	for i := range vals {
		if err := json.Unmarshal(row[i+1], &vals[i]); err != nil {
			return candle.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return candle.Candle{
		Symbol:   symbol,
		OpenTime: ts,
		Width:    width,
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}
