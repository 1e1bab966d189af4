package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"equitybot-go/internal/execution"
)

// Credentials authenticate REST calls.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// RESTConfig configures the live broker client.
type RESTConfig struct {
	BaseURL     string
	Exchange    string        // e.g. NSE
	RatePerSec  float64       // request budget; 0 means 3/s
	Timeout     time.Duration // per HTTP request
	ConfirmWait time.Duration // how long to poll for a fill after the ack
	PollEvery   time.Duration
}

// REST places orders through a Kite-style HTTP API.
type REST struct {
	cfg     RESTConfig
	creds   Credentials
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	mu    sync.Mutex
	acked map[string]string // client order ID -> broker order ID
	tried map[string]bool   // IDs whose placement outcome is unknown
}

// NewREST builds a live client. An empty access token is allowed so the
// engine can run analysis-only; every call then fails with ErrAuth.
func NewREST(cfg RESTConfig, creds Credentials, log zerolog.Logger) *REST {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "NSE"
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 250 * time.Millisecond
	}
	return &REST{
		cfg:     cfg,
		creds:   creds,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		log:     log.With().Str("component", "rest_broker").Logger(),
		acked:   make(map[string]string),
		tried:   make(map[string]bool),
	}
}

type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

type orderRow struct {
	OrderID         string  `json:"order_id"`
	Tag             string  `json:"tag"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	AveragePrice    float64 `json:"average_price"`
	FilledQuantity  int64   `json:"filled_quantity"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
}

// PlaceOrder submits the order and waits up to ConfirmWait for the fill.
// The client order ID travels as the order tag; a retry after an unknown
// outcome looks the tag up before placing again.
func (r *REST) PlaceOrder(ctx context.Context, o execution.Order) (execution.Fill, error) {
	brokerID, err := r.existing(ctx, o.ID)
	if err != nil {
		return execution.Fill{}, err
	}
	if brokerID == "" {
		brokerID, err = r.place(ctx, o)
		if err != nil {
			return execution.Fill{}, err
		}
	}

	fill := execution.Fill{
		OrderID:  o.ID,
		BrokerID: brokerID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Qty:      o.Qty,
		Price:    o.Price,
		Ts:       time.Now().UTC(),
	}
	row, err := r.confirm(ctx, brokerID)
	switch {
	case err != nil && errors.Is(err, ErrRejected):
		return execution.Fill{}, err
	case err != nil:
		// acknowledged but unconfirmed: keep the reference price
		r.log.Warn().Err(err).Str("order_id", o.ID).Str("broker_id", brokerID).Msg("fill not confirmed")
	case row.AveragePrice > 0:
		fill.Price = row.AveragePrice
	}
	return fill, nil
}

func (r *REST) existing(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	r.mu.Lock()
	brokerID, acked := r.acked[id]
	unknown := r.tried[id]
	r.mu.Unlock()
	if acked {
		return brokerID, nil
	}
	if !unknown {
		return "", nil
	}
	rows, err := r.orders(ctx)
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if row.Tag == tag(id) {
			r.remember(id, row.OrderID)
			return row.OrderID, nil
		}
	}
	return "", nil
}

func (r *REST) remember(id, brokerID string) {
	r.mu.Lock()
	r.acked[id] = brokerID
	delete(r.tried, id)
	r.mu.Unlock()
}

func (r *REST) place(ctx context.Context, o execution.Order) (string, error) {
	form := url.Values{}
	form.Set("tradingsymbol", o.Symbol)
	form.Set("exchange", r.cfg.Exchange)
	form.Set("transaction_type", string(o.Side))
	form.Set("quantity", strconv.FormatInt(o.Qty, 10))
	form.Set("order_type", string(o.Type))
	form.Set("product", string(o.Product))
	form.Set("validity", "DAY")
	if o.Type == execution.Limit {
		form.Set("price", strconv.FormatFloat(o.Price, 'f', 2, 64))
	}
	if o.ID != "" {
		form.Set("tag", tag(o.ID))
		r.mu.Lock()
		r.tried[o.ID] = true
		r.mu.Unlock()
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := r.do(ctx, http.MethodPost, "/orders/regular", form, &data); err != nil {
		if !errors.Is(err, ErrTransient) {
			r.mu.Lock()
			delete(r.tried, o.ID)
			r.mu.Unlock()
		}
		return "", err
	}
	if data.OrderID == "" {
		return "", fmt.Errorf("%w: empty order id in ack", ErrTransient)
	}
	if o.ID != "" {
		r.remember(o.ID, data.OrderID)
	}
	return data.OrderID, nil
}

func (r *REST) confirm(ctx context.Context, brokerID string) (orderRow, error) {
	if r.cfg.ConfirmWait <= 0 {
		return orderRow{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConfirmWait)
	defer cancel()
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()
	for {
		var rows []orderRow
		err := r.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(brokerID), nil, &rows)
		if err == nil && len(rows) > 0 {
			last := rows[len(rows)-1]
			switch strings.ToUpper(last.Status) {
			case "COMPLETE":
				return last, nil
			case "REJECTED", "CANCELLED":
				return last, fmt.Errorf("%w: %s %s", ErrRejected, strings.ToLower(last.Status), last.StatusMessage)
			}
		} else if err != nil && errors.Is(err, ErrAuth) {
			return orderRow{}, err
		}
		select {
		case <-ctx.Done():
			return orderRow{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *REST) orders(ctx context.Context) ([]orderRow, error) {
	var rows []orderRow
	if err := r.do(ctx, http.MethodGet, "/orders", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// AvailableMargin returns the net equity margin.
func (r *REST) AvailableMargin(ctx context.Context) (float64, error) {
	var data struct {
		Net       float64 `json:"net"`
		Available struct {
			LiveBalance float64 `json:"live_balance"`
		} `json:"available"`
	}
	if err := r.do(ctx, http.MethodGet, "/user/margins/equity", nil, &data); err != nil {
		return 0, err
	}
	if data.Net == 0 {
		return data.Available.LiveBalance, nil
	}
	return data.Net, nil
}

// do sends one rate-limited request and maps the outcome onto the shared
// error classes: auth, transient, rejected.
func (r *REST) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if r.creds.AccessToken == "" {
		return fmt.Errorf("%w: no access token", ErrAuth)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	endpoint := strings.TrimSuffix(r.cfg.BaseURL, "/") + path
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+r.creds.APIKey+":"+r.creds.AccessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || env.ErrorType == "TokenException":
		return fmt.Errorf("%w: %s", ErrAuth, message(resp, env))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrTransient, message(resp, env))
	case resp.StatusCode >= 300 || env.Status == "error":
		return fmt.Errorf("%w: %s", ErrRejected, message(resp, env))
	case decodeErr != nil:
		return fmt.Errorf("%w: decode response: %v", ErrTransient, decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func message(resp *http.Response, env envelope) string {
	if env.Message != "" {
		return env.Message
	}
	return resp.Status
}

// tag fits a client ID into the 20-character order tag.
func tag(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 20 {
		return id[:20]
	}
	return id
}
