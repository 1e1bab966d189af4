package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"equitybot-go/internal/metrics"
	"equitybot-go/internal/signal"
)

// wsQuote is one quote update. Volume is the cumulative session volume as
// brokers publish it; the feed converts it to per-tick deltas.
type wsQuote struct {
	Symbol string  `json:"symbol"`
	LTP    float64 `json:"ltp"`
	Volume float64 `json:"volume"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Ts     int64   `json:"ts"` // unix millis
}

type wsSubscribe struct {
	Action  string   `json:"a"`
	Symbols []string `json:"v"`
}

// volumeTracker turns cumulative volume into deltas per symbol. A drop in the
// cumulative figure means a new session, so the new figure is the delta.
type volumeTracker map[string]float64

func (v volumeTracker) delta(symbol string, cumulative float64) float64 {
	prev, seen := v[symbol]
	v[symbol] = cumulative
	switch {
	case !seen:
		return 0
	case cumulative < prev:
		return cumulative
	default:
		return cumulative - prev
	}
}

// decodeQuotes accepts a single quote object or an array of them.
func decodeQuotes(message []byte) ([]wsQuote, error) {
	message = bytes.TrimSpace(message)
	if len(message) == 0 {
		return nil, nil
	}
	if message[0] == '[' {
		var qs []wsQuote
		err := json.Unmarshal(message, &qs)
		return qs, err
	}
	var q wsQuote
	if err := json.Unmarshal(message, &q); err != nil {
		return nil, err
	}
	return []wsQuote{q}, nil
}

func (f *Feed) runWebsocket(ctx context.Context, out chan<- signal.Tick) error {
	if f.wsURL == "" {
		return errors.New("websocket feed requires ws_url")
	}
	if len(f.snapshotSymbols()) == 0 {
		return errors.New("websocket feed requires at least one symbol")
	}

	volumes := volumeTracker{}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		started := time.Now()
		err := f.consumeWebsocket(ctx, out, volumes)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a connection that held for a while starts the backoff over
		if time.Since(started) > time.Minute {
			attempt = 0
		}
		attempt++
		if f.reconnect.MaxAttempts > 0 && attempt > f.reconnect.MaxAttempts {
			return fmt.Errorf("websocket feed gave up after %d attempts: %w", attempt-1, err)
		}
		delay := f.reconnect.Delay(attempt)
		f.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("market data feed disconnected, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Feed) consumeWebsocket(ctx context.Context, out chan<- signal.Tick, volumes volumeTracker) error {
	header := http.Header{}
	for k, v := range f.wsHeaders {
		header.Set(k, v)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	symbols := f.snapshotSymbols()
	if err := conn.WriteJSON(wsSubscribe{Action: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info().Strs("symbols", symbols).Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("feed ping failed")
					return
				}
			case <-pingCtx.Done():
				// unblock ReadMessage on shutdown
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		quotes, err := decodeQuotes(message)
		if err != nil {
			metrics.TicksDroppedTotal.WithLabelValues("decode").Inc()
			f.log.Warn().Err(err).Msg("failed to decode quote message")
			continue
		}
		for _, q := range quotes {
			if q.Symbol == "" || q.LTP <= 0 {
				metrics.TicksDroppedTotal.WithLabelValues("malformed").Inc()
				continue
			}
			ts := time.UnixMilli(q.Ts)
			if q.Ts == 0 {
				ts = f.now()
			}
			tick := signal.Tick{
				Symbol: q.Symbol,
				Price:  q.LTP,
				Volume: volumes.delta(q.Symbol, q.Volume),
				Bid:    q.Bid,
				Ask:    q.Ask,
				Ts:     ts,
			}
			if err := f.emit(ctx, out, tick); err != nil {
				return err
			}
		}
	}
}
