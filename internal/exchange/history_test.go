package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"

	"equitybot-go/internal/candle"
	"equitybot-go/internal/retry"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func TestHistoryClientParsesCandles(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/instruments/historical/INFY/minute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("from"); got != "2024-03-04 09:15:00" {
			t.Errorf("unexpected from %q", got)
		}
		if r.Header.Get("Authorization") != "token k:t" {
			t.Errorf("missing auth header")
		}
		fmt.Fprint(w, `{"status":"success","data":{"candles":[["2024-03-04T09:15:00+0530",1500,1505,1498,1502,12000],["2024-03-04T09:16:00+0530",1502,1506,1501,1504,8000]]}}`)
	}))
	defer srv.Close()

	client := NewHistoryClient(srv.URL, "token k:t", 100, retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, ist, zerolog.Nop())
	from := time.Date(2024, 3, 4, 9, 15, 0, 0, ist)
	cs, err := client.Candles(context.Background(), "INFY", time.Minute, from, from.Add(time.Hour))
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(cs) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(cs))
	}
	if !cs[0].OpenTime.Equal(from) || cs[0].Close != 1502 || cs[1].Volume != 8000 || cs[1].Width != time.Minute {
		t.Fatalf("unexpected candles %+v", cs)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry after 503, got %d calls", calls.Load())
	}
}

func TestHistoryClientAuthIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewHistoryClient(srv.URL, "", 100, retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil, zerolog.Nop())
	_, err := client.Candles(context.Background(), "INFY", time.Minute, time.Now().Add(-time.Hour), time.Now())
	if !errors.Is(err, ErrHistoryAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("auth failures must not be retried, got %d calls", calls.Load())
	}
	if _, err := client.Candles(context.Background(), "INFY", 7*time.Minute, time.Now(), time.Now()); !errors.Is(err, ErrUnsupportedInterval) {
		t.Fatalf("expected interval error, got %v", err)
	}
}

type stubHistory struct {
	calls int
	out   []candle.Candle
	err   error
}

func (s *stubHistory) Candles(context.Context, string, time.Duration, time.Time, time.Time) ([]candle.Candle, error) {
	s.calls++
	return s.out, s.err
}

func TestCachingHistory(t *testing.T) {
	from := time.Unix(1709523900, 0)
	to := from.Add(time.Hour)
	key := fmt.Sprintf("candles:INFY:1:%d:%d", from.Unix(), to.Unix())
	want := []candle.Candle{{Symbol: "INFY", OpenTime: from.UTC(), Width: time.Minute, Close: 1502}}
	payload, _ := json.Marshal(want)

	t.Run("nil redis bypasses cache", func(t *testing.T) {
		inner := &stubHistory{out: want}
		got, err := NewCachingHistory(nil, 0, inner, "").Candles(context.Background(), "INFY", time.Minute, from, to)
		if err != nil || len(got) != 1 || inner.calls != 1 {
			t.Fatalf("unexpected bypass result %v %v %d", got, err, inner.calls)
		}
	})

	t.Run("hit", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		defer func() { _ = rdb.Close() }()
		mock.ExpectGet(key).SetVal(string(payload))

		inner := &stubHistory{}
		got, err := NewCachingHistory(rdb, time.Minute, inner, "candles").Candles(context.Background(), "INFY", time.Minute, from, to)
		if err != nil || len(got) != 1 || got[0].Close != 1502 {
			t.Fatalf("unexpected hit result %v %v", got, err)
		}
		if inner.calls != 0 {
			t.Fatalf("inner source must not be called on a hit")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unfulfilled mock expectations: %v", err)
		}
	})

	t.Run("miss stores", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		defer func() { _ = rdb.Close() }()
		mock.ExpectGet(key).RedisNil()
		mock.ExpectSet(key, payload, time.Minute).SetVal("OK")

		inner := &stubHistory{out: want}
		got, err := NewCachingHistory(rdb, time.Minute, inner, "candles").Candles(context.Background(), "INFY", time.Minute, from, to)
		if err != nil || len(got) != 1 || inner.calls != 1 {
			t.Fatalf("unexpected miss result %v %v", got, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unfulfilled mock expectations: %v", err)
		}
	})

	t.Run("corrupted entry is dropped", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		defer func() { _ = rdb.Close() }()
		mock.ExpectGet(key).SetVal("{broken")
		mock.ExpectDel(key).SetVal(1)
		mock.ExpectSet(key, payload, time.Minute).SetVal("OK")

		inner := &stubHistory{out: want}
		if _, err := NewCachingHistory(rdb, time.Minute, inner, "candles").Candles(context.Background(), "INFY", time.Minute, from, to); err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unfulfilled mock expectations: %v", err)
		}
	})

	t.Run("inner error propagates", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		defer func() { _ = rdb.Close() }()
		mock.ExpectGet(key).RedisNil()
		boom := errors.New("upstream down")
		_, err := NewCachingHistory(rdb, time.Minute, &stubHistory{err: boom}, "candles").Candles(context.Background(), "INFY", time.Minute, from, to)
		if !errors.Is(err, boom) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	})
}
