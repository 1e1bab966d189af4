package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equitybot-go/internal/activity"
	"equitybot-go/internal/api"
	"equitybot-go/internal/config"
	"equitybot-go/internal/engine"
	"equitybot-go/internal/journal"
	"equitybot-go/internal/store"
)

const configTemplate = `
app:
  name: equitybot-it
market:
  symbols: [infy, tcs]
  bar_width: 1m
feed:
  provider: replay
  replay_path: %s
trading:
  mode: paper
  strategy: ironclad
  min_candles: 200
  scan_interval: 20ms
  monitor_interval: 10ms
journal:
  driver: sqlite
  sqlite_path: %s
`

// writeReplay records minutes of alternating INFY/TCS ticks from the 09:15 open
// of Monday 2 March 2026.
func writeReplay(t *testing.T, path string, minutes int) {
	t.Helper()
	ist := time.FixedZone("IST", 5*3600+30*60)
	open := time.Date(2026, 3, 2, 9, 15, 0, 0, ist)
	var b strings.Builder
	b.WriteString("ts,symbol,price,volume\n")
	for i := 0; i < minutes; i++ {
		at := open.Add(time.Duration(i) * time.Minute)
		fmt.Fprintf(&b, "%s,INFY,%.2f,%d\n", at.Add(5*time.Second).Format(time.RFC3339), 1500+0.25*float64(i), 1000+i)
		fmt.Fprintf(&b, "%s,TCS,%.2f,%d\n", at.Add(35*time.Second).Format(time.RFC3339), 3800-0.5*float64(i), 800+i)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func loadConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	for _, k := range []string{"TRADING_MODE", "TRADING_STRATEGY", "TRADING_SYMBOLS", "TRADING_CAPITAL", "BROKER_API_KEY", "BROKER_ACCESS_TOKEN", "SQLITE_PATH", "REDIS_ADDR"} {
		t.Setenv(k, "")
	}
	replay := filepath.Join(dir, "ticks.csv")
	writeReplay(t, replay, 30)
	path := filepath.Join(dir, "config.yaml")
	yml := fmt.Sprintf(configTemplate, replay, filepath.Join(dir, "journal", "equitybot.db"))
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestPaperReplayFlow(t *testing.T) {
	cfg := loadConfig(t, t.TempDir())
	eng, err := engine.Build(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	for _, sym := range []string{"INFY", "TCS"} {
		var n int
		require.NoError(t, eng.Store().View(sym, func(b *store.Book) error {
			n = b.Base.Len()
			return nil
		}))
		assert.Equal(t, 29, n, sym)
	}
	px, ok := eng.LastPrice("TCS")
	require.True(t, ok)
	assert.InDelta(t, 3800-0.5*29, px, 1e-9)

	// 29 candles never satisfy a 200 candle minimum, so every scan skips
	assert.Zero(t, eng.Positions().Count())
	assert.Empty(t, eng.Positions().History())
	var skipped, finished bool
	for _, e := range eng.Activity().Recent(0) {
		switch e.Kind {
		case activity.SymbolSkipped:
			skipped = skipped || strings.HasPrefix(e.Reason, "insufficient candles:")
		case activity.EngineNotice:
			finished = finished || e.Reason == "feed finished"
		}
	}
	assert.True(t, skipped, "expected an insufficient candles skip")
	assert.True(t, finished, "replay should report the end of the file")

	rec, ok := eng.Journal().(*journal.SQLiteRecorder)
	require.True(t, ok, "sqlite journal expected, got %T", eng.Journal())
	scans, err := rec.EventCount(activity.ScanFinished)
	require.NoError(t, err)
	assert.Positive(t, scans)
	skips, err := rec.EventCount(activity.SymbolSkipped)
	require.NoError(t, err)
	assert.Positive(t, skips)
}

func TestAPIServesEngineState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := loadConfig(t, t.TempDir())
	eng, err := engine.Build(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	router := api.NewRouter(api.Deps{
		Positions: eng.Positions(),
		Risk:      eng.Risk(),
		Activity:  eng.Activity(),
		Trades:    eng.Journal(),
		Status:    eng.Status,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st api.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "paper", st.Mode)
	assert.Equal(t, "ironclad", st.Strategy)
	assert.Equal(t, []string{"INFY", "TCS"}, st.Symbols)
	assert.False(t, st.OrdersBlocked)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/activity?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var events []activity.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.NotEmpty(t, events)
	assert.LessOrEqual(t, len(events), 5)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
