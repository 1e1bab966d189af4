package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"equitybot-go/internal/activity"
	"equitybot-go/internal/broker"
	"equitybot-go/internal/candle"
	"equitybot-go/internal/config"
	"equitybot-go/internal/exchange"
	"equitybot-go/internal/execution"
	"equitybot-go/internal/journal"
	"equitybot-go/internal/paper"
	"equitybot-go/internal/position"
	"equitybot-go/internal/risk"
	"equitybot-go/internal/session"
	"equitybot-go/internal/strategy"
	"equitybot-go/internal/validate"
)

// Build assembles an engine and all of its collaborators from configuration.
// The caller owns the returned engine and must Close it.
func Build(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cal, err := cfg.Market.Calendar()
	if err != nil {
		return nil, err
	}
	cutoff, err := session.ParseClock(cfg.Trading.EODCutoff)
	if err != nil {
		return nil, fmt.Errorf("trading.eod_cutoff: %w", err)
	}
	strat := strategy.Build(cfg.Trading.Strategy, cfg.Strategy)

	// the engine does not exist yet when the broker is built
	var eng *Engine
	now := func() time.Time {
		if eng == nil {
			return time.Now()
		}
		return eng.now()
	}

	var (
		venue   execution.Venue
		margin  validate.MarginSource
		closers []io.Closer
	)
	if cfg.Live() {
		rest := broker.NewREST(broker.RESTConfig{
			BaseURL:     cfg.Broker.BaseURL,
			Exchange:    cfg.Broker.Exchange,
			RatePerSec:  cfg.Broker.RatePerSec,
			Timeout:     cfg.Broker.Timeout,
			ConfirmWait: cfg.Broker.ConfirmWait,
			PollEvery:   cfg.Broker.PollEvery,
		}, broker.Credentials{APIKey: cfg.Broker.APIKey, AccessToken: cfg.Broker.AccessToken}, log)
		venue, margin = rest, rest
	} else {
		account := paper.NewAccount(cfg.Trading.Capital, cfg.Paper.MaxPositionPerSymbol)
		pb := broker.NewPaper(account, log,
			broker.WithSlippageBps(cfg.Paper.SlippageBps),
			broker.WithLatency(cfg.Paper.Latency),
			broker.WithPrices(func(sym string) (float64, bool) {
				if eng == nil {
					return 0, false
				}
				return eng.LastPrice(sym)
			}),
			broker.WithClock(now),
		)
		venue, margin = pb, pb
	}

	execOpts := []execution.Option{
		execution.WithRetry(cfg.Retry),
		execution.WithTimeout(cfg.Broker.Timeout),
		execution.WithRecorder(paper.NewLedger(cfg.Paper.LedgerSize)),
	}
	if cfg.Paper.FillsPath != "" {
		fills, err := paper.NewJSONLRecorder(cfg.Paper.FillsPath, log)
		if err != nil {
			return nil, fmt.Errorf("open fills log: %w", err)
		}
		execOpts = append(execOpts, execution.WithRecorder(fills))
		closers = append(closers, fills)
	}
	exec := execution.NewExecutor(venue, log, execOpts...)

	rec, err := openJournal(cfg.Journal, log)
	if err != nil {
		closeQuietly(closers)
		return nil, err
	}
	bus := activity.NewBus(0, activity.LogSink(log), journal.EventSink(rec, log))

	symbols := append([]string(nil), cfg.Market.Symbols...)
	if cfg.Market.Benchmark != "" {
		symbols = append(symbols, cfg.Market.Benchmark)
	}
	feed := exchange.NewFeed(cfg.Feed.Provider, symbols, log,
		exchange.WithStubInterval(cfg.Feed.StubInterval),
		exchange.WithWebsocket(cfg.Feed.WSURL, authHeader(cfg.Broker)),
		exchange.WithReplay(cfg.Feed.ReplayPath, cfg.Feed.ReplaySpeed),
		exchange.WithReconnect(cfg.Feed.Reconnect),
		exchange.WithClock(now),
	)

	var history exchange.HistorySource
	if cfg.Broker.APIKey != "" && cfg.Broker.AccessToken != "" {
		history = exchange.NewHistoryClient(cfg.Broker.BaseURL, authHeader(cfg.Broker)["Authorization"],
			cfg.Broker.RatePerSec, cfg.Retry, cal.Location(), log)
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			history = exchange.NewCachingHistory(rdb, cfg.Redis.TTL, history, cfg.Redis.Namespace)
			closers = append(closers, rdb)
		}
	}

	set := Settings{
		Symbols:         cfg.Market.Symbols,
		Benchmark:       cfg.Market.Benchmark,
		BarWidth:        cfg.Market.BarWidth,
		Higher:          cfg.Market.HigherTimeframes,
		GapPolicy:       candle.GapPolicy(cfg.Market.GapPolicy),
		CandleCapacity:  cfg.Market.CandleCapacity,
		HistoryDays:     cfg.Market.HistoryDays,
		MinCandles:      cfg.Trading.MinCandles,
		ScanInterval:    cfg.Trading.ScanInterval,
		MonitorInterval: cfg.Trading.MonitorInterval,
		EODCutoff:       cutoff,
		TopK:            cfg.Trading.TopK,
		StaleAfter:      cfg.Trading.StaleAfter,
		OrderTimeout:    cfg.Trading.OrderTimeout,
		CloseOnShutdown: cfg.Trading.CloseOnShutdown,
		Mode:            strings.ToLower(cfg.Trading.Mode),
	}
	comps := Components{
		Calendar:   cal,
		Strategy:   strat,
		Indicators: cfg.Indicators,
		Validator:  validate.New(cfg.Validator),
		Sizer: risk.Sizer{
			RiskFraction: cfg.Trading.RiskPerTrade,
			MaxQuantity:  cfg.Trading.MaxQuantity,
			Limits:       risk.Limits{MaxNotionalPerTrade: cfg.Trading.MaxNotionalPerTrade},
		},
		Risk: risk.NewState(risk.Config{
			PortfolioValue: cfg.Trading.Capital,
			MaxHeat:        cfg.Trading.MaxPortfolioHeat,
			MaxPositions:   cfg.Trading.MaxPositions,
			MaxDailyLoss:   cfg.Trading.MaxDailyLoss,
		}),
		Executor: exec,
		Positions: position.Config{
			TrailStep:    cfg.Trading.TrailStep,
			StaleAfter:   cfg.Trading.StaleAfter,
			FailureLimit: cfg.Trading.FailureLimit,
			Product:      execution.Product(strings.ToUpper(cfg.Trading.Product)),
		},
		Margin:  validate.NewMarginCache(margin, cfg.Broker.MarginCacheTTL, cfg.Broker.MarginTimeout, log),
		Feed:    feed,
		History: history,
		Journal: rec,
		Bus:     bus,
	}

	var all []Option
	for _, c := range closers {
		all = append(all, WithCloser(c))
	}
	if feed.Provider() == exchange.ProviderReplay {
		all = append(all, WithMarketClock())
	} else {
		all = append(all, WithScheduler(session.NewScheduler(cal, log)))
	}
	all = append(all, opts...)

	eng, err = New(set, comps, log, all...)
	if err != nil {
		closeQuietly(append(closers, rec))
		return nil, err
	}
	return eng, nil
}

func openJournal(cfg config.Journal, log zerolog.Logger) (journal.Recorder, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
		rec, err := journal.NewSQLiteRecorder(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return rec, nil
	case "jsonl":
		rec, err := journal.NewJSONLRecorder(cfg.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("open jsonl journal: %w", err)
		}
		return rec, nil
	default:
		return journal.NewNoopRecorder(), nil
	}
}

// authHeader is the broker's "token api_key:access_token" scheme.
func authHeader(b config.Broker) map[string]string {
	if b.APIKey == "" || b.AccessToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "token " + b.APIKey + ":" + b.AccessToken}
}

func closeQuietly(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
