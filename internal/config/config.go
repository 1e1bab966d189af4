// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"equitybot-go/internal/candle"
	"equitybot-go/internal/indicator"
	"equitybot-go/internal/retry"
	"equitybot-go/internal/session"
	"equitybot-go/internal/strategy"
	"equitybot-go/internal/validate"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	APIAddr     string `yaml:"api_addr"`
	LogLevel    string `yaml:"log_level"`
	Console     bool   `yaml:"console"`
}

// Market describes the traded universe and the exchange session.
type Market struct {
	Symbols          []string        `yaml:"symbols"`
	Benchmark        string          `yaml:"benchmark"`
	Timezone         string          `yaml:"timezone"`
	SessionOpen      string          `yaml:"session_open"`
	SessionClose     string          `yaml:"session_close"`
	Holidays         []string        `yaml:"holidays"`
	BarWidth         time.Duration   `yaml:"bar_width"`
	HigherTimeframes []time.Duration `yaml:"higher_timeframes"`
	GapPolicy        string          `yaml:"gap_policy"`
	HistoryDays      int             `yaml:"history_days"`
	CandleCapacity   int             `yaml:"candle_capacity"`
}

// Calendar builds the session calendar described by the market section.
func (m Market) Calendar() (*session.Calendar, error) {
	return session.NewCalendar(m.Timezone, m.SessionOpen, m.SessionClose, m.Holidays)
}

// Feed selects where ticks come from.
type Feed struct {
	Provider     string        `yaml:"provider"` // stub|websocket|replay
	WSURL        string        `yaml:"ws_url"`
	ReplayPath   string        `yaml:"replay_path"`
	ReplaySpeed  float64       `yaml:"replay_speed"` // 0 replays as fast as possible
	StubInterval time.Duration `yaml:"stub_interval"`
	Reconnect    retry.Policy  `yaml:"reconnect"`
}

// Broker describes the REST connectivity parameters for order placement and history.
type Broker struct {
	BaseURL        string        `yaml:"base_url"`
	Exchange       string        `yaml:"exchange"`
	Timeout        time.Duration `yaml:"timeout"`
	RatePerSec     float64       `yaml:"rate_per_sec"`
	MarginCacheTTL time.Duration `yaml:"margin_cache_ttl"`
	MarginTimeout  time.Duration `yaml:"margin_timeout"`
	ConfirmWait    time.Duration `yaml:"confirm_wait"`
	PollEvery      time.Duration `yaml:"poll_every"`
	APIKey         string        `yaml:"api_key"`
	AccessToken    string        `yaml:"access_token"`
	ClientID       string        `yaml:"client_id"`
}

// Trading encodes guard-rails for how much size the engine may take on and how often it looks.
type Trading struct {
	Mode                string        `yaml:"mode"`
	Strategy            string        `yaml:"strategy"`
	Capital             float64       `yaml:"capital"`
	RiskPerTrade        float64       `yaml:"risk_per_trade"`
	MaxPositions        int           `yaml:"max_positions"`
	MaxPortfolioHeat    float64       `yaml:"max_portfolio_heat"`
	MaxQuantity         int64         `yaml:"max_quantity"`
	MaxNotionalPerTrade float64       `yaml:"max_notional_per_trade"`
	MaxDailyLoss        float64       `yaml:"max_daily_loss"`
	MinCandles          int           `yaml:"min_candles"`
	ScanInterval        time.Duration `yaml:"scan_interval"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	EODCutoff           string        `yaml:"eod_cutoff"`
	TopK                int           `yaml:"top_k"`
	TrailStep           float64       `yaml:"trail_step"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	FailureLimit        int           `yaml:"failure_limit"`
	OrderTimeout        time.Duration `yaml:"order_timeout"`
	Product             string        `yaml:"product"`
	CloseOnShutdown     bool          `yaml:"close_on_shutdown"`
}

// Paper captures paper-trading account settings and execution tuning.
type Paper struct {
	SlippageBps          float64       `yaml:"slippage_bps"`
	Latency              time.Duration `yaml:"latency"`
	MaxPositionPerSymbol int64         `yaml:"max_position_per_symbol"`
	LedgerSize           int           `yaml:"ledger_size"`
	FillsPath            string        `yaml:"fills_path"`
}

// Journal selects where closed trades and activity events are persisted.
type Journal struct {
	Driver     string `yaml:"driver"` // sqlite|jsonl|none
	SQLitePath string `yaml:"sqlite_path"`
	JSONLPath  string `yaml:"jsonl_path"`
}

// Redis configures the historical candle cache. An empty address disables it.
type Redis struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	Namespace string        `yaml:"namespace"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App        App                 `yaml:"app"`
	Market     Market              `yaml:"market"`
	Feed       Feed                `yaml:"feed"`
	Broker     Broker              `yaml:"broker"`
	Trading    Trading             `yaml:"trading"`
	Paper      Paper               `yaml:"paper"`
	Strategy   strategy.Params     `yaml:"strategy"`
	Validator  validate.Thresholds `yaml:"validator"`
	Indicators indicator.Params    `yaml:"indicators"`
	Journal    Journal             `yaml:"journal"`
	Redis      Redis               `yaml:"redis"`
	Retry      retry.Policy        `yaml:"retry"`
}

// Live reports whether orders go to the real broker.
func (c *Config) Live() bool { return strings.EqualFold(c.Trading.Mode, ModeLive) }

// Load reads a YAML file from disk, applies environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	_ = godotenv.Load() // best-effort
	applyEnv(&config)
	applyDefaults(&config)
	return &config, nil
}

// Save persists a Config struct to disk as YAML. Broker secrets are not written.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	out := *cfg
	out.Broker.AccessToken = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("BROKER_API_KEY", &cfg.Broker.APIKey)
	str("BROKER_ACCESS_TOKEN", &cfg.Broker.AccessToken)
	str("BROKER_CLIENT_ID", &cfg.Broker.ClientID)
	str("BROKER_BASE_URL", &cfg.Broker.BaseURL)
	str("FEED_WS_URL", &cfg.Feed.WSURL)
	str("TRADING_MODE", &cfg.Trading.Mode)
	str("TRADING_STRATEGY", &cfg.Trading.Strategy)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("SQLITE_PATH", &cfg.Journal.SQLitePath)
	str("METRICS_ADDR", &cfg.App.MetricsAddr)
	str("API_ADDR", &cfg.App.APIAddr)
	str("LOG_LEVEL", &cfg.App.LogLevel)
	if v := os.Getenv("TRADING_CAPITAL"); v != "" {
		if capital, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.Capital = capital
		}
	}
	if v := os.Getenv("TRADING_SYMBOLS"); v != "" {
		var syms []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				syms = append(syms, s)
			}
		}
		cfg.Market.Symbols = syms
	}
}

func applyDefaults(cfg *Config) {
	setStr := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	setDur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setF := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}

	setStr(&cfg.App.Name, "equitybot")
	setStr(&cfg.App.Env, "dev")
	setStr(&cfg.App.LogLevel, "info")

	for i, s := range cfg.Market.Symbols {
		cfg.Market.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	cfg.Market.Benchmark = strings.ToUpper(strings.TrimSpace(cfg.Market.Benchmark))
	setStr(&cfg.Market.Timezone, "Asia/Kolkata")
	setStr(&cfg.Market.SessionOpen, "09:15")
	setStr(&cfg.Market.SessionClose, "15:30")
	setDur(&cfg.Market.BarWidth, time.Minute)
	setStr(&cfg.Market.GapPolicy, string(candle.GapFill))
	setInt(&cfg.Market.HistoryDays, 5)
	setInt(&cfg.Market.CandleCapacity, 1500)

	setStr(&cfg.Feed.Provider, "stub")
	setDur(&cfg.Feed.StubInterval, time.Second)
	if cfg.Feed.Reconnect == (retry.Policy{}) {
		cfg.Feed.Reconnect = retry.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.2}
	}

	setStr(&cfg.Broker.BaseURL, "https://api.kite.trade")
	setStr(&cfg.Broker.Exchange, "NSE")
	setDur(&cfg.Broker.Timeout, 10*time.Second)
	setF(&cfg.Broker.RatePerSec, 8)
	setDur(&cfg.Broker.MarginCacheTTL, 30*time.Second)
	setDur(&cfg.Broker.MarginTimeout, 2*time.Second)
	setDur(&cfg.Broker.ConfirmWait, 5*time.Second)
	setDur(&cfg.Broker.PollEvery, 250*time.Millisecond)

	cfg.Trading.Mode = strings.ToLower(strings.TrimSpace(cfg.Trading.Mode))
	setStr(&cfg.Trading.Mode, ModePaper)
	setStr(&cfg.Trading.Strategy, strategy.ModeIronclad)
	setF(&cfg.Trading.Capital, 100000)
	setF(&cfg.Trading.RiskPerTrade, 0.01)
	setInt(&cfg.Trading.MaxPositions, 3)
	setF(&cfg.Trading.MaxPortfolioHeat, 0.06)
	setInt(&cfg.Trading.MinCandles, 50)
	setDur(&cfg.Trading.ScanInterval, 5*time.Second)
	setDur(&cfg.Trading.MonitorInterval, 500*time.Millisecond)
	setStr(&cfg.Trading.EODCutoff, "15:15")
	setInt(&cfg.Trading.TopK, 3)
	setF(&cfg.Trading.TrailStep, 0.005)
	setDur(&cfg.Trading.StaleAfter, 2*time.Minute)
	setInt(&cfg.Trading.FailureLimit, 120)
	setDur(&cfg.Trading.OrderTimeout, 15*time.Second)
	setStr(&cfg.Trading.Product, "MIS")

	setInt(&cfg.Paper.LedgerSize, 1000)

	setStr(&cfg.Journal.Driver, "sqlite")
	setStr(&cfg.Journal.SQLitePath, "data/equitybot.db")
	setStr(&cfg.Journal.JSONLPath, "data/trades.jsonl")

	setDur(&cfg.Redis.TTL, 12*time.Hour)
	setStr(&cfg.Redis.Namespace, "equitybot:candles")

	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.Default
	}
}

// Validate reports the first setting that would stop the engine from running safely.
func (c *Config) Validate() error {
	if len(c.Market.Symbols) == 0 {
		return errors.New("market.symbols is required")
	}
	if _, err := c.Market.Calendar(); err != nil {
		return fmt.Errorf("market session: %w", err)
	}
	if _, err := session.ParseClock(c.Trading.EODCutoff); err != nil {
		return fmt.Errorf("trading.eod_cutoff: %w", err)
	}
	switch candle.GapPolicy(c.Market.GapPolicy) {
	case candle.GapFill, candle.GapSkip:
	default:
		return fmt.Errorf("market.gap_policy %q must be fill or skip", c.Market.GapPolicy)
	}
	for _, w := range c.Market.HigherTimeframes {
		if w <= c.Market.BarWidth || w%c.Market.BarWidth != 0 {
			return fmt.Errorf("market.higher_timeframes: %s is not a multiple of bar width %s", w, c.Market.BarWidth)
		}
	}
	switch c.Feed.Provider {
	case "stub":
	case "websocket":
		if c.Feed.WSURL == "" {
			return errors.New("feed.ws_url is required for the websocket provider")
		}
	case "replay":
		if c.Feed.ReplayPath == "" {
			return errors.New("feed.replay_path is required for the replay provider")
		}
	default:
		return fmt.Errorf("feed.provider %q must be stub, websocket or replay", c.Feed.Provider)
	}
	switch c.Trading.Mode {
	case ModePaper:
	case ModeLive:
		if c.Broker.APIKey == "" || c.Broker.AccessToken == "" {
			return errors.New("live mode needs BROKER_API_KEY and BROKER_ACCESS_TOKEN")
		}
	default:
		return fmt.Errorf("trading.mode %q must be paper or live", c.Trading.Mode)
	}
	if _, ok := strategy.Canonical(c.Trading.Strategy); !ok {
		return fmt.Errorf("trading.strategy %q is unknown (want one of %s)", c.Trading.Strategy, strings.Join(strategy.Modes(), ", "))
	}
	if c.Trading.RiskPerTrade <= 0 || c.Trading.RiskPerTrade > 0.05 {
		return fmt.Errorf("trading.risk_per_trade %.4f must be in (0, 0.05]", c.Trading.RiskPerTrade)
	}
	if c.Trading.MaxPortfolioHeat <= 0 || c.Trading.MaxPortfolioHeat > 1 {
		return fmt.Errorf("trading.max_portfolio_heat %.4f must be in (0, 1]", c.Trading.MaxPortfolioHeat)
	}
	if c.Trading.RiskPerTrade > c.Trading.MaxPortfolioHeat {
		return errors.New("trading.risk_per_trade exceeds max_portfolio_heat")
	}
	if c.Trading.MaxDailyLoss < 0 || c.Trading.MaxQuantity < 0 || c.Trading.MaxNotionalPerTrade < 0 {
		return errors.New("trading limits must not be negative")
	}
	if c.Trading.MonitorInterval >= c.Trading.ScanInterval {
		return errors.New("trading.monitor_interval must be shorter than scan_interval")
	}
	switch c.Journal.Driver {
	case "sqlite", "jsonl", "none":
	default:
		return fmt.Errorf("journal.driver %q must be sqlite, jsonl or none", c.Journal.Driver)
	}
	return nil
}
