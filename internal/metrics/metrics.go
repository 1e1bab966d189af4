package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of market ticks ingested"},
		[]string{"symbol"},
	)
	TicksDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_dropped_total", Help: "Malformed or out-of-order ticks dropped"},
		[]string{"reason"},
	)
	CandlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "candles_total", Help: "Closed candles by symbol, synthetic fills included"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Candidate signals emitted by strategies"},
		[]string{"strategy"},
	)
	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rejections_total", Help: "Candidates rejected, by failing check"},
		[]string{"check"},
	)
	SkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "symbol_skips_total", Help: "Symbols skipped during a scan"},
		[]string{"reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side"},
	)
	OrderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_failures_total", Help: "Orders that failed after retries"},
		[]string{"symbol"},
	)
	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "exits_total", Help: "Position exits by reason"},
		[]string{"reason"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Positions currently open"},
	)
	PortfolioHeat = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "portfolio_heat", Help: "Open risk as a fraction of portfolio value"},
	)
	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "scan_duration_seconds", Help: "Strategy scan cycle latency", Buckets: prometheus.DefBuckets},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, TicksDroppedTotal, CandlesTotal, SignalsTotal, RejectionsTotal, SkipsTotal,
		OrdersTotal, OrderFailuresTotal, ExitsTotal, OpenPositions, PortfolioHeat, ScanDuration,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
