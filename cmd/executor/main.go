// Binary executor trades live against the broker. It refuses to start unless
// the config selects live mode and -live is passed on the command line.
package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"equitybot-go/internal/api"
	"equitybot-go/internal/config"
	"equitybot-go/internal/engine"
	"equitybot-go/internal/metrics"
	"equitybot-go/internal/util"
)

func main() {
	path := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	live := flag.Bool("live", false, "confirm that real orders may be placed")
	flag.Parse()

	boot := util.NewLogger("info")
	cfg, err := config.Load(*path)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	if !cfg.Live() {
		boot.Fatal().Str("mode", cfg.Trading.Mode).Msg("trading.mode is not live; use cmd/paper for simulation")
	}
	if !*live {
		boot.Fatal().Msg("refusing to place real orders without -live")
	}

	log := util.NewLogger(cfg.App.LogLevel).With().Str("app", cfg.App.Name).Str("mode", config.ModeLive).Logger()
	eng, err := engine.Build(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}
	defer eng.Close()

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.App.MetricsAddr != "" {
		srv := metrics.Serve(cfg.App.MetricsAddr)
		defer func() {
			sctx, c := context.WithTimeout(context.Background(), 2*time.Second)
			defer c()
			_ = srv.Shutdown(sctx)
		}()
	}
	if cfg.App.APIAddr != "" {
		router := api.NewRouter(api.Deps{
			Positions: eng.Positions(),
			Risk:      eng.Risk(),
			Activity:  eng.Activity(),
			Trades:    eng.Journal(),
			Status:    eng.Status,
		})
		go func() {
			if err := api.Serve(ctx, cfg.App.APIAddr, router, log); err != nil {
				log.Error().Err(err).Msg("api stopped")
			}
		}()
	}

	log.Warn().Strs("symbols", cfg.Market.Symbols).Str("strategy", cfg.Trading.Strategy).Msg("live trading enabled")
	if err := eng.Run(ctx); err != nil {
		log.Error().Err(err).Msg("engine stopped")
		return
	}
	if n := eng.Positions().Count(); n > 0 {
		log.Warn().Int("positions", n).Msg("exited with open positions; square off at the broker")
	}
}
