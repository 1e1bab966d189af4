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
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		boot := util.NewLogger("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	cfg.Trading.Mode = config.ModePaper

	log := util.NewLogger(cfg.App.LogLevel)
	if cfg.App.Console {
		log = util.NewConsoleLogger(cfg.App.LogLevel)
	}
	log = log.With().Str("app", cfg.App.Name).Logger()

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
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
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

	if err := eng.Run(ctx); err != nil {
		log.Error().Err(err).Msg("engine stopped")
		return
	}
	log.Info().Msg("shutting down")
}
