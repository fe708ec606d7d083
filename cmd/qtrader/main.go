// Package main is the entry point for both QTrader processes. One binary,
// two roles: the manager supervises the fleet and serves the API; a trader
// runs a single account. The manager re-execs this binary with
// QTRADER_ROLE=trader to spawn traders, so role dispatch happens before
// anything else.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/manager"
	"github.com/qtrader/qtrader/internal/metrics"
	"github.com/qtrader/qtrader/internal/server"
	"github.com/qtrader/qtrader/internal/trader"
	"github.com/qtrader/qtrader/pkg/logger"
)

func main() {
	if os.Getenv(manager.EnvRole) == manager.RoleTrader {
		runTrader()
		return
	}
	runManager()
}

func runManager() {
	configPath := flag.String("config", "qtrader.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().Int("accounts", len(cfg.Accounts)).Msg("Starting QTrader manager")

	mgr, err := manager.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize manager")
	}
	if err := mgr.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start manager")
	}

	m := metrics.New()
	m.Register(metrics.NewFleetCollector(mgr.Traders))

	srv := server.New(cfg.API, mgr, m, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server forced to shutdown")
	}

	mgr.Stop()
	log.Info().Msg("Manager stopped")
}

func runTrader() {
	accountID := os.Getenv(manager.EnvAccount)
	configPath := os.Getenv(manager.EnvConfig)

	cfg, err := config.Load(configPath)
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Str("path", configPath).
			Str("account_id", accountID).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})
	log = log.With().Str("account_id", accountID).Logger()
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting QTrader trader")

	t, err := trader.New(cfg, accountID, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize trader")
	}
	if err := t.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start trader")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	t.Stop()
	log.Info().Msg("Trader stopped")
}
