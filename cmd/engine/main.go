package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"intent_keeper/internal/config"
	"intent_keeper/internal/core"
	"intent_keeper/internal/engine"
	"intent_keeper/internal/infrastructure/metrics"
	"intent_keeper/internal/logging"
	"intent_keeper/internal/venue/sim"
	"intent_keeper/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			bootLogger, _ := logging.NewZapLogger("INFO")
			bootLogger.Fatal("Config load failed", "file", *configFile, "error", err)
		}
		cfg = loaded
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		os.Exit(1)
	}
	logger.Info("Starting intent keeper",
		"symbol", cfg.Instrument.Symbol,
		"account", cfg.Instrument.Account)

	tel, err := telemetry.Setup("intent_keeper")
	if err != nil {
		logger.Fatal("Telemetry setup failed", "error", err)
	}

	venue := sim.New(core.SymbolInfo{
		Symbol:   cfg.Instrument.Symbol,
		TickSize: decimal.NewFromFloat(cfg.Instrument.TickSize),
		LotStep:  decimal.NewFromFloat(cfg.Instrument.LotStep),
		MinLot:   decimal.NewFromFloat(cfg.Instrument.MinLot),
	})

	eng := engine.New(cfg, venue, logger)

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, eng.Ready, logger)
		metricsServer.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("Engine start failed", "error", err)
	}
	if err := eng.WaitReady(ctx); err != nil {
		logger.Fatal("Engine warm-up interrupted", "error", err)
	}

	// Drive the simulated market and place a demo entry so the protective
	// machinery has something to manage.
	go venue.Walk(ctx, 250*time.Millisecond)

	token := eng.MintToken()
	if _, err := eng.PlaceEntry(ctx, token, engine.EntryRequest{
		Side:     core.SideBuy,
		Quantity: decimal.NewFromFloat(cfg.Trading.OrderQuantity),
	}); err != nil {
		logger.Warn("Demo entry refused", "error", err.Error())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("Engine stop failed", "error", err.Error())
	}
	if metricsServer != nil {
		_ = metricsServer.Stop(shutdownCtx)
	}
	_ = tel.Shutdown(shutdownCtx)

	logger.Info("Shutdown complete",
		"trades", eng.TradeCount(),
		"realized_profit", eng.RealizedProfit())
}
