// Bitbank trading bot — an autonomous BTC/JPY spot and margin trading
// system for the Bitbank exchange.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: runs the trading cycle and wires every subsystem
//	market/poller.go     — candle poller; maintains per-timeframe OHLCV windows with ATR
//	strategy/            — signal strategies and the confidence-weighted fuser
//	risk/                — drawdown FSM, anomaly detection, Kelly sizing, the trade gate
//	execution/           — order-type decider, atomic entry with TP/SL, coverage repair,
//	                       position restoration, the mode backends (backtest/paper/live)
//	exchange/            — Bitbank REST client (signed, rate-limited) and the realtime feed
//	store/store.go       — JSON file persistence (drawdown state, orphaned stop records)
//	api/                 — read-only status dashboard over HTTP
//
// Safety model:
//
//	An entry only counts once the stop-loss and take-profit are both
//	resting on the book, otherwise everything is rolled back. A drawdown
//	state machine halts new entries on deep drawdowns or loss streaks,
//	and market anomaly checks (spread, latency, price/volume spikes)
//	veto entries before any order is sent.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"bitbank-bot/internal/api"
	"bitbank-bot/internal/config"
	"bitbank-bot/internal/engine"
	"bitbank-bot/pkg/types"
)

func main() {
	// Credentials usually live in .env during development.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BITBANK_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Mode != types.ModeLive {
		logger.Warn("simulation mode: no real orders will be placed", "mode", cfg.Mode)
	}

	logger.Info("bitbank bot started",
		"mode", cfg.Mode,
		"pair", cfg.Trading.CurrencyPair,
		"cycle_interval", cfg.Trading.CycleInterval,
		"max_drawdown", cfg.Risk.MaxDrawdownRatio,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
