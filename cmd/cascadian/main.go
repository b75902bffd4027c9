// Cascadian — a copy-trade and wallet-intelligence service for Polymarket
// binary prediction markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feed → copy-trade → monitor, owns goroutine lifecycle
//	copytrade/engine.go  — multi-wallet consensus: counts distinct wallets per market/side/outcome
//	execution/adapter.go — execution sink: simulates in dry-run, refuses live until wired
//	monitor/monitor.go   — polls open paper positions, evaluates exit rules (target/stop/trail)
//	pnl/engine.go        — deterministic wallet PnL replay over on-chain events
//	leaderboard/         — gated trader leaderboard, published atomically via table rename
//	ingress/feed.go      — WebSocket activity feed with auto-reconnect
//	olap/olap.go         — read-only OLAP store for fills, condition events and resolutions
//	store/               — bounded in-memory rings for decisions, alerts and positions
//
// How it decides:
//
//	The service watches a configured set of source wallets. When enough of
//	them buy the same outcome of the same market (consensus), it opens a
//	paper position at the last source price and attaches default exit
//	rules. The monitor then polls market prices and closes the position
//	when a rule fires. No real orders are placed unless live execution is
//	explicitly wired and enabled.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cascadian/internal/config"
	"cascadian/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CASCADIAN_CONFIG"); p != "" {
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

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — all executions are simulated")
	}

	logger.Info("cascadian started",
		"wallets", len(cfg.CopyTrade.Wallets),
		"consensus", cfg.CopyTrade.ConsensusMode,
		"port", cfg.Server.Port,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
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
