// Package engine is the central orchestrator of the copy-trade service.
//
// It wires together all subsystems:
//
//  1. The activity feed streams watched-wallet trades over WebSocket.
//  2. The copy-trade engine accumulates consensus and emits decisions.
//  3. The execution adapter simulates (or refuses) order placement.
//  4. The price monitor polls open paper positions and fires exit rules.
//  5. The PnL engine and leaderboard pipeline read from the OLAP store.
//  6. The API server exposes state over HTTP and streams alerts over WS.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cascadian/internal/api"
	"cascadian/internal/config"
	"cascadian/internal/copytrade"
	"cascadian/internal/execution"
	"cascadian/internal/ingress"
	"cascadian/internal/leaderboard"
	"cascadian/internal/marketdata"
	"cascadian/internal/monitor"
	"cascadian/internal/olap"
	"cascadian/internal/pnl"
	"cascadian/internal/store"
	"cascadian/pkg/types"
)

// Engine orchestrates all components of the copy-trade system.
// It owns the lifecycle of all goroutines.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	olap      *olap.Store
	logs      *store.LogStore
	alerts    *store.AlertStore
	positions *store.PositionStore

	feed        *ingress.Feed
	copier      *copytrade.Engine
	monitor     *monitor.Monitor
	pnl         *pnl.Engine
	leaderboard *leaderboard.Pipeline
	server      *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every subsystem from config. The OLAP connection is opened
// eagerly so a bad DSN fails at startup rather than on first request.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	olapStore, err := olap.Open(cfg.OLAP.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open olap store: %w", err)
	}

	logs := store.NewLogStore(cfg.Stores.LogCapacity)
	alerts := store.NewAlertStore(cfg.Stores.AlertCapacity)
	positions := store.NewPositionStore()

	prices := marketdata.NewClient(cfg.API.GammaBaseURL, logger)

	mon := monitor.New(monitor.Config{
		PollInterval:      cfg.Monitor.PollInterval,
		FollowWalletExits: cfg.Monitor.FollowWalletExits,
	}, positions, alerts, prices, logger)

	adapter := execution.New(cfg.DryRun, cfg.CopyTrade.LiveEnabled, logger)

	copier, err := copytrade.New(copytrade.Config{
		Wallets:               cfg.CopyTrade.Wallets,
		ConsensusMode:         cfg.CopyTrade.ConsensusMode,
		NRequired:             cfg.CopyTrade.NRequired,
		MinSourceNotionalUsd:  cfg.CopyTrade.MinSourceNotionalUsd,
		MaxCopyPerTradeUsd:    cfg.CopyTrade.MaxCopyPerTradeUsd,
		DryRun:                cfg.DryRun,
		EnableLogging:         cfg.CopyTrade.EnableDecisionLog,
		AllowedConditions:     cfg.CopyTrade.AllowedConditions,
		DefaultPriceTargetPct: cfg.Monitor.DefaultPriceTargetPct,
		DefaultStopLossPct:    cfg.Monitor.DefaultStopLossPct,
	}, adapter, logs, alerts, positions, mon, logger)
	if err != nil {
		olapStore.Close()
		return nil, fmt.Errorf("build copy-trade engine: %w", err)
	}

	feed := ingress.NewFeed(cfg.API.WSActivityURL, cfg.CopyTrade.Wallets, logger)
	pnlEngine := pnl.NewEngine(olapStore, logger)
	lb := leaderboard.New(olapStore.DB(), logger)

	server := api.NewServer(cfg, logs, alerts, positions, pnlEngine, lb, mon, copier, logger)

	// Every stored alert also goes out on the websocket stream.
	alerts.OnAdd(server.Hub().BroadcastAlert)

	return &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		olap:        olapStore,
		logs:        logs,
		alerts:      alerts,
		positions:   positions,
		feed:        feed,
		copier:      copier,
		monitor:     mon,
		pnl:         pnlEngine,
		leaderboard: lb,
		server:      server,
	}, nil
}

// Start launches the feed, the event pump and the API server. Returns
// once everything is running; the goroutines run until Stop.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.copier.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("activity feed stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Start(); err != nil {
			e.logger.Error("api server stopped", "error", err)
		}
	}()

	e.logger.Info("engine started",
		"dry_run", e.cfg.DryRun,
		"live_enabled", e.cfg.CopyTrade.LiveEnabled,
		"wallets", len(e.cfg.CopyTrade.Wallets),
		"consensus", e.cfg.CopyTrade.ConsensusMode)
	return nil
}

// Stop shuts down all components in reverse dependency order and waits
// for the goroutines to exit.
func (e *Engine) Stop() {
	e.logger.Info("stopping engine")

	if e.cancel != nil {
		e.cancel()
	}

	e.copier.Stop()
	e.monitor.Stop()
	e.feed.Close()

	if err := e.server.Stop(); err != nil {
		e.logger.Error("api server shutdown", "error", err)
	}

	e.wg.Wait()

	if err := e.olap.Close(); err != nil {
		e.logger.Error("olap close", "error", err)
	}

	e.logger.Info("engine stopped")
}

// pumpEvents drains the activity feed into the copy-trade engine. Sells
// by watched wallets are also fed to the monitor so wallet-exit rules
// can fire on positions attached before the sell.
func (e *Engine) pumpEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case ev, ok := <-e.feed.Events():
			if !ok {
				return
			}
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev types.TradeEvent) {
	if ev.Side == types.Sell {
		outcome := copytrade.OutcomeName(ev.OutcomeIndex)
		e.monitor.ObserveWalletSell(ev.Wallet, ev.ConditionID, outcome, ev.Timestamp)
	}

	if d := e.copier.ProcessTradeEvent(e.ctx, ev); d != nil {
		e.server.Hub().BroadcastDecision(*d)
	}
}
