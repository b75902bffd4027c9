// Package copytrade implements the consensus-driven copy-trade engine.
//
// The engine watches a fixed set of source wallets and groups their trades
// by consensus key (conditionId:side:outcome). When enough distinct wallets
// have bet the same way, it fires a single-shot trigger: the execution
// adapter is invoked once, a paper position is opened on success, and every
// later qualifying event for that key is skipped. Each evaluated event
// produces an immutable Decision describing what happened and why.
package copytrade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cascadian/internal/execution"
	"cascadian/internal/store"
	"cascadian/pkg/types"
)

// Consensus modes.
const (
	ModeAny      = "any"
	ModeTwoAgree = "two_agree"
	ModeNOfM     = "n_of_m"
	ModeAll      = "all"
)

// Config is the engine's immutable configuration.
type Config struct {
	Wallets              []string // source wallets to watch
	ConsensusMode        string   // any | two_agree | n_of_m | all
	NRequired            int      // used iff mode is n_of_m
	MinSourceNotionalUsd float64  // drop source events below this notional
	MaxCopyPerTradeUsd   float64  // per-execution notional cap
	DryRun               bool     // selects the execution adapter variant
	EnableLogging        bool     // persist filtered/skipped decisions to the log store
	AllowedConditions    []string // optional condition-id allow-list

	DefaultPriceTargetPct float64 // default 20: target = entry × 1.20
	DefaultStopLossPct    float64 // default 10: stop = entry × 0.90
}

// MonitorStarter is the hook the engine uses to make sure the price
// monitor is polling once the first position opens.
type MonitorStarter interface {
	EnsureRunning()
}

// marketTracker accumulates per-consensus-key wallet votes. Once triggered
// it stays triggered; a key never fires twice.
type marketTracker struct {
	consensusKey   string
	conditionID    string
	marketID       string
	side           types.Side
	outcome        string
	walletsThatBet map[string]types.TradeEvent // wallet → first qualifying event
	triggered      bool
	triggeredAt    time.Time
}

// Engine is the copy-trade consensus engine. It is a cooperative
// single-writer: ProcessTradeEvent serialises all tracker mutations behind
// one mutex.
type Engine struct {
	mu         sync.Mutex
	cfg        Config
	wallets    map[string]struct{} // canonical watch list, lowercase
	allow      map[string]struct{} // nil when no allow-list configured
	trackers   map[string]*marketTracker
	seenTrades map[string]struct{}
	running    bool

	adapter   execution.Adapter
	logs      *store.LogStore
	alerts    *store.AlertStore
	positions *store.PositionStore
	monitor   MonitorStarter
	logger    *slog.Logger
}

// New validates the configuration and builds the engine. Wallets are
// lowercased, deduped, and must be hex addresses; an empty watch list is an
// error.
func New(
	cfg Config,
	adapter execution.Adapter,
	logs *store.LogStore,
	alerts *store.AlertStore,
	positions *store.PositionStore,
	monitor MonitorStarter,
	logger *slog.Logger,
) (*Engine, error) {
	switch cfg.ConsensusMode {
	case ModeAny, ModeTwoAgree, ModeAll:
	case ModeNOfM:
		if cfg.NRequired < 1 {
			return nil, fmt.Errorf("consensus mode %s requires nRequired >= 1, got %d", ModeNOfM, cfg.NRequired)
		}
	default:
		return nil, fmt.Errorf("unknown consensus mode %q", cfg.ConsensusMode)
	}

	wallets := make(map[string]struct{}, len(cfg.Wallets))
	for _, w := range cfg.Wallets {
		norm, err := types.NormalizeWallet(w)
		if err != nil {
			return nil, fmt.Errorf("watch list: %w", err)
		}
		wallets[norm] = struct{}{}
	}
	if len(wallets) == 0 {
		return nil, fmt.Errorf("watch list is empty")
	}

	var allow map[string]struct{}
	if len(cfg.AllowedConditions) > 0 {
		allow = make(map[string]struct{}, len(cfg.AllowedConditions))
		for _, c := range cfg.AllowedConditions {
			allow[strings.ToLower(c)] = struct{}{}
		}
	}

	if cfg.DefaultPriceTargetPct == 0 {
		cfg.DefaultPriceTargetPct = 20
	}
	if cfg.DefaultStopLossPct == 0 {
		cfg.DefaultStopLossPct = 10
	}

	return &Engine{
		cfg:        cfg,
		wallets:    wallets,
		allow:      allow,
		trackers:   make(map[string]*marketTracker),
		seenTrades: make(map[string]struct{}),
		adapter:    adapter,
		logs:       logs,
		alerts:     alerts,
		positions:  positions,
		monitor:    monitor,
		logger:     logger.With("component", "copytrade"),
	}, nil
}

// RequiredCount returns the number of distinct wallets a consensus key
// needs before it triggers.
func (e *Engine) RequiredCount() int {
	switch e.cfg.ConsensusMode {
	case ModeAny:
		return 1
	case ModeTwoAgree:
		return 2
	case ModeNOfM:
		return e.cfg.NRequired
	case ModeAll:
		return len(e.wallets)
	}
	return 1
}

// Start marks the engine running. Events arriving while stopped are dropped.
func (e *Engine) Start() {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	e.logger.Info("copy-trade engine started",
		"wallets", len(e.wallets),
		"mode", e.cfg.ConsensusMode,
		"required", e.RequiredCount(),
		"dryRun", e.cfg.DryRun,
	)
}

// Stop marks the engine stopped. Tracker state is retained.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.logger.Info("copy-trade engine stopped")
}

// Running reports whether the engine is accepting events.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ConsensusKey builds the tracker key for an event: conditionId:side:outcome,
// condition and outcome lowercased.
func ConsensusKey(conditionID string, side types.Side, outcome string) string {
	return strings.ToLower(conditionID) + ":" + string(side) + ":" + strings.ToLower(outcome)
}

// OutcomeName maps a binary outcome index to its display name.
func OutcomeName(index int) string {
	switch index {
	case 0:
		return "Yes"
	case 1:
		return "No"
	}
	return fmt.Sprintf("outcome-%d", index)
}

// ProcessTradeEvent runs one source event through the consensus pipeline
// and returns the resulting decision, or nil for silent drops (unwatched
// wallet, duplicate trade id, engine stopped).
func (e *Engine) ProcessTradeEvent(ctx context.Context, ev types.TradeEvent) *types.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}

	wallet := strings.ToLower(ev.Wallet)
	if _, ok := e.wallets[wallet]; !ok {
		return nil
	}

	outcome := OutcomeName(ev.OutcomeIndex)
	price := 0.0
	if ev.Tokens > 0 {
		price = ev.USDC / ev.Tokens
	}

	base := types.Decision{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		SourceWallet: wallet,
		ConditionID:  strings.ToLower(ev.ConditionID),
		MarketID:     ev.MarketID,
		Side:         ev.Side,
		Outcome:      outcome,
		Price:        price,
		Size:         ev.Tokens,
		DryRun:       e.cfg.DryRun,
	}

	if e.allow != nil {
		if _, ok := e.allow[base.ConditionID]; !ok {
			base.Status = types.StatusFiltered
			base.Reason = "market_not_in_filter"
			return e.emit(base)
		}
	}

	if ev.Notional() < e.cfg.MinSourceNotionalUsd {
		base.Status = types.StatusFiltered
		base.Reason = "notional_below_min"
		return e.emit(base)
	}

	if _, seen := e.seenTrades[ev.EventID]; seen {
		return nil
	}
	e.seenTrades[ev.EventID] = struct{}{}

	key := ConsensusKey(ev.ConditionID, ev.Side, outcome)
	tr, ok := e.trackers[key]
	if !ok {
		tr = &marketTracker{
			consensusKey:   key,
			conditionID:    base.ConditionID,
			marketID:       ev.MarketID,
			side:           ev.Side,
			outcome:        outcome,
			walletsThatBet: make(map[string]types.TradeEvent),
		}
		e.trackers[key] = tr
	}
	if tr.marketID == "" {
		tr.marketID = ev.MarketID
	}
	if base.MarketID == "" {
		base.MarketID = tr.marketID
	}

	if _, counted := tr.walletsThatBet[wallet]; counted {
		base.Status = types.StatusSkipped
		base.Reason = "wallet_already_counted"
		return e.emit(base)
	}
	tr.walletsThatBet[wallet] = ev

	if tr.triggered {
		base.Status = types.StatusSkipped
		base.Reason = "already_triggered_for_this_market"
		return e.emit(base)
	}

	required := e.RequiredCount()
	unique := len(tr.walletsThatBet)
	if unique < required {
		base.Status = types.StatusSkipped
		base.Reason = fmt.Sprintf("waiting_for_consensus: %d/%d", unique, required)
		return e.emit(base)
	}

	tr.triggered = true
	tr.triggeredAt = time.Now().UTC()
	for w := range tr.walletsThatBet {
		if w != wallet {
			base.MatchedWallets = append(base.MatchedWallets, w)
		}
	}

	res := e.adapter.Execute(ctx, execution.Request{
		ConditionID:        base.ConditionID,
		MarketID:           base.MarketID,
		Side:               base.Side,
		Outcome:            base.Outcome,
		Price:              base.Price,
		Size:               base.Size,
		MaxCopyPerTradeUsd: e.cfg.MaxCopyPerTradeUsd,
	})
	base.Status = res.Status
	switch res.Status {
	case types.StatusSkipped:
		base.Reason = res.Reason
	case types.StatusError:
		base.Reason = res.ErrorMessage
	}

	if res.Status == types.StatusExecuted || res.Status == types.StatusSimulated {
		e.openPosition(base)
	}

	e.logger.Info("consensus evaluated",
		"key", key,
		"wallets", unique,
		"required", required,
		"status", base.Status,
	)
	return e.emit(base)
}

// openPosition creates the paper position for a triggered decision,
// attaches the default exit rules, and raises the trigger alerts.
func (e *Engine) openPosition(d types.Decision) {
	now := time.Now().UTC()
	pos := types.PaperPosition{
		ID:            uuid.NewString(),
		DecisionID:    d.ID,
		SourceWallet:  d.SourceWallet,
		ConditionID:   d.ConditionID,
		MarketID:      d.MarketID,
		Side:          d.Side,
		Outcome:       d.Outcome,
		EntryPrice:    d.Price,
		Size:          d.Size,
		CurrentPrice:  d.Price,
		HighWatermark: d.Price,
		Status:        types.PositionOpen,
		OpenedAt:      now,
		ExitRules: []types.ExitRule{
			{
				Type:       types.ExitPriceTarget,
				Price:      d.Price * (1 + e.cfg.DefaultPriceTargetPct/100),
				AttachedAt: now,
			},
			{
				Type:       types.ExitStopLoss,
				Price:      d.Price * (1 - e.cfg.DefaultStopLossPct/100),
				AttachedAt: now,
			},
		},
	}
	if err := e.positions.Add(pos); err != nil {
		e.logger.Error("failed to open paper position", "error", err)
		return
	}
	if e.monitor != nil {
		e.monitor.EnsureRunning()
	}

	e.alerts.Add(types.Alert{
		ID:          uuid.NewString(),
		Type:        "consensus_triggered",
		Priority:    types.PriorityHigh,
		Title:       fmt.Sprintf("Consensus: %s %s @ %.3f", d.Side, d.Outcome, d.Price),
		Message:     fmt.Sprintf("%d wallet(s) agreed on %s %s", 1+len(d.MatchedWallets), d.Side, d.Outcome),
		ConditionID: d.ConditionID,
		DecisionID:  d.ID,
		CreatedAt:   now,
	})
	e.alerts.Add(types.Alert{
		ID:          uuid.NewString(),
		Type:        "position_opened",
		Priority:    types.PriorityMedium,
		Title:       fmt.Sprintf("Opened %s %s, size %.2f", d.Side, d.Outcome, d.Size),
		ConditionID: d.ConditionID,
		PositionID:  pos.ID,
		DecisionID:  d.ID,
		CreatedAt:   now,
	})
}

// emit persists a decision to the log store and returns it. Executed,
// simulated, and error outcomes are always persisted; filtered and skipped
// outcomes only when decision logging is enabled.
func (e *Engine) emit(d types.Decision) *types.Decision {
	switch d.Status {
	case types.StatusExecuted, types.StatusSimulated, types.StatusError:
		e.logs.Add(d)
	default:
		if e.cfg.EnableLogging {
			e.logs.Add(d)
		}
	}
	return &d
}
