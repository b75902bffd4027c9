// Package monitor runs the background price monitor for open paper
// positions.
//
// On every tick it snapshots the open positions, marks each one against the
// current market price, and evaluates its exit rules in attachment order.
// The first rule that fires closes the position and raises an alert. Ticks
// are mutually exclusive: a slow cycle delays the next one rather than
// overlapping it.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cascadian/internal/marketdata"
	"cascadian/internal/store"
	"cascadian/pkg/types"
)

// DefaultPollInterval is the tick spacing when none is configured.
const DefaultPollInterval = 10 * time.Second

const priceFetchTimeout = 5 * time.Second

// PriceSource yields the current mark for a condition. The production
// implementation is the marketdata client.
type PriceSource interface {
	Prices(ctx context.Context, conditionID string) (*marketdata.Prices, error)
}

// Config tunes the monitor's polling loop.
type Config struct {
	PollInterval      time.Duration // default 10s
	FollowWalletExits bool          // honor wallet_exit rules
}

// Status is the monitor's readable state snapshot.
type Status struct {
	Running         bool      `json:"running"`
	ChecksPerformed int64     `json:"checksPerformed"`
	ExitsTriggered  int64     `json:"exitsTriggered"`
	LastCheck       time.Time `json:"lastCheck,omitempty"`
}

// Monitor is the singleton background price watcher.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup

	checksPerformed int64
	exitsTriggered  int64
	lastCheck       time.Time

	// wallet:consensus-scope → most recent observed sell, feeds wallet_exit
	walletSells map[string]time.Time

	positions *store.PositionStore
	alerts    *store.AlertStore
	prices    PriceSource
	logger    *slog.Logger
}

// New builds a stopped monitor.
func New(cfg Config, positions *store.PositionStore, alerts *store.AlertStore, prices PriceSource, logger *slog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Monitor{
		cfg:         cfg,
		walletSells: make(map[string]time.Time),
		positions:   positions,
		alerts:      alerts,
		prices:      prices,
		logger:      logger.With("component", "monitor"),
	}
}

// Start launches the polling loop. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
	m.logger.Info("price monitor started", "interval", m.cfg.PollInterval)
}

// EnsureRunning starts the monitor if it is not already polling.
func (m *Monitor) EnsureRunning() { m.Start() }

// Stop halts the polling loop and waits for an in-flight tick to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("price monitor stopped")
}

// GetStatus returns the current counters.
func (m *Monitor) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:         m.cancel != nil,
		ChecksPerformed: m.checksPerformed,
		ExitsTriggered:  m.exitsTriggered,
		LastCheck:       m.lastCheck,
	}
}

// ObserveWalletSell records that a watched wallet sold the given outcome.
// wallet_exit rules attached before this observation will fire on the next
// tick.
func (m *Monitor) ObserveWalletSell(wallet, conditionID, outcome string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sellKey(wallet, conditionID, outcome)
	if prev, ok := m.walletSells[key]; !ok || at.After(prev) {
		m.walletSells[key] = at
	}
}

func sellKey(wallet, conditionID, outcome string) string {
	return wallet + ":" + conditionID + ":" + outcome
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one monitoring cycle. Exposed so callers can force a check
// outside the poll schedule.
func (m *Monitor) Tick(ctx context.Context) {
	for _, pos := range m.positions.Open() {
		m.checkPosition(ctx, pos)
	}

	m.mu.Lock()
	m.checksPerformed++
	m.lastCheck = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Monitor) checkPosition(ctx context.Context, pos types.PaperPosition) {
	fetchCtx, cancel := context.WithTimeout(ctx, priceFetchTimeout)
	prices, err := m.prices.Prices(fetchCtx, pos.ConditionID)
	cancel()
	if err != nil {
		// Skip this position this tick; a stale mark beats a wrong one.
		m.logger.Warn("price fetch failed", "position", pos.ID, "condition", pos.ConditionID, "error", err)
		return
	}
	current := prices.PriceForOutcome(pos.Outcome)

	var fired *types.ExitRule
	err = m.positions.Update(pos.ID, func(p *types.PaperPosition) {
		p.CurrentPrice = current
		if current > p.HighWatermark {
			p.HighWatermark = current
		}
		p.UnrealizedPnL = unrealized(p.Side, p.EntryPrice, current, p.Size)

		for i := range p.ExitRules {
			if m.ruleFires(p, &p.ExitRules[i], current) {
				fired = &p.ExitRules[i]
				m.close(p, fired, current)
				break
			}
		}
	})
	if err != nil {
		m.logger.Warn("position vanished mid-check", "position", pos.ID, "error", err)
		return
	}

	if fired != nil {
		m.mu.Lock()
		m.exitsTriggered++
		m.mu.Unlock()
	}
}

// ruleFires evaluates one exit rule against the current mark.
func (m *Monitor) ruleFires(p *types.PaperPosition, rule *types.ExitRule, current float64) bool {
	switch rule.Type {
	case types.ExitPriceTarget:
		return current >= rule.Price
	case types.ExitStopLoss:
		return current <= rule.Price
	case types.ExitTrailingStop:
		return current <= p.HighWatermark*(1-rule.TrailingPct)
	case types.ExitWalletExit:
		if !m.cfg.FollowWalletExits {
			return false
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, w := range rule.Wallets {
			if at, ok := m.walletSells[sellKey(w, p.ConditionID, p.Outcome)]; ok && at.After(rule.AttachedAt) {
				return true
			}
		}
	}
	return false
}

// close marks the position closed at the current price and raises the
// exit alert. Runs inside the store's Update lock.
func (m *Monitor) close(p *types.PaperPosition, rule *types.ExitRule, current float64) {
	now := time.Now().UTC()
	p.Status = types.PositionClosed
	p.ExitPrice = current
	p.ExitReason = string(rule.Type)
	p.RealizedPnL = unrealized(p.Side, p.EntryPrice, current, p.Size)
	p.UnrealizedPnL = 0
	p.ClosedAt = now

	m.alerts.Add(types.Alert{
		ID:          uuid.NewString(),
		Type:        "exit_triggered",
		Priority:    types.PriorityHigh,
		Title:       fmt.Sprintf("Exit %s: %s @ %.3f", rule.Type, p.Outcome, current),
		Message:     fmt.Sprintf("Realized PnL %.2f USDC", p.RealizedPnL),
		ConditionID: p.ConditionID,
		PositionID:  p.ID,
		CreatedAt:   now,
	})
	m.logger.Info("exit triggered",
		"position", p.ID,
		"rule", rule.Type,
		"exitPrice", current,
		"realizedPnl", p.RealizedPnL,
	)
}

func unrealized(side types.Side, entry, current, size float64) float64 {
	if side == types.Sell {
		return (entry - current) * size
	}
	return (current - entry) * size
}
