package copytrade

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"cascadian/internal/execution"
	"cascadian/internal/store"
	"cascadian/pkg/types"
)

var (
	w1 = "0x1111111111111111111111111111111111111111"
	w2 = "0x2222222222222222222222222222222222222222"
	w3 = "0x3333333333333333333333333333333333333333"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMonitor struct{ started int }

func (m *fakeMonitor) EnsureRunning() { m.started++ }

type harness struct {
	engine    *Engine
	logs      *store.LogStore
	alerts    *store.AlertStore
	positions *store.PositionStore
	monitor   *fakeMonitor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		logs:      store.NewLogStore(0),
		alerts:    store.NewAlertStore(0),
		positions: store.NewPositionStore(),
		monitor:   &fakeMonitor{},
	}
	adapter := execution.New(true, false, testLogger())

	var err error
	h.engine, err = New(cfg, adapter, h.logs, h.alerts, h.positions, h.monitor, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine.Start()
	return h
}

func buyEvent(id, wallet string, outcome int, tokens, usdc float64) types.TradeEvent {
	return types.TradeEvent{
		EventID:      id,
		Wallet:       wallet,
		ConditionID:  "0xC0FFEE",
		OutcomeIndex: outcome,
		Side:         types.Buy,
		Tokens:       tokens,
		USDC:         usdc,
		Source:       types.SourceCLOB,
		Timestamp:    time.Now(),
	}
}

func TestTwoAgreeConsensus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		Wallets:       []string{w1, w2, w3},
		ConsensusMode: ModeTwoAgree,
		DryRun:        true,
		EnableLogging: true,
	})
	ctx := context.Background()

	// w1 buys YES: 1/2, waiting.
	d := h.engine.ProcessTradeEvent(ctx, buyEvent("t1", w1, 0, 100, 60))
	if d == nil || d.Status != types.StatusSkipped {
		t.Fatalf("w1 decision = %+v, want skipped", d)
	}
	if d.Reason != "waiting_for_consensus: 1/2" {
		t.Errorf("w1 reason = %q, want waiting_for_consensus: 1/2", d.Reason)
	}

	// w2 buys NO: different consensus key, also 1/2.
	d = h.engine.ProcessTradeEvent(ctx, buyEvent("t2", w2, 1, 50, 20))
	if d == nil || d.Reason != "waiting_for_consensus: 1/2" {
		t.Fatalf("w2 (NO) decision = %+v, want waiting 1/2 on its own key", d)
	}

	// w3 buys YES: second wallet on the YES key, trigger fires.
	d = h.engine.ProcessTradeEvent(ctx, buyEvent("t3", w3, 0, 100, 62))
	if d == nil || d.Status != types.StatusSimulated {
		t.Fatalf("w3 decision = %+v, want simulated trigger", d)
	}
	if len(d.MatchedWallets) != 1 || d.MatchedWallets[0] != w1 {
		t.Errorf("matched wallets = %v, want [%s]", d.MatchedWallets, w1)
	}

	// A position opened with the default exit rules.
	open := h.positions.Open()
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	pos := open[0]
	if pos.EntryPrice != 0.62 {
		t.Errorf("entry price = %v, want 0.62", pos.EntryPrice)
	}
	if len(pos.ExitRules) != 2 {
		t.Fatalf("exit rules = %d, want 2", len(pos.ExitRules))
	}
	wantTarget := 0.62 * 1.20
	if diff := pos.ExitRules[0].Price - wantTarget; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("price target = %v, want %v", pos.ExitRules[0].Price, wantTarget)
	}
	wantStop := 0.62 * 0.90
	if diff := pos.ExitRules[1].Price - wantStop; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("stop loss = %v, want %v", pos.ExitRules[1].Price, wantStop)
	}
	if h.monitor.started == 0 {
		t.Error("monitor was not started on trigger")
	}

	// consensus_triggered + position_opened alerts.
	if got := h.alerts.Len(); got != 2 {
		t.Errorf("alerts = %d, want 2", got)
	}

	// Further YES buys are single-shot skipped.
	d = h.engine.ProcessTradeEvent(ctx, buyEvent("t4", w2, 0, 10, 6))
	if d == nil || d.Reason != "already_triggered_for_this_market" {
		t.Fatalf("post-trigger decision = %+v, want already_triggered_for_this_market", d)
	}

	// Exactly one executed/simulated decision for the key.
	fired := 0
	for _, logged := range h.logs.Recent(0) {
		if logged.Status == types.StatusSimulated || logged.Status == types.StatusExecuted {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("executed/simulated decisions = %d, want exactly 1", fired)
	}
}

func TestMarketIDPropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Wallets: []string{w1, w2}, ConsensusMode: ModeTwoAgree, DryRun: true, EnableLogging: true})
	ctx := context.Background()

	first := buyEvent("t1", w1, 0, 10, 5)
	first.MarketID = "rate-cut-by-september"
	d := h.engine.ProcessTradeEvent(ctx, first)
	if d == nil || d.MarketID != "rate-cut-by-september" {
		t.Fatalf("first decision = %+v, want marketId carried from the event", d)
	}

	// The second event omits the slug; the tracker remembers it.
	d = h.engine.ProcessTradeEvent(ctx, buyEvent("t2", w2, 0, 10, 5))
	if d == nil || d.Status != types.StatusSimulated {
		t.Fatalf("trigger decision = %+v, want simulated", d)
	}
	if d.MarketID != "rate-cut-by-september" {
		t.Errorf("trigger marketId = %q, want rate-cut-by-september", d.MarketID)
	}

	open := h.positions.Open()
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	if open[0].MarketID != "rate-cut-by-september" {
		t.Errorf("position marketId = %q, want rate-cut-by-september", open[0].MarketID)
	}
}

func TestUnwatchedWalletDroppedSilently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Wallets: []string{w1}, ConsensusMode: ModeAny, DryRun: true, EnableLogging: true})
	d := h.engine.ProcessTradeEvent(context.Background(), buyEvent("t1", w2, 0, 10, 5))
	if d != nil {
		t.Fatalf("decision = %+v, want nil for unwatched wallet", d)
	}
	if h.logs.Len() != 0 {
		t.Errorf("log entries = %d, want 0", h.logs.Len())
	}
}

func TestAllowListFilters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		Wallets:           []string{w1},
		ConsensusMode:     ModeAny,
		DryRun:            true,
		EnableLogging:     true,
		AllowedConditions: []string{"0xother"},
	})
	d := h.engine.ProcessTradeEvent(context.Background(), buyEvent("t1", w1, 0, 10, 5))
	if d == nil || d.Status != types.StatusFiltered || d.Reason != "market_not_in_filter" {
		t.Fatalf("decision = %+v, want filtered(market_not_in_filter)", d)
	}
}

func TestMinNotionalFilters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		Wallets:              []string{w1},
		ConsensusMode:        ModeAny,
		MinSourceNotionalUsd: 50,
		DryRun:               true,
		EnableLogging:        true,
	})
	d := h.engine.ProcessTradeEvent(context.Background(), buyEvent("t1", w1, 0, 10, 5))
	if d == nil || d.Status != types.StatusFiltered || d.Reason != "notional_below_min" {
		t.Fatalf("decision = %+v, want filtered(notional_below_min)", d)
	}
}

func TestDuplicateTradeIDDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Wallets: []string{w1, w2}, ConsensusMode: ModeTwoAgree, DryRun: true, EnableLogging: true})
	ctx := context.Background()

	if d := h.engine.ProcessTradeEvent(ctx, buyEvent("dup", w1, 0, 10, 5)); d == nil {
		t.Fatal("first event should produce a decision")
	}
	if d := h.engine.ProcessTradeEvent(ctx, buyEvent("dup", w2, 0, 10, 5)); d != nil {
		t.Fatalf("duplicate trade id produced decision %+v, want nil", d)
	}
}

func TestWalletAlreadyCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Wallets: []string{w1, w2}, ConsensusMode: ModeTwoAgree, DryRun: true, EnableLogging: true})
	ctx := context.Background()

	h.engine.ProcessTradeEvent(ctx, buyEvent("t1", w1, 0, 10, 5))
	d := h.engine.ProcessTradeEvent(ctx, buyEvent("t2", w1, 0, 20, 11))
	if d == nil || d.Reason != "wallet_already_counted" {
		t.Fatalf("decision = %+v, want skipped(wallet_already_counted)", d)
	}
}

func TestAnyModeTriggersImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Wallets: []string{w1}, ConsensusMode: ModeAny, DryRun: true})
	d := h.engine.ProcessTradeEvent(context.Background(), buyEvent("t1", w1, 0, 100, 40))
	if d == nil || d.Status != types.StatusSimulated {
		t.Fatalf("decision = %+v, want simulated on first event", d)
	}
}

func TestAllModeRequiresEveryWallet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Wallets: []string{w1, w2, w3}, ConsensusMode: ModeAll, DryRun: true, EnableLogging: true})
	ctx := context.Background()

	for i, w := range []string{w1, w2} {
		d := h.engine.ProcessTradeEvent(ctx, buyEvent(fmt.Sprintf("t%d", i), w, 0, 10, 5))
		if d == nil || d.Status != types.StatusSkipped {
			t.Fatalf("event %d: decision = %+v, want waiting", i, d)
		}
	}
	d := h.engine.ProcessTradeEvent(ctx, buyEvent("t9", w3, 0, 10, 5))
	if d == nil || d.Status != types.StatusSimulated {
		t.Fatalf("final wallet decision = %+v, want simulated", d)
	}
	if len(d.MatchedWallets) != 2 {
		t.Errorf("matched wallets = %v, want 2 entries", d.MatchedWallets)
	}
}

func TestNotionalCapSkipsWithoutPosition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		Wallets:            []string{w1},
		ConsensusMode:      ModeAny,
		MaxCopyPerTradeUsd: 10,
		DryRun:             true,
		EnableLogging:      true,
	})
	d := h.engine.ProcessTradeEvent(context.Background(), buyEvent("t1", w1, 0, 100, 60))
	if d == nil || d.Status != types.StatusSkipped || d.Reason != execution.ReasonNotionalExceedsMax {
		t.Fatalf("decision = %+v, want skipped(%s)", d, execution.ReasonNotionalExceedsMax)
	}
	if h.positions.Len() != 0 {
		t.Errorf("positions = %d, want 0 after capped trigger", h.positions.Len())
	}
}

func TestLoggingDisabledSkipsNonExecuting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Wallets: []string{w1, w2}, ConsensusMode: ModeTwoAgree, DryRun: true})
	h.engine.ProcessTradeEvent(context.Background(), buyEvent("t1", w1, 0, 10, 5))
	if h.logs.Len() != 0 {
		t.Errorf("log entries = %d, want 0 with logging disabled", h.logs.Len())
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	logs := store.NewLogStore(0)
	alerts := store.NewAlertStore(0)
	positions := store.NewPositionStore()
	adapter := execution.New(true, false, testLogger())

	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty wallets", Config{ConsensusMode: ModeAny}},
		{"bad address", Config{Wallets: []string{"not-an-address"}, ConsensusMode: ModeAny}},
		{"bad mode", Config{Wallets: []string{w1}, ConsensusMode: "plurality"}},
		{"n_of_m without n", Config{Wallets: []string{w1}, ConsensusMode: ModeNOfM}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg, adapter, logs, alerts, positions, nil, testLogger()); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}
