package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"cascadian/internal/marketdata"
	"cascadian/internal/store"
	"cascadian/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePrices serves a scripted sequence of marks for one condition,
// repeating the last entry once exhausted.
type fakePrices struct {
	marks []float64
	calls int
	err   error
}

func (f *fakePrices) Prices(_ context.Context, conditionID string) (*marketdata.Prices, error) {
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	if i >= len(f.marks) {
		i = len(f.marks) - 1
	}
	f.calls++
	p := f.marks[i]
	return &marketdata.Prices{ConditionID: conditionID, YesPrice: p, NoPrice: 1 - p, BestBid: p}, nil
}

type fixture struct {
	monitor   *Monitor
	positions *store.PositionStore
	alerts    *store.AlertStore
	prices    *fakePrices
}

func newFixture(t *testing.T, cfg Config, marks ...float64) *fixture {
	t.Helper()
	f := &fixture{
		positions: store.NewPositionStore(),
		alerts:    store.NewAlertStore(0),
		prices:    &fakePrices{marks: marks},
	}
	f.monitor = New(cfg, f.positions, f.alerts, f.prices, testLogger())
	return f
}

func openPosition(t *testing.T, s *store.PositionStore, entry float64, rules ...types.ExitRule) types.PaperPosition {
	t.Helper()
	pos := types.PaperPosition{
		ID:            "pos-1",
		ConditionID:   "0xc1",
		Side:          types.Buy,
		Outcome:       "Yes",
		EntryPrice:    entry,
		Size:          100,
		CurrentPrice:  entry,
		HighWatermark: entry,
		Status:        types.PositionOpen,
		OpenedAt:      time.Now().UTC(),
		ExitRules:     rules,
	}
	if err := s.Add(pos); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return pos
}

func TestPriceTargetFires(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 0.61)
	openPosition(t, f.positions, 0.50, types.ExitRule{Type: types.ExitPriceTarget, Price: 0.60})

	f.monitor.Tick(context.Background())

	got, _ := f.positions.Get("pos-1")
	if got.Status != types.PositionClosed {
		t.Fatalf("status = %q, want closed", got.Status)
	}
	if got.ExitReason != "price_target" {
		t.Errorf("exit reason = %q, want price_target", got.ExitReason)
	}
	// (0.61 - 0.50) * 100
	if diff := got.RealizedPnL - 11.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("realized = %v, want 11.0", got.RealizedPnL)
	}
	if f.alerts.Len() != 1 {
		t.Errorf("alerts = %d, want 1 exit_triggered", f.alerts.Len())
	}

	st := f.monitor.GetStatus()
	if st.ExitsTriggered != 1 {
		t.Errorf("exitsTriggered = %d, want 1", st.ExitsTriggered)
	}
	if st.ChecksPerformed != 1 {
		t.Errorf("checksPerformed = %d, want 1", st.ChecksPerformed)
	}
}

func TestStopLossFires(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 0.44)
	openPosition(t, f.positions, 0.50, types.ExitRule{Type: types.ExitStopLoss, Price: 0.45})

	f.monitor.Tick(context.Background())

	got, _ := f.positions.Get("pos-1")
	if got.Status != types.PositionClosed || got.ExitReason != "stop_loss" {
		t.Fatalf("position = %+v, want closed by stop_loss", got)
	}
}

func TestTrailingStopTracksWatermark(t *testing.T) {
	t.Parallel()

	// Marks: rise to 0.80, then fall. Trailing 10% means exit at <= 0.72.
	f := newFixture(t, Config{}, 0.60, 0.80, 0.75, 0.71)
	openPosition(t, f.positions, 0.50, types.ExitRule{Type: types.ExitTrailingStop, TrailingPct: 0.10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.monitor.Tick(ctx)
		got, _ := f.positions.Get("pos-1")
		if got.Status != types.PositionOpen {
			t.Fatalf("tick %d: closed early at mark, position %+v", i, got)
		}
	}

	got, _ := f.positions.Get("pos-1")
	if got.HighWatermark != 0.80 {
		t.Errorf("watermark = %v, want 0.80", got.HighWatermark)
	}

	f.monitor.Tick(ctx)
	got, _ = f.positions.Get("pos-1")
	if got.Status != types.PositionClosed || got.ExitReason != "trailing_stop" {
		t.Fatalf("position = %+v, want closed by trailing_stop at 0.71", got)
	}
}

func TestFirstAttachedRuleWins(t *testing.T) {
	t.Parallel()

	// A mark of 0.70 satisfies both targets; the first attached rule wins.
	f := newFixture(t, Config{}, 0.70)
	openPosition(t, f.positions, 0.50,
		types.ExitRule{Type: types.ExitPriceTarget, Price: 0.65},
		types.ExitRule{Type: types.ExitPriceTarget, Price: 0.60},
	)

	f.monitor.Tick(context.Background())

	got, _ := f.positions.Get("pos-1")
	if got.ExitPrice != 0.70 || got.ExitReason != "price_target" {
		t.Fatalf("position = %+v, want exited by first price_target", got)
	}
	if f.monitor.GetStatus().ExitsTriggered != 1 {
		t.Errorf("exitsTriggered = %d, want 1", f.monitor.GetStatus().ExitsTriggered)
	}
}

func TestFetchErrorSkipsPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.prices.err = errors.New("gateway timeout")
	openPosition(t, f.positions, 0.50, types.ExitRule{Type: types.ExitStopLoss, Price: 0.99})

	f.monitor.Tick(context.Background())

	got, _ := f.positions.Get("pos-1")
	if got.Status != types.PositionOpen {
		t.Fatalf("status = %q, want open after fetch error", got.Status)
	}
	if got.CurrentPrice != 0.50 {
		t.Errorf("mark = %v, want untouched 0.50", got.CurrentPrice)
	}
}

func TestWalletExitRule(t *testing.T) {
	t.Parallel()

	w := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	f := newFixture(t, Config{FollowWalletExits: true}, 0.55)
	attached := time.Now().UTC().Add(-time.Minute)
	openPosition(t, f.positions, 0.50, types.ExitRule{
		Type:       types.ExitWalletExit,
		Wallets:    []string{w},
		AttachedAt: attached,
	})
	ctx := context.Background()

	// No sell observed yet: stays open.
	f.monitor.Tick(ctx)
	got, _ := f.positions.Get("pos-1")
	if got.Status != types.PositionOpen {
		t.Fatalf("status = %q, want open before any observed sell", got.Status)
	}

	// A sell before attachment does not count.
	f.monitor.ObserveWalletSell(w, "0xc1", "Yes", attached.Add(-time.Hour))
	f.monitor.Tick(ctx)
	got, _ = f.positions.Get("pos-1")
	if got.Status != types.PositionOpen {
		t.Fatalf("status = %q, want open for pre-attachment sell", got.Status)
	}

	f.monitor.ObserveWalletSell(w, "0xc1", "Yes", time.Now().UTC())
	f.monitor.Tick(ctx)
	got, _ = f.positions.Get("pos-1")
	if got.Status != types.PositionClosed || got.ExitReason != "wallet_exit" {
		t.Fatalf("position = %+v, want closed by wallet_exit", got)
	}
}

func TestWalletExitIgnoredWhenDisabled(t *testing.T) {
	t.Parallel()

	w := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	f := newFixture(t, Config{FollowWalletExits: false}, 0.55)
	openPosition(t, f.positions, 0.50, types.ExitRule{
		Type:       types.ExitWalletExit,
		Wallets:    []string{w},
		AttachedAt: time.Now().UTC().Add(-time.Minute),
	})

	f.monitor.ObserveWalletSell(w, "0xc1", "Yes", time.Now().UTC())
	f.monitor.Tick(context.Background())

	got, _ := f.positions.Get("pos-1")
	if got.Status != types.PositionOpen {
		t.Fatalf("status = %q, want open with followWalletExits off", got.Status)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{PollInterval: time.Hour}, 0.5)
	f.monitor.Start()
	f.monitor.EnsureRunning() // second start is a no-op

	if !f.monitor.GetStatus().Running {
		t.Fatal("monitor not running after Start")
	}
	f.monitor.Stop()
	f.monitor.Stop() // second stop is a no-op
	if f.monitor.GetStatus().Running {
		t.Fatal("monitor still running after Stop")
	}
}
