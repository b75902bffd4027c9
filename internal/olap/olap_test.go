package olap

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"cascadian/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var eventCols = []string{
	"event_id", "wallet_address", "tx_hash", "block_number", "ts",
	"condition_id", "outcome_index", "token_id", "side", "role",
	"tokens", "usdc", "source_type",
}

func TestFillsForWalletDecodesAndDedupes(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(eventCols).
		AddRow("e1", "0xABC", "0xT1", 100, now, "0xC1", 0, "tok0", "buy", "taker", int64(100_000_000), int64(40_000_000), "CLOB").
		AddRow("e1", "0xABC", "0xT1", 100, now, "0xC1", 0, "tok0", "buy", "taker", int64(100_000_000), int64(40_000_000), "CLOB").
		AddRow("e2", "0xabc", "0xT2", 101, now, "0xc1", 1, "tok1", "sell", "maker", int64(50_000_000), int64(30_000_000), "CLOB")

	mock.ExpectQuery(`SELECT (.+) FROM trade_events`).
		WithArgs("0xabc").
		WillReturnRows(rows)

	store := NewStore(db, testLogger())
	events, err := store.FillsForWallet(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("FillsForWallet: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (dedupe by event id)", len(events))
	}

	ev := events[0]
	if ev.Wallet != "0xabc" || ev.ConditionID != "0xc1" {
		t.Errorf("identifiers not lowercased: %+v", ev)
	}
	if ev.Tokens != 100 || ev.USDC != 40 {
		t.Errorf("scaled decode: tokens=%v usdc=%v, want 100 and 40", ev.Tokens, ev.USDC)
	}
	if ev.Side != types.Buy || ev.Source != types.SourceCLOB {
		t.Errorf("enums: %+v", ev)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestConditionEventsProxyAttribution(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(eventCols).
		AddRow("s1", "0xproxy", "0xT1", 100, now, "0xc1", nil, nil, "buy", nil, int64(100_000_000), int64(100_000_000), "PositionSplit")

	mock.ExpectQuery(`SELECT (.+) FROM trade_events`).
		WithArgs("0xabc", pq.Array([]string{"0xT1"})).
		WillReturnRows(rows)

	store := NewStore(db, testLogger())
	events, err := store.ConditionEventsForWallet(context.Background(), "0xABC", []string{"0xT1"})
	if err != nil {
		t.Fatalf("ConditionEventsForWallet: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].OutcomeIndex != -1 {
		t.Errorf("condition-level event OutcomeIndex = %d, want -1", events[0].OutcomeIndex)
	}
	if events[0].Source != types.SourcePositionSplit {
		t.Errorf("Source = %v, want PositionSplit", events[0].Source)
	}
}

func TestTokenMap(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"token_id", "condition_id", "outcome_index"}).
		AddRow("tok0", "0xC1", 0).
		AddRow("tok1", "0xC1", 1)

	mock.ExpectQuery(`SELECT (.+) FROM token_condition_map`).
		WillReturnRows(rows)

	store := NewStore(db, testLogger())
	m, err := store.TokenMap(context.Background(), []string{"tok0", "tok1", "tok-unmapped"})
	if err != nil {
		t.Fatalf("TokenMap: %v", err)
	}

	if len(m) != 2 {
		t.Fatalf("got %d mappings, want 2", len(m))
	}
	if key := m["tok1"]; key.ConditionID != "0xc1" || key.OutcomeIndex != 1 {
		t.Errorf("tok1 = %+v, want {0xc1 1}", key)
	}
	if _, ok := m["tok-unmapped"]; ok {
		t.Error("unmapped token should be absent, not zero-valued")
	}
}

func TestTokenMapEmptyInput(t *testing.T) {
	t.Parallel()

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewStore(db, testLogger())
	m, err := store.TokenMap(context.Background(), nil)
	if err != nil {
		t.Fatalf("TokenMap(nil): %v", err)
	}
	if len(m) != 0 {
		t.Errorf("got %d mappings, want 0", len(m))
	}
}

func TestResolutionsNormalizesPayouts(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"condition_id", "payout_numerators", "resolved_at"}).
		AddRow("0xC1", pq.Float64Array{0, 1}, now).
		AddRow("0xc2", pq.Float64Array{3, 1}, now). // unnormalised numerators
		AddRow("0xc3", pq.Float64Array{0, 0}, now)  // degenerate, skipped

	mock.ExpectQuery(`SELECT (.+) FROM condition_resolutions`).
		WillReturnRows(rows)

	store := NewStore(db, testLogger())
	res, err := store.Resolutions(context.Background(), []string{"0xc1", "0xc2", "0xc3"})
	if err != nil {
		t.Fatalf("Resolutions: %v", err)
	}

	if len(res) != 2 {
		t.Fatalf("got %d resolutions, want 2 (degenerate skipped)", len(res))
	}
	if got := res["0xc1"].Payout(1); got != 1 {
		t.Errorf("0xc1 payout(1) = %v, want 1", got)
	}
	if got := res["0xc2"].Payout(0); got != 0.75 {
		t.Errorf("0xc2 payout(0) = %v, want 0.75 (3/4 normalised)", got)
	}
}

func TestQueryRetriesOnce(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM trade_events`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery(`SELECT (.+) FROM trade_events`).
		WillReturnRows(sqlmock.NewRows(eventCols))

	store := NewStore(db, testLogger())
	events, err := store.FillsForWallet(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("FillsForWallet after retry: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestQueryFailsAfterSecondError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM trade_events`).
		WillReturnError(errors.New("timeout"))
	mock.ExpectQuery(`SELECT (.+) FROM trade_events`).
		WillReturnError(errors.New("timeout"))

	store := NewStore(db, testLogger())
	if _, err := store.FillsForWallet(context.Background(), "0xabc"); err == nil {
		t.Fatal("expected error after two failures")
	}
}
