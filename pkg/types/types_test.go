package types

import "testing"

func TestIntraTxOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   TradeEvent
		want int
	}{
		{"split", TradeEvent{Source: SourcePositionSplit}, 0},
		{"transfer", TradeEvent{Source: SourceERC1155Transfer}, 0},
		{"clob sell", TradeEvent{Source: SourceCLOB, Side: Sell}, 1},
		{"clob buy", TradeEvent{Source: SourceCLOB, Side: Buy}, 2},
		{"merge", TradeEvent{Source: SourcePositionsMerge}, 3},
		{"redemption", TradeEvent{Source: SourcePayoutRedemption}, 4},
		{"deposit", TradeEvent{Source: SourceDeposit}, 5},
	}

	for _, tt := range tests {
		if got := tt.ev.IntraTxOrder(); got != tt.want {
			t.Errorf("%s: IntraTxOrder() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestSourceTypeClassification(t *testing.T) {
	t.Parallel()

	if !SourceDeposit.IsFunding() || !SourceWithdrawal.IsFunding() {
		t.Error("deposit/withdrawal should be funding events")
	}
	if SourceCLOB.IsFunding() {
		t.Error("CLOB fills are not funding events")
	}
	if !SourcePositionSplit.IsConditionLevel() {
		t.Error("splits are condition-level")
	}
	if SourceCLOB.IsConditionLevel() || SourceERC1155Transfer.IsConditionLevel() {
		t.Error("fills and transfers are outcome-level")
	}
}

func TestNormalizeWallet(t *testing.T) {
	t.Parallel()

	got, err := NormalizeWallet("0xAB5801A7D398351B8BE11C439E05C5B3259AEC9B")
	if err != nil {
		t.Fatalf("NormalizeWallet: %v", err)
	}
	want := "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	if got != want {
		t.Errorf("NormalizeWallet = %q, want %q", got, want)
	}

	if _, err := NormalizeWallet("not-a-wallet"); err == nil {
		t.Error("expected error for invalid address")
	}
	if _, err := NormalizeWallet("0x123"); err == nil {
		t.Error("expected error for short address")
	}
}

func TestResolutionPayout(t *testing.T) {
	t.Parallel()

	r := Resolution{ConditionID: "0xc1", Payouts: []float64{0, 1}}

	if got := r.Payout(0); got != 0 {
		t.Errorf("Payout(0) = %v, want 0", got)
	}
	if got := r.Payout(1); got != 1 {
		t.Errorf("Payout(1) = %v, want 1", got)
	}
	if got := r.Payout(2); got != 0 {
		t.Errorf("Payout(2) out of range = %v, want 0", got)
	}
	if got := r.Payout(-1); got != 0 {
		t.Errorf("Payout(-1) = %v, want 0", got)
	}
}
