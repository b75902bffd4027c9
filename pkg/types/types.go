// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the platform — trade events,
// market resolutions, copy-trade decisions, paper positions, exit rules,
// and alerts. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Role distinguishes the passive and aggressive side of an order-book fill.
type Role string

const (
	Maker Role = "maker"
	Taker Role = "taker"
)

// SourceType identifies where a trade event originated on-chain. The set is
// closed; engines switch exhaustively on it.
type SourceType string

const (
	SourceCLOB             SourceType = "CLOB"             // order-book fill
	SourcePositionSplit    SourceType = "PositionSplit"    // N USDC → N tokens of every outcome
	SourcePositionsMerge   SourceType = "PositionsMerge"   // inverse of a split
	SourcePayoutRedemption SourceType = "PayoutRedemption" // winning tokens → payout USDC
	SourceERC1155Transfer  SourceType = "ERC1155Transfer"  // direct token transfer
	SourceDeposit          SourceType = "Deposit"
	SourceWithdrawal       SourceType = "Withdrawal"
)

// IsFunding reports whether the source is a funding event. Funding events
// move USDC in and out of the wallet and are never PnL-bearing.
func (s SourceType) IsFunding() bool {
	return s == SourceDeposit || s == SourceWithdrawal
}

// IsConditionLevel reports whether events of this source apply to a whole
// condition rather than a single outcome. For these, OutcomeIndex is -1.
func (s SourceType) IsConditionLevel() bool {
	switch s {
	case SourcePositionSplit, SourcePositionsMerge, SourcePayoutRedemption:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Trade events
// ————————————————————————————————————————————————————————————————————————

// TradeEvent is the atomic input to both engines. Events are created
// upstream, are immutable, and are globally deduplicated by EventID.
type TradeEvent struct {
	EventID      string     `json:"eventId"`
	Wallet       string     `json:"walletAddress"` // lowercase hex, case-insensitive equality
	TxHash       string     `json:"txHash"`
	BlockNumber  int64      `json:"blockNumber"`
	Timestamp    time.Time  `json:"timestamp"`
	ConditionID  string     `json:"conditionId"`
	OutcomeIndex int        `json:"outcomeIndex"` // -1 for condition-level events
	TokenID      string     `json:"tokenId,omitempty"`
	MarketID     string     `json:"marketId,omitempty"` // market slug, when the feed carries it
	Side         Side       `json:"side"`
	Role         Role       `json:"role,omitempty"`
	Tokens       float64    `json:"tokens"` // token quantity
	USDC         float64    `json:"usdc"`   // cash leg in USD
	Source       SourceType `json:"sourceType"`
}

// Notional returns the USD value of the event's cash leg.
func (e TradeEvent) Notional() float64 { return e.USDC }

// IntraTxOrder returns the replay rank of this event within its transaction.
// Splits come before sells so split-minted inventory is visible to the sells
// that consume it; merges and redemptions settle last.
func (e TradeEvent) IntraTxOrder() int {
	switch e.Source {
	case SourcePositionSplit, SourceERC1155Transfer:
		return 0
	case SourcePositionsMerge:
		return 3
	case SourcePayoutRedemption:
		return 4
	case SourceCLOB:
		if e.Side == Sell {
			return 1
		}
		return 2
	}
	return 5
}

// NormalizeWallet validates a hex wallet address and returns its canonical
// lowercase form. Wallet equality is case-insensitive everywhere.
func NormalizeWallet(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid wallet address %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// ————————————————————————————————————————————————————————————————————————
// Resolutions
// ————————————————————————————————————————————————————————————————————————

// Resolution is the settled payout vector for a condition. Payouts are
// normalised: non-negative reals summing to 1, indexed by outcome.
type Resolution struct {
	ConditionID string    `json:"conditionId"`
	Payouts     []float64 `json:"payoutNumerators"`
	ResolvedAt  time.Time `json:"resolvedAt"`
}

// Payout returns the normalised payout for one outcome, or 0 when the
// outcome index is out of range.
func (r Resolution) Payout(outcome int) float64 {
	if outcome < 0 || outcome >= len(r.Payouts) {
		return 0
	}
	return r.Payouts[outcome]
}

// ————————————————————————————————————————————————————————————————————————
// Copy-trade decisions
// ————————————————————————————————————————————————————————————————————————

// DecisionStatus is the outcome of one consensus evaluation.
type DecisionStatus string

const (
	StatusExecuted  DecisionStatus = "executed"
	StatusSimulated DecisionStatus = "simulated"
	StatusSkipped   DecisionStatus = "skipped"
	StatusFiltered  DecisionStatus = "filtered"
	StatusError     DecisionStatus = "error"
)

// Decision is the immutable record of one consensus evaluation. Decisions
// are append-only; the log store ring-evicts the oldest.
type Decision struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	SourceWallet   string         `json:"sourceWallet"`
	MatchedWallets []string       `json:"matchedWallets,omitempty"`
	ConditionID    string         `json:"conditionId"`
	MarketID       string         `json:"marketId,omitempty"`
	Side           Side           `json:"side"`
	Outcome        string         `json:"outcome"`
	Price          float64        `json:"price"`
	Size           float64        `json:"size"`
	Status         DecisionStatus `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	DryRun         bool           `json:"dryRun"`
}

// ————————————————————————————————————————————————————————————————————————
// Paper positions and exit rules
// ————————————————————————————————————————————————————————————————————————

// PositionStatus is the lifecycle state of a paper position. Positions
// progress open → closed (exit rule or manual) or open → resolved (market
// settled); neither terminal state reopens.
type PositionStatus string

const (
	PositionOpen     PositionStatus = "open"
	PositionClosed   PositionStatus = "closed"
	PositionResolved PositionStatus = "resolved"
)

// ExitRuleType enumerates the supported exit rules.
type ExitRuleType string

const (
	ExitPriceTarget  ExitRuleType = "price_target"
	ExitStopLoss     ExitRuleType = "stop_loss"
	ExitTrailingStop ExitRuleType = "trailing_stop"
	ExitWalletExit   ExitRuleType = "wallet_exit"
)

// ExitRule is one exit condition attached to a paper position. Rules are
// evaluated in attachment order; the first that fires wins.
type ExitRule struct {
	Type        ExitRuleType `json:"type"`
	Price       float64      `json:"price,omitempty"`       // target (price_target) or stop (stop_loss)
	TrailingPct float64      `json:"trailingPct,omitempty"` // fraction of the high watermark, e.g. 0.10
	Wallets     []string     `json:"wallets,omitempty"`     // wallet_exit watch set, lowercase
	AttachedAt  time.Time    `json:"attachedAt"`
}

// PaperPosition is a simulated position derived from a Decision. It stores
// the decision id rather than the decision itself; callers resolve the back
// reference through the log store.
type PaperPosition struct {
	ID            string         `json:"id"`
	DecisionID    string         `json:"decisionId"`
	SourceWallet  string         `json:"sourceWallet"`
	ConditionID   string         `json:"conditionId"`
	MarketID      string         `json:"marketId,omitempty"`
	Side          Side           `json:"side"`
	Outcome       string         `json:"outcome"`
	EntryPrice    float64        `json:"entryPrice"`
	Size          float64        `json:"size"`
	CurrentPrice  float64        `json:"currentPrice"`
	HighWatermark float64        `json:"highWatermark"` // highest mark since entry, drives trailing stops
	UnrealizedPnL float64        `json:"unrealizedPnl"`
	RealizedPnL   float64        `json:"realizedPnl"`
	ExitPrice     float64        `json:"exitPrice,omitempty"`
	ExitReason    string         `json:"exitReason,omitempty"`
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"openedAt"`
	ClosedAt      time.Time      `json:"closedAt,omitempty"`
	ExitRules     []ExitRule     `json:"exitRules,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Alerts
// ————————————————————————————————————————————————————————————————————————

// AlertPriority orders alerts for display and counting.
type AlertPriority string

const (
	PriorityLow      AlertPriority = "low"
	PriorityMedium   AlertPriority = "medium"
	PriorityHigh     AlertPriority = "high"
	PriorityCritical AlertPriority = "critical"
)

// Alert is a typed notification linked to the entities that produced it.
// Alerts are append-only and ring-evicted.
type Alert struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"` // e.g. consensus_triggered, position_opened, exit_triggered
	Priority    AlertPriority `json:"priority"`
	Title       string        `json:"title"`
	Message     string        `json:"message,omitempty"`
	ConditionID string        `json:"conditionId,omitempty"`
	PositionID  string        `json:"positionId,omitempty"`
	DecisionID  string        `json:"decisionId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	Read        bool          `json:"read"`
	Dismissed   bool          `json:"dismissed"`
}
