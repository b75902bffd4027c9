// Package ledger implements signed-position accounting primitives.
//
// A Position tracks a single (condition, outcome) holding with a signed
// amount: positive = long, negative = short. Cost basis is carried as a
// signed TotalCost so the average price is always TotalCost/Amount, for
// longs and shorts alike. The primitives are pure — no I/O, no clocks —
// and every operation returns the updated position value.
//
// The accounting identity the PnL engine relies on: after any sequence of
// ApplyBuy/ApplySell, realized + amount·mark − TotalCost equals the sum of
// all cash flows (sells − buys) plus amount·mark, within float tolerance.
package ledger

import "math"

// SplitCostBasis is the canonical per-token cost of split-minted inventory.
// A split pays 1 USDC for one token of every outcome of a binary condition,
// so each token carries half the cost.
const SplitCostBasis = 0.50

// Position is the ledger state for one (condition, outcome) key.
// Amount is signed (negative = short); TotalCost is signed alongside it
// (negative for shorts, representing the credit received on open).
type Position struct {
	Amount      float64 `json:"amount"`
	TotalCost   float64 `json:"totalCost"`
	RealizedPnL float64 `json:"realizedPnl"`

	// Lineage counters for cost-basis attribution diagnostics. Maintained
	// by the PnL engine, not by the primitives.
	FromSplits float64 `json:"fromSplits"`
	FromClob   float64 `json:"fromClob"`
}

// AvgPrice returns the average entry price, or 0 for a flat position.
// For shorts this is the average price received on open.
func (p Position) AvgPrice() float64 {
	if p.Amount == 0 {
		return 0
	}
	return p.TotalCost / p.Amount
}

// IsFlat reports whether the position holds no tokens.
func (p Position) IsFlat() bool { return p.Amount == 0 }

// ApplyBuy applies a purchase of qty tokens at the given price.
//
// When the position is short, the buy first closes min(qty, |amount|) at the
// short average, crediting realized PnL (s−p)·closed; any remainder opens a
// long at the trade price. When already long or flat, the weighted-average
// cost simply absorbs the new tokens.
func (p Position) ApplyBuy(qty, price float64) Position {
	if qty <= 0 {
		return p
	}

	if p.Amount < 0 {
		shortAvg := p.AvgPrice()
		closed := math.Min(qty, -p.Amount)

		p.RealizedPnL += (shortAvg - price) * closed
		p.Amount += closed
		p.TotalCost += shortAvg * closed
		qty -= closed

		if p.Amount == 0 {
			p.TotalCost = 0
		}
	}

	if qty > 0 {
		p.Amount += qty
		p.TotalCost += price * qty
	}
	return p
}

// ApplySell applies a sale of qty tokens at the given price.
//
// The long portion closes at the long average, realizing (p−a)·closed.
// Any remainder opens a short at the trade price; that remainder is also
// returned as overcap so the PnL engine can decide whether it should have
// been backed by an implicit split instead of a genuine short.
func (p Position) ApplySell(qty, price float64) (pos Position, realizedDelta, overcap float64) {
	if qty <= 0 {
		return p, 0, 0
	}

	if p.Amount > 0 {
		longAvg := p.AvgPrice()
		closed := math.Min(qty, p.Amount)

		realizedDelta = (price - longAvg) * closed
		p.RealizedPnL += realizedDelta
		p.Amount -= closed
		p.TotalCost -= longAvg * closed
		qty -= closed

		if p.Amount == 0 {
			p.TotalCost = 0
		}
	}

	if qty > 0 {
		overcap = qty
		p.Amount -= qty
		p.TotalCost -= price * qty
	}
	return p, realizedDelta, overcap
}

// SettleAtResolution drains the position at the resolved payout price.
//
// A long q at average a realizes (payout−a)·q; a short q realizes
// (s−payout)·|q|. Both reduce to payout·amount − totalCost.
func (p Position) SettleAtResolution(payout float64) (pos Position, realizedDelta float64) {
	if p.Amount == 0 {
		p.TotalCost = 0
		return p, 0
	}
	realizedDelta = payout*p.Amount - p.TotalCost
	p.RealizedPnL += realizedDelta
	p.Amount = 0
	p.TotalCost = 0
	p.FromSplits = 0
	p.FromClob = 0
	return p, realizedDelta
}

// UnrealizedAt returns the mark-to-market PnL of the open amount.
func (p Position) UnrealizedAt(mark float64) float64 {
	if p.Amount == 0 {
		return 0
	}
	return p.Amount*mark - p.TotalCost
}

// ValueAt returns the position's market value at the given mark.
func (p Position) ValueAt(mark float64) float64 {
	return p.Amount * mark
}
