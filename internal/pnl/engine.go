// Package pnl implements the deterministic per-wallet PnL engine.
//
// For one wallet the engine assembles every relevant on-chain event from
// the OLAP store (order-book fills, splits, merges, redemptions, proxy
// transfers), normalises them into a single ordered stream, and replays
// the stream through the ledger primitives. The output is a structured
// report whose numbers are a pure function of the event stream and the
// caller's options. Bad records are skipped with diagnostics; nothing in
// the replay path aborts the computation.
package pnl

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"cascadian/internal/ledger"
	"cascadian/internal/olap"
	"cascadian/pkg/types"
)

// DefaultMark is the mark used for unresolved positions when the caller
// supplies no price override.
const DefaultMark = 0.5

// Paired-outcome detection tolerances. Tunable constants; the cited
// defaults are what production data was calibrated against.
const (
	pairAmountTolerance = 0.01 // token amounts equal within 1%
	pairPriceTolerance  = 0.05 // prices sum to 1.00 within 5%
)

// Cohort classifies a wallet's event mix for the report's confidence signal.
type Cohort string

const (
	CohortNoData     Cohort = "NO_DATA"
	CohortClobClosed Cohort = "CLOB_CLOSED"
	CohortClobActive Cohort = "CLOB_ACTIVE"
	CohortMixed      Cohort = "MIXED"
)

// Options tune a single computation.
type Options struct {
	// PriceOverrides maps conditionId → current price in [0, 1] for marking
	// open positions. Conditions without an override mark at DefaultMark.
	PriceOverrides map[string]float64
	// CohortOverride replaces the diagnosed cohort when non-empty.
	CohortOverride Cohort
}

// Diagnostics carries the non-numeric half of a report.
type Diagnostics struct {
	Cohort             Cohort   `json:"cohort"`
	ClobCount          int      `json:"clobCount"`
	NonClobCount       int      `json:"nonClobCount"`
	ResolvedPositions  int      `json:"resolvedPositions"`
	ActivePositions    int      `json:"activePositions"`
	OmegaInputsMissing []string `json:"omegaInputsMissing,omitempty"` // token ids with no condition mapping
	Warnings           []string `json:"warnings,omitempty"`

	// Consistency counters. Non-zero values flag wallets whose event
	// stream needed inference to stay balanced.
	SyntheticSplitsRemoved       int     `json:"syntheticSplitsRemoved,omitempty"`
	ImplicitSplitFromTrades      int     `json:"implicitSplitFromTrades,omitempty"`
	ImplicitSplitTokens          float64 `json:"implicitSplitTokens,omitempty"`
	SellDeficitNoMapping         int     `json:"sellDeficitNoMapping,omitempty"`
	RedeemDeficitNoSplitEvidence int     `json:"redeemDeficitNoSplitEvidence,omitempty"`
}

// Report is the result of one wallet computation.
type Report struct {
	Wallet        string      `json:"wallet"`
	Realized      float64     `json:"realized"`
	Unrealized    float64     `json:"unrealized"`
	Total         float64     `json:"total"`
	PositionValue float64     `json:"positionValue"`
	Diagnostics   Diagnostics `json:"diagnostics"`
}

// EventSource is the OLAP read surface the engine consumes. The production
// implementation is *olap.Store.
type EventSource interface {
	FillsForWallet(ctx context.Context, wallet string) ([]types.TradeEvent, error)
	ConditionEventsForWallet(ctx context.Context, wallet string, txHashes []string) ([]types.TradeEvent, error)
	ProxyTransfers(ctx context.Context, wallet string) ([]types.TradeEvent, error)
	TokenMap(ctx context.Context, tokenIDs []string) (map[string]olap.TokenKey, error)
	Resolutions(ctx context.Context, conditionIDs []string) (map[string]types.Resolution, error)
}

// Engine computes wallet PnL reports from an event source.
type Engine struct {
	src    EventSource
	logger *slog.Logger
}

// NewEngine builds a PnL engine over the given event source.
func NewEngine(src EventSource, logger *slog.Logger) *Engine {
	return &Engine{src: src, logger: logger.With("component", "pnl")}
}

// BatchResult is one wallet's outcome within a batch: a report or the error
// that prevented it. Errors never cross wallets.
type BatchResult struct {
	Report *Report
	Err    error
}

// ComputeBatch computes reports for many wallets, capturing per-wallet
// failures instead of failing the batch.
func (e *Engine) ComputeBatch(ctx context.Context, wallets []string, opts Options) map[string]BatchResult {
	out := make(map[string]BatchResult, len(wallets))
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			out[w] = BatchResult{Err: err}
			continue
		}
		report, err := e.ComputeWalletPnL(ctx, w, opts)
		out[w] = BatchResult{Report: report, Err: err}
	}
	return out
}

// posKey identifies one ledger position.
type posKey struct {
	conditionID string
	outcome     int
}

// replayState is the working set of one computation.
type replayState struct {
	positions   map[posKey]ledger.Position
	outcomes    map[string]map[int]struct{} // condition → observed outcome indexes
	resolutions map[string]types.Resolution
	diag        *Diagnostics

	mixedTx  map[string]bool // tx hash → contains both buys and sells
	netShort bool            // wallet sold more CLOB tokens than it bought
}

func (st *replayState) position(k posKey) ledger.Position { return st.positions[k] }

// outcomeSet returns the known outcome indexes for a condition, defaulting
// to the binary pair when nothing else has been observed.
func (st *replayState) outcomeSet(conditionID string) []int {
	set := st.outcomes[conditionID]
	if len(set) < 2 {
		return []int{0, 1}
	}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (st *replayState) observeOutcome(conditionID string, outcome int) {
	if outcome < 0 {
		return
	}
	set, ok := st.outcomes[conditionID]
	if !ok {
		set = make(map[int]struct{})
		st.outcomes[conditionID] = set
	}
	set[outcome] = struct{}{}
}

// ComputeWalletPnL assembles the wallet's events, replays them, and
// returns the report. Only OLAP failures surface as errors; data faults
// are downgraded to diagnostics.
func (e *Engine) ComputeWalletPnL(ctx context.Context, wallet string, opts Options) (*Report, error) {
	norm, err := types.NormalizeWallet(wallet)
	if err != nil {
		return nil, fmt.Errorf("compute pnl: %w", err)
	}

	report := &Report{Wallet: norm}
	diag := &report.Diagnostics

	events, err := e.assembleEvents(ctx, norm, diag)
	if err != nil {
		return nil, fmt.Errorf("compute pnl for %s: %w", norm, err)
	}
	if len(events) == 0 {
		diag.Cohort = CohortNoData
		if opts.CohortOverride != "" {
			diag.Cohort = opts.CohortOverride
		}
		return report, nil
	}

	conditions := make(map[string]struct{})
	for _, ev := range events {
		if ev.ConditionID != "" {
			conditions[ev.ConditionID] = struct{}{}
		}
	}
	condIDs := make([]string, 0, len(conditions))
	for c := range conditions {
		condIDs = append(condIDs, c)
	}
	sort.Strings(condIDs)
	resolutions, err := e.src.Resolutions(ctx, condIDs)
	if err != nil {
		return nil, fmt.Errorf("compute pnl for %s: resolutions: %w", norm, err)
	}

	events = removeSyntheticSplits(events, diag)

	st := &replayState{
		positions:   make(map[posKey]ledger.Position),
		outcomes:    make(map[string]map[int]struct{}),
		resolutions: resolutions,
		diag:        diag,
		mixedTx:     make(map[string]bool),
	}
	for _, ev := range events {
		st.observeOutcome(ev.ConditionID, ev.OutcomeIndex)
	}
	classifyFlow(events, st)

	for _, ev := range events {
		e.replayEvent(st, ev)
	}

	e.finish(st, opts, report)
	return report, nil
}

// assembleEvents loads and merges the wallet's fills, condition-level
// events (direct plus proxy-attributed), and proxy transfers, resolves
// token → condition mappings, and sorts the stream into replay order.
func (e *Engine) assembleEvents(ctx context.Context, wallet string, diag *Diagnostics) ([]types.TradeEvent, error) {
	fills, err := e.src.FillsForWallet(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("fills: %w", err)
	}

	txSet := make(map[string]struct{}, len(fills))
	for _, f := range fills {
		if f.TxHash != "" {
			txSet[f.TxHash] = struct{}{}
		}
	}
	txHashes := make([]string, 0, len(txSet))
	for h := range txSet {
		txHashes = append(txHashes, h)
	}
	sort.Strings(txHashes)

	condEvents, err := e.src.ConditionEventsForWallet(ctx, wallet, txHashes)
	if err != nil {
		return nil, fmt.Errorf("condition events: %w", err)
	}
	transfers, err := e.src.ProxyTransfers(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("proxy transfers: %w", err)
	}

	seen := make(map[string]struct{})
	var events []types.TradeEvent
	for _, batch := range [][]types.TradeEvent{fills, condEvents, transfers} {
		for _, ev := range batch {
			if _, dup := seen[ev.EventID]; dup {
				continue
			}
			seen[ev.EventID] = struct{}{}
			ev.ConditionID = strings.ToLower(ev.ConditionID)
			events = append(events, ev)
		}
	}

	events, err = e.resolveTokenConditions(ctx, events, diag)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxHash != b.TxHash {
			return a.TxHash < b.TxHash
		}
		return a.IntraTxOrder() < b.IntraTxOrder()
	})
	return events, nil
}

// resolveTokenConditions backfills condition ids for events that carry only
// a token id. Tokens with no mapping are dropped with a diagnostic.
func (e *Engine) resolveTokenConditions(ctx context.Context, events []types.TradeEvent, diag *Diagnostics) ([]types.TradeEvent, error) {
	var unmapped []string
	unmappedSet := make(map[string]struct{})
	for _, ev := range events {
		if ev.ConditionID == "" && ev.TokenID != "" && !ev.Source.IsFunding() {
			if _, ok := unmappedSet[ev.TokenID]; !ok {
				unmappedSet[ev.TokenID] = struct{}{}
				unmapped = append(unmapped, ev.TokenID)
			}
		}
	}
	if len(unmapped) == 0 {
		return events, nil
	}

	tokenMap, err := e.src.TokenMap(ctx, unmapped)
	if err != nil {
		return nil, fmt.Errorf("token map: %w", err)
	}

	kept := events[:0]
	for _, ev := range events {
		if ev.ConditionID == "" && ev.TokenID != "" && !ev.Source.IsFunding() {
			key, ok := tokenMap[ev.TokenID]
			if !ok {
				diag.OmegaInputsMissing = append(diag.OmegaInputsMissing, ev.TokenID)
				diag.Warnings = append(diag.Warnings,
					fmt.Sprintf("token %s has no condition mapping, event %s skipped", ev.TokenID, ev.EventID))
				continue
			}
			ev.ConditionID = strings.ToLower(key.ConditionID)
			ev.OutcomeIndex = key.OutcomeIndex
		}
		kept = append(kept, ev)
	}
	return kept, nil
}

// removeSyntheticSplits drops one leg of each matched opposite-outcome pair
// within a transaction. A buy and a sell on opposite outcomes of the same
// condition, with equal token amounts (within 1%) and prices summing to
// ≈1.00 (within 5%), is a synthetic split: the transaction moved no net
// inventory. When the transaction also carries a real PositionSplit for the
// condition, the buy leg is the double-count (the tokens came from the
// split); otherwise the sell leg is (there is no inventory source for it).
func removeSyntheticSplits(events []types.TradeEvent, diag *Diagnostics) []types.TradeEvent {
	byTx := make(map[string][]int)
	for i, ev := range events {
		byTx[ev.TxHash] = append(byTx[ev.TxHash], i)
	}

	remove := make(map[int]bool)
	for _, idxs := range byTx {
		splitConditions := make(map[string]bool)
		for _, i := range idxs {
			if events[i].Source == types.SourcePositionSplit {
				splitConditions[events[i].ConditionID] = true
			}
		}

		for _, bi := range idxs {
			buy := events[bi]
			if buy.Source != types.SourceCLOB || buy.Side != types.Buy || remove[bi] {
				continue
			}
			for _, si := range idxs {
				sell := events[si]
				if sell.Source != types.SourceCLOB || sell.Side != types.Sell || remove[si] {
					continue
				}
				if sell.ConditionID != buy.ConditionID || sell.OutcomeIndex == buy.OutcomeIndex {
					continue
				}
				if !amountsMatch(buy.Tokens, sell.Tokens) || !pricesComplement(buy, sell) {
					continue
				}

				if splitConditions[buy.ConditionID] {
					remove[bi] = true
				} else {
					remove[si] = true
				}
				diag.SyntheticSplitsRemoved++
				break
			}
		}
	}
	if len(remove) == 0 {
		return events
	}

	kept := events[:0]
	for i, ev := range events {
		if !remove[i] {
			kept = append(kept, ev)
		}
	}
	return kept
}

func amountsMatch(a, b float64) bool {
	larger := math.Max(math.Abs(a), math.Abs(b))
	if larger == 0 {
		return false
	}
	return math.Abs(a-b)/larger <= pairAmountTolerance
}

func pricesComplement(a, b types.TradeEvent) bool {
	pa, pb := price(a), price(b)
	if pa == 0 || pb == 0 {
		return false
	}
	return math.Abs(pa+pb-1.0) <= pairPriceTolerance
}

func price(ev types.TradeEvent) float64 {
	if ev.Tokens == 0 {
		return 0
	}
	return ev.USDC / ev.Tokens
}

// classifyFlow precomputes the deficit-evidence signals: transactions that
// mix buys and sells, and overall net-short flow.
func classifyFlow(events []types.TradeEvent, st *replayState) {
	var bought, sold float64
	buysInTx := make(map[string]bool)
	sellsInTx := make(map[string]bool)
	for _, ev := range events {
		if ev.Source != types.SourceCLOB {
			continue
		}
		if ev.Side == types.Buy {
			bought += ev.Tokens
			buysInTx[ev.TxHash] = true
		} else {
			sold += ev.Tokens
			sellsInTx[ev.TxHash] = true
		}
	}
	for tx := range buysInTx {
		if sellsInTx[tx] {
			st.mixedTx[tx] = true
		}
	}
	st.netShort = sold > bought
}

func (e *Engine) replayEvent(st *replayState, ev types.TradeEvent) {
	switch ev.Source {
	case types.SourceCLOB:
		if ev.Side == types.Buy {
			st.diag.ClobCount++
			k := posKey{ev.ConditionID, ev.OutcomeIndex}
			pos := st.positions[k].ApplyBuy(ev.Tokens, price(ev))
			pos.FromClob += ev.Tokens
			st.positions[k] = pos
			return
		}
		st.diag.ClobCount++
		e.applySellWithInference(st, ev.TxHash, ev.ConditionID, ev.OutcomeIndex, ev.Tokens, price(ev), false)

	case types.SourcePositionSplit:
		st.diag.NonClobCount++
		applySplit(st, ev.ConditionID, ev.Tokens)

	case types.SourcePositionsMerge:
		st.diag.NonClobCount++
		outcomes := st.outcomeSet(ev.ConditionID)
		per := 1.0 / float64(len(outcomes))
		for _, o := range outcomes {
			k := posKey{ev.ConditionID, o}
			pos, _, overcap := st.positions[k].ApplySell(ev.Tokens, per)
			if overcap > 0 {
				st.diag.Warnings = append(st.diag.Warnings,
					fmt.Sprintf("merge of %.4f on %s/o%d exceeds tracked inventory", ev.Tokens, ev.ConditionID, o))
			}
			st.positions[k] = pos
		}

	case types.SourcePayoutRedemption:
		st.diag.NonClobCount++
		e.applyRedemption(st, ev)

	case types.SourceERC1155Transfer:
		st.diag.NonClobCount++
		k := posKey{ev.ConditionID, ev.OutcomeIndex}
		pos := st.positions[k].ApplyBuy(ev.Tokens, ledger.SplitCostBasis)
		pos.FromSplits += ev.Tokens
		st.positions[k] = pos

	case types.SourceDeposit, types.SourceWithdrawal:
		// Funding moves cash, not positions.
	}
}

// applySplit mints ev.Tokens on every outcome of the condition, charging
// the split amount as cost spread evenly across the outcome set.
func applySplit(st *replayState, conditionID string, amount float64) {
	outcomes := st.outcomeSet(conditionID)
	per := 1.0 / float64(len(outcomes))
	for _, o := range outcomes {
		k := posKey{conditionID, o}
		pos := st.positions[k].ApplyBuy(amount, per)
		pos.FromSplits += amount
		st.positions[k] = pos
	}
}

// applySellWithInference sells qty at price on one outcome. When the sale
// would drive the position short and the stream shows split-like behaviour
// (mixed buy/sell transactions or net-short flow), the deficit is imputed
// as an implicit split first: the deficit is minted on every outcome at the
// canonical split cost, so the sale closes real inventory instead of
// opening a phantom short.
func (e *Engine) applySellWithInference(st *replayState, txHash, conditionID string, outcome int, qty, px float64, isRedemption bool) float64 {
	k := posKey{conditionID, outcome}
	pos := st.positions[k]

	deficit := qty - math.Max(pos.Amount, 0)
	if deficit > 0 {
		if st.mixedTx[txHash] || st.netShort {
			applySplit(st, conditionID, deficit)
			pos = st.positions[k]
			st.diag.ImplicitSplitFromTrades++
			st.diag.ImplicitSplitTokens += deficit
		} else if isRedemption {
			st.diag.RedeemDeficitNoSplitEvidence++
		} else {
			st.diag.SellDeficitNoMapping++
		}
	}

	pos, realized, _ := pos.ApplySell(qty, px)
	st.positions[k] = pos
	return realized
}

// applyRedemption burns winning tokens for their payout cash. The payout
// vector tells us which outcomes paid and at what rate; the redeemed
// quantity is recovered from the cash amount. Without a known resolution
// the cash is credited directly with a warning.
func (e *Engine) applyRedemption(st *replayState, ev types.TradeEvent) {
	res, ok := st.resolutions[ev.ConditionID]
	if !ok || len(res.Payouts) == 0 {
		st.diag.Warnings = append(st.diag.Warnings,
			fmt.Sprintf("redemption of %.4f USDC on %s has no known resolution", ev.USDC, ev.ConditionID))
		k := posKey{ev.ConditionID, 0}
		pos := st.positions[k]
		pos.RealizedPnL += ev.USDC
		st.positions[k] = pos
		return
	}

	remaining := ev.USDC
	for o, payout := range res.Payouts {
		if payout <= 0 || remaining <= 0 {
			continue
		}
		k := posKey{ev.ConditionID, o}
		held := math.Max(st.positions[k].Amount, 0)
		qty := math.Min(held, remaining/payout)
		if qty > 0 {
			e.applySellWithInference(st, ev.TxHash, ev.ConditionID, o, qty, payout, true)
			remaining -= qty * payout
		}
	}

	if remaining > 1e-9 {
		// Cash arrived for tokens we never tracked. Try the implicit-split
		// route on the first paying outcome; clamp to cash credit otherwise.
		for o, payout := range res.Payouts {
			if payout <= 0 {
				continue
			}
			qty := remaining / payout
			e.applySellWithInference(st, ev.TxHash, ev.ConditionID, o, qty, payout, true)
			remaining = 0
			break
		}
	}
}

// finish settles resolved positions, marks the active ones, and fills in
// the report totals and cohort.
func (e *Engine) finish(st *replayState, opts Options, report *Report) {
	diag := st.diag

	keys := make([]posKey, 0, len(st.positions))
	for k := range st.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].conditionID != keys[j].conditionID {
			return keys[i].conditionID < keys[j].conditionID
		}
		return keys[i].outcome < keys[j].outcome
	})

	var realized, unrealized, positionValue float64
	for _, k := range keys {
		pos := st.positions[k]

		if res, ok := st.resolutions[k.conditionID]; ok && len(res.Payouts) > 0 {
			pos, _ = pos.SettleAtResolution(res.Payout(k.outcome))
			st.positions[k] = pos
			realized += pos.RealizedPnL
			diag.ResolvedPositions++
			continue
		}

		realized += pos.RealizedPnL
		if !pos.IsFlat() {
			mark := DefaultMark
			if m, ok := opts.PriceOverrides[k.conditionID]; ok {
				mark = m
			}
			unrealized += pos.UnrealizedAt(mark)
			positionValue += pos.ValueAt(mark)
			diag.ActivePositions++
		}
	}

	report.Realized = realized
	report.Unrealized = unrealized
	report.PositionValue = positionValue
	report.Total = realized + unrealized

	switch {
	case diag.NonClobCount > 0:
		diag.Cohort = CohortMixed
	case diag.ActivePositions > 0:
		diag.Cohort = CohortClobActive
	default:
		diag.Cohort = CohortClobClosed
	}
	if opts.CohortOverride != "" {
		diag.Cohort = opts.CohortOverride
	}

	e.logger.Debug("pnl computed",
		"wallet", report.Wallet,
		"realized", report.Realized,
		"unrealized", report.Unrealized,
		"cohort", diag.Cohort,
	)
}
