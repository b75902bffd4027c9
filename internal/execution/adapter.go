// Package execution provides the pluggable sink for copy-trade executions.
//
// Two variants exist behind one interface: a dry-run adapter that simulates
// fills, and a live adapter that refuses by default. The copy-trade engine
// picks one at construction from a single boolean. Neither variant throws;
// every outcome is a structured Result the engine folds into a Decision.
package execution

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"cascadian/pkg/types"
)

// Structured refusal reasons surfaced on skipped results.
const (
	ReasonNotionalExceedsMax       = "notional_exceeds_max"
	ReasonLiveExecutionDisabled    = "live_execution_disabled"
	ReasonLiveAdapterNotConfigured = "live_adapter_not_configured"
)

// Request describes one intended copy execution.
type Request struct {
	ConditionID        string
	MarketID           string
	Side               types.Side
	Outcome            string
	Price              float64 // entry price in [0, 1]
	Size               float64 // token quantity
	MaxCopyPerTradeUsd float64 // per-execution notional cap, 0 = uncapped
}

// Notional returns price·size as an exact decimal. Copy caps are compared
// in decimal so a cap of $100.00 is not breached by float residue.
func (r Request) Notional() decimal.Decimal {
	return decimal.NewFromFloat(r.Price).Mul(decimal.NewFromFloat(r.Size))
}

// Result is the adapter's structured outcome: one of
// executed{txHash} / simulated / skipped{reason} / error{message}.
type Result struct {
	Status       types.DecisionStatus
	TxHash       string
	Reason       string
	ErrorMessage string
}

// Adapter is the execution sink the copy-trade engine invokes on a
// consensus trigger.
type Adapter interface {
	Execute(ctx context.Context, req Request) Result
}

// New returns the adapter selected by the dry-run flag. liveEnabled is the
// ENABLE_LIVE_COPY_TRADE gate, relevant only to the live variant.
func New(dryRun, liveEnabled bool, logger *slog.Logger) Adapter {
	if dryRun {
		return &DryRun{logger: logger.With("component", "exec-dryrun")}
	}
	return &Live{enabled: liveEnabled, logger: logger.With("component", "exec-live")}
}

// DryRun simulates every execution that passes the notional cap.
type DryRun struct {
	logger *slog.Logger
}

// Execute returns simulated, or skipped(notional_exceeds_max) when the
// request's notional exceeds the per-trade cap.
func (a *DryRun) Execute(_ context.Context, req Request) Result {
	if req.MaxCopyPerTradeUsd > 0 {
		cap := decimal.NewFromFloat(req.MaxCopyPerTradeUsd)
		if req.Notional().GreaterThan(cap) {
			a.logger.Info("skipping: notional above per-trade cap",
				"condition", req.ConditionID,
				"notional", req.Notional().String(),
				"cap", cap.String(),
			)
			return Result{Status: types.StatusSkipped, Reason: ReasonNotionalExceedsMax}
		}
	}

	a.logger.Info("simulated execution",
		"condition", req.ConditionID,
		"side", req.Side,
		"outcome", req.Outcome,
		"price", req.Price,
		"size", req.Size,
	)
	return Result{Status: types.StatusSimulated}
}

// Live is the refuse-by-default live execution path. Even when the
// ENABLE_LIVE_COPY_TRADE gate is open it skips, because no live venue
// adapter is configured in this build. It never returns executed.
type Live struct {
	enabled bool
	logger  *slog.Logger
}

// Execute refuses: skipped(live_execution_disabled) while the gate is
// closed, skipped(live_adapter_not_configured) once it is open.
func (a *Live) Execute(_ context.Context, req Request) Result {
	if !a.enabled {
		return Result{Status: types.StatusSkipped, Reason: ReasonLiveExecutionDisabled}
	}

	a.logger.Warn("live execution requested but no venue adapter is configured",
		"condition", req.ConditionID,
		"side", req.Side,
	)
	return Result{Status: types.StatusSkipped, Reason: ReasonLiveAdapterNotConfigured}
}
