// Package leaderboard builds the wallet leaderboard from the OLAP trade
// fact table.
//
// The refresh is a strict linear chain: load the fact rows, push every
// wallet through seven eligibility gates, compute lifetime and windowed
// metrics for the survivors, and publish the result with a three-step
// atomic table rename. Each stage records how many wallets it let through
// so the result explains exactly where the population shrank.
package leaderboard

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
)

// RefreshTimeout bounds one refresh end to end.
const RefreshTimeout = 600 * time.Second

// Eligibility gate thresholds, applied in order.
const (
	minActiveDays     = 5  // gate 1: distinct active trading days > 5
	minMarkets        = 8  // gate 2: distinct markets traded > 8
	minResolvedTrades = 30 // gate 3: resolved trades with positive cost > 30
	recencyDays       = 5  // gate 4: at least one trade in the last 5 calendar days
	minMedianCost     = 10 // gate 5: median per-trade cost >= $10
)

// holdTimeGraceMinutes tolerates slightly-negative hold times from clock
// skew between the entry and resolution sources. Within the grace the hold
// is treated as one minute; beyond it the hold is unknown.
const holdTimeGraceMinutes = 5

// Fact is one row of the trade-level fact table.
type Fact struct {
	Wallet      string
	ConditionID string
	EntryTime   time.Time
	ResolvedAt  time.Time
	IsClosed    bool
	CostUsd     float64
	PnlUsd      float64
}

// resolved reports whether the trade has settled with usable cost.
func (f Fact) resolved() bool {
	return f.IsClosed && f.CostUsd > 0
}

// holdMinutes applies the negative-hold guard. The second return is false
// when the hold time is unknowable.
func (f Fact) holdMinutes() (float64, bool) {
	if f.ResolvedAt.IsZero() || f.EntryTime.IsZero() {
		return 0, false
	}
	m := f.ResolvedAt.Sub(f.EntryTime).Minutes()
	if m < 0 {
		if m >= -holdTimeGraceMinutes {
			return 1, true
		}
		return 0, false
	}
	return m, true
}

// Metrics is one metric vector, computed lifetime or over an active-day
// window.
type Metrics struct {
	Trades             int      `json:"trades"`
	ActiveDays         int      `json:"activeDays"`
	WinRate            float64  `json:"winRate"`
	EV                 float64  `json:"ev"`
	WinsorizedEV       float64  `json:"winsorizedEv"`
	LogGrowthPerTrade  float64  `json:"logGrowthPerTrade"`
	TradesPerActiveDay float64  `json:"tradesPerActiveDay"`
	DailyLogGrowth     float64  `json:"dailyLogGrowth"`
	MedianHoldMinutes  *float64 `json:"medianHoldMinutes,omitempty"`
}

// Row is one published leaderboard entry. Rank orders by the 14-active-day
// DailyLogGrowth, descending.
type Row struct {
	Wallet   string  `json:"wallet"`
	Rank     int     `json:"rank"`
	Lifetime Metrics `json:"lifetime"`
	Last14   Metrics `json:"last14"`
	Last7    Metrics `json:"last7"`
}

// Step records one pipeline stage for the refresh report.
type Step struct {
	Name       string `json:"name"`
	Wallets    int    `json:"wallets"`
	DurationMs int64  `json:"durationMs"`
}

// Result is the structured outcome of one refresh.
type Result struct {
	Success         bool      `json:"success"`
	Version         int64     `json:"version"`
	Wallets         int       `json:"wallets"`
	Steps           []Step    `json:"steps"`
	TotalDurationMs int64     `json:"totalDurationMs"`
	RefreshedAt     time.Time `json:"refreshedAt"`
	Error           string    `json:"error,omitempty"`
}

// Pipeline runs leaderboard refreshes against the OLAP database.
type Pipeline struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New builds a pipeline over the given database handle.
func New(db *sql.DB, logger *slog.Logger) *Pipeline {
	return &Pipeline{db: db, logger: logger.With("component", "leaderboard"), now: time.Now}
}

// Refresh runs the full pipeline. It is idempotent: with unchanged source
// data, repeated runs publish identical rows; only the version stamp and
// RefreshedAt vary. The error return mirrors Result.Error for callers
// that prefer Go error handling.
func (p *Pipeline) Refresh(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	start := p.now()
	res := &Result{RefreshedAt: start.UTC(), Version: start.UnixMilli()}
	fail := func(err error) (*Result, error) {
		res.Error = err.Error()
		res.TotalDurationMs = p.now().Sub(start).Milliseconds()
		p.logger.Error("leaderboard refresh failed", "error", err)
		return res, err
	}

	facts, err := p.loadFacts(ctx)
	if err != nil {
		return fail(fmt.Errorf("load facts: %w", err))
	}
	res.Steps = append(res.Steps, p.step(start, "load_facts", countWallets(facts)))

	byWallet := make(map[string][]Fact)
	for _, f := range facts {
		byWallet[f.Wallet] = append(byWallet[f.Wallet], f)
	}

	for i, gate := range gates() {
		stepStart := p.now()
		for w, fs := range byWallet {
			if !gate.pass(fs, start) {
				delete(byWallet, w)
			}
		}
		res.Steps = append(res.Steps, p.step(stepStart, fmt.Sprintf("gate_%d_%s", i+1, gate.name), len(byWallet)))
	}

	stepStart := p.now()
	rows := buildRows(byWallet, start)
	res.Steps = append(res.Steps, p.step(stepStart, "compute_metrics", len(rows)))

	stepStart = p.now()
	if err := p.publish(ctx, rows, res.Version); err != nil {
		return fail(fmt.Errorf("publish: %w", err))
	}
	res.Steps = append(res.Steps, p.step(stepStart, "publish", len(rows)))

	res.Success = true
	res.Wallets = len(rows)
	res.TotalDurationMs = p.now().Sub(start).Milliseconds()
	p.logger.Info("leaderboard refreshed",
		"wallets", res.Wallets,
		"version", res.Version,
		"durationMs", res.TotalDurationMs,
	)
	return res, nil
}

func (p *Pipeline) step(since time.Time, name string, wallets int) Step {
	return Step{Name: name, Wallets: wallets, DurationMs: p.now().Sub(since).Milliseconds()}
}

func countWallets(facts []Fact) int {
	set := make(map[string]struct{})
	for _, f := range facts {
		set[f.Wallet] = struct{}{}
	}
	return len(set)
}

// ————————————————————————————————————————————————————————————————————————
// Gates
// ————————————————————————————————————————————————————————————————————————

type gate struct {
	name string
	pass func(fs []Fact, now time.Time) bool
}

func gates() []gate {
	return []gate{
		{"active_days", func(fs []Fact, _ time.Time) bool {
			return len(activeDays(fs)) > minActiveDays
		}},
		{"distinct_markets", func(fs []Fact, _ time.Time) bool {
			set := make(map[string]struct{})
			for _, f := range fs {
				set[f.ConditionID] = struct{}{}
			}
			return len(set) > minMarkets
		}},
		{"resolved_trades", func(fs []Fact, _ time.Time) bool {
			n := 0
			for _, f := range fs {
				if f.resolved() {
					n++
				}
			}
			return n > minResolvedTrades
		}},
		{"recent_activity", func(fs []Fact, now time.Time) bool {
			cutoff := now.AddDate(0, 0, -recencyDays)
			for _, f := range fs {
				if !f.EntryTime.Before(cutoff) {
					return true
				}
			}
			return false
		}},
		{"median_cost", func(fs []Fact, _ time.Time) bool {
			var costs []float64
			for _, f := range fs {
				if f.CostUsd > 0 {
					costs = append(costs, f.CostUsd)
				}
			}
			return median(costs) >= minMedianCost
		}},
		{"lifetime_log_growth", func(fs []Fact, _ time.Time) bool {
			return meanLogGrowth(fs) > 0
		}},
		{"recent_log_growth", func(fs []Fact, _ time.Time) bool {
			return meanLogGrowth(lastActiveDays(fs, 14)) > 0
		}},
	}
}

func meanLogGrowth(fs []Fact) float64 {
	var growths []float64
	for _, f := range fs {
		if f.resolved() {
			growths = append(growths, logGrowth(f.PnlUsd/f.CostUsd))
		}
	}
	return mean(growths)
}

// activeDays returns the set of calendar dates with at least one trade.
func activeDays(fs []Fact) map[string]struct{} {
	days := make(map[string]struct{})
	for _, f := range fs {
		days[f.EntryTime.UTC().Format("2006-01-02")] = struct{}{}
	}
	return days
}

// lastActiveDays keeps only the facts falling on the wallet's most recent n
// active trading days. Windows count trading days, not calendar days: a
// wallet that trades weekly still has a 14-entry recent window.
func lastActiveDays(fs []Fact, n int) []Fact {
	days := activeDays(fs)
	sorted := make([]string, 0, len(days))
	for d := range days {
		sorted = append(sorted, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	keep := make(map[string]struct{}, len(sorted))
	for _, d := range sorted {
		keep[d] = struct{}{}
	}

	var out []Fact
	for _, f := range fs {
		if _, ok := keep[f.EntryTime.UTC().Format("2006-01-02")]; ok {
			out = append(out, f)
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Metrics
// ————————————————————————————————————————————————————————————————————————

func buildRows(byWallet map[string][]Fact, now time.Time) []Row {
	rows := make([]Row, 0, len(byWallet))
	for w, fs := range byWallet {
		rows = append(rows, Row{
			Wallet:   w,
			Lifetime: computeMetrics(fs),
			Last14:   computeMetrics(lastActiveDays(fs, 14)),
			Last7:    computeMetrics(lastActiveDays(fs, 7)),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Last14.DailyLogGrowth != rows[j].Last14.DailyLogGrowth {
			return rows[i].Last14.DailyLogGrowth > rows[j].Last14.DailyLogGrowth
		}
		return rows[i].Wallet < rows[j].Wallet
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

func computeMetrics(fs []Fact) Metrics {
	var (
		returns, pnls, holds []float64
		wins, losses         int
	)
	for _, f := range fs {
		if !f.resolved() {
			continue
		}
		r := f.PnlUsd / f.CostUsd
		returns = append(returns, r)
		pnls = append(pnls, f.PnlUsd)
		if f.PnlUsd > 0 {
			wins++
		} else {
			losses++
		}
		if h, ok := f.holdMinutes(); ok {
			holds = append(holds, h)
		}
	}

	m := Metrics{Trades: len(returns), ActiveDays: len(activeDays(fs))}
	if wins+losses > 0 {
		m.WinRate = float64(wins) / float64(wins+losses)
	}
	m.EV = expectedValue(returns, pnls)
	m.WinsorizedEV = expectedValue(winsorize(returns), pnls)

	var growths []float64
	for _, r := range returns {
		growths = append(growths, logGrowth(r))
	}
	m.LogGrowthPerTrade = mean(growths)
	if m.ActiveDays > 0 {
		m.TradesPerActiveDay = float64(m.Trades) / float64(m.ActiveDays)
	}
	m.DailyLogGrowth = m.LogGrowthPerTrade * m.TradesPerActiveDay
	if len(holds) > 0 {
		h := median(holds)
		m.MedianHoldMinutes = &h
	}
	return m
}

// ————————————————————————————————————————————————————————————————————————
// Load and publish
// ————————————————————————————————————————————————————————————————————————

const factQuery = `
	SELECT wallet, condition_id, entry_time, resolved_at, is_closed, cost_usd, pnl_usd
	FROM trade_facts
	WHERE cost_usd IS NOT NULL`

func (p *Pipeline) loadFacts(ctx context.Context) ([]Fact, error) {
	rows, err := p.db.QueryContext(ctx, factQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var (
			f          Fact
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&f.Wallet, &f.ConditionID, &f.EntryTime, &resolvedAt, &f.IsClosed, &f.CostUsd, &f.PnlUsd); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			f.ResolvedAt = resolvedAt.Time
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// publish writes the rows into leaderboard_new and swaps it in with the
// three-step rename. The final rename is the single atomic point at which
// readers see the new table. The version column is refresh metadata like
// Result.RefreshedAt: it stamps the run that produced the table and is
// the one column that varies between otherwise identical refreshes.
func (p *Pipeline) publish(ctx context.Context, rows []Row, version int64) error {
	statements := []string{
		`DROP TABLE IF EXISTS leaderboard_new`,
		`CREATE TABLE leaderboard_new (
			wallet TEXT PRIMARY KEY,
			rank INTEGER NOT NULL,
			version BIGINT NOT NULL,
			lifetime_trades INTEGER, lifetime_win_rate DOUBLE PRECISION,
			lifetime_ev DOUBLE PRECISION, lifetime_winsorized_ev DOUBLE PRECISION,
			lifetime_log_growth DOUBLE PRECISION, lifetime_daily_log_growth DOUBLE PRECISION,
			lifetime_median_hold_minutes DOUBLE PRECISION,
			d14_trades INTEGER, d14_win_rate DOUBLE PRECISION,
			d14_ev DOUBLE PRECISION, d14_winsorized_ev DOUBLE PRECISION,
			d14_log_growth DOUBLE PRECISION, d14_daily_log_growth DOUBLE PRECISION,
			d14_median_hold_minutes DOUBLE PRECISION,
			d7_trades INTEGER, d7_win_rate DOUBLE PRECISION,
			d7_ev DOUBLE PRECISION, d7_winsorized_ev DOUBLE PRECISION,
			d7_log_growth DOUBLE PRECISION, d7_daily_log_growth DOUBLE PRECISION,
			d7_median_hold_minutes DOUBLE PRECISION
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	const insert = `
		INSERT INTO leaderboard_new VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`
	for _, r := range rows {
		if _, err := p.db.ExecContext(ctx, insert,
			r.Wallet, r.Rank, version,
			r.Lifetime.Trades, r.Lifetime.WinRate, r.Lifetime.EV, r.Lifetime.WinsorizedEV,
			r.Lifetime.LogGrowthPerTrade, r.Lifetime.DailyLogGrowth, nullableHold(r.Lifetime),
			r.Last14.Trades, r.Last14.WinRate, r.Last14.EV, r.Last14.WinsorizedEV,
			r.Last14.LogGrowthPerTrade, r.Last14.DailyLogGrowth, nullableHold(r.Last14),
			r.Last7.Trades, r.Last7.WinRate, r.Last7.EV, r.Last7.WinsorizedEV,
			r.Last7.LogGrowthPerTrade, r.Last7.DailyLogGrowth, nullableHold(r.Last7),
		); err != nil {
			return err
		}
	}

	for _, stmt := range []string{
		`DROP TABLE IF EXISTS leaderboard_old`,
		`ALTER TABLE IF EXISTS leaderboard RENAME TO leaderboard_old`,
		`ALTER TABLE leaderboard_new RENAME TO leaderboard`,
		`DROP TABLE IF EXISTS leaderboard_old`,
	} {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nullableHold(m Metrics) sql.NullFloat64 {
	if m.MedianHoldMinutes == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *m.MedianHoldMinutes, Valid: true}
}

// RankSignal exposes the ordering key used for Rank, for callers that sort
// externally fetched rows.
func RankSignal(r Row) float64 {
	if math.IsNaN(r.Last14.DailyLogGrowth) {
		return math.Inf(-1)
	}
	return r.Last14.DailyLogGrowth
}
