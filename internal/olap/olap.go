// Package olap is the read layer over the columnar event store.
//
// The PnL engine and leaderboard pipeline consume pre-computed fact tables:
//
//	trade_events          — one row per on-chain event, amounts in 1e6 units
//	token_condition_map   — tokenId → (conditionId, outcomeIndex)
//	condition_resolutions — normalised payout vectors per condition
//	trade_facts           — trade-level table feeding the leaderboard
//
// All queries are read-only and context-bound. Token and USDC amounts are
// stored as 6-decimal scaled integers and decoded through decimal to avoid
// binary-float drift on ingest. Transient query failures are retried once;
// a second failure surfaces to the caller, who treats it as "no data".
package olap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"cascadian/pkg/types"
)

// usdcScale is the fixed-point exponent of stored amounts (1e6 = $1).
const usdcScale = -6

// Store wraps the OLAP database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to the OLAP store using a Postgres DSN.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open olap: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, logger), nil
}

// NewStore wraps an existing handle. Used by tests with sqlmock.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "olap")}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for the leaderboard pipeline, which manages its
// own temp tables and renames.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const eventColumns = `event_id, wallet_address, tx_hash, block_number, ts,
	condition_id, outcome_index, token_id, side, role, tokens, usdc, source_type`

// FillsForWallet loads all order-book fills for a wallet. Duplicated event
// ids (re-ingested rows) are collapsed to the first occurrence.
func (s *Store) FillsForWallet(ctx context.Context, wallet string) ([]types.TradeEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM trade_events
		WHERE lower(wallet_address) = $1 AND source_type = 'CLOB'
		ORDER BY block_number, tx_hash`

	rows, err := s.queryWithRetry(ctx, query, strings.ToLower(wallet))
	if err != nil {
		return nil, fmt.Errorf("fills for %s: %w", wallet, err)
	}
	defer rows.Close()

	return scanEvents(rows, true)
}

// ConditionEventsForWallet loads splits, merges, and redemptions that are
// attributed directly to the wallet or share a transaction hash with one of
// its fills (proxy attribution).
func (s *Store) ConditionEventsForWallet(ctx context.Context, wallet string, txHashes []string) ([]types.TradeEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM trade_events
		WHERE source_type IN ('PositionSplit', 'PositionsMerge', 'PayoutRedemption')
		  AND (lower(wallet_address) = $1 OR tx_hash = ANY($2))
		ORDER BY block_number, tx_hash`

	rows, err := s.queryWithRetry(ctx, query, strings.ToLower(wallet), pq.Array(txHashes))
	if err != nil {
		return nil, fmt.Errorf("condition events for %s: %w", wallet, err)
	}
	defer rows.Close()

	return scanEvents(rows, true)
}

// ProxyTransfers loads ERC-1155 transfers into the wallet from known proxy
// contracts. Each is a token acquisition at the canonical split price.
func (s *Store) ProxyTransfers(ctx context.Context, wallet string) ([]types.TradeEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM trade_events
		WHERE source_type = 'ERC1155Transfer' AND lower(wallet_address) = $1
		ORDER BY block_number, tx_hash`

	rows, err := s.queryWithRetry(ctx, query, strings.ToLower(wallet))
	if err != nil {
		return nil, fmt.Errorf("proxy transfers for %s: %w", wallet, err)
	}
	defer rows.Close()

	return scanEvents(rows, true)
}

// TokenMap resolves token ids to their (conditionId, outcomeIndex) keys.
// Unmapped tokens are simply absent from the result; the caller records a
// diagnostic and skips them.
func (s *Store) TokenMap(ctx context.Context, tokenIDs []string) (map[string]TokenKey, error) {
	if len(tokenIDs) == 0 {
		return map[string]TokenKey{}, nil
	}

	query := `
		SELECT token_id, condition_id, outcome_index
		FROM token_condition_map
		WHERE token_id = ANY($1)`

	rows, err := s.queryWithRetry(ctx, query, pq.Array(tokenIDs))
	if err != nil {
		return nil, fmt.Errorf("token map: %w", err)
	}
	defer rows.Close()

	result := make(map[string]TokenKey, len(tokenIDs))
	for rows.Next() {
		var tokenID string
		var key TokenKey
		if err := rows.Scan(&tokenID, &key.ConditionID, &key.OutcomeIndex); err != nil {
			return nil, fmt.Errorf("scan token map: %w", err)
		}
		key.ConditionID = strings.ToLower(key.ConditionID)
		result[tokenID] = key
	}
	return result, rows.Err()
}

// TokenKey is a token's position in the condition/outcome space.
type TokenKey struct {
	ConditionID  string
	OutcomeIndex int
}

// Resolutions loads payout vectors for the given conditions. Deleted
// resolutions are excluded; a condition absent from the result is
// unresolved. Rows whose payout vector fails to parse are skipped with a
// warning, never failing the batch.
func (s *Store) Resolutions(ctx context.Context, conditionIDs []string) (map[string]types.Resolution, error) {
	if len(conditionIDs) == 0 {
		return map[string]types.Resolution{}, nil
	}

	query := `
		SELECT condition_id, payout_numerators, resolved_at
		FROM condition_resolutions
		WHERE condition_id = ANY($1) AND NOT is_deleted`

	rows, err := s.queryWithRetry(ctx, query, pq.Array(conditionIDs))
	if err != nil {
		return nil, fmt.Errorf("resolutions: %w", err)
	}
	defer rows.Close()

	result := make(map[string]types.Resolution)
	for rows.Next() {
		var res types.Resolution
		var payouts pq.Float64Array
		if err := rows.Scan(&res.ConditionID, &payouts, &res.ResolvedAt); err != nil {
			s.logger.Warn("skipping unparseable resolution", "error", err)
			continue
		}
		res.ConditionID = strings.ToLower(res.ConditionID)
		res.Payouts = normalizePayouts([]float64(payouts))
		if res.Payouts == nil {
			s.logger.Warn("skipping resolution with invalid payout vector", "condition", res.ConditionID)
			continue
		}
		result[res.ConditionID] = res
	}
	return result, rows.Err()
}

// normalizePayouts scales a payout vector to sum to 1. Returns nil when the
// vector is empty, has a negative entry, or sums to zero.
func normalizePayouts(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}
	var sum float64
	for _, v := range raw {
		if v < 0 {
			return nil
		}
		sum += v
	}
	if sum == 0 {
		return nil
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = v / sum
	}
	return out
}

// queryWithRetry runs a query, retrying once on failure unless the context
// is already dead.
func (s *Store) queryWithRetry(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err == nil || ctx.Err() != nil {
		return rows, err
	}

	s.logger.Warn("olap query failed, retrying once", "error", err)
	return s.db.QueryContext(ctx, query, args...)
}

// scanEvents decodes event rows. When dedupe is set, rows repeating an
// event id are dropped, preserving first-seen order.
func scanEvents(rows *sql.Rows, dedupe bool) ([]types.TradeEvent, error) {
	var events []types.TradeEvent
	seen := make(map[string]bool)

	for rows.Next() {
		var ev types.TradeEvent
		var outcome sql.NullInt64
		var tokenID, role sql.NullString
		var tokens, usdc int64

		err := rows.Scan(
			&ev.EventID, &ev.Wallet, &ev.TxHash, &ev.BlockNumber, &ev.Timestamp,
			&ev.ConditionID, &outcome, &tokenID, &ev.Side, &role,
			&tokens, &usdc, &ev.Source,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		if dedupe && seen[ev.EventID] {
			continue
		}
		seen[ev.EventID] = true

		ev.Wallet = strings.ToLower(ev.Wallet)
		ev.ConditionID = strings.ToLower(ev.ConditionID)
		ev.OutcomeIndex = -1
		if outcome.Valid {
			ev.OutcomeIndex = int(outcome.Int64)
		}
		ev.TokenID = tokenID.String
		ev.Role = types.Role(role.String)
		ev.Tokens = decimal.New(tokens, usdcScale).InexactFloat64()
		ev.USDC = decimal.New(usdc, usdcScale).InexactFloat64()

		events = append(events, ev)
	}
	return events, rows.Err()
}
