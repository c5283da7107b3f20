package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrNotFound is returned when a queried row does not exist
var ErrNotFound = errors.New("query: not found")

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// QueryService provides read-only access to projection tables and the
// event log. Responses carry as_of_sequence, the projection watermark they
// were read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPoolState returns the projected ledger of one market.
func (qs *QueryService) GetPoolState(ctx context.Context, marketID string) (*PoolStateResponse, error) {
	p := &PoolStateResponse{MarketID: marketID}
	err := qs.db.QueryRowContext(ctx, `
		SELECT long_balance, long_reserved, long_fees, long_funding,
		       short_balance, short_reserved, short_fees, short_funding,
		       share_supply, pending_deposits, pending_withdrawals, last_sequence, updated_at
		FROM projections.pool_state
		WHERE market_id = $1
	`, marketID).Scan(
		&p.Long.Balance, &p.Long.Reserved, &p.Long.AccumulatedFees, &p.Long.ClaimableFunding,
		&p.Short.Balance, &p.Short.Reserved, &p.Short.AccumulatedFees, &p.Short.ClaimableFunding,
		&p.ShareSupply, &p.PendingDeposits, &p.PendingWithdrawals, &p.AsOfSequence, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, marketID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

const requestColumns = `key, market_id, kind, owner, asset, amount, execution_fee, max_slippage,
	binding_block, nonce, expires_at, created_at, status, executor, fee, result_amount,
	impacted_price, closed_sequence`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (RequestResponse, error) {
	var r RequestResponse
	err := s.Scan(
		&r.Key, &r.MarketID, &r.Kind, &r.Owner, &r.Asset, &r.Amount, &r.ExecutionFee, &r.MaxSlippage,
		&r.BindingBlock, &r.Nonce, &r.ExpiresAt, &r.CreatedAt, &r.Status, &r.Executor, &r.Fee,
		&r.ResultAmount, &r.ImpactedPrice, &r.ClosedSequence,
	)
	return r, err
}

// GetRequest returns one request by key, in any status.
func (qs *QueryService) GetRequest(ctx context.Context, key string) (*RequestResponse, error) {
	r, err := scanRequest(qs.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM projections.requests WHERE key = $1`, key))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	if r.AsOfSequence, err = qs.getWatermark(ctx, "requests", r.MarketID); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRequests returns requests ordered by creation nonce with cursor-based
// pagination on the nonce.
func (qs *QueryService) ListRequests(ctx context.Context, f RequestFilter) ([]RequestResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx, "requests", f.MarketID)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + requestColumns + ` FROM projections.requests WHERE market_id = $1`
	args := []interface{}{f.MarketID}
	argIdx := 2

	if f.Owner != "" {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, f.Owner)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}
	if f.AfterNonce != nil {
		query += fmt.Sprintf(" AND nonce > $%d", argIdx)
		args = append(args, *f.AfterNonce)
		argIdx++
	}

	query += " ORDER BY nonce ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(f.Limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestResponse
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		r.AsOfSequence = asOfSeq
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetMutationHistory returns ledger entries newest first. A non-empty
// account limits the result to that user's funding entries.
func (qs *QueryService) GetMutationHistory(ctx context.Context, marketID, account string, limit int, beforeSequence *int64) ([]MutationEntry, error) {
	query := `
		SELECT mutation_id, sequence, event_ref, field, asset, account, direction, amount::TEXT, entry_type
		FROM event_log.mutations
		WHERE market_id = $1
	`
	args := []interface{}{marketID}
	argIdx := 2

	if account != "" {
		query += fmt.Sprintf(" AND account = $%d", argIdx)
		args = append(args, account)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, field, asset"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []MutationEntry
	for rows.Next() {
		var e MutationEntry
		if err := rows.Scan(
			&e.MutationID, &e.Sequence, &e.EventRef, &e.Field, &e.Asset,
			&e.Account, &e.Direction, &e.Amount, &e.EntryType,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain and sequence continuity of the
// event log. When the pool projection is caught up with the log it also
// checks every pool field against the net of its mutation entries.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, marketID string) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e2.sequence IS NULL
		FROM event_log.events e1
		LEFT JOIN event_log.events e2
		       ON e2.market_id = e1.market_id AND e2.sequence = e1.sequence - 1
		WHERE e1.market_id = $1 AND e1.sequence > 1
		  AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`, marketID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			seq     int64
			missing bool
		)
		if err := rows.Scan(&seq, &missing); err != nil {
			rows.Close()
			return nil, err
		}
		if missing {
			report.SequenceGaps = append(report.SequenceGaps, seq)
		} else {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mismatches, err := qs.checkFields(ctx, marketID)
	if err != nil {
		return nil, err
	}
	report.FieldMismatches = mismatches

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0 && len(report.FieldMismatches) == 0
	return report, nil
}

// checkFields compares projected pool fields with journaled totals. It is
// skipped while the projection lags the log.
func (qs *QueryService) checkFields(ctx context.Context, marketID string) ([]FieldMismatch, error) {
	pool, err := qs.GetPoolState(ctx, marketID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tip sql.NullInt64
	if err := qs.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events WHERE market_id = $1`, marketID).Scan(&tip); err != nil {
		return nil, err
	}
	if !tip.Valid || tip.Int64 != pool.AsOfSequence {
		return nil, nil
	}

	projected := map[[2]string]string{
		{"balance", "long"}: pool.Long.Balance, {"reserved", "long"}: pool.Long.Reserved,
		{"accumulated_fees", "long"}: pool.Long.AccumulatedFees, {"claimable_funding", "long"}: pool.Long.ClaimableFunding,
		{"balance", "short"}: pool.Short.Balance, {"reserved", "short"}: pool.Short.Reserved,
		{"accumulated_fees", "short"}: pool.Short.AccumulatedFees, {"claimable_funding", "short"}: pool.Short.ClaimableFunding,
	}
	journaled := make(map[[2]string]string, len(projected))

	rows, err := qs.db.QueryContext(ctx, `
		SELECT field, asset,
		       SUM(CASE WHEN direction = 'increase' THEN amount ELSE -amount END)::TEXT
		FROM event_log.mutations
		WHERE market_id = $1 AND field != 'user_claimable_funding'
		GROUP BY field, asset
	`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var field, asset, total string
		if err := rows.Scan(&field, &asset, &total); err != nil {
			return nil, err
		}
		journaled[[2]string{field, asset}] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []FieldMismatch
	for k, want := range projected {
		got, ok := journaled[k]
		if !ok {
			got = "0"
		}
		if !sameAmount(got, want) {
			out = append(out, FieldMismatch{Field: k[0], Asset: k[1], Journaled: got, Projected: want})
		}
	}
	return out, nil
}

func sameAmount(a, b string) bool {
	x, errA := uint256.FromDecimal(a)
	y, errB := uint256.FromDecimal(b)
	return errA == nil && errB == nil && x.Eq(y)
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context, projection, marketID string) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark
		WHERE projection_name = $1 AND market_id = $2
	`, projection, marketID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
