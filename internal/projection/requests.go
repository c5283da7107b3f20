package projection

import (
	"PoolLedger/internal/event"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Request lifecycle states in projections.requests
const (
	StatusPending   = "pending"
	StatusCancelled = "cancelled"
	StatusExecuted  = "executed"
)

// ApplyRequestEvent moves a request row through its lifecycle. Events that
// do not touch requests are ignored.
func ApplyRequestEvent(ctx context.Context, tx execer, env *event.EventEnvelope, ev event.Event) error {
	switch e := ev.(type) {
	case *event.RequestCreated:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.requests
				(key, market_id, kind, owner, asset, amount, execution_fee, max_slippage,
				 binding_block, nonce, expires_at, created_at, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (key) DO NOTHING
		`,
			e.Key, env.MarketID, e.Kind, e.Owner, e.Asset, e.Amount, e.ExecutionFee, e.MaxSlippage,
			int64(e.BindingBlock), int64(e.Nonce),
			time.UnixMicro(e.ExpirationTimestamp).UTC(), time.UnixMicro(e.CreatedAt).UTC(),
			StatusPending, env.Timestamp,
		)
		return err

	case *event.RequestCancelled:
		return closeRequest(ctx, tx, env, e.Key, StatusCancelled, "", "0", "0", "0")

	case *event.DepositExecuted:
		return closeRequest(ctx, tx, env, e.Key, StatusExecuted, e.Executor, e.Fee, e.MintAmount, e.ImpactedPrice)

	case *event.WithdrawalExecuted:
		return closeRequest(ctx, tx, env, e.Key, StatusExecuted, e.Executor, e.Fee, e.AmountOut, e.ImpactedPrice)
	}
	return nil
}

func closeRequest(ctx context.Context, tx execer, env *event.EventEnvelope, key, status, executor, fee, result, price string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.requests
		SET status = $2, executor = $3, fee = $4, result_amount = $5, impacted_price = $6,
		    closed_sequence = $7, updated_at = $8
		WHERE key = $1 AND status = $9
	`, key, status, executor, fee, result, price, env.Sequence, env.Timestamp, StatusPending)
	return err
}

// RebuildRequests replays a market's request events from the event log into
// projections.requests. Returns the number of events applied.
func RebuildRequests(ctx context.Context, db *sql.DB, marketID string, logger zerolog.Logger) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.requests WHERE market_id = $1`, marketID); err != nil {
		return 0, fmt.Errorf("clear requests: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, event_type, payload, timestamp
		FROM event_log.events
		WHERE market_id = $1 AND event_type = ANY($2)
		ORDER BY sequence ASC
	`, marketID, pq.Array(requestEventTypes()))
	if err != nil {
		return 0, fmt.Errorf("load request events: %w", err)
	}

	var envs []*event.EventEnvelope
	for rows.Next() {
		var (
			typeName string
			env      = &event.EventEnvelope{MarketID: marketID}
		)
		if err := rows.Scan(&env.Sequence, &typeName, &env.Payload, &env.Timestamp); err != nil {
			rows.Close()
			return 0, err
		}
		if env.EventType, err = event.ParseEventType(typeName); err != nil {
			rows.Close()
			return 0, err
		}
		envs = append(envs, env)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var last int64
	for _, env := range envs {
		ev, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			return 0, err
		}
		if err := ApplyRequestEvent(ctx, tx, env, ev); err != nil {
			return 0, fmt.Errorf("apply %d: %w", env.Sequence, err)
		}
		last = env.Sequence
	}
	if last > 0 {
		if err := setWatermark(ctx, tx, requestsProjection, marketID, last); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	logger.Info().Str("market_id", marketID).Int("events", len(envs)).Msg("requests projection rebuilt")
	return len(envs), nil
}

func requestEventTypes() []string {
	types := []event.EventType{
		event.EventTypeDepositCreated, event.EventTypeWithdrawalCreated,
		event.EventTypeDepositCancelled, event.EventTypeWithdrawalCancelled,
		event.EventTypeDepositExecuted, event.EventTypeWithdrawalExecuted,
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return names
}
