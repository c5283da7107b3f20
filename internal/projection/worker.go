package projection

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	poolStateProjection = "pool_state"
	requestsProjection  = "requests"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProjectionWorker updates projection tables from applied commands.
// The engine's projection channel drops on full, so projections may lag or
// miss an event; the pool row is overwritten whole on every update and the
// requests table can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope.Sequence <= pw.lastSeq {
				continue
			}

			if err := pw.Apply(ctx, output); err != nil {
				// Continue; projections are eventually consistent
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
			}
			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// Apply writes one output to both projections in a single transaction
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	env := output.Envelope

	start := time.Now()
	if err := upsertPoolState(ctx, tx, env, output.State); err != nil {
		return fmt.Errorf("pool state projection: %w", err)
	}
	pw.observe(poolStateProjection, start)

	start = time.Now()
	ev := output.Event
	if ev == nil {
		if ev, err = event.Decode(env.EventType, env.Payload); err != nil {
			return err
		}
	}
	if err := ApplyRequestEvent(ctx, tx, env, ev); err != nil {
		return fmt.Errorf("requests projection: %w", err)
	}
	pw.observe(requestsProjection, start)

	for _, name := range []string{poolStateProjection, requestsProjection} {
		if err := setWatermark(ctx, tx, name, env.MarketID, env.Sequence); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) observe(projection string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdate.WithLabelValues(projection).Observe(time.Since(start).Seconds())
	}
}

func upsertPoolState(ctx context.Context, tx execer, env *event.EventEnvelope, v core.PoolView) error {
	supply := "0"
	if v.Supply != nil {
		supply = v.Supply.Dec()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_state
			(market_id, long_balance, long_reserved, long_fees, long_funding,
			 short_balance, short_reserved, short_fees, short_funding,
			 share_supply, pending_deposits, pending_withdrawals, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (market_id) DO UPDATE SET
			long_balance = $2, long_reserved = $3, long_fees = $4, long_funding = $5,
			short_balance = $6, short_reserved = $7, short_fees = $8, short_funding = $9,
			share_supply = $10, pending_deposits = $11, pending_withdrawals = $12,
			last_sequence = $13, updated_at = $14
		WHERE projections.pool_state.last_sequence < $13
	`,
		env.MarketID,
		v.Ledger.Long.Balance, v.Ledger.Long.Reserved, v.Ledger.Long.AccumulatedFees, v.Ledger.Long.ClaimableFunding,
		v.Ledger.Short.Balance, v.Ledger.Short.Reserved, v.Ledger.Short.AccumulatedFees, v.Ledger.Short.ClaimableFunding,
		supply, v.PendingDeposits, v.PendingWithdrawals, env.Sequence, env.Timestamp,
	)
	return err
}

func setWatermark(ctx context.Context, tx execer, name, marketID string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, market_id, last_sequence, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (projection_name, market_id) DO UPDATE SET last_sequence = $3, updated_at = NOW()
	`, name, marketID, seq)
	if err != nil {
		return fmt.Errorf("watermark %s: %w", name, err)
	}
	return nil
}
