package persistence

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on that channel with blocking sends, so if this worker
// falls behind the engine stalls and no event is lost.
//
// Once a batch commits, each event is forwarded to the publish channels
// (outbound NATS, websocket hub). Those sends drop when a channel is full.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	publish      []chan<- ingestion.PublishableEvent
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	publish ...chan<- ingestion.PublishableEvent,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		publish:      publish,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// batch accumulates outputs between flushes
type batch struct {
	outputs   []core.CoreOutput
	events    []EventRow
	mutations []MutationRow
}

func (b *batch) add(out core.CoreOutput) {
	row, entries := RowsFromOutput(out)
	b.outputs = append(b.outputs, out)
	b.events = append(b.events, row)
	b.mutations = append(b.mutations, entries...)
}

func (b *batch) reset() {
	b.outputs = b.outputs[:0]
	b.events = b.events[:0]
	b.mutations = b.mutations[:0]
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{
		outputs:   make([]core.CoreOutput, 0, pw.batchSize),
		events:    make([]EventRow, 0, pw.batchSize),
		mutations: make([]MutationRow, 0, pw.batchSize*3),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(b.events) > 0 {
				if err := pw.flush(context.Background(), b); err != nil {
					pw.logger.Error().Err(err).Int("events", len(b.events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(b.events) > 0 {
					if err := pw.flush(context.Background(), b); err != nil {
						pw.logger.Error().Err(err).Int("events", len(b.events)).Msg("final flush failed")
					}
				}
				return nil
			}

			b.add(output)
			if len(b.events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(b.events) > 0 {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation it makes one last attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(b.events)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), b); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	// Events and entries commit together
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, b.events, tx); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteMutationBatch(ctx, b.mutations, tx); err != nil {
		pw.countError("write_mutations")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(b.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(b.events)))
		pw.metrics.PersistMutationsWritten.Add(float64(len(b.mutations)))
		pw.metrics.PersistLastSequence.Set(float64(b.events[len(b.events)-1].Sequence))
		for _, out := range b.outputs {
			pw.metrics.ApplyToPersist.Observe(time.Since(out.Envelope.Timestamp).Seconds())
		}
	}

	pw.forward(b.outputs)
	return nil
}

// forward hands committed events to the publish channels
func (pw *PersistenceWorker) forward(outputs []core.CoreOutput) {
	for _, out := range outputs {
		evt := ingestion.FromEnvelope(out.Envelope)
		for _, ch := range pw.publish {
			select {
			case ch <- evt:
			default:
				if pw.metrics != nil {
					pw.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
