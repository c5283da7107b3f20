package persistence

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// Recover restores engine from the latest verified snapshot and replays the
// event log after it. Without a snapshot it replays from genesis. Any
// sequence gap or hash mismatch aborts recovery.
func Recover(ctx context.Context, engine *core.PoolEngine, sm *SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) (int64, error) {
	start := time.Now()
	marketID := engine.Params().MarketID

	snap, err := sm.LoadLatestSnapshot(ctx, marketID)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return 0, fmt.Errorf("restore snapshot at %d: %w", snap.Sequence, err)
		}
		logger.Info().Int64("sequence", snap.Sequence).Int("idempotency_keys", len(snap.IdempotencyKeys)).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, replaying from genesis")
	}

	from := engine.GetSequence() + 1
	var replayed int64
	for {
		rows, err := sm.LoadEventsFrom(ctx, marketID, from, replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return replayed, err
			}
			if err := engine.Replay(env); err != nil {
				return replayed, fmt.Errorf("replay: %w", err)
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().Int64("replayed", replayed).Int64("sequence", engine.GetSequence()).Dur("took", time.Since(start)).Msg("recovery complete")
	return replayed, nil
}

// Archiver copies a saved snapshot to long-term storage
type Archiver interface {
	Archive(ctx context.Context, rec *SnapshotRecord) error
}

// Pruner drops block-versioned market data below a block
type Pruner interface {
	Prune(ctx context.Context, keepFrom uint64) (int, error)
}

// PruneBelow prunes every store below floor. A failing store is logged and
// skipped. Returns the total removed.
func PruneBelow(ctx context.Context, floor uint64, logger zerolog.Logger, pruners ...Pruner) int {
	total := 0
	for _, p := range pruners {
		n, err := p.Prune(ctx, floor)
		if err != nil {
			logger.Warn().Err(err).Uint64("floor", floor).Msg("market data prune failed")
		}
		total += n
	}
	return total
}

// Snapshotter takes a snapshot every interval events, checked on a ticker.
// After each snapshot it prunes market data no pending request is bound to.
type Snapshotter struct {
	engine   *core.PoolEngine
	sm       *SnapshotManager
	archiver Archiver // Optional
	pruners  []Pruner
	interval int64
	tick     time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex // Take runs from the ticker and from admin calls
	lastSeq int64
}

func NewSnapshotter(engine *core.PoolEngine, sm *SnapshotManager, archiver Archiver, interval int64, tick time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 10_000
	}
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &Snapshotter{
		engine:   engine,
		sm:       sm,
		archiver: archiver,
		interval: interval,
		tick:     tick,
		metrics:  metrics,
		logger:   logger,
		lastSeq:  engine.GetSequence(),
	}
}

// SetPruners registers the market data stores pruned after each snapshot
func (s *Snapshotter) SetPruners(pruners ...Pruner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruners = pruners
}

func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.sm.VerifyPending(ctx, s.engine.Params().MarketID); err != nil {
				s.logger.Warn().Err(err).Msg("snapshot verification failed")
			}
			s.mu.Lock()
			due := s.engine.GetSequence()-s.lastSeq >= s.interval
			s.mu.Unlock()
			if !due {
				continue
			}
			if _, err := s.Take(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// Take snapshots the engine now and returns the snapshot sequence. An
// archive failure is logged, not returned.
func (s *Snapshotter) Take(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	state := s.engine.CreateSnapshotState()
	if state.Sequence == 0 {
		return 0, nil
	}

	rec, err := s.sm.SaveSnapshot(ctx, state, start.UTC())
	if err != nil {
		return 0, err
	}
	s.lastSeq = rec.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(rec.SizeBytes))
		s.metrics.SnapshotLastSeq.Set(float64(rec.Sequence))
	}
	s.logger.Info().Int64("sequence", rec.Sequence).Int("size_bytes", rec.SizeBytes).Msg("snapshot saved")

	if s.archiver != nil {
		status := "ok"
		if err := s.archiver.Archive(ctx, rec); err != nil {
			status = "error"
			s.logger.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("snapshot archive failed")
		}
		if s.metrics != nil {
			s.metrics.SnapshotArchived.WithLabelValues(status).Inc()
		}
	}

	if len(s.pruners) > 0 {
		floor := s.engine.MarketDataFloor()
		if n := PruneBelow(ctx, floor, s.logger, s.pruners...); n > 0 {
			s.logger.Info().Uint64("floor", floor).Int("removed", n).Msg("market data pruned")
		}
	}
	return rec.Sequence, nil
}
