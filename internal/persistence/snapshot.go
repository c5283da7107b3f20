package persistence

import (
	"PoolLedger/internal/core"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery. A snapshot is trusted only once verified against the log.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotRecord is a stored snapshot with its metadata
type SnapshotRecord struct {
	SnapshotID uuid.UUID
	MarketID   string
	Sequence   int64
	SizeBytes  int
	Verified   bool
	CreatedAt  time.Time
	State      *core.SnapshotState
}

const snapshotFormatVersion = 1 // JSON-encoded core.SnapshotState

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Re-saving a sequence overwrites it and
// clears the verified flag.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (*SnapshotRecord, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	stateHash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return nil, fmt.Errorf("snapshot state hash: %w", err)
	}

	rec := &SnapshotRecord{
		SnapshotID: uuid.New(),
		MarketID:   snap.Ledger.MarketID,
		Sequence:   snap.Sequence,
		SizeBytes:  len(data),
		CreatedAt:  createdAt,
		State:      snap,
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, market_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (market_id, sequence) DO UPDATE
			SET data = $4, state_hash = $5, size_bytes = $7, verified = FALSE
	`, rec.SnapshotID, rec.MarketID, rec.Sequence, data, stateHash, snapshotFormatVersion, rec.SizeBytes, createdAt)
	if err != nil {
		return nil, fmt.Errorf("save snapshot %s@%d: %w", rec.MarketID, rec.Sequence, err)
	}
	return rec, nil
}

// Marshal returns the stored encoding of a snapshot
func (rec *SnapshotRecord) Marshal() ([]byte, error) {
	return json.Marshal(rec.State)
}

// LoadLatestSnapshot loads the most recent verified snapshot for a market.
// Returns nil with no error when none exists (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, marketID string) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE market_id = $1 AND verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`, marketID)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// VerifyPending marks every unverified snapshot whose state hash matches the
// persisted event at the same sequence. Snapshots taken ahead of the
// persistence worker stay pending until their event lands.
func (sm *SnapshotManager) VerifyPending(ctx context.Context, marketID string) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE s.market_id = $1
		  AND s.verified = FALSE
		  AND e.market_id = s.market_id
		  AND e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
	`, marketID)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadEventsFrom loads up to limit events with sequence >= fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, marketID string, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, timestamp, block
		FROM event_log.events
		WHERE market_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, marketID, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.Block,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in a market's event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context, marketID string) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events WHERE market_id = $1
	`, marketID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
