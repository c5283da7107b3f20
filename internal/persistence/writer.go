package persistence

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and their mutation entries to Postgres using
// multi-row INSERTs. Writes are idempotent on (market_id, sequence).
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	Block          int64
}

// MutationRow represents one ledger entry in event_log.mutations
type MutationRow struct {
	MutationID string
	MarketID   string
	Sequence   int64
	EventRef   string
	Field      string
	Asset      string
	Account    string // Empty for pool-level fields
	Direction  string
	Amount     string // NUMERIC(78,0)
	EntryType  string
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens one engine output into its event row and entries
func RowsFromOutput(out core.CoreOutput) (EventRow, []MutationRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
		Block:          int64(env.Block),
	}
	if out.Mutation == nil {
		return row, nil
	}

	entries := make([]MutationRow, 0, len(out.Mutation.Entries))
	for _, e := range out.Mutation.Entries {
		m := MutationRow{
			MutationID: out.Mutation.MutationID.String(),
			MarketID:   env.MarketID,
			Sequence:   env.Sequence,
			EventRef:   out.Mutation.EventRef,
			Field:      e.Field.String(),
			Asset:      e.Asset.String(),
			Direction:  e.Direction.String(),
			Amount:     e.Amount.Dec(),
			EntryType:  e.Type.String(),
		}
		if e.Account != (common.Address{}) {
			m.Account = e.Account.Hex()
		}
		entries = append(entries, m)
	}
	return row, entries
}

// Envelope rebuilds the envelope a row was written from
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", r.Sequence, err)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: hashes must be 32 bytes", r.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		MarketID:       r.MarketID,
		Timestamp:      r.Timestamp.UTC(),
		Block:          uint64(r.Block),
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, tx execer) error {
	if len(events) == 0 {
		return nil
	}
	if tx == nil {
		tx = w.db
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp, block)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.Block,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (market_id, sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteMutationBatch writes ledger entries to event_log.mutations.
func (w *EventLogWriter) WriteMutationBatch(ctx context.Context, entries []MutationRow, tx execer) error {
	if len(entries) == 0 {
		return nil
	}
	if tx == nil {
		tx = w.db
	}

	query := `INSERT INTO event_log.mutations
		(mutation_id, market_id, sequence, event_ref, field, asset, account, direction, amount, entry_type)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*10)

	for i, m := range entries {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			m.MutationID, m.MarketID, m.Sequence, m.EventRef,
			m.Field, m.Asset, m.Account, m.Direction,
			m.Amount, m.EntryType,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (mutation_id, field, asset, account) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
