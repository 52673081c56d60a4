package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/localfirst/outpost/internal/record"
)

// ChangeKind names the kind of change an outbox entry describes.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEntry is one durable outbox row: a committed local change awaiting
// transmission to the remote backend.
//
// Payload holds the full envelope as it was committed, so the entry can be
// transmitted verbatim even after the record mutates again locally.
type ChangeEntry struct {
	Seq      int64
	RecordID string
	Kind     record.Kind
	Change   ChangeKind
	Payload  []byte
	QueuedAt time.Time
}

// Envelope decodes the entry's committed record state.
func (e *ChangeEntry) Envelope() (*record.Envelope, error) {
	var env record.Envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode outbox payload for %s: %w", e.RecordID, err)
	}
	return &env, nil
}

// enqueueTx appends one outbox entry inside an open transaction.
//
// The entry commits or rolls back together with the record write it
// describes, so the queue can never reference uncommitted state.
func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, env *record.Envelope, change ChangeKind) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode outbox payload for %s: %w", env.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (record_id, kind, change, payload, queued_at)
		VALUES (?, ?, ?, ?, ?)`,
		env.ID,
		string(env.Kind),
		string(change),
		string(payload),
		s.clock().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue change for %s: %w", env.ID, err)
	}

	return nil
}

// NextBatch returns up to limit pending outbox entries in enqueue order.
// Entries stay queued until Acknowledge removes them.
func (s *Store) NextBatch(ctx context.Context, limit int) ([]ChangeEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, record_id, kind, change, payload, queued_at
		FROM outbox
		ORDER BY seq ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var entries []ChangeEntry
	for rows.Next() {
		var entry ChangeEntry
		var kind, change, payload, queuedAt string

		if err := rows.Scan(&entry.Seq, &entry.RecordID, &kind, &change, &payload, &queuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}

		entry.Kind = record.Kind(kind)
		entry.Change = ChangeKind(change)
		entry.Payload = []byte(payload)

		if entry.QueuedAt, err = time.Parse(timeFormat, queuedAt); err != nil {
			return nil, fmt.Errorf("failed to parse queued_at for seq %d: %w", entry.Seq, err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}

	return entries, nil
}

// Acknowledge removes every outbox entry up to and including throughSeq
// after the remote backend accepted the batch. Acknowledging an already
// cleared sequence is a no-op.
func (s *Store) Acknowledge(ctx context.Context, throughSeq int64) error {
	return s.runTx(ctx, "acknowledge outbox", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM outbox WHERE seq <= ?", throughSeq); err != nil {
			return fmt.Errorf("failed to acknowledge outbox through seq %d: %w", throughSeq, err)
		}
		return nil
	})
}

// PendingCount returns the number of outbox entries awaiting transmission.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outbox").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}
