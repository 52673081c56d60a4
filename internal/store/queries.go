package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/localfirst/outpost/internal/record"
)

const recordColumns = "id, kind, device_id, parent_id, sort_index, payload, created_at, modified_at, removed"

// timeFormat keeps sub-second precision; last-write-wins comparisons
// would collapse under second-granularity storage.
const timeFormat = time.RFC3339Nano

// List returns all live records of a kind, ordered by sort index then
// creation time. Tombstones are never listed.
//
// parentID narrows hierarchical kinds to one parent; pass "" for flat
// kinds or to list across all parents.
func (s *Store) List(ctx context.Context, kind record.Kind, parentID string) ([]*record.Envelope, error) {
	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE kind = ? AND removed = 0`
	args := []any{string(kind)}

	if parentID != "" {
		query += " AND parent_id = ?"
		args = append(args, parentID)
	}

	query += " ORDER BY sort_index ASC, created_at ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// Get retrieves a single live record by id.
// Returns sql.ErrNoRows if the record does not exist or is a tombstone.
func (s *Store) Get(ctx context.Context, id string) (*record.Envelope, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM records WHERE id = ? AND removed = 0`, id)
	return scanEnvelope(row)
}

// GetAnyState retrieves a record by id regardless of tombstone state.
// Merge-level callers use this to converge concurrent edits against a
// deleted record. Returns sql.ErrNoRows if the id was never stored.
func (s *Store) GetAnyState(ctx context.Context, id string) (*record.Envelope, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM records WHERE id = ?`, id)
	return scanEnvelope(row)
}

// Count returns the number of live records of a kind.
func (s *Store) Count(ctx context.Context, kind record.Kind) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE kind = ? AND removed = 0", string(kind)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// NextSortIndex returns the sort index for appending a record of the given
// kind at the end of its list.
func (s *Store) NextSortIndex(ctx context.Context, kind record.Kind) (float64, error) {
	var max float64
	err := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sort_index), -1)
		FROM records WHERE kind = ? AND removed = 0`, string(kind)).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query max sort index: %w", err)
	}
	return max + 1, nil
}

// rowsByIDTx loads current rows (tombstones included) for an id set inside
// an open transaction. Absent ids are absent from the returned map.
func (s *Store) rowsByIDTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]*record.Envelope, error) {
	if len(ids) == 0 {
		return map[string]*record.Envelope{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM records WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load rows for diff: %w", err)
	}
	defer rows.Close()

	envelopes, err := scanEnvelopes(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*record.Envelope, len(envelopes))
	for _, env := range envelopes {
		byID[env.ID] = env
	}
	return byID, nil
}

// upsertTx writes one envelope row inside an open transaction.
func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, env *record.Envelope) error {
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	query := `
	INSERT INTO records (
		id, kind, device_id, parent_id, sort_index, payload,
		created_at, modified_at, removed
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		kind = excluded.kind,
		device_id = excluded.device_id,
		parent_id = excluded.parent_id,
		sort_index = excluded.sort_index,
		payload = excluded.payload,
		modified_at = excluded.modified_at,
		removed = excluded.removed
	`

	_, err := tx.ExecContext(ctx, query,
		env.ID,
		string(env.Kind),
		env.DeviceID,
		env.ParentID,
		env.SortIndex,
		string(payload),
		env.CreatedAt.Format(timeFormat),
		env.ModifiedAt.Format(timeFormat),
		boolToInt(env.Removed),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", env.ID, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEnvelope scans a single record row.
func scanEnvelope(row rowScanner) (*record.Envelope, error) {
	var env record.Envelope
	var kind, payload, createdAt, modifiedAt string
	var removed int

	err := row.Scan(
		&env.ID,
		&kind,
		&env.DeviceID,
		&env.ParentID,
		&env.SortIndex,
		&payload,
		&createdAt,
		&modifiedAt,
		&removed,
	)
	if err != nil {
		return nil, err
	}

	env.Kind = record.Kind(kind)
	env.Removed = removed != 0
	env.Payload = json.RawMessage(payload)

	if env.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", env.ID, err)
	}
	if env.ModifiedAt, err = time.Parse(timeFormat, modifiedAt); err != nil {
		return nil, fmt.Errorf("failed to parse modified_at for %s: %w", env.ID, err)
	}

	return &env, nil
}

// scanEnvelopes scans every record row in a result set.
func scanEnvelopes(rows *sql.Rows) ([]*record.Envelope, error) {
	var envelopes []*record.Envelope

	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		envelopes = append(envelopes, env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return envelopes, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
