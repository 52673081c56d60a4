package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the schema version this build of the store expects.
// It is persisted via PRAGMA user_version and bumped atomically with each
// migration step's structural changes.
const SchemaVersion = 5

// A migration upgrades the schema from exactly one version to the next.
// Steps run inside their own transaction: structural change, data
// backfill, and version bump commit together, so a crash mid-migration
// resumes cleanly at the same step on next open.
type migration struct {
	from  int
	to    int
	name  string
	apply func(context.Context, *sql.Tx) error
}

var migrations = []migration{
	{0, 1, "create records table", migrateCreateRecords},
	{1, 2, "create outbox table", migrateCreateOutbox},
	{2, 3, "create sync state", migrateCreateSyncState},
	{3, 4, "add record sort index", migrateAddSortIndex},
	{4, 5, "add record parent id", migrateAddParentID},
}

// migrate walks every pending migration step in version order.
//
// A fresh store starts at version 0 and walks all steps; an existing store
// resumes from its recorded version. Running against an already-current
// store performs zero structural changes. A store from a newer build is
// rejected outright.
func (s *Store) migrate(ctx context.Context) error {
	current, err := s.userVersion(ctx)
	if err != nil {
		return &SchemaError{From: current, To: SchemaVersion, Err: err}
	}

	if current > SchemaVersion {
		return &SchemaError{
			From: current,
			To:   SchemaVersion,
			Err:  fmt.Errorf("store schema v%d is newer than supported v%d", current, SchemaVersion),
		}
	}

	for _, m := range migrations {
		if m.to <= current {
			continue
		}
		if m.from != current {
			return &SchemaError{
				From: current,
				To:   m.to,
				Err:  fmt.Errorf("no migration path from v%d", current),
			}
		}

		if err := s.runMigration(ctx, m); err != nil {
			return &SchemaError{From: m.from, To: m.to, Err: err}
		}

		s.logger.Info("migrated schema", "step", m.name, "from", m.from, "to", m.to)
		current = m.to
	}

	return nil
}

// runMigration executes one step and its version bump in one transaction.
func (s *Store) runMigration(ctx context.Context, m migration) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.apply(ctx, tx); err != nil {
		return err
	}

	// PRAGMA does not accept bound parameters; the version is a trusted
	// constant from the migration table.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.to)); err != nil {
		return fmt.Errorf("failed to bump schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// userVersion reads the persisted schema version scalar.
func (s *Store) userVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func migrateCreateRecords(ctx context.Context, tx *sql.Tx) error {
	schema := `
	CREATE TABLE records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		removed INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX idx_records_kind ON records(kind, removed);
	CREATE INDEX idx_records_modified ON records(modified_at);
	CREATE INDEX idx_records_created ON records(created_at);
	`

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

func migrateCreateOutbox(ctx context.Context, tx *sql.Tx) error {
	schema := `
	CREATE TABLE outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		change TEXT NOT NULL,
		payload TEXT NOT NULL,
		queued_at TEXT NOT NULL
	);
	`

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create outbox table: %w", err)
	}
	return nil
}

func migrateCreateSyncState(ctx context.Context, tx *sql.Tx) error {
	schema := `
	CREATE TABLE sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create sync_state table: %w", err)
	}

	// Seed the device identity. It survives for the lifetime of the
	// store file, including OS-level backup and restore.
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sync_state (key, value) VALUES ('device_id', ?)", newDeviceID()); err != nil {
		return fmt.Errorf("failed to seed device id: %w", err)
	}
	return nil
}

func migrateAddSortIndex(ctx context.Context, tx *sql.Tx) error {
	schema := `
	ALTER TABLE records ADD COLUMN sort_index REAL NOT NULL DEFAULT 0;
	CREATE INDEX idx_records_sort ON records(kind, sort_index);
	`

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to add sort_index column: %w", err)
	}
	return nil
}

func migrateAddParentID(ctx context.Context, tx *sql.Tx) error {
	schema := `
	ALTER TABLE records ADD COLUMN parent_id TEXT NOT NULL DEFAULT '';
	CREATE INDEX idx_records_parent ON records(kind, parent_id);
	`

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to add parent_id column: %w", err)
	}
	return nil
}
