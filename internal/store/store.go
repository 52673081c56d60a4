// Package store provides the embedded record store for outpost.
//
// The store is a single SQLite database file holding every synchronizable
// record as a flat envelope row, plus the durable outbox of local changes
// awaiting transmission and the sync bookkeeping (schema version, device
// identity, remote cursor).
//
// The database runs in embedded mode using the wasm-backed sqlite3 driver
// with WAL for concurrent reads during writes.
//
// Architecture:
//   - records: one row per record, tombstones included
//   - outbox: ordered change entries awaiting remote acknowledgment
//   - sync_state: device id and remote cursor key/value pairs
//   - PRAGMA user_version: schema version scalar
//
// All mutating operations run inside a single-writer transaction; the
// outbox is appended in the same transaction as the record writes it
// describes, so the queue can never diverge from committed state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/localfirst/outpost/internal/notify"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with record, outbox, and sync-state
// operations. Open a store with Open and release it with Close.
type Store struct {
	conn     *sql.DB
	path     string
	deviceID string
	hub      *notify.Hub
	logger   *log.Logger
	clock    func() time.Time

	// writeMu serializes writer transactions. Readers proceed against a
	// consistent WAL snapshot while a writer is open.
	writeMu sync.Mutex
}

// Options configures an opened store. The zero value is usable.
type Options struct {
	// Logger receives store diagnostics. Defaults to a stderr logger.
	Logger *log.Logger

	// Hub receives change summaries after each apply cycle. Optional.
	Hub *notify.Hub

	// Clock overrides the modification timestamp source, for tests.
	Clock func() time.Time
}

// Open opens (or creates) the store at the given path and runs all pending
// schema migrations before returning.
//
// Migration failure is fatal for the store: no handle is returned, since
// serving reads against a stale schema risks silent corruption.
//
// The caller MUST call Close when done.
func Open(path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "store"})
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		hub:    opts.Hub,
		logger: logger,
		clock:  clock,
	}

	// WAL mode for concurrent reads during writes.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.loadDeviceID(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", "err", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// Path returns the store's database file path.
func (s *Store) Path() string { return s.path }

// DeviceID returns this store's stable device identifier.
func (s *Store) DeviceID() string { return s.deviceID }

// Hub returns the notification hub, or nil if none was configured.
func (s *Store) Hub() *notify.Hub { return s.hub }

// runTx executes fn inside a single-writer transaction.
//
// Any failure rolls the whole transaction back and surfaces as a
// TransactionError; no partial writes and no orphaned outbox entries
// survive a failed apply.
func (s *Store) runTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &TransactionError{Op: op, Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return &TransactionError{Op: op, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &TransactionError{Op: op, Err: fmt.Errorf("failed to commit: %w", err)}
	}

	return nil
}

// loadDeviceID reads the device identity seeded during migration.
func (s *Store) loadDeviceID(ctx context.Context) error {
	var id string
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE key = 'device_id'").Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to load device id: %w", err)
	}
	if id == "" {
		return fmt.Errorf("empty device id in sync state")
	}
	s.deviceID = id
	return nil
}

// Cursor returns the persisted remote change-stream cursor, or "" when no
// pull has completed yet. The token is opaque; the backend owns its format.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE key = 'cursor'").Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return value, nil
}

// SetCursor persists the remote change-stream cursor.
func (s *Store) SetCursor(ctx context.Context, token string) error {
	return s.runTx(ctx, "set cursor", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_state (key, value) VALUES ('cursor', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, token)
		if err != nil {
			return fmt.Errorf("failed to store cursor: %w", err)
		}
		return nil
	})
}

// newDeviceID generates a device identity for a fresh store.
func newDeviceID() string {
	return uuid.New().String()
}
