// Package syncengine drives the bidirectional exchange of record changes
// between the local store and a remote backend.
//
// The engine is a small state machine (idle, pushing, pulling, paused)
// around two operations: SendChanges drains the durable outbox to the
// remote, PullChanges fetches the remote change stream from the persisted
// cursor and merges it into the store. A full cycle pushes first, then
// pulls, so local changes are never shadowed by an echo of remote state.
//
// Cycles are single-flight: triggers arriving while a cycle runs coalesce
// into at most one follow-up cycle.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/localfirst/outpost/internal/record"
	"github.com/localfirst/outpost/internal/store"
)

// State names the engine's current phase.
type State int32

const (
	StateIdle State = iota
	StatePushing
	StatePulling
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StatePaused:
		return "paused"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transport carries change batches between the engine and a remote backend.
type Transport interface {
	// FetchChangesSince returns remote changes after the given cursor plus
	// the cursor to resume from next time. An empty cursor means "from the
	// beginning". An empty batch with an unchanged cursor means caught up.
	FetchChangesSince(ctx context.Context, cursor string) ([]*record.Envelope, string, error)

	// Push transmits a batch of outbox entries. A nil return means the
	// remote durably accepted the whole batch.
	Push(ctx context.Context, entries []store.ChangeEntry) error
}

// TransportError classifies a transport failure.
//
// Transient failures (network, 5xx) leave outbox entries queued for
// retry. Permanent failures (rejected payloads) would wedge the queue
// forever; the engine acknowledges past them and flags the store.
type TransportError struct {
	Permanent bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent transport failure: %v", e.Err)
	}
	return fmt.Sprintf("transient transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent transport failure.
func IsPermanent(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Permanent
}

// Options configures an engine. The zero value is usable.
type Options struct {
	// Logger receives engine diagnostics. Defaults to a stderr logger.
	Logger *log.Logger

	// Interval between automatic sync cycles in Run. Defaults to 30s.
	Interval time.Duration

	// BatchSize caps outbox entries per push. Defaults to 100.
	BatchSize int
}

// Engine coordinates sync cycles between one store and one transport.
type Engine struct {
	store     *store.Store
	transport Transport
	logger    *log.Logger
	interval  time.Duration
	batchSize int

	state  atomic.Int32
	paused atomic.Bool

	// flagged counts batches acknowledged past a permanent rejection.
	flagged atomic.Int64

	// trigger coalesces external wake-ups into at most one pending cycle.
	trigger chan struct{}

	// runMu makes cycles single-flight.
	runMu sync.Mutex
}

// New creates an engine bound to a store and transport.
func New(s *store.Store, t Transport, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "sync"})
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &Engine{
		store:     s,
		transport: t,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		trigger:   make(chan struct{}, 1),
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	if e.paused.Load() {
		return StatePaused
	}
	return State(e.state.Load())
}

// Flagged returns how many outbox batches were acknowledged past a
// permanent remote rejection. Nonzero means some local changes were
// dropped rather than retried forever.
func (e *Engine) Flagged() int64 {
	return e.flagged.Load()
}

// Pause suspends sync cycles. Running cycles finish; new triggers are
// absorbed without starting work until Resume.
func (e *Engine) Pause() {
	e.paused.Store(true)
	e.logger.Info("sync paused")
}

// Resume re-enables sync cycles and triggers one immediately.
func (e *Engine) Resume() {
	e.paused.Store(false)
	e.logger.Info("sync resumed")
	e.Trigger()
}

// Trigger requests a sync cycle. Safe to call from any goroutine; calls
// arriving while a cycle runs coalesce into one follow-up cycle.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drives automatic sync cycles until ctx is cancelled: one cycle per
// interval tick plus one per external trigger.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Catch up immediately on start.
	e.Trigger()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.trigger:
		}

		if e.paused.Load() {
			continue
		}

		if err := e.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("sync cycle failed", "err", err)
		}
	}
}

// Sync runs one full push-then-pull cycle.
func (e *Engine) Sync(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if err := e.SendChanges(ctx); err != nil {
		return err
	}
	return e.PullChanges(ctx)
}

// SendChanges drains the outbox to the remote in batches.
//
// Each batch is acknowledged (and durably removed from the outbox) only
// after the transport accepts it. A transient failure leaves the batch
// queued for the next cycle. A permanent rejection acknowledges the batch
// anyway so one poisoned entry cannot wedge the queue, and bumps the
// flagged counter.
func (e *Engine) SendChanges(ctx context.Context) error {
	e.state.Store(int32(StatePushing))
	defer e.state.Store(int32(StateIdle))

	for {
		entries, err := e.store.NextBatch(ctx, e.batchSize)
		if err != nil {
			return fmt.Errorf("failed to read outbox: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		lastSeq := entries[len(entries)-1].Seq

		if err := e.transport.Push(ctx, entries); err != nil {
			if !IsPermanent(err) {
				return fmt.Errorf("failed to push %d changes: %w", len(entries), err)
			}

			e.flagged.Add(1)
			e.logger.Error("remote permanently rejected batch, dropping it",
				"entries", len(entries), "through_seq", lastSeq, "err", err)
		}

		if err := e.store.Acknowledge(ctx, lastSeq); err != nil {
			return fmt.Errorf("failed to acknowledge outbox: %w", err)
		}

		e.logger.Debug("pushed changes", "entries", len(entries), "through_seq", lastSeq)
	}
}

// PullChanges fetches the remote change stream from the persisted cursor
// and merges it into the store.
//
// The cursor advances only after the batch is fully merged, so a crash
// between fetch and merge replays the batch; merging is idempotent.
func (e *Engine) PullChanges(ctx context.Context) error {
	e.state.Store(int32(StatePulling))
	defer e.state.Store(int32(StateIdle))

	for {
		cursor, err := e.store.Cursor(ctx)
		if err != nil {
			return err
		}

		envelopes, next, err := e.transport.FetchChangesSince(ctx, cursor)
		if err != nil {
			return fmt.Errorf("failed to fetch changes: %w", err)
		}

		if len(envelopes) == 0 && next == cursor {
			return nil
		}

		if len(envelopes) > 0 {
			applied, err := e.store.Apply(ctx, envelopes)
			if err != nil {
				return fmt.Errorf("failed to merge %d changes: %w", len(envelopes), err)
			}
			e.logger.Debug("merged remote changes",
				"received", len(envelopes),
				"written", len(applied.Inserted)+len(applied.Updated)+len(applied.Deleted),
				"skipped", len(applied.Skipped))
		}

		if err := e.store.SetCursor(ctx, next); err != nil {
			return err
		}

		if next == cursor {
			return nil
		}
	}
}
