package syncengine

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/localfirst/outpost/internal/record"
	"github.com/localfirst/outpost/internal/store"
)

// fakeRemote is an in-memory backend implementing Transport. It stores
// envelopes with the same last-write-wins rule as the store and serves a
// change stream with integer cursors.
type fakeRemote struct {
	mu      sync.Mutex
	rows    map[string]*record.Envelope
	stream  []*record.Envelope
	fail    error // returned from Push when set
	pushes  int
	fetches int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string]*record.Envelope)}
}

func (r *fakeRemote) Push(ctx context.Context, entries []store.ChangeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes++

	if r.fail != nil {
		return r.fail
	}

	for _, entry := range entries {
		env, err := entry.Envelope()
		if err != nil {
			return err
		}
		stored, ok := r.rows[env.ID]
		if ok && !env.ModifiedAt.After(stored.ModifiedAt) {
			continue
		}
		r.rows[env.ID] = env
		r.stream = append(r.stream, env)
	}
	return nil
}

func (r *fakeRemote) FetchChangesSince(ctx context.Context, cursor string) ([]*record.Envelope, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++

	from := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		from = n
	}

	if from >= len(r.stream) {
		return nil, cursor, nil
	}

	batch := make([]*record.Envelope, 0, len(r.stream)-from)
	for _, env := range r.stream[from:] {
		batch = append(batch, env.Clone())
	}
	return batch, strconv.Itoa(len(r.stream)), nil
}

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func openTestStore(t *testing.T, clock *testClock) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outpost.db")
	s, err := store.Open(path, store.Options{Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func applyNew(t *testing.T, s *store.Store, clock *testClock, kind record.Kind, content string) *record.Envelope {
	t.Helper()
	env := record.New(kind, s.DeviceID())
	now := clock.Now()
	env.CreatedAt = now
	env.ModifiedAt = now
	if err := env.EncodePayload(record.Memory{Content: content}); err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	if _, err := s.Apply(context.Background(), []*record.Envelope{env}); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	return env
}

func TestSendChangesDrainsOutbox(t *testing.T) {
	clock := newTestClock()
	s := openTestStore(t, clock)
	remote := newFakeRemote()
	engine := New(s, remote, Options{BatchSize: 1})
	ctx := context.Background()

	applyNew(t, s, clock, record.KindMemory, "a")
	applyNew(t, s, clock, record.KindMemory, "b")

	if err := engine.SendChanges(ctx); err != nil {
		t.Fatalf("failed to send changes: %v", err)
	}

	pending, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("failed to count outbox: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected drained outbox, %d entries remain", pending)
	}
	if len(remote.rows) != 2 {
		t.Errorf("expected 2 records on the remote, got %d", len(remote.rows))
	}
	if remote.pushes != 2 {
		t.Errorf("expected 2 pushes with batch size 1, got %d", remote.pushes)
	}
}

func TestTransientFailureLeavesOutboxQueued(t *testing.T) {
	clock := newTestClock()
	s := openTestStore(t, clock)
	remote := newFakeRemote()
	remote.fail = &TransportError{Err: fmt.Errorf("connection refused")}
	engine := New(s, remote, Options{})
	ctx := context.Background()

	applyNew(t, s, clock, record.KindMemory, "a")

	if err := engine.SendChanges(ctx); err == nil {
		t.Fatal("expected transient failure to surface")
	}

	pending, _ := s.PendingCount(ctx)
	if pending != 1 {
		t.Errorf("transient failure must leave entries queued, got %d", pending)
	}
	if engine.Flagged() != 0 {
		t.Errorf("transient failure must not flag, got %d", engine.Flagged())
	}

	// Retry succeeds once the remote recovers.
	remote.fail = nil
	if err := engine.SendChanges(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	pending, _ = s.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("expected drained outbox after retry, got %d", pending)
	}
}

func TestPermanentFailureAcknowledgesAndFlags(t *testing.T) {
	clock := newTestClock()
	s := openTestStore(t, clock)
	remote := newFakeRemote()
	remote.fail = &TransportError{Permanent: true, Err: fmt.Errorf("payload rejected")}
	engine := New(s, remote, Options{})
	ctx := context.Background()

	applyNew(t, s, clock, record.KindMemory, "poison")

	if err := engine.SendChanges(ctx); err != nil {
		t.Fatalf("permanent failure must not wedge the cycle: %v", err)
	}

	pending, _ := s.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("permanent failure must acknowledge past the batch, got %d queued", pending)
	}
	if engine.Flagged() != 1 {
		t.Errorf("expected 1 flagged batch, got %d", engine.Flagged())
	}
}

func TestPullChangesMergesAndAdvancesCursor(t *testing.T) {
	clock := newTestClock()
	s := openTestStore(t, clock)
	remote := newFakeRemote()
	engine := New(s, remote, Options{})
	ctx := context.Background()

	env := record.New(record.KindMemory, "other-device")
	now := clock.Now()
	env.CreatedAt = now
	env.ModifiedAt = now
	remote.rows[env.ID] = env
	remote.stream = append(remote.stream, env)

	if err := engine.PullChanges(ctx); err != nil {
		t.Fatalf("failed to pull: %v", err)
	}

	if _, err := s.Get(ctx, env.ID); err != nil {
		t.Errorf("pulled record not in store: %v", err)
	}
	cursor, _ := s.Cursor(ctx)
	if cursor != "1" {
		t.Errorf("expected cursor advanced to 1, got %q", cursor)
	}

	// A second pull with nothing new is a no-op.
	fetches := remote.fetches
	if err := engine.PullChanges(ctx); err != nil {
		t.Fatalf("failed to pull: %v", err)
	}
	if remote.fetches != fetches+1 {
		t.Errorf("caught-up pull should fetch exactly once, got %d extra", remote.fetches-fetches)
	}
}

func TestTwoStoresConverge(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote()
	ctx := context.Background()

	a := openTestStore(t, clock)
	b := openTestStore(t, clock)
	engineA := New(a, remote, Options{})
	engineB := New(b, remote, Options{})

	// Concurrent edits to the same record on both devices.
	shared := applyNew(t, a, clock, record.KindMemory, "from-a")
	conflict := shared.Clone()
	conflict.DeviceID = b.DeviceID()
	conflict.EncodePayload(record.Memory{Content: "from-b-wins"})
	conflict.MarkModified(clock.Now())
	if _, err := b.Apply(ctx, []*record.Envelope{conflict}); err != nil {
		t.Fatalf("failed to apply on b: %v", err)
	}

	// Plus one disjoint record per device.
	onlyA := applyNew(t, a, clock, record.KindMemory, "only-a")
	onlyB := applyNew(t, b, clock, record.KindMemory, "only-b")

	// A few alternating cycles settle the echo traffic.
	for i := 0; i < 4; i++ {
		if err := engineA.Sync(ctx); err != nil {
			t.Fatalf("sync a failed: %v", err)
		}
		if err := engineB.Sync(ctx); err != nil {
			t.Fatalf("sync b failed: %v", err)
		}
	}

	for _, s := range []*store.Store{a, b} {
		for _, id := range []string{shared.ID, onlyA.ID, onlyB.ID} {
			if _, err := s.Get(ctx, id); err != nil {
				t.Fatalf("record %s missing after convergence: %v", id, err)
			}
		}

		got, _ := s.Get(ctx, shared.ID)
		var memory record.Memory
		got.DecodePayload(&memory)
		if memory.Content != "from-b-wins" {
			t.Errorf("conflict did not resolve to newest write: %q", memory.Content)
		}
	}

	// Both sides are drained and caught up.
	for _, s := range []*store.Store{a, b} {
		pending, _ := s.PendingCount(ctx)
		if pending != 0 {
			t.Errorf("expected drained outbox after convergence, got %d", pending)
		}
	}
}

func TestDeletePropagates(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote()
	ctx := context.Background()

	a := openTestStore(t, clock)
	b := openTestStore(t, clock)
	engineA := New(a, remote, Options{})
	engineB := New(b, remote, Options{})

	env := applyNew(t, a, clock, record.KindMemory, "doomed")
	if err := engineA.Sync(ctx); err != nil {
		t.Fatalf("sync a failed: %v", err)
	}
	if err := engineB.Sync(ctx); err != nil {
		t.Fatalf("sync b failed: %v", err)
	}
	if _, err := b.Get(ctx, env.ID); err != nil {
		t.Fatalf("record did not reach b: %v", err)
	}

	if err := a.MarkDeleted(ctx, env.ID); err != nil {
		t.Fatalf("failed to delete on a: %v", err)
	}
	if err := engineA.Sync(ctx); err != nil {
		t.Fatalf("sync a failed: %v", err)
	}
	if err := engineB.Sync(ctx); err != nil {
		t.Fatalf("sync b failed: %v", err)
	}

	if _, err := b.Get(ctx, env.ID); err == nil {
		t.Error("delete did not propagate to b")
	}
	tomb, err := b.GetAnyState(ctx, env.ID)
	if err != nil {
		t.Fatalf("tombstone missing on b: %v", err)
	}
	if !tomb.Removed {
		t.Error("expected removed=true on b")
	}
}

func TestPauseAbsorbsTriggers(t *testing.T) {
	clock := newTestClock()
	s := openTestStore(t, clock)
	remote := newFakeRemote()
	engine := New(s, remote, Options{Interval: time.Hour})

	engine.Pause()
	if engine.State() != StatePaused {
		t.Errorf("expected paused state, got %v", engine.State())
	}

	applyNew(t, s, clock, record.KindMemory, "held back")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	engine.Trigger()
	time.Sleep(50 * time.Millisecond)

	remote.mu.Lock()
	pushes := remote.pushes
	remote.mu.Unlock()
	if pushes != 0 {
		t.Errorf("paused engine must not push, got %d pushes", pushes)
	}

	engine.Resume()
	deadline := time.After(2 * time.Second)
	for {
		remote.mu.Lock()
		n := len(remote.rows)
		remote.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("resume did not trigger a sync cycle")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("expected context.Canceled from Run, got %v", err)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	engine := New(nil, nil, Options{})
	for i := 0; i < 10; i++ {
		engine.Trigger()
	}
	if len(engine.trigger) != 1 {
		t.Errorf("expected triggers to coalesce to 1 pending, got %d", len(engine.trigger))
	}
}
