package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/localfirst/outpost/internal/diff"
	"github.com/localfirst/outpost/internal/notify"
	"github.com/localfirst/outpost/internal/record"
)

// Applied reports the outcome of one apply cycle, split by how each
// envelope classified against stored state.
type Applied struct {
	Inserted []*record.Envelope
	Updated  []*record.Envelope
	Deleted  []*record.Envelope
	Skipped  []*record.Envelope
}

// IsEmpty reports whether the cycle wrote nothing.
func (a *Applied) IsEmpty() bool {
	return len(a.Inserted) == 0 && len(a.Updated) == 0 && len(a.Deleted) == 0
}

// Infos builds one change summary per affected kind. Hierarchical kinds
// additionally group ids by parent record.
func (a *Applied) Infos() []*notify.Info {
	byKind := make(map[record.Kind]*notify.Info)

	get := func(kind record.Kind) *notify.Info {
		info, ok := byKind[kind]
		if !ok {
			info = &notify.Info{Kind: kind}
			if kind.Hierarchical() {
				info.ModificationsByParent = make(map[string][]string)
				info.DeletionsByParent = make(map[string][]string)
			}
			byKind[kind] = info
		}
		return info
	}

	for _, env := range a.Inserted {
		info := get(env.Kind)
		info.Modifications = append(info.Modifications, env.ID)
		if env.Kind.Hierarchical() {
			info.ModificationsByParent[env.ParentID] = append(info.ModificationsByParent[env.ParentID], env.ID)
		}
	}
	for _, env := range a.Updated {
		info := get(env.Kind)
		info.Modifications = append(info.Modifications, env.ID)
		if env.Kind.Hierarchical() {
			info.ModificationsByParent[env.ParentID] = append(info.ModificationsByParent[env.ParentID], env.ID)
		}
	}
	for _, env := range a.Deleted {
		info := get(env.Kind)
		info.Deletions = append(info.Deletions, env.ID)
		if env.Kind.Hierarchical() {
			info.DeletionsByParent[env.ParentID] = append(info.DeletionsByParent[env.ParentID], env.ID)
		}
	}

	infos := make([]*notify.Info, 0, len(byKind))
	for _, kind := range record.Kinds() {
		if info, ok := byKind[kind]; ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// Apply merges a batch of envelopes into the store.
//
// The batch is classified against stored state with strict last-write-wins
// on the modified timestamp; ties keep the stored row. Winning envelopes
// are written verbatim, including their timestamps, so two stores applying
// each other's changes converge byte for byte. Each written envelope is
// also appended to the outbox in ascending modified-timestamp order, all
// within the same transaction.
//
// Re-applying an identical batch classifies every entry as a skip: no
// rows change, no outbox entries are enqueued, and no notifications fire.
//
// Both local mutations and remote merges flow through here; local callers
// stamp ModifiedAt before applying, remote batches arrive pre-stamped.
func (s *Store) Apply(ctx context.Context, envelopes []*record.Envelope) (*Applied, error) {
	applied := &Applied{}
	if len(envelopes) == 0 {
		return applied, nil
	}

	for _, env := range envelopes {
		if err := env.Validate(); err != nil {
			return nil, fmt.Errorf("invalid envelope %s: %w", env.ID, err)
		}
	}

	err := s.runTx(ctx, "apply batch", func(tx *sql.Tx) error {
		ids := make([]string, 0, len(envelopes))
		for _, env := range envelopes {
			ids = append(ids, env.ID)
		}

		existing, err := s.rowsByIDTx(ctx, tx, ids)
		if err != nil {
			return err
		}

		result := diff.Classify(envelopes, existing)
		applied.Inserted = result.Insert
		applied.Updated = result.Update
		applied.Deleted = result.Delete
		applied.Skipped = result.Skip

		winners := result.InsertOrReplace()
		for _, env := range winners {
			if err := s.upsertTx(ctx, tx, env); err != nil {
				return err
			}
		}

		// Enqueue in ascending modified order so the remote replays
		// changes in causal order within the batch. Stable sort keeps
		// equal timestamps in classification order.
		queue := make([]*record.Envelope, len(winners))
		copy(queue, winners)
		sort.SliceStable(queue, func(i, j int) bool {
			return queue[i].ModifiedAt.Before(queue[j].ModifiedAt)
		})

		for _, env := range queue {
			if err := s.enqueueTx(ctx, tx, env, changeKindFor(env, existing)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(applied)

	s.logger.Debug("applied batch",
		"inserted", len(applied.Inserted),
		"updated", len(applied.Updated),
		"deleted", len(applied.Deleted),
		"skipped", len(applied.Skipped))

	return applied, nil
}

// MarkDeleted tombstones a record by id.
//
// The row is kept with removed=true so the deletion propagates to other
// devices and wins against concurrent stale edits. Deleting an already
// tombstoned or unknown id is a no-op.
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	env, err := s.GetAnyState(ctx, id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if env.Removed {
		return nil
	}

	env.Removed = true
	env.DeviceID = s.deviceID
	env.MarkModified(s.clock())

	_, err = s.Apply(ctx, []*record.Envelope{env})
	return err
}

// Reorder rewrites the sort indexes of a kind to match orderedIDs.
//
// Only records whose index actually changes are written and enqueued, so
// confirming the current order is a no-op. Ids absent from the store are
// ignored. For hierarchical kinds parentID scopes the reorder; pass ""
// for flat kinds.
func (s *Store) Reorder(ctx context.Context, kind record.Kind, parentID string, orderedIDs []string) error {
	current, err := s.List(ctx, kind, parentID)
	if err != nil {
		return err
	}

	byID := make(map[string]*record.Envelope, len(current))
	for _, env := range current {
		byID[env.ID] = env
	}

	now := s.clock()
	var changed []*record.Envelope
	for i, id := range orderedIDs {
		env, ok := byID[id]
		if !ok {
			continue
		}
		want := float64(i)
		if env.SortIndex == want {
			continue
		}
		env.SortIndex = want
		env.DeviceID = s.deviceID
		env.MarkModified(now)
		changed = append(changed, env)
	}

	if len(changed) == 0 {
		return nil
	}

	_, err = s.Apply(ctx, changed)
	return err
}

// publish fans out per-kind change summaries for a completed cycle.
func (s *Store) publish(applied *Applied) {
	if s.hub == nil || applied.IsEmpty() {
		return
	}
	for _, info := range applied.Infos() {
		s.hub.Publish(info)
	}
}

// changeKindFor maps a written envelope to its outbox change kind based
// on what the store held before the write.
func changeKindFor(env *record.Envelope, existing map[string]*record.Envelope) ChangeKind {
	if env.Removed {
		return ChangeDelete
	}
	if _, present := existing[env.ID]; present {
		return ChangeUpdate
	}
	return ChangeInsert
}
