// Package diff classifies incoming record batches against current store
// state into insert, update, delete, and skip sets.
//
// Classification is pure and deterministic: identical inputs always yield
// identical results, so the same remote batch can be re-applied safely and
// the classifier can be exercised with property-style tests. Conflict
// policy is strict last-write-wins on the modified timestamp; ties favor
// the existing stored record so merges stay idempotent.
package diff

import (
	"github.com/localfirst/outpost/internal/record"
)

// Result holds the four disjoint classification sets for a batch.
type Result[R record.Record] struct {
	// Insert contains records whose id is not present in the store.
	Insert []R

	// Update contains records present in the store with a strictly newer
	// modified timestamp than the stored row.
	Update []R

	// Delete contains tombstones (removed=true) that win against the
	// stored row, or tombstones for ids never seen before.
	Delete []R

	// Skip contains records whose modified timestamp is not newer than
	// the stored row. A skipped write is a resolved conflict, not an
	// error: the store already holds the winning state.
	Skip []R
}

// IsEmpty reports whether nothing needs to be written.
// Skipped records alone require no storage work.
func (r Result[R]) IsEmpty() bool {
	return len(r.Insert) == 0 && len(r.Update) == 0 && len(r.Delete) == 0
}

// InsertOrReplace returns the union of the sets applied to storage,
// in insert, update, delete order.
func (r Result[R]) InsertOrReplace() []R {
	out := make([]R, 0, len(r.Insert)+len(r.Update)+len(r.Delete))
	out = append(out, r.Insert...)
	out = append(out, r.Update...)
	out = append(out, r.Delete...)
	return out
}

// Classify partitions an incoming batch against the current store state.
//
// existing maps record id to the stored row (including tombstones) for
// every id that is present; absent ids must be absent from the map.
//
// When a batch carries the same id more than once, the later entry wins
// only if its modified timestamp is strictly newer; otherwise the earlier
// entry is kept. The first occurrence determines ordering, which keeps the
// output deterministic regardless of how the duplicate arrived.
func Classify[R record.Record](incoming []R, existing map[string]R) Result[R] {
	chosen := make(map[string]R, len(incoming))
	order := make([]string, 0, len(incoming))

	for _, rec := range incoming {
		id := rec.RecordID()
		prev, seen := chosen[id]
		if !seen {
			chosen[id] = rec
			order = append(order, id)
			continue
		}
		if rec.Modified().After(prev.Modified()) {
			chosen[id] = rec
		}
	}

	var result Result[R]
	for _, id := range order {
		rec := chosen[id]
		stored, present := existing[id]

		// Ties favor the stored record: re-applying the same batch
		// classifies every entry as a skip.
		if present && !rec.Modified().After(stored.Modified()) {
			result.Skip = append(result.Skip, rec)
			continue
		}

		switch {
		case rec.IsRemoved():
			result.Delete = append(result.Delete, rec)
		case present:
			result.Update = append(result.Update, rec)
		default:
			result.Insert = append(result.Insert, rec)
		}
	}

	return result
}
