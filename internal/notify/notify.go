// Package notify fans out per-entity-kind change summaries to observers.
//
// After each local apply or remote merge cycle the store publishes one
// Info per affected kind. Infos carry only the ids that changed, never
// payloads; observers re-read the store for current state.
package notify

import (
	"sync"

	"github.com/localfirst/outpost/internal/record"
)

// Info summarizes what changed for one entity kind in one apply cycle.
// It is immutable once built and consumed at most once per observer.
type Info struct {
	Kind record.Kind

	// Modifications lists ids that were inserted or updated.
	Modifications []string

	// Deletions lists ids that were tombstoned.
	Deletions []string

	// ModificationsByParent and DeletionsByParent group the same ids by
	// parent record for hierarchical kinds (messages by conversation).
	// Nil for flat kinds.
	ModificationsByParent map[string][]string
	DeletionsByParent     map[string][]string
}

// IsEmpty reports whether the cycle touched no records of this kind.
func (i *Info) IsEmpty() bool {
	return len(i.Modifications) == 0 && len(i.Deletions) == 0
}

// Hub routes change summaries to subscribers by entity kind.
//
// Publishing never blocks: a subscriber that has not drained its channel
// misses the summary, which is safe because observers always re-read the
// store rather than trusting notification contents.
type Hub struct {
	mu   sync.RWMutex
	subs map[record.Kind][]chan *Info
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[record.Kind][]chan *Info)}
}

// Subscribe registers an observer for one entity kind.
//
// The returned channel receives at most one Info per apply/merge cycle.
// Call the cancel function to unsubscribe; the channel is closed then.
func (h *Hub) Subscribe(kind record.Kind) (<-chan *Info, func()) {
	ch := make(chan *Info, 16)

	h.mu.Lock()
	h.subs[kind] = append(h.subs[kind], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		channels := h.subs[kind]
		for i, c := range channels {
			if c == ch {
				h.subs[kind] = append(channels[:i], channels[i+1:]...)
				close(ch)
				return
			}
		}
	}

	return ch, cancel
}

// Publish delivers an Info to every subscriber of its kind.
// Empty infos are dropped.
func (h *Hub) Publish(info *Info) {
	if info == nil || info.IsEmpty() {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[info.Kind] {
		select {
		case ch <- info:
		default:
			// Subscriber is not keeping up; it will re-read the store.
		}
	}
}
