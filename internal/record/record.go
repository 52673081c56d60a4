// Package record defines the contract every synchronizable entity satisfies
// and the flat envelope form the store persists.
//
// Any entity kind participating in sync carries the same minimal shape:
// a globally unique id, a creation timestamp, a last-modified timestamp
// (the sole conflict-resolution signal), and a tombstone flag. Domain
// fields ride along as an opaque JSON payload the core never interprets.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an entity kind riding on the generic record contract.
type Kind string

const (
	KindConversation  Kind = "conversation"
	KindMessage       Kind = "message"
	KindCloudModel    Kind = "cloud-model"
	KindTemplate      Kind = "template"
	KindMemory        Kind = "memory"
	KindContextServer Kind = "context-server"
)

// Kinds returns all known entity kinds in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindConversation,
		KindMessage,
		KindCloudModel,
		KindTemplate,
		KindMemory,
		KindContextServer,
	}
}

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindConversation, KindMessage, KindCloudModel,
		KindTemplate, KindMemory, KindContextServer:
		return true
	}
	return false
}

// Hierarchical reports whether records of this kind are grouped under a
// parent record. Messages belong to a conversation; everything else is flat.
func (k Kind) Hierarchical() bool {
	return k == KindMessage
}

// Record is the minimal contract the diff engine and record store require.
// The envelope satisfies it, and tests may satisfy it with lightweight fakes.
type Record interface {
	// RecordID returns the globally unique, immutable identifier.
	RecordID() string

	// Modified returns the last-write-wins conflict resolution timestamp.
	Modified() time.Time

	// IsRemoved reports whether the record is a tombstone.
	IsRemoved() bool
}

// Envelope is the storable form of any synchronizable record.
//
// The envelope is what flows through the diff engine, the record store,
// the upload queue, and the remote transport. Typed entity kinds convert
// to and from envelopes at the edge.
type Envelope struct {
	// ID is assigned at creation and never reused.
	ID string `json:"id"`

	// Kind names the entity kind the payload belongs to.
	Kind Kind `json:"kind"`

	// DeviceID identifies the device that last locally created or mutated
	// the record. Diagnostics only, never used for conflict resolution.
	DeviceID string `json:"device_id"`

	// ParentID groups hierarchical kinds (message -> conversation).
	// Empty for flat kinds.
	ParentID string `json:"parent_id,omitempty"`

	// SortIndex is the fractional ordering key for user-ordered kinds.
	SortIndex float64 `json:"sort_index"`

	// Payload holds the entity kind's domain fields as opaque JSON.
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	// Removed marks a tombstone. Tombstones are retained for merge
	// convergence and filtered from all domain-facing reads.
	Removed bool `json:"removed"`
}

// New creates a fresh envelope of the given kind owned by deviceID.
// ModifiedAt starts equal to CreatedAt.
func New(kind Kind, deviceID string) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		ID:         uuid.New().String(),
		Kind:       kind,
		DeviceID:   deviceID,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// RecordID implements Record.
func (e *Envelope) RecordID() string { return e.ID }

// Modified implements Record.
func (e *Envelope) Modified() time.Time { return e.ModifiedAt }

// IsRemoved implements Record.
func (e *Envelope) IsRemoved() bool { return e.Removed }

// MarkModified bumps the conflict-resolution timestamp.
// Call whenever a field changes on the local device.
func (e *Envelope) MarkModified(t time.Time) {
	e.ModifiedAt = t
}

// Validate checks the envelope satisfies the record contract.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Kind.Hierarchical() && e.ParentID == "" {
		return fmt.Errorf("kind %q requires a parent id", e.Kind)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if e.ModifiedAt.IsZero() {
		return fmt.Errorf("modified_at is required")
	}
	if e.ModifiedAt.Before(e.CreatedAt) {
		return fmt.Errorf("modified_at precedes created_at")
	}
	return nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	dup := *e
	if e.Payload != nil {
		dup.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &dup
}
