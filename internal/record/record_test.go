package record

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	env := New(KindTemplate, "device-1")

	if env.ID == "" {
		t.Fatal("expected generated id")
	}
	if env.Kind != KindTemplate {
		t.Errorf("expected kind %q, got %q", KindTemplate, env.Kind)
	}
	if env.DeviceID != "device-1" {
		t.Errorf("expected device id device-1, got %q", env.DeviceID)
	}
	if !env.ModifiedAt.Equal(env.CreatedAt) {
		t.Errorf("expected modified == created on a fresh record")
	}
	if env.Removed {
		t.Error("fresh record must not be a tombstone")
	}
	if err := env.Validate(); err != nil {
		t.Errorf("fresh envelope should validate: %v", err)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "valid flat record",
			env:  Envelope{ID: "a", Kind: KindMemory, CreatedAt: now, ModifiedAt: now},
		},
		{
			name:    "missing id",
			env:     Envelope{Kind: KindMemory, CreatedAt: now, ModifiedAt: now},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			env:     Envelope{ID: "a", Kind: "widget", CreatedAt: now, ModifiedAt: now},
			wantErr: true,
		},
		{
			name:    "message without parent",
			env:     Envelope{ID: "a", Kind: KindMessage, CreatedAt: now, ModifiedAt: now},
			wantErr: true,
		},
		{
			name: "message with parent",
			env:  Envelope{ID: "a", Kind: KindMessage, ParentID: "c", CreatedAt: now, ModifiedAt: now},
		},
		{
			name:    "modified before created",
			env:     Envelope{ID: "a", Kind: KindMemory, CreatedAt: now, ModifiedAt: now.Add(-time.Hour)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	env := New(KindCloudModel, "device-1")
	in := CloudModel{
		Name:            "fast",
		ModelIdentifier: "gpt-test",
		Endpoint:        "https://api.example.com/v1",
		Headers:         map[string]string{"X-Title": "Outpost"},
	}
	if err := env.EncodePayload(in); err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}

	var out CloudModel
	if err := env.DecodePayload(&out); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if out.ModelIdentifier != in.ModelIdentifier || out.Endpoint != in.Endpoint {
		t.Errorf("payload round trip mismatch: got %+v", out)
	}
	if out.Headers["X-Title"] != "Outpost" {
		t.Errorf("expected headers to survive round trip, got %v", out.Headers)
	}
}

func TestClone(t *testing.T) {
	env := New(KindMemory, "device-1")
	if err := env.EncodePayload(Memory{Content: "remember this"}); err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}

	dup := env.Clone()
	dup.Removed = true
	dup.Payload[0] = '!'

	if env.Removed {
		t.Error("mutating the clone must not affect the original")
	}
	if env.Payload[0] == '!' {
		t.Error("clone must deep-copy the payload")
	}
}

func TestBatchFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.jsonl")

	a := New(KindMemory, "device-1")
	if err := a.EncodePayload(Memory{Content: "one"}); err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}
	b := New(KindMessage, "device-1")
	b.ParentID = "conv-1"
	if err := b.EncodePayload(Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}

	if err := WriteBatchFile(path, []*Envelope{a, b}); err != nil {
		t.Fatalf("WriteBatchFile failed: %v", err)
	}

	got, err := ReadBatchFile(path)
	if err != nil {
		t.Fatalf("ReadBatchFile failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(got))
	}
	if got[0].ID != a.ID || got[1].ID != b.ID {
		t.Errorf("batch order not preserved")
	}
	if got[1].ParentID != "conv-1" {
		t.Errorf("expected parent id to survive, got %q", got[1].ParentID)
	}
}

func TestReadBatchFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonl")

	env := New(KindMessage, "device-1") // missing parent id
	data := `{"id":"` + env.ID + `","kind":"message","created_at":"2026-01-01T00:00:00Z","modified_at":"2026-01-01T00:00:00Z"}` + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	if _, err := ReadBatchFile(path); err == nil {
		t.Fatal("expected error for invalid envelope in batch")
	}
}
