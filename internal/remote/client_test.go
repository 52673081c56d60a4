package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/localfirst/outpost/internal/record"
	"github.com/localfirst/outpost/internal/store"
	"github.com/localfirst/outpost/internal/syncengine"
)

func testEnvelope(t *testing.T) *record.Envelope {
	t.Helper()
	env := record.New(record.KindMemory, "device-1")
	if err := env.EncodePayload(record.Memory{Content: "hello"}); err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return env
}

func testEntry(t *testing.T, env *record.Envelope) store.ChangeEntry {
	t.Helper()
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return store.ChangeEntry{
		Seq:      1,
		RecordID: env.ID,
		Kind:     env.Kind,
		Change:   store.ChangeInsert,
		Payload:  payload,
		QueuedAt: time.Now().UTC(),
	}
}

func TestFetchChangesSince(t *testing.T) {
	env := testEnvelope(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/changes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("cursor"); got != "c1" {
			t.Errorf("expected cursor c1, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", got)
		}
		json.NewEncoder(w).Encode(changesResponse{
			Changes: []*record.Envelope{env},
			Cursor:  "c2",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "device-1", Options{Token: "secret"})
	changes, cursor, err := client.FetchChangesSince(context.Background(), "c1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if cursor != "c2" {
		t.Errorf("expected cursor c2, got %q", cursor)
	}
	if len(changes) != 1 || changes[0].ID != env.ID {
		t.Errorf("unexpected changes: %+v", changes)
	}
}

func TestPushSendsDeviceAndChanges(t *testing.T) {
	env := testEnvelope(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/changes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body pushRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode push body: %v", err)
		}
		if body.DeviceID != "device-1" {
			t.Errorf("expected device-1, got %q", body.DeviceID)
		}
		if len(body.Changes) != 1 || body.Changes[0].ID != env.ID {
			t.Errorf("unexpected changes: %+v", body.Changes)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "device-1", Options{})
	if err := client.Push(context.Background(), []store.ChangeEntry{testEntry(t, env)}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"bad request is permanent", http.StatusBadRequest, true},
		{"unauthorized is permanent", http.StatusUnauthorized, true},
		{"conflict is permanent", http.StatusConflict, true},
		{"timeout is transient", http.StatusRequestTimeout, false},
		{"throttled is transient", http.StatusTooManyRequests, false},
		{"server error is transient", http.StatusInternalServerError, false},
		{"bad gateway is transient", http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewClient(srv.URL, "device-1", Options{})
			err := client.Push(context.Background(), []store.ChangeEntry{testEntry(t, testEnvelope(t))})
			if err == nil {
				t.Fatal("expected an error")
			}
			if syncengine.IsPermanent(err) != tt.permanent {
				t.Errorf("status %d: permanent=%v, want %v", tt.status, syncengine.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewClient(srv.URL, "device-1", Options{Timeout: time.Second})
	err := client.Push(context.Background(), []store.ChangeEntry{testEntry(t, testEnvelope(t))})
	if err == nil {
		t.Fatal("expected a network error")
	}
	if syncengine.IsPermanent(err) {
		t.Error("network errors must be transient")
	}

	_, _, err = client.FetchChangesSince(context.Background(), "")
	if err == nil {
		t.Fatal("expected a network error")
	}
	if syncengine.IsPermanent(err) {
		t.Error("network errors must be transient")
	}
}

func TestUndecodableEntryIsPermanent(t *testing.T) {
	client := NewClient("http://unused.invalid", "device-1", Options{})
	entry := store.ChangeEntry{Seq: 1, RecordID: "x", Payload: []byte("not json")}

	err := client.Push(context.Background(), []store.ChangeEntry{entry})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !syncengine.IsPermanent(err) {
		t.Error("undecodable outbox entries must be permanent failures")
	}
}

func TestWatchURL(t *testing.T) {
	client := NewClient("https://sync.example.com/", "device-1", Options{})
	if got := client.watchURL(); got != "wss://sync.example.com/v1/watch" {
		t.Errorf("unexpected watch url: %q", got)
	}

	client = NewClient("http://localhost:8080", "device-1", Options{})
	if got := client.watchURL(); got != "ws://localhost:8080/v1/watch" {
		t.Errorf("unexpected watch url: %q", got)
	}
}
