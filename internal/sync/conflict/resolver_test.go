// Package conflict provides unit tests for conflict detection and resolution.
package conflict

import (
	"encoding/json"
	"testing"

	"github.com/herdwork/showbarn/backend/internal/db"
	apperrors "github.com/herdwork/showbarn/backend/internal/errors"
	"github.com/herdwork/showbarn/backend/internal/models"
)

// newTestResolver returns a Resolver over a fresh MemStore.
func newTestResolver(t *testing.T) (*Resolver, *db.MemStore) {
	t.Helper()

	store := db.NewMemStore()
	return NewResolver(store), store
}

// queuedItem stores a conflicted mutation and returns it.
func queuedItem(t *testing.T, store *db.MemStore, payload string) *models.SyncQueueItem {
	t.Helper()

	item := &models.SyncQueueItem{
		Owner:      "dev-1",
		EntityType: "animal",
		RecordID:   "rec-1",
		Operation:  "update",
		Payload:    json.RawMessage(payload),
		Status:     "conflict",
		Version:    2,
		MaxRetries: 5,
	}
	if err := store.AppendQueueItem(item); err != nil {
		t.Fatalf("AppendQueueItem failed: %v", err)
	}
	return item
}

// TestRecord verifies conflict persistence with a field diff.
func TestRecord(t *testing.T) {
	r, store := newTestResolver(t)

	item := queuedItem(t, store, `{"name":"Clover","weight":412}`)
	serverData := json.RawMessage(`{"name":"Daisy","weight":412}`)

	conflict, err := r.Record(item, serverData, 4)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if conflict.ID == "" || conflict.DetectedAt == 0 {
		t.Error("Record should assign ID and DetectedAt")
	}
	if conflict.QueueItemID != item.ID {
		t.Errorf("QueueItemID = %s, want %s", conflict.QueueItemID, item.ID)
	}
	if conflict.ServerVersion != 4 {
		t.Errorf("ServerVersion = %d, want 4", conflict.ServerVersion)
	}

	var diff map[string]map[string]interface{}
	if err := json.Unmarshal(conflict.Diff, &diff); err != nil {
		t.Fatalf("Diff is not valid JSON: %v", err)
	}
	if len(diff) != 1 {
		t.Fatalf("Diff has %d fields, want 1: %s", len(diff), conflict.Diff)
	}
	if diff["name"]["client"] != "Clover" || diff["name"]["server"] != "Daisy" {
		t.Errorf("Diff[name] = %v, want client Clover vs server Daisy", diff["name"])
	}
}

// TestRecord_nilItem verifies validation.
func TestRecord_nilItem(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Record(nil, nil, 1)
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Record(nil) error = %v, want VALIDATION_ERROR", err)
	}
}

// TestAutoResolution verifies only server deletes settle automatically.
func TestAutoResolution(t *testing.T) {
	if got := AutoResolution(true); got != ResolutionServerWins {
		t.Errorf("AutoResolution(deleted) = %s, want server_wins", got)
	}
	if got := AutoResolution(false); got != "" {
		t.Errorf("AutoResolution(live) = %s, want no automatic resolution", got)
	}
}

// TestResolve verifies the single-resolution lifecycle.
func TestResolve(t *testing.T) {
	r, store := newTestResolver(t)

	item := queuedItem(t, store, `{"name":"Clover"}`)
	conflict, err := r.Record(item, json.RawMessage(`{"name":"Daisy"}`), 3)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	resolved, err := r.Resolve(conflict.ID.String(), ResolutionServerWins)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Resolution != string(ResolutionServerWins) {
		t.Errorf("Resolution = %s, want server_wins", resolved.Resolution)
	}
	if !resolved.IsResolved() {
		t.Error("conflict should be resolved")
	}

	_, err = r.Resolve(conflict.ID.String(), ResolutionClientWins)
	if !apperrors.Is(err, apperrors.ErrAlreadyResolved) {
		t.Errorf("second Resolve error = %v, want ALREADY_RESOLVED", err)
	}
}

// TestResolve_invalidResolution verifies unknown strategies are rejected.
func TestResolve_invalidResolution(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve("any", Resolution("merge_maybe"))
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Resolve(unknown strategy) error = %v, want VALIDATION_ERROR", err)
	}
}

// TestResolve_notFound verifies missing conflicts map to NOT_FOUND.
func TestResolve_notFound(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve("missing", ResolutionServerWins)
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Resolve(missing) error = %v, want NOT_FOUND", err)
	}
}

// TestGet_notFound verifies Get maps missing IDs to NOT_FOUND.
func TestGet_notFound(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Get("missing")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want NOT_FOUND", err)
	}
}

// TestListOpen verifies resolved conflicts drop out of the open list.
func TestListOpen(t *testing.T) {
	r, store := newTestResolver(t)

	item := queuedItem(t, store, `{"name":"Clover"}`)
	first, err := r.Record(item, json.RawMessage(`{"name":"Daisy"}`), 3)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	second, err := r.Record(item, json.RawMessage(`{"name":"Buttercup"}`), 4)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	open, err := r.ListOpen("")
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("ListOpen returned %d conflicts, want 2", len(open))
	}

	filtered, err := r.ListOpen("barn")
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("ListOpen(barn) returned %d conflicts, want 0", len(filtered))
	}

	if _, err := r.Resolve(first.ID.String(), ResolutionServerWins); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	open, err = r.ListOpen("")
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(open) != 1 || open[0].ID != second.ID {
		t.Errorf("ListOpen after resolve = %v, want only the second conflict", open)
	}
}

// TestOpenForItem verifies queue item lookup.
func TestOpenForItem(t *testing.T) {
	r, store := newTestResolver(t)

	item := queuedItem(t, store, `{"name":"Clover"}`)

	got, err := r.OpenForItem(item.ID.String())
	if err != nil {
		t.Fatalf("OpenForItem failed: %v", err)
	}
	if got != nil {
		t.Errorf("OpenForItem before detection = %+v, want nil", got)
	}

	conflict, err := r.Record(item, json.RawMessage(`{"name":"Daisy"}`), 3)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err = r.OpenForItem(item.ID.String())
	if err != nil {
		t.Fatalf("OpenForItem failed: %v", err)
	}
	if got == nil || got.ID != conflict.ID {
		t.Errorf("OpenForItem = %+v, want the recorded conflict", got)
	}
}

// TestFieldDiff verifies field-level diff computation.
func TestFieldDiff(t *testing.T) {
	tests := []struct {
		name   string
		client string
		server string
		want   map[string]bool // fields expected in the diff
	}{
		{
			name:   "identical objects",
			client: `{"name":"Clover","weight":412}`,
			server: `{"name":"Clover","weight":412}`,
			want:   map[string]bool{},
		},
		{
			name:   "one changed field",
			client: `{"name":"Clover","weight":412}`,
			server: `{"name":"Daisy","weight":412}`,
			want:   map[string]bool{"name": true},
		},
		{
			name:   "field only on client",
			client: `{"name":"Clover","notes":"halter trained"}`,
			server: `{"name":"Clover"}`,
			want:   map[string]bool{"notes": true},
		},
		{
			name:   "field only on server",
			client: `{"name":"Clover"}`,
			server: `{"name":"Clover","pen":"B4"}`,
			want:   map[string]bool{"pen": true},
		},
		{
			name:   "nested value compared deeply",
			client: `{"stats":{"weight":412,"height":130}}`,
			server: `{"stats":{"weight":412,"height":131}}`,
			want:   map[string]bool{"stats": true},
		},
		{
			name:   "server tombstone",
			client: `{"name":"Clover"}`,
			server: ``,
			want:   map[string]bool{"value": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var serverData json.RawMessage
			if tt.server != "" {
				serverData = json.RawMessage(tt.server)
			}

			diff, err := FieldDiff(json.RawMessage(tt.client), serverData)
			if err != nil {
				t.Fatalf("FieldDiff failed: %v", err)
			}

			var fields map[string]interface{}
			if err := json.Unmarshal(diff, &fields); err != nil {
				t.Fatalf("diff is not valid JSON: %v", err)
			}
			if len(fields) != len(tt.want) {
				t.Fatalf("diff has fields %v, want %v", fields, tt.want)
			}
			for field := range tt.want {
				if _, ok := fields[field]; !ok {
					t.Errorf("diff missing field %s: %s", field, diff)
				}
			}
		})
	}
}

// TestFieldDiff_malformed verifies invalid JSON is reported.
func TestFieldDiff_malformed(t *testing.T) {
	_, err := FieldDiff(json.RawMessage(`{"name":`), json.RawMessage(`{"name":"Daisy"}`))
	if err == nil {
		t.Error("FieldDiff with malformed client data should fail")
	}
}

// TestResolutionValid verifies the known resolution set.
func TestResolutionValid(t *testing.T) {
	for _, r := range []Resolution{ResolutionClientWins, ResolutionServerWins, ResolutionManual} {
		if !r.Valid() {
			t.Errorf("%s should be valid", r)
		}
	}
	if Resolution("last_write_wins").Valid() {
		t.Error("unknown resolution should be invalid")
	}
}
