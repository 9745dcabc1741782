// Package reconcile provides unit tests for the server-side apply logic.
package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/herdwork/showbarn/backend/internal/db"
	apperrors "github.com/herdwork/showbarn/backend/internal/errors"
	"github.com/herdwork/showbarn/backend/internal/sync/transport"
)

// newTestService returns a Service over a fresh MemStore.
func newTestService(t *testing.T) (*Service, *db.MemStore) {
	t.Helper()

	store := db.NewMemStore()
	return NewService(store), store
}

// push builds a mutation request with the given ID and version.
func push(mutationID string, version int64, operation, payload string) *transport.PushRequest {
	req := &transport.PushRequest{
		MutationID: mutationID,
		Owner:      "dev-1",
		EntityType: "animal",
		RecordID:   "rec-1",
		Operation:  operation,
		Version:    version,
	}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	return req
}

// TestApply_newRecord tests that an unseen record expects version 1.
func TestApply_newRecord(t *testing.T) {
	s, store := newTestService(t)

	result, err := s.Apply(push("mut-1", 1, "insert", `{"name":"Clover"}`))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !result.Applied || result.NewVersion != 2 {
		t.Errorf("result = %+v, want applied with new version 2", result)
	}

	record, err := store.GetServerRecord("animal", "rec-1")
	if err != nil {
		t.Fatalf("GetServerRecord failed: %v", err)
	}
	if record == nil || record.Version != 2 {
		t.Fatalf("stored record = %+v, want version 2", record)
	}
	if string(record.Data) != `{"name":"Clover"}` {
		t.Errorf("stored data = %s, want insert payload", record.Data)
	}
}

// TestApply_versionChain tests consecutive accepted mutations.
func TestApply_versionChain(t *testing.T) {
	s, _ := newTestService(t)

	for i, version := range []int64{1, 2, 3} {
		result, err := s.Apply(push(string(rune('a'+i)), version, "update", `{"n":1}`))
		if err != nil {
			t.Fatalf("Apply %d failed: %v", version, err)
		}
		if !result.Applied || result.NewVersion != version+1 {
			t.Errorf("Apply %d result = %+v, want new version %d", version, result, version+1)
		}
	}
}

// TestApply_staleVersion tests the conflict verdict.
func TestApply_staleVersion(t *testing.T) {
	s, _ := newTestService(t)

	if _, err := s.Apply(push("mut-1", 1, "insert", `{"name":"Clover"}`)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// A second client pushes with the now stale token 1
	result, err := s.Apply(push("mut-2", 1, "update", `{"name":"Daisy"}`))
	if err != nil {
		t.Fatalf("Apply with stale version should not error: %v", err)
	}
	if result.Applied {
		t.Error("stale mutation should not be applied")
	}
	if result.ServerVersion != 2 {
		t.Errorf("ServerVersion = %d, want 2", result.ServerVersion)
	}
	if string(result.ServerData) != `{"name":"Clover"}` {
		t.Errorf("ServerData = %s, want current server payload", result.ServerData)
	}
}

// TestApply_replay tests that a resent mutation gets its original verdict.
func TestApply_replay(t *testing.T) {
	s, _ := newTestService(t)

	first, err := s.Apply(push("mut-1", 1, "insert", `{"name":"Clover"}`))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Same mutation ID again, as after a crashed client restart
	replay, err := s.Apply(push("mut-1", 1, "insert", `{"name":"Clover"}`))
	if err != nil {
		t.Fatalf("replayed Apply failed: %v", err)
	}
	if !replay.Applied || replay.NewVersion != first.NewVersion {
		t.Errorf("replay result = %+v, want same verdict as first: %+v", replay, first)
	}
}

// TestApply_deleteTombstones tests that deletes keep the version history.
func TestApply_deleteTombstones(t *testing.T) {
	s, store := newTestService(t)

	if _, err := s.Apply(push("mut-1", 1, "insert", `{"name":"Clover"}`)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	result, err := s.Apply(push("mut-2", 2, "delete", ""))
	if err != nil {
		t.Fatalf("Apply delete failed: %v", err)
	}
	if !result.Applied || result.NewVersion != 3 {
		t.Errorf("delete result = %+v, want applied with version 3", result)
	}

	record, err := store.GetServerRecord("animal", "rec-1")
	if err != nil {
		t.Fatalf("GetServerRecord failed: %v", err)
	}
	if record == nil || !record.Deleted {
		t.Fatalf("record = %+v, want tombstone", record)
	}

	// An offline edit against the deleted record reports the tombstone
	stale, err := s.Apply(push("mut-3", 2, "update", `{"name":"Daisy"}`))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if stale.Applied || !stale.ServerDeleted {
		t.Errorf("stale result = %+v, want conflict with server tombstone", stale)
	}
}

// TestApply_validation tests structural rejection.
func TestApply_validation(t *testing.T) {
	s, _ := newTestService(t)

	tests := []struct {
		name string
		req  *transport.PushRequest
	}{
		{"nil request", nil},
		{"missing mutation ID", push("", 1, "insert", `{}`)},
		{"missing record", &transport.PushRequest{MutationID: "m", Operation: "insert", Version: 1}},
		{"zero version", push("m", 0, "insert", `{}`)},
		{"insert without payload", push("m", 1, "insert", "")},
		{"malformed payload", push("m", 1, "update", `{"name":`)},
		{"unknown operation", push("m", 1, "upsert", `{}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Apply(tt.req)
			if !apperrors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Apply error = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}

// TestGetRecord tests the lookup paths.
func TestGetRecord(t *testing.T) {
	s, _ := newTestService(t)

	record, err := s.GetRecord("animal", "missing")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if record != nil {
		t.Errorf("GetRecord for unseen record = %+v, want nil", record)
	}

	if _, err := s.Apply(push("mut-1", 1, "insert", `{"name":"Clover"}`)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	record, err = s.GetRecord("animal", "rec-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if record == nil || record.Version != 2 {
		t.Errorf("GetRecord = %+v, want version 2", record)
	}
}

// TestListRecords tests that tombstones are excluded.
func TestListRecords(t *testing.T) {
	s, _ := newTestService(t)

	reqA := push("mut-1", 1, "insert", `{"name":"Clover"}`)
	reqA.RecordID = "rec-a"
	reqB := push("mut-2", 1, "insert", `{"name":"Daisy"}`)
	reqB.RecordID = "rec-b"
	for _, req := range []*transport.PushRequest{reqA, reqB} {
		if _, err := s.Apply(req); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}
	del := push("mut-3", 2, "delete", "")
	del.RecordID = "rec-a"
	if _, err := s.Apply(del); err != nil {
		t.Fatalf("Apply delete failed: %v", err)
	}

	records, err := s.ListRecords("animal")
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].RecordID != "rec-b" {
		t.Errorf("ListRecords = %+v, want only rec-b", records)
	}
}
