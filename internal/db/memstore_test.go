// Package db tests for the in-memory store.
package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/herdwork/showbarn/backend/internal/models"
)

// TestMemStore_queueLifecycle verifies append, get, and update semantics.
func TestMemStore_queueLifecycle(t *testing.T) {
	store := NewMemStore()

	item := newTestItem("rec-1", 1)
	if err := store.AppendQueueItem(item); err != nil {
		t.Fatalf("AppendQueueItem() failed: %v", err)
	}
	if item.ID == "" || item.Seq == 0 || item.CreatedAt == 0 {
		t.Error("AppendQueueItem() should assign ID, Seq, and CreatedAt")
	}

	item.Status = "processing"
	if err := store.UpdateQueueItem(item); err != nil {
		t.Fatalf("UpdateQueueItem() failed: %v", err)
	}

	got, err := store.GetQueueItem(item.ID.String())
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != "processing" {
		t.Errorf("Status = %s, want processing", got.Status)
	}

	if _, err := store.GetQueueItem("missing"); err != sql.ErrNoRows {
		t.Errorf("GetQueueItem(missing) error = %v, want sql.ErrNoRows", err)
	}
}

// TestMemStore_isolation verifies returned items are copies, not aliases.
func TestMemStore_isolation(t *testing.T) {
	store := NewMemStore()

	item := newTestItem("rec-1", 1)
	if err := store.AppendQueueItem(item); err != nil {
		t.Fatalf("AppendQueueItem() failed: %v", err)
	}

	got, err := store.GetQueueItem(item.ID.String())
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	got.Status = "failed" // must not leak into the store

	again, err := store.GetQueueItem(item.ID.String())
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if again.Status != "pending" {
		t.Errorf("store mutated through returned copy: status = %s", again.Status)
	}
}

// TestMemStore_pendingOrder verifies per-record dispatch ordering matches
// the SQL store.
func TestMemStore_pendingOrder(t *testing.T) {
	store := NewMemStore()
	now := time.Now().Unix()

	first := newTestItem("rec-1", 1)
	second := newTestItem("rec-1", 2)
	other := newTestItem("rec-2", 1)
	for _, item := range []*models.SyncQueueItem{first, second, other} {
		if err := store.AppendQueueItem(item); err != nil {
			t.Fatalf("AppendQueueItem() failed: %v", err)
		}
	}

	items, err := store.ListPendingItems(now, 10)
	if err != nil {
		t.Fatalf("ListPendingItems() failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("ListPendingItems() returned %d items, want 2", len(items))
	}
	if items[0].ID != first.ID || items[1].ID != other.ID {
		t.Errorf("dispatch order = %v, want first rec-1 then rec-2", itemIDs(items))
	}

	first.Status = "completed"
	if err := store.UpdateQueueItem(first); err != nil {
		t.Fatalf("UpdateQueueItem() failed: %v", err)
	}

	items, err = store.ListPendingItems(now, 10)
	if err != nil {
		t.Fatalf("ListPendingItems() failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != second.ID {
		t.Errorf("after completion, dispatch order = %v, want second rec-1 first", itemIDs(items))
	}
}

// TestMemStore_failedRetryDue verifies failed items join the dispatch set
// only while a due retry is scheduled, matching the SQL store.
func TestMemStore_failedRetryDue(t *testing.T) {
	store := NewMemStore()
	now := time.Now().Unix()

	due := newTestItem("rec-1", 1)
	blocked := newTestItem("rec-1", 2)
	spent := newTestItem("rec-2", 1)
	for _, item := range []*models.SyncQueueItem{due, blocked, spent} {
		if err := store.AppendQueueItem(item); err != nil {
			t.Fatalf("AppendQueueItem() failed: %v", err)
		}
	}

	due.Status = "failed"
	due.NextRetryAt = now - 10
	spent.Status = "failed"
	spent.ProcessedAt = now
	for _, item := range []*models.SyncQueueItem{due, spent} {
		if err := store.UpdateQueueItem(item); err != nil {
			t.Fatalf("UpdateQueueItem() failed: %v", err)
		}
	}

	items, err := store.ListPendingItems(now, 10)
	if err != nil {
		t.Fatalf("ListPendingItems() failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != due.ID {
		t.Errorf("ListPendingItems() = %v, want only the due retry", itemIDs(items))
	}

	live, err := store.HasLiveQueueItem("animal", "rec-1")
	if err != nil {
		t.Fatalf("HasLiveQueueItem() failed: %v", err)
	}
	if !live {
		t.Error("a scheduled retry should keep the record live")
	}
	live, err = store.HasLiveQueueItem("animal", "rec-2")
	if err != nil {
		t.Fatalf("HasLiveQueueItem() failed: %v", err)
	}
	if live {
		t.Error("a permanently failed item should not keep the record live")
	}
}

// TestMemStore_recoverInFlight verifies crash recovery semantics.
func TestMemStore_recoverInFlight(t *testing.T) {
	store := NewMemStore()

	item := newTestItem("rec-1", 1)
	if err := store.AppendQueueItem(item); err != nil {
		t.Fatalf("AppendQueueItem() failed: %v", err)
	}
	item.Status = "processing"
	item.NextRetryAt = time.Now().Unix() + 600
	if err := store.UpdateQueueItem(item); err != nil {
		t.Fatalf("UpdateQueueItem() failed: %v", err)
	}

	recovered, err := store.RecoverInFlight()
	if err != nil {
		t.Fatalf("RecoverInFlight() failed: %v", err)
	}
	if recovered != 1 {
		t.Errorf("RecoverInFlight() = %d, want 1", recovered)
	}

	got, err := store.GetQueueItem(item.ID.String())
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != "pending" || got.NextRetryAt != 0 {
		t.Errorf("recovered item = %s/%d, want pending/0", got.Status, got.NextRetryAt)
	}
}

// TestMemStore_conflicts verifies the conflict lifecycle.
func TestMemStore_conflicts(t *testing.T) {
	store := NewMemStore()

	item := newTestItem("rec-1", 2)
	if err := store.AppendQueueItem(item); err != nil {
		t.Fatalf("AppendQueueItem() failed: %v", err)
	}

	conflict := &models.SyncConflict{
		QueueItemID:   item.ID,
		EntityType:    "animal",
		RecordID:      "rec-1",
		ServerVersion: 3,
	}
	if err := store.CreateConflict(conflict); err != nil {
		t.Fatalf("CreateConflict() failed: %v", err)
	}

	open, err := store.ListOpenConflicts("")
	if err != nil {
		t.Fatalf("ListOpenConflicts() failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("ListOpenConflicts() returned %d conflicts, want 1", len(open))
	}

	byItem, err := store.OpenConflictForItem(item.ID.String())
	if err != nil {
		t.Fatalf("OpenConflictForItem() failed: %v", err)
	}
	if byItem == nil || byItem.ID != conflict.ID {
		t.Errorf("OpenConflictForItem() = %+v, want the open conflict", byItem)
	}

	conflict.Resolution = "server_wins"
	conflict.ResolvedAt = time.Now().Unix()
	if err := store.UpdateConflict(conflict); err != nil {
		t.Fatalf("UpdateConflict() failed: %v", err)
	}

	open, err = store.ListOpenConflicts("")
	if err != nil {
		t.Fatalf("ListOpenConflicts() failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("ListOpenConflicts() after resolution = %v, want empty", open)
	}
}

// TestMemStore_versionsAndRecords verifies version cache and server state.
func TestMemStore_versionsAndRecords(t *testing.T) {
	store := NewMemStore()

	rv, err := store.GetRecordVersion("animal", "rec-1")
	if err != nil {
		t.Fatalf("GetRecordVersion() failed: %v", err)
	}
	if rv != nil {
		t.Errorf("GetRecordVersion() = %+v, want nil", rv)
	}

	if err := store.SetRecordVersion(&models.RecordVersion{EntityType: "animal", RecordID: "rec-1", Version: 2}); err != nil {
		t.Fatalf("SetRecordVersion() failed: %v", err)
	}
	rv, err = store.GetRecordVersion("animal", "rec-1")
	if err != nil {
		t.Fatalf("GetRecordVersion() failed: %v", err)
	}
	if rv == nil || rv.Version != 2 {
		t.Errorf("GetRecordVersion() = %+v, want version 2", rv)
	}

	if err := store.PutServerRecord(&models.ServerRecord{EntityType: "animal", RecordID: "rec-1", Version: 2}); err != nil {
		t.Fatalf("PutServerRecord() failed: %v", err)
	}
	if err := store.PutServerRecord(&models.ServerRecord{EntityType: "animal", RecordID: "rec-2", Version: 3, Deleted: true}); err != nil {
		t.Fatalf("PutServerRecord() failed: %v", err)
	}

	records, err := store.ListServerRecords("animal")
	if err != nil {
		t.Fatalf("ListServerRecords() failed: %v", err)
	}
	if len(records) != 1 || records[0].RecordID != "rec-1" {
		t.Errorf("ListServerRecords() = %v, want only the live record", records)
	}
}
