// Package models provides data model definitions for the Showbarn sync engine.
package models

import (
	"encoding/json"
	"time"
)

// SyncQueueItem represents one pending or historical record mutation.
// Items are durable: terminal items are kept for audit rather than deleted.
type SyncQueueItem struct {
	// Seq is a store-assigned monotonic sequence number. It defines the
	// global enqueue order, including items created within the same second.
	Seq         int64           `db:"seq" json:"seq"`
	ID          UUID            `db:"id" json:"id"`
	Owner       string          `db:"owner" json:"owner"`
	EntityType  string          `db:"entity_type" json:"entity_type"`
	RecordID    string          `db:"record_id" json:"record_id"`
	Operation   string          `db:"operation" json:"operation"` // insert, update, delete
	Payload     json.RawMessage `db:"payload" json:"payload,omitempty"`
	Status      string          `db:"status" json:"status"` // pending, processing, completed, failed, conflict
	Version     int64           `db:"version" json:"version"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	ProcessedAt int64           `db:"processed_at" json:"processed_at,omitempty"` // 0 until terminal
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue_items"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (i *SyncQueueItem) CreatedAtTime() time.Time {
	return time.Unix(i.CreatedAt, 0)
}

// ProcessedAtTime returns ProcessedAt as time.Time, or the zero time if the
// item has not reached a terminal state yet.
func (i *SyncQueueItem) ProcessedAtTime() time.Time {
	if i.ProcessedAt == 0 {
		return time.Time{}
	}
	return time.Unix(i.ProcessedAt, 0)
}

// IsTerminal reports whether the item is in a terminal state for accounting
// purposes. A conflict is non-terminal: it is waiting on resolution. A failed
// item with a scheduled retry (NextRetryAt set) is likewise non-terminal; the
// retry budget is only spent once NextRetryAt is cleared.
func (i *SyncQueueItem) IsTerminal() bool {
	if i.Status == "completed" {
		return true
	}
	return i.Status == "failed" && i.NextRetryAt == 0
}
