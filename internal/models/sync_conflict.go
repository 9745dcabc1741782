// Package models provides data model definitions for the Showbarn sync engine.
package models

import (
	"encoding/json"
	"time"
)

// SyncConflict records a write-write divergence between a queued client
// mutation and the server's current record. Conflicts are kept for audit
// after resolution: resolving sets Resolution and ResolvedAt, nothing is
// ever deleted.
type SyncConflict struct {
	ID            UUID            `db:"id" json:"id"`
	QueueItemID   UUID            `db:"queue_item_id" json:"queue_item_id"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	RecordID      string          `db:"record_id" json:"record_id"`
	ClientData    json.RawMessage `db:"client_data" json:"client_data,omitempty"`
	ServerData    json.RawMessage `db:"server_data" json:"server_data,omitempty"`
	ServerVersion int64           `db:"server_version" json:"server_version"`
	Diff          json.RawMessage `db:"diff" json:"diff,omitempty"`
	Resolution    string          `db:"resolution" json:"resolution,omitempty"` // client_wins, server_wins, manual
	DetectedAt    int64           `db:"detected_at" json:"detected_at"`
	ResolvedAt    int64           `db:"resolved_at" json:"resolved_at,omitempty"` // 0 until resolved
}

// TableName returns the table name for SyncConflict.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// IsResolved reports whether the conflict has been closed.
func (c *SyncConflict) IsResolved() bool {
	return c.ResolvedAt != 0
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *SyncConflict) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
