// Package models provides data model definitions for the Showbarn sync engine.
package models

import "encoding/json"

// ServerRecord is the server-of-record state for one logical record.
// Version is the token the next accepted mutation must carry; a record that
// has never existed is treated as version 1. Deletes are tombstoned so that
// stale client edits cannot silently resurrect a record.
type ServerRecord struct {
	EntityType string          `db:"entity_type" json:"entity_type"`
	RecordID   string          `db:"record_id" json:"record_id"`
	Version    int64           `db:"version" json:"version"`
	Data       json.RawMessage `db:"data" json:"data,omitempty"`
	Deleted    bool            `db:"deleted" json:"deleted"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for ServerRecord.
func (ServerRecord) TableName() string {
	return "server_records"
}
