// Package models provides data model definitions for the Showbarn sync engine.
package models

// RecordVersion caches the last server version the client has observed for a
// record. It is updated whenever a reconciliation succeeds and is consulted
// when assigning version tokens to new mutations (and to decide whether a
// record is known locally at all).
type RecordVersion struct {
	EntityType string `db:"entity_type" json:"entity_type"`
	RecordID   string `db:"record_id" json:"record_id"`
	Version    int64  `db:"version" json:"version"`
	Deleted    bool   `db:"deleted" json:"deleted"`
	UpdatedAt  int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for RecordVersion.
func (RecordVersion) TableName() string {
	return "record_versions"
}
