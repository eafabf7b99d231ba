// Package models provides data model definitions for the field sync core.
package models

import (
	"maps"
	"time"
)

// OperationKind is the mutation carried by a pending operation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	return k == OperationCreate || k == OperationUpdate
}

// OperationStatus is the outbox view of an operation.
// An operation is failed once at least one replay attempt failed.
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusFailed  OperationStatus = "failed"
)

// Payload is the opaque document carried by an operation: the full record
// for a create, a patch for an update.
type Payload map[string]any

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	return maps.Clone(p)
}

// Merge shallow-merges patch into a copy of p. Keys in patch win.
func (p Payload) Merge(patch Payload) Payload {
	merged := p.Clone()
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// String returns the string value stored under key, or "".
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// PendingOperation is one queued, not yet confirmed mutation.
// At most one exists per (EntityID, UserID).
type PendingOperation struct {
	ID         string        `db:"id" json:"id"`
	EntityID   string        `db:"entity_id" json:"entityId"`
	EntityType string        `db:"entity_type" json:"entityType"`
	Operation  OperationKind `db:"operation" json:"operation"`
	Payload    Payload       `db:"payload" json:"payload"`
	Timestamp  int64         `db:"timestamp" json:"timestamp"` // Unix ms, bumped on merge
	Retries    int           `db:"retries" json:"retries"`
	UserID     string        `db:"user_id" json:"userId"`
	LastError  string        `db:"last_error" json:"lastError,omitempty"`
	CreatedAt  int64         `db:"created_at" json:"createdAt"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// Status derives the outbox status from the retry count.
func (op *PendingOperation) Status() OperationStatus {
	if op.Retries > 0 {
		return StatusFailed
	}
	return StatusPending
}

// Time returns Timestamp as time.Time.
func (op *PendingOperation) Time() time.Time {
	return time.UnixMilli(op.Timestamp)
}

// Clone returns a copy that shares nothing mutable with op.
func (op *PendingOperation) Clone() *PendingOperation {
	c := *op
	c.Payload = op.Payload.Clone()
	return &c
}
