// Package queue persists the pending operations that the sync orchestrator
// replays against the remote API.
//
// A store holds at most one operation per (entity id, user id). A second
// edit of the same entity merges into the queued operation instead of
// creating another one, so replay never sends stale intermediate states.
// Operations are listed in insertion order.
package queue

import (
	"context"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/ids"
	"github.com/agrilink/fieldsync/backend/internal/models"
)

// Store is the durable pending-operation store.
type Store interface {
	// Enqueue inserts op. It fails with ErrQueueDuplicate when an operation
	// for the same entity and user is already queued.
	Enqueue(ctx context.Context, op *models.PendingOperation) error

	// Upsert enqueues op, or merges op.Payload into the operation already
	// queued for the same entity and user. The stored operation is returned
	// with merged reporting which path was taken. The queued operation kind
	// is kept on merge, so an update after a create stays a create.
	Upsert(ctx context.Context, op *models.PendingOperation) (stored *models.PendingOperation, merged bool, err error)

	// FindByEntity returns the operation queued for entity and user.
	FindByEntity(ctx context.Context, entityID, userID string) (*models.PendingOperation, error)

	// MergePayload shallow-merges patch into the payload of operation id and
	// advances its timestamp.
	MergePayload(ctx context.Context, id string, patch models.Payload) (*models.PendingOperation, error)

	// Get returns operation id.
	Get(ctx context.Context, id string) (*models.PendingOperation, error)

	// Remove deletes operation id. Removing a missing operation is not an error.
	Remove(ctx context.Context, id string) error

	// RemoveIfUnchanged deletes operation id only if its timestamp still
	// equals timestamp. It reports whether the row was removed.
	RemoveIfUnchanged(ctx context.Context, id string, timestamp int64) (bool, error)

	// Rebase changes the kind of operation id, keeping its payload,
	// timestamp and queue position. A create confirmed by the server while
	// a newer edit was merged into it is rebased to an update.
	Rebase(ctx context.Context, id string, kind models.OperationKind) (*models.PendingOperation, error)

	// MarkFailed increments the retry counter of operation id and records
	// reason as its last error.
	MarkFailed(ctx context.Context, id string, reason string) (*models.PendingOperation, error)

	// ListByUser returns the operations of userID in insertion order.
	ListByUser(ctx context.Context, userID string) ([]*models.PendingOperation, error)

	// List returns the operations matching filter in insertion order.
	List(ctx context.Context, filter ListFilter) ([]*models.PendingOperation, error)

	// Users returns every user with at least one queued operation, ordered
	// by their oldest operation.
	Users(ctx context.Context) ([]string, error)

	// Stats summarizes the queue.
	Stats(ctx context.Context) (Stats, error)
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	UserID     string
	EntityType string
	Operation  models.OperationKind
	Status     models.OperationStatus
	// Search fuzzy-matches the entity id and the string values of the payload.
	Search string
}

// Builder converts the filter into the composable form used by both stores.
func (f ListFilter) Builder() *FilterBuilder {
	b := NewFilterBuilder()
	if f.UserID != "" {
		b.Add(UserFilter{UserID: f.UserID})
	}
	if f.EntityType != "" {
		b.Add(EntityTypeFilter{EntityType: f.EntityType})
	}
	if f.Operation != "" {
		b.Add(OperationFilter{Operation: f.Operation})
	}
	if f.Status != "" {
		b.Add(StatusFilter{Status: f.Status})
	}
	if f.Search != "" {
		b.Add(SearchFilter{Query: f.Search})
	}
	return b
}

// Stats summarizes the operations currently queued.
type Stats struct {
	Total        int            `json:"total"`
	Pending      int            `json:"pending"`
	Failed       int            `json:"failed"`
	Users        int            `json:"users"`
	ByEntityType map[string]int `json:"byEntityType"`
	// OldestTimestamp is the smallest operation timestamp in Unix ms, 0 when empty.
	OldestTimestamp int64 `json:"oldestTimestamp"`
}

func computeStats(ops []*models.PendingOperation) Stats {
	stats := Stats{ByEntityType: make(map[string]int)}
	users := make(map[string]struct{})
	for _, op := range ops {
		stats.Total++
		switch op.Status() {
		case models.StatusFailed:
			stats.Failed++
		default:
			stats.Pending++
		}
		stats.ByEntityType[op.EntityType]++
		users[op.UserID] = struct{}{}
		if stats.OldestTimestamp == 0 || op.Timestamp < stats.OldestTimestamp {
			stats.OldestTimestamp = op.Timestamp
		}
	}
	stats.Users = len(users)
	return stats
}

// nextTimestamp returns a merge timestamp strictly greater than prev so a
// concurrent replay can detect the change.
func nextTimestamp(now, prev int64) int64 {
	if now <= prev {
		return prev + 1
	}
	return now
}

// prepare validates op and fills the fields a store assigns on insert.
func prepare(op *models.PendingOperation, nowMs int64) error {
	switch {
	case op == nil:
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "operation is nil")
	case op.EntityID == "":
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "entity id is required")
	case op.UserID == "":
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "user id is required")
	case op.EntityType == "":
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "entity type is required")
	case op.Operation == "":
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "operation kind is required")
	}
	if op.ID == "" {
		op.ID = ids.NewOperationID()
	}
	if op.Payload == nil {
		op.Payload = models.Payload{}
	}
	if op.Timestamp == 0 {
		op.Timestamp = nowMs
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = nowMs
	}
	return nil
}

func notFound(id string) error {
	return apperrors.New(apperrors.KindNotFound, apperrors.ErrNotFound, "pending operation "+id+" not found")
}

func invalidKind(kind models.OperationKind) error {
	return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "unknown operation kind "+string(kind))
}

func duplicate(op *models.PendingOperation) error {
	return apperrors.New(apperrors.KindConflict, apperrors.ErrQueueDuplicate,
		"operation already queued for entity "+op.EntityID+" and user "+op.UserID)
}
