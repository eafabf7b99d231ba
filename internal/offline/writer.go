// Package offline is the write side shared by every entity that supports
// offline mutation.
//
// Creates and updates never call the remote API directly. They land in the
// pending-operation store and the orchestrator replays them, so losing the
// network mid-request degrades into the offline path instead of failing.
package offline

import (
	"context"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/ids"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/notify"
	"github.com/agrilink/fieldsync/backend/internal/session"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
)

// Scheduler is the part of the orchestrator the write side needs.
type Scheduler interface {
	Store() queue.Store
	QueueOperation(ctx context.Context, op *models.PendingOperation, userID string) (*models.PendingOperation, error)
	UpsertOperation(ctx context.Context, op *models.PendingOperation, userID string) (*models.PendingOperation, bool, error)
}

// Writer queues creates and updates for one entity type.
type Writer struct {
	entityType string
	sched      Scheduler
	session    session.Provider
	notifier   notify.Notifier
}

// NewWriter creates a Writer for entityType.
func NewWriter(entityType string, sched Scheduler, sess session.Provider, notifier notify.Notifier) *Writer {
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Writer{
		entityType: entityType,
		sched:      sched,
		session:    sess,
		notifier:   notifier,
	}
}

// Create queues a create under a freshly generated entity id. The id is
// written into the payload so every replay sends the same identifier.
func (w *Writer) Create(ctx context.Context, payload models.Payload) (*models.PendingOperation, error) {
	userID := w.session.UserID()
	if userID == "" {
		return nil, apperrors.New(apperrors.KindAuth, apperrors.ErrSyncAuth, "sign in before creating records")
	}

	entityID := ids.NewEntityID()
	data := payload.Clone()
	data["id"] = entityID

	op, err := w.sched.QueueOperation(ctx, &models.PendingOperation{
		EntityID:   entityID,
		EntityType: w.entityType,
		Operation:  models.OperationCreate,
		Payload:    data,
	}, userID)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Update merges patch into the operation already queued for entityID, or
// queues a new update. Online or offline, the write goes through the queue.
func (w *Writer) Update(ctx context.Context, entityID string, patch models.Payload) (*models.PendingOperation, error) {
	userID := w.session.UserID()
	if userID == "" {
		return nil, apperrors.New(apperrors.KindAuth, apperrors.ErrSyncAuth, "sign in before editing records")
	}
	if entityID == "" {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "entity id is required")
	}

	op, merged, err := w.sched.UpsertOperation(ctx, &models.PendingOperation{
		EntityID:   entityID,
		EntityType: w.entityType,
		Operation:  models.OperationUpdate,
		Payload:    patch.Clone(),
	}, userID)
	if err != nil {
		return nil, err
	}
	if merged {
		w.notifier.OutboxChanged(userID)
	}
	return op, nil
}

// RequireOnline fails with KindOffline when conn reports offline. It guards
// transitions that must never be queued.
func RequireOnline(conn interface{ IsOnline() bool }, action string) error {
	if conn == nil || conn.IsOnline() {
		return nil
	}
	return apperrors.New(apperrors.KindOffline, apperrors.ErrSyncOffline, action+" requires a network connection")
}
