package offline

import (
	"context"
	"fmt"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/notify"
	"github.com/agrilink/fieldsync/backend/internal/session"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
)

// DefaultNotifyThreshold is the number of failed replays of one operation
// that are reported to the user. Later failures stay silent in the outbox.
const DefaultNotifyThreshold = 2

// Describer names the record carried by a payload, e.g. "producer Kouassi".
type Describer func(payload models.Payload) string

// Notices renders replay outcomes for one entity type.
type Notices struct {
	label     string
	store     queue.Store
	notifier  notify.Notifier
	threshold int
	describe  Describer
}

// NewNotices creates the notices for an entity labelled label.
func NewNotices(label string, store queue.Store, notifier notify.Notifier, threshold int, describe Describer) *Notices {
	if notifier == nil {
		notifier = notify.Discard
	}
	if threshold <= 0 {
		threshold = DefaultNotifyThreshold
	}
	return &Notices{
		label:     label,
		store:     store,
		notifier:  notifier,
		threshold: threshold,
		describe:  describe,
	}
}

// Succeeded reports a confirmed operation.
func (n *Notices) Succeeded(ctx context.Context, kind models.OperationKind) {
	verb := "updated"
	if kind == models.OperationCreate {
		verb = "created"
	}
	n.notifier.Toast(notify.LevelSuccess, fmt.Sprintf("%s %s on the server", n.label, verb))
	n.notifier.OutboxChanged(session.UserFromContext(ctx))
}

// Failed reports a failed replay while the operation's retry count is
// within the threshold. The still-queued operation supplies the record
// description. It returns the lookup error, if any.
func (n *Notices) Failed(ctx context.Context, kind models.OperationKind, cause error, entityID string) error {
	userID := session.UserFromContext(ctx)
	n.notifier.OutboxChanged(userID)

	op, err := n.store.FindByEntity(ctx, entityID, userID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		n.notifier.Toast(notify.LevelError, n.message(kind, cause, nil))
		return err
	}
	if op.Retries > n.threshold {
		return nil
	}

	n.notifier.Toast(notify.LevelError, n.message(kind, cause, op.Payload))
	return nil
}

func (n *Notices) message(kind models.OperationKind, cause error, payload models.Payload) string {
	subject := n.label
	if n.describe != nil && payload != nil {
		if d := n.describe(payload); d != "" {
			subject = d
		}
	}

	action := "update"
	if kind == models.OperationCreate {
		action = "create"
	}
	return fmt.Sprintf("Could not %s %s: %s", action, subject, apperrors.UserMessage(cause))
}
