// Package outbox is the user-facing view of the pending-operation queue:
// list and filter queued operations, delete them, and force a retry.
package outbox

import (
	"context"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/logging"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/notify"
	"github.com/agrilink/fieldsync/backend/internal/sync"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
)

// Orchestrator is the part of the sync orchestrator the outbox drives.
type Orchestrator interface {
	Store() queue.Store
	TriggerSyncFor(userID string)
	RetryOperation(ctx context.Context, id string) (sync.Result, error)
}

// Service exposes the queue to one signed-in user at a time.
type Service struct {
	orch     Orchestrator
	notifier notify.Notifier
	logger   *logging.Logger
}

// NewService creates an outbox Service.
func NewService(orch Orchestrator, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Service{
		orch:     orch,
		notifier: notifier,
		logger:   logging.Get().Named("outbox"),
	}
}

func requireUser(userID string) error {
	if userID == "" {
		return apperrors.New(apperrors.KindAuth, apperrors.ErrSyncAuth, "no signed-in user")
	}
	return nil
}

// List returns the operations of userID matching filter, oldest first.
func (s *Service) List(ctx context.Context, userID string, filter queue.ListFilter) ([]*models.PendingOperation, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	filter.UserID = userID
	return s.orch.Store().List(ctx, filter)
}

// Stats summarizes the operations of userID.
func (s *Service) Stats(ctx context.Context, userID string) (queue.Stats, error) {
	ops, err := s.List(ctx, userID, queue.ListFilter{})
	if err != nil {
		return queue.Stats{}, err
	}

	stats := queue.Stats{ByEntityType: make(map[string]int)}
	for _, op := range ops {
		stats.Total++
		if op.Status() == models.StatusFailed {
			stats.Failed++
		} else {
			stats.Pending++
		}
		stats.ByEntityType[op.EntityType]++
		if stats.OldestTimestamp == 0 || op.Timestamp < stats.OldestTimestamp {
			stats.OldestTimestamp = op.Timestamp
		}
	}
	if stats.Total > 0 {
		stats.Users = 1
	}
	return stats, nil
}

// Delete removes the given operations of userID. Ids that are missing or
// belong to another user are skipped. It returns how many were removed.
func (s *Service) Delete(ctx context.Context, userID string, ids []string) (int, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}

	store := s.orch.Store()
	removed := 0
	for _, id := range ids {
		op, err := store.Get(ctx, id)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if op.UserID != userID {
			continue
		}
		if err := store.Remove(ctx, id); err != nil {
			return removed, err
		}
		removed++
		s.logger.Info("Operation discarded from outbox", map[string]interface{}{
			"op_id":       id,
			"entity_type": op.EntityType,
			"entity_id":   op.EntityID,
			"retries":     op.Retries,
		})
	}

	if removed > 0 {
		s.notifier.OutboxChanged(userID)
	}
	return removed, nil
}

// RetryResult reports a bulk retry.
type RetryResult struct {
	sync.Result
	// Scheduled is set when the whole queue was handed to a background flush.
	Scheduled bool `json:"scheduled"`
}

// Retry forces a replay of the given operations of userID, in the given
// order. With no ids the user's whole queue is scheduled for a flush.
func (s *Service) Retry(ctx context.Context, userID string, ids []string) (RetryResult, error) {
	if err := requireUser(userID); err != nil {
		return RetryResult{}, err
	}
	if len(ids) == 0 {
		s.orch.TriggerSyncFor(userID)
		return RetryResult{Scheduled: true}, nil
	}

	var out RetryResult
	store := s.orch.Store()
	for _, id := range ids {
		op, err := store.Get(ctx, id)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return out, err
		}
		if op.UserID != userID {
			continue
		}

		res, err := s.orch.RetryOperation(ctx, id)
		addResult(&out.Result, res)
		if apperrors.IsKind(err, apperrors.KindOffline) {
			return out, err
		}
		if err != nil && !apperrors.IsNotFound(err) {
			return out, err
		}
	}

	s.notifier.OutboxChanged(userID)
	return out, nil
}

func addResult(dst *sync.Result, r sync.Result) {
	dst.Replayed += r.Replayed
	dst.Failed += r.Failed
	dst.Superseded += r.Superseded
	dst.Errors += r.Errors
	dst.Offline = dst.Offline || r.Offline
	dst.Deferred = dst.Deferred || r.Deferred
}
