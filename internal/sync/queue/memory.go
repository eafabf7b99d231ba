package queue

import (
	"context"
	"sync"
	"time"

	"github.com/agrilink/fieldsync/backend/internal/models"
)

type entityKey struct {
	entityID string
	userID   string
}

// MemoryStore is a process-local Store used by tests and by callers that
// do not need durability.
type MemoryStore struct {
	mu       sync.RWMutex
	order    []string
	items    map[string]*models.PendingOperation
	byEntity map[entityKey]string
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]*models.PendingOperation),
		byEntity: make(map[entityKey]string),
		now:      time.Now,
	}
}

func (s *MemoryStore) insertLocked(op *models.PendingOperation) {
	stored := op.Clone()
	s.items[stored.ID] = stored
	s.byEntity[entityKey{stored.EntityID, stored.UserID}] = stored.ID
	s.order = append(s.order, stored.ID)
}

func (s *MemoryStore) mergeLocked(current *models.PendingOperation, patch models.Payload) *models.PendingOperation {
	current.Payload = current.Payload.Merge(patch)
	current.Timestamp = nextTimestamp(s.now().UnixMilli(), current.Timestamp)
	return current.Clone()
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, op *models.PendingOperation) error {
	if err := prepare(op, s.now().UnixMilli()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEntity[entityKey{op.EntityID, op.UserID}]; ok {
		return duplicate(op)
	}
	if _, ok := s.items[op.ID]; ok {
		return duplicate(op)
	}
	s.insertLocked(op)
	return nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, op *models.PendingOperation) (*models.PendingOperation, bool, error) {
	if err := prepare(op, s.now().UnixMilli()); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEntity[entityKey{op.EntityID, op.UserID}]; ok {
		return s.mergeLocked(s.items[id], op.Payload), true, nil
	}
	s.insertLocked(op)
	return op.Clone(), false, nil
}

// FindByEntity implements Store.
func (s *MemoryStore) FindByEntity(_ context.Context, entityID, userID string) (*models.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEntity[entityKey{entityID, userID}]
	if !ok {
		return nil, notFound(entityID)
	}
	return s.items[id].Clone(), nil
}

// MergePayload implements Store.
func (s *MemoryStore) MergePayload(_ context.Context, id string, patch models.Payload) (*models.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return nil, notFound(id)
	}
	return s.mergeLocked(current, patch), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.items[id]
	if !ok {
		return nil, notFound(id)
	}
	return op.Clone(), nil
}

func (s *MemoryStore) removeLocked(id string) {
	op, ok := s.items[id]
	if !ok {
		return
	}
	delete(s.items, id)
	delete(s.byEntity, entityKey{op.EntityID, op.UserID})
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

// RemoveIfUnchanged implements Store.
func (s *MemoryStore) RemoveIfUnchanged(_ context.Context, id string, timestamp int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.items[id]
	if !ok || op.Timestamp != timestamp {
		return false, nil
	}
	s.removeLocked(id)
	return true, nil
}

// Rebase implements Store.
func (s *MemoryStore) Rebase(_ context.Context, id string, kind models.OperationKind) (*models.PendingOperation, error) {
	if !kind.Valid() {
		return nil, invalidKind(kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.items[id]
	if !ok {
		return nil, notFound(id)
	}
	op.Operation = kind
	return op.Clone(), nil
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(_ context.Context, id string, reason string) (*models.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.items[id]
	if !ok {
		return nil, notFound(id)
	}
	op.Retries++
	op.LastError = reason
	return op.Clone(), nil
}

// ListByUser implements Store.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*models.PendingOperation, error) {
	return s.List(ctx, ListFilter{UserID: userID})
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*models.PendingOperation, error) {
	builder := filter.Builder()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ops []*models.PendingOperation
	for _, id := range s.order {
		op := s.items[id]
		if builder.Match(op) {
			ops = append(ops, op.Clone())
		}
	}
	return ops, nil
}

// Users implements Store.
func (s *MemoryStore) Users(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var users []string
	for _, id := range s.order {
		u := s.items[id].UserID
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		users = append(users, u)
	}
	return users, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	ops, err := s.List(ctx, ListFilter{})
	if err != nil {
		return Stats{}, err
	}
	return computeStats(ops), nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
