// Package sync replays queued mutations against the remote API.
//
// The Orchestrator owns the pending-operation store. Features register a
// Handler per entity type; the orchestrator walks each user's queue in
// insertion order, dispatches every operation to its handler and applies
// the retry policy. A failing operation stays queued with its retry counter
// incremented and never blocks the operations behind it.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agrilink/fieldsync/backend/internal/models"
)

// Handler turns queued operations of one entity type into remote calls.
type Handler interface {
	// EntityType is the dispatch tag matched against PendingOperation.EntityType.
	EntityType() string

	// Handle performs the remote call for op. Any failure must be returned.
	Handle(ctx context.Context, op *models.PendingOperation) error

	// OnSuccess runs after op was confirmed and removed from the queue.
	OnSuccess(ctx context.Context, entityType string, kind models.OperationKind, entityID string)

	// OnError runs after a failed replay; the operation is still queued with
	// its retry counter already incremented.
	OnError(ctx context.Context, entityType string, kind models.OperationKind, err error, entityID string) error
}

// LoginSyncer is implemented by handlers that keep a read cache. It runs
// after sign-in and on every poll tick.
type LoginSyncer interface {
	SyncOnLogin(ctx context.Context) error
}

// Registry maps entity types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry holding handlers.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds h. Registering two handlers for one type is an error.
func (r *Registry) Register(h Handler) error {
	if h == nil || h.EntityType() == "" {
		return fmt.Errorf("handler must declare an entity type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.EntityType()]; exists {
		return fmt.Errorf("handler for entity type %q already registered", h.EntityType())
	}
	r.handlers[h.EntityType()] = h
	return nil
}

// Lookup returns the handler for entityType.
func (r *Registry) Lookup(entityType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[entityType]
	return h, ok
}

// EntityTypes returns the registered types in lexical order.
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// LoginSyncers returns the handlers implementing LoginSyncer keyed by entity type.
func (r *Registry) LoginSyncers() map[string]LoginSyncer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]LoginSyncer)
	for t, h := range r.handlers {
		if ls, ok := h.(LoginSyncer); ok {
			out[t] = ls
		}
	}
	return out
}
