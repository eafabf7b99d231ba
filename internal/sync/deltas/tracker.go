// Package deltas tracks, per entity type, how many remote records changed
// since the local cache was last fully refreshed.
//
// The count is a coarse dirty bit: handlers skip a full refresh while it is
// zero and reset it to zero only after a refresh succeeded. The reset
// records when that refresh started reading; the poller asks the remote
// API for changes since then, so nothing committed during the fetch is
// missed.
package deltas

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/metrics"
)

// Tracker stores delta counts and refresh watermarks.
type Tracker interface {
	// EntityCount returns the delta for entityType, 0 if never set.
	EntityCount(ctx context.Context, entityType string) (int, error)
	// SetEntityCount overwrites the delta. Negative values are rejected.
	SetEntityCount(ctx context.Context, entityType string, n int) error
	// MarkRefreshed resets the delta to 0 after a full refresh that started
	// fetching at at. The watermark never moves backwards.
	MarkRefreshed(ctx context.Context, entityType string, at time.Time) error
	// Watermarks returns the refresh watermark of every entity type that
	// was ever refreshed.
	Watermarks(ctx context.Context) (map[string]time.Time, error)
}

func validate(entityType string, n int) error {
	if entityType == "" {
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "entity type is required")
	}
	if n < 0 {
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "delta count cannot be negative")
	}
	return nil
}

// =====================================================
// SQLite
// =====================================================

// SQLiteTracker persists deltas in the delta_counts table.
type SQLiteTracker struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteTracker creates a tracker on a migrated database.
func NewSQLiteTracker(db *sql.DB) *SQLiteTracker {
	return &SQLiteTracker{db: db, now: time.Now}
}

// EntityCount implements Tracker.
func (t *SQLiteTracker) EntityCount(ctx context.Context, entityType string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT count FROM delta_counts WHERE entity_type = ?`, entityType).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindStorage, apperrors.ErrDatabase, "failed to read delta count", err)
	}
	return n, nil
}

// SetEntityCount implements Tracker.
func (t *SQLiteTracker) SetEntityCount(ctx context.Context, entityType string, n int) error {
	if err := validate(entityType, n); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx, `INSERT INTO delta_counts (entity_type, count, synced_at, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(entity_type) DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at`,
		entityType, n, t.now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorage, apperrors.ErrDatabase, "failed to write delta count", err)
	}
	metrics.SetDeltaCount(entityType, n)
	return nil
}

// MarkRefreshed implements Tracker.
func (t *SQLiteTracker) MarkRefreshed(ctx context.Context, entityType string, at time.Time) error {
	if err := validate(entityType, 0); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx, `INSERT INTO delta_counts (entity_type, count, synced_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET count = 0,
			synced_at = MAX(synced_at, excluded.synced_at), updated_at = excluded.updated_at`,
		entityType, at.UnixMilli(), t.now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorage, apperrors.ErrDatabase, "failed to record refresh", err)
	}
	metrics.SetDeltaCount(entityType, 0)
	return nil
}

// Watermarks implements Tracker.
func (t *SQLiteTracker) Watermarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT entity_type, synced_at FROM delta_counts WHERE synced_at > 0`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, apperrors.ErrDatabase, "failed to read watermarks", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var entityType string
		var syncedAt int64
		if err := rows.Scan(&entityType, &syncedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.KindStorage, apperrors.ErrDatabase, "failed to scan watermark", err)
		}
		out[entityType] = time.UnixMilli(syncedAt)
	}
	return out, rows.Err()
}

// =====================================================
// Memory
// =====================================================

// MemoryTracker is a process-local Tracker.
type MemoryTracker struct {
	mu         sync.RWMutex
	counts     map[string]int
	watermarks map[string]time.Time
}

// NewMemoryTracker creates an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		counts:     make(map[string]int),
		watermarks: make(map[string]time.Time),
	}
}

// EntityCount implements Tracker.
func (t *MemoryTracker) EntityCount(_ context.Context, entityType string) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[entityType], nil
}

// SetEntityCount implements Tracker.
func (t *MemoryTracker) SetEntityCount(_ context.Context, entityType string, n int) error {
	if err := validate(entityType, n); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[entityType] = n
	metrics.SetDeltaCount(entityType, n)
	return nil
}

// MarkRefreshed implements Tracker.
func (t *MemoryTracker) MarkRefreshed(_ context.Context, entityType string, at time.Time) error {
	if err := validate(entityType, 0); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[entityType] = 0
	if at.After(t.watermarks[entityType]) {
		t.watermarks[entityType] = at
	}
	metrics.SetDeltaCount(entityType, 0)
	return nil
}

// Watermarks implements Tracker.
func (t *MemoryTracker) Watermarks(_ context.Context) (map[string]time.Time, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]time.Time, len(t.watermarks))
	for k, v := range t.watermarks {
		out[k] = v
	}
	return out, nil
}

var (
	_ Tracker = (*SQLiteTracker)(nil)
	_ Tracker = (*MemoryTracker)(nil)
)
