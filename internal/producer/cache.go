package producer

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lithammer/fuzzysearch/fuzzy"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/models"
)

// ListOptions narrows a cache listing. Zero fields match everything.
type ListOptions struct {
	Status models.ProducerStatus
	// Search fuzzy-matches name, code and phone.
	Search string
}

func (o ListOptions) match(p *models.Producer) bool {
	if o.Status != "" && p.Status != o.Status {
		return false
	}
	if o.Search == "" {
		return true
	}
	for _, field := range []string{p.Name, p.Code, p.Phone} {
		if field != "" && fuzzy.MatchNormalizedFold(o.Search, field) {
			return true
		}
	}
	return false
}

// Cache is the read-side copy of the remote producer list.
type Cache interface {
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (*models.Producer, error)
	List(ctx context.Context, opts ListOptions) ([]models.Producer, error)
	Put(ctx context.Context, p models.Producer) error
	// ReplaceAll swaps the whole cache content atomically.
	ReplaceAll(ctx context.Context, producers []models.Producer) error
}

func notFound(id string) error {
	return apperrors.New(apperrors.KindNotFound, apperrors.ErrNotFound, "producer "+id+" not found")
}

func storageErr(msg string, err error) error {
	return apperrors.Wrap(apperrors.KindStorage, apperrors.ErrDatabase, msg, err)
}

// =====================================================
// SQLite
// =====================================================

// SQLiteCache stores producers in the producers table as JSON documents.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache creates a cache on a migrated database.
func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

// Count implements Cache.
func (c *SQLiteCache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM producers`).Scan(&n); err != nil {
		return 0, storageErr("failed to count producers", err)
	}
	return n, nil
}

// Get implements Cache.
func (c *SQLiteCache) Get(ctx context.Context, id string) (*models.Producer, error) {
	var data string
	err := c.db.QueryRowContext(ctx, `SELECT data FROM producers WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr("failed to read producer", err)
	}

	var p models.Producer
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, storageErr("corrupt producer "+id, err)
	}
	return &p, nil
}

// List implements Cache. Producers are ordered by name.
func (c *SQLiteCache) List(ctx context.Context, opts ListOptions) ([]models.Producer, error) {
	query := `SELECT data FROM producers`
	var args []interface{}
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY name COLLATE NOCASE, id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to list producers", err)
	}
	defer rows.Close()

	var out []models.Producer
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storageErr("failed to scan producer", err)
		}
		var p models.Producer
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, storageErr("corrupt producer row", err)
		}
		if opts.match(&p) {
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list producers", err)
	}
	return out, nil
}

// Put implements Cache.
func (c *SQLiteCache) Put(ctx context.Context, p models.Producer) error {
	return put(ctx, c.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func put(ctx context.Context, db execer, p models.Producer) error {
	if p.ID == "" {
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "producer id is required")
	}
	p.Pending = false
	data, err := json.Marshal(p)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, apperrors.ErrInternal, "failed to encode producer", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO producers (id, name, status, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, string(p.Status), string(data), time.Now().UnixMilli())
	if err != nil {
		return storageErr("failed to store producer", err)
	}
	return nil
}

// ReplaceAll implements Cache.
func (c *SQLiteCache) ReplaceAll(ctx context.Context, producers []models.Producer) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM producers`); err != nil {
		return storageErr("failed to clear producers", err)
	}
	for _, p := range producers {
		if err := put(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit producers", err)
	}
	return nil
}

// =====================================================
// Memory
// =====================================================

// MemoryCache is an in-memory Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]models.Producer
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]models.Producer)}
}

// Count implements Cache.
func (c *MemoryCache) Count(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items), nil
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, id string) (*models.Producer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.items[id]
	if !ok {
		return nil, notFound(id)
	}
	return &p, nil
}

// List implements Cache.
func (c *MemoryCache) List(_ context.Context, opts ListOptions) ([]models.Producer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Producer
	for _, p := range c.items {
		if opts.match(&p) {
			out = append(out, p)
		}
	}
	sortByName(out)
	return out, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(_ context.Context, p models.Producer) error {
	if p.ID == "" {
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "producer id is required")
	}
	p.Pending = false
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[p.ID] = p
	return nil
}

// ReplaceAll implements Cache.
func (c *MemoryCache) ReplaceAll(_ context.Context, producers []models.Producer) error {
	items := make(map[string]models.Producer, len(producers))
	for _, p := range producers {
		p.Pending = false
		items[p.ID] = p
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	return nil
}

func sortByName(ps []models.Producer) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := strings.ToLower(ps[i].Name), strings.ToLower(ps[j].Name)
		if a != b {
			return a < b
		}
		return ps[i].ID < ps[j].ID
	})
}

var (
	_ Cache = (*SQLiteCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
