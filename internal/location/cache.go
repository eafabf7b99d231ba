package location

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/models"
)

// Cache holds the location tree with derived basin membership.
type Cache interface {
	Count(ctx context.Context) (int, error)
	All(ctx context.Context) ([]models.Location, error)
	Get(ctx context.Context, code string) (*models.Location, error)
	Children(ctx context.Context, parentCode string) ([]models.Location, error)
	ReplaceAll(ctx context.Context, locations []models.Location) error
}

func notFound(code string) error {
	return apperrors.New(apperrors.KindNotFound, apperrors.ErrNotFound, "location "+code+" not found")
}

func storageErr(msg string, err error) error {
	return apperrors.Wrap(apperrors.KindStorage, apperrors.ErrDatabase, msg, err)
}

// SQLiteCache stores locations in the locations table.
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
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&n); err != nil {
		return 0, storageErr("failed to count locations", err)
	}
	return n, nil
}

// All implements Cache. Locations come back in refresh order.
func (c *SQLiteCache) All(ctx context.Context) ([]models.Location, error) {
	return c.query(ctx, `SELECT data FROM locations ORDER BY rowid`)
}

// Children implements Cache.
func (c *SQLiteCache) Children(ctx context.Context, parentCode string) ([]models.Location, error) {
	return c.query(ctx, `SELECT data FROM locations WHERE parent_code = ? ORDER BY code`, parentCode)
}

// Get implements Cache.
func (c *SQLiteCache) Get(ctx context.Context, code string) (*models.Location, error) {
	list, err := c.query(ctx, `SELECT data FROM locations WHERE code = ?`, code)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, notFound(code)
	}
	return &list[0], nil
}

func (c *SQLiteCache) query(ctx context.Context, query string, args ...interface{}) ([]models.Location, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to query locations", err)
	}
	defer rows.Close()

	var out []models.Location
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storageErr("failed to scan location", err)
		}
		var loc models.Location
		if err := json.Unmarshal([]byte(data), &loc); err != nil {
			return nil, storageErr("corrupt location row", err)
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to query locations", err)
	}
	return out, nil
}

// ReplaceAll implements Cache.
func (c *SQLiteCache) ReplaceAll(ctx context.Context, locations []models.Location) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locations`); err != nil {
		return storageErr("failed to clear locations", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO locations (code, type, parent_code, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO NOTHING`)
	if err != nil {
		return storageErr("failed to prepare insert", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, loc := range locations {
		loc.Pending = false
		data, err := json.Marshal(loc)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, apperrors.ErrInternal, "failed to encode location", err)
		}
		if _, err := stmt.ExecContext(ctx, loc.Code, string(loc.Type), loc.ParentCode, string(data), now); err != nil {
			return storageErr("failed to store location "+loc.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit locations", err)
	}
	return nil
}

// MemoryCache is an in-memory Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items []models.Location
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Count implements Cache.
func (c *MemoryCache) Count(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items), nil
}

// All implements Cache.
func (c *MemoryCache) All(context.Context) ([]models.Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Location(nil), c.items...), nil
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, code string) (*models.Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.items {
		if c.items[i].Code == code {
			loc := c.items[i]
			return &loc, nil
		}
	}
	return nil, notFound(code)
}

// Children implements Cache.
func (c *MemoryCache) Children(_ context.Context, parentCode string) ([]models.Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Location
	for _, loc := range c.items {
		if loc.ParentCode == parentCode {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// ReplaceAll implements Cache. Duplicate codes keep their first occurrence.
func (c *MemoryCache) ReplaceAll(_ context.Context, locations []models.Location) error {
	seen := make(map[string]bool, len(locations))
	items := make([]models.Location, 0, len(locations))
	for _, loc := range locations {
		if seen[loc.Code] {
			continue
		}
		seen[loc.Code] = true
		loc.Pending = false
		items = append(items, loc)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	return nil
}

var (
	_ Cache = (*SQLiteCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
