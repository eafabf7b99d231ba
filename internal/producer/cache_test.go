package producer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/fieldsync/backend/internal/db"
	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/models"
)

func openSQLiteCache(t *testing.T) *SQLiteCache {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate())
	return NewSQLiteCache(database.DB)
}

func TestCaches(t *testing.T) {
	caches := map[string]func(t *testing.T) Cache{
		"memory": func(*testing.T) Cache { return NewMemoryCache() },
		"sqlite": func(t *testing.T) Cache { return openSQLiteCache(t) },
	}

	for name, open := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := open(t)

			n, err := c.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			require.NoError(t, c.ReplaceAll(ctx, []models.Producer{
				{ID: "p-2", Name: "yao", Status: models.ProducerInactive, Code: "PR-002"},
				{ID: "p-1", Name: "Awa", Status: models.ProducerActive, Phone: "0700000000", Pending: true},
			}))

			list, err := c.List(ctx, ListOptions{})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "Awa", list[0].Name, "case-insensitive name order")
			assert.False(t, list[0].Pending, "pending is never cached")

			inactive, err := c.List(ctx, ListOptions{Status: models.ProducerInactive})
			require.NoError(t, err)
			require.Len(t, inactive, 1)
			assert.Equal(t, "p-2", inactive[0].ID)

			byCode, err := c.List(ctx, ListOptions{Search: "pr-002"})
			require.NoError(t, err)
			require.Len(t, byCode, 1)

			require.NoError(t, c.Put(ctx, models.Producer{ID: "p-1", Name: "Awa T", Status: models.ProducerInactive}))
			got, err := c.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.Equal(t, "Awa T", got.Name)

			require.NoError(t, c.ReplaceAll(ctx, []models.Producer{{ID: "p-3", Name: "New"}}))
			_, err = c.Get(ctx, "p-1")
			assert.True(t, apperrors.IsNotFound(err))

			n, err = c.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			assert.True(t, apperrors.IsKind(c.Put(ctx, models.Producer{Name: "no id"}), apperrors.KindValidation))
		})
	}
}
