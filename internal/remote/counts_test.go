package remote

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountsSource_ChangedCounts(t *testing.T) {
	var body changeCountsRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api"+ChangeCountsPath, r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]int{"producer": 3, "location": 0},
		})
	})

	since := map[string]time.Time{
		"producer": time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		"location": time.Unix(0, 0),
	}
	counts, err := NewCountsSource(c).ChangedCounts(context.Background(), since)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"producer": 3, "location": 0}, counts)
	assert.Equal(t, "2026-03-01T12:00:00Z", body.Since["producer"])
	assert.Equal(t, "1970-01-01T00:00:00Z", body.Since["location"])
}

func TestCountsSource_PropagatesErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "expired"})
	})

	_, err := NewCountsSource(c).ChangedCounts(context.Background(), map[string]time.Time{})
	assert.Error(t, err)
}
