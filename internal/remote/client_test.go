package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/session"
)

type staticCreds struct {
	user   string
	token  string
	online bool
}

func (s staticCreds) Session() (string, string) { return s.user, s.token }
func (s staticCreds) IsOnline() bool            { return s.online }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/api", PageLimit: 2}, staticCreds{user: "u1", token: "tok", online: true})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}

func TestClient_PostSendsBearerAndBody(t *testing.T) {
	var gotAuth, gotRequestID, gotPath string
	var gotBody map[string]any

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"data":    map[string]any{"id": "p-1", "name": "Kouassi"},
		})
	})

	var out models.Producer
	err := c.Post(context.Background(), "/producers", map[string]any{"id": "p-1", "name": "Kouassi"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.NotEmpty(t, gotRequestID)
	assert.Equal(t, "/api/producers", gotPath)
	assert.Equal(t, "p-1", gotBody["id"])
	assert.Equal(t, "Kouassi", out.Name)
}

func TestClient_MissingTokenFailsBeforeCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL}, staticCreds{online: true})
	require.NoError(t, err)

	err = c.Get(context.Background(), "/producers", nil, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	assert.Zero(t, calls.Load())
}

func TestClient_RefusesAnotherUsersRequest(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})

	ctx := session.WithUser(context.Background(), "u2")
	err := c.Post(ctx, "/producers", map[string]any{"id": "p-1"}, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuth))
	assert.Zero(t, calls.Load(), "nothing is sent under u1's token")

	ctx = session.WithUser(context.Background(), "u1")
	require.NoError(t, c.Post(ctx, "/producers", map[string]any{"id": "p-1"}, nil))
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_OfflineFailsBeforeCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL}, staticCreds{token: "tok"})
	require.NoError(t, err)

	err = c.Get(context.Background(), "/producers", nil, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindOffline))
	assert.Zero(t, calls.Load())
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   apperrors.Kind
		msg    string
	}{
		{"bad request", http.StatusBadRequest, map[string]any{"message": "phone is invalid"}, apperrors.KindValidation, "phone is invalid"},
		{"unprocessable", http.StatusUnprocessableEntity, map[string]any{"message": "name required"}, apperrors.KindValidation, "name required"},
		{"unauthorized", http.StatusUnauthorized, nil, apperrors.KindAuth, ""},
		{"forbidden", http.StatusForbidden, nil, apperrors.KindAuth, ""},
		{"not found", http.StatusNotFound, nil, apperrors.KindNotFound, ""},
		{"conflict keeps server message", http.StatusConflict, map[string]any{"message": "code PR-001 already exists"}, apperrors.KindConflict, "code PR-001 already exists"},
		{"server error", http.StatusInternalServerError, nil, apperrors.KindTransient, ""},
		{"bad gateway", http.StatusBadGateway, nil, apperrors.KindTransient, ""},
		{"rate limited", http.StatusTooManyRequests, nil, apperrors.KindTransient, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			err := c.Put(context.Background(), "/producers/p-1", map[string]any{"name": "x"}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.KindOf(err))
			if tt.msg != "" {
				assert.Equal(t, tt.msg, apperrors.UserMessage(err))
			}
		})
	}
}

func TestClient_SuccessFalseIsConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "producer is already inactive"})
	})

	err := c.Patch(context.Background(), "/producers/p-1/deactivate", nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncConflict))
	assert.Equal(t, "producer is already inactive", apperrors.UserMessage(err))
}

func TestClient_MalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>proxy login</html>"))
	})

	err := c.Get(context.Background(), "/producers", nil, &[]models.Producer{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteInvalid))
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransient))
}

func TestClient_EmptyBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, c.Patch(context.Background(), "/producers/p-1/activate", nil, nil))
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, staticCreds{token: "tok", online: true})
	require.NoError(t, err)

	err = c.Get(context.Background(), "/slow", nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransient))
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url}, staticCreds{token: "tok", online: true})
	require.NoError(t, err)

	err = c.Get(context.Background(), "/producers", nil, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransient))
}

func TestFetchAll_FollowsPages(t *testing.T) {
	all := []models.Producer{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}, {ID: "5"}}
	var requests atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		start := (page - 1) * limit
		end := min(start+limit, len(all))
		writeJSON(w, http.StatusOK, map[string]any{
			"data": all[start:end],
			"meta": models.PaginationMeta{Page: page, Limit: limit, Total: len(all), TotalPages: 3},
		})
	})

	got, err := FetchAll[models.Producer](context.Background(), c, "/producers")
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, "5", got[4].ID)
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchAll_UnpaginatedEndpoint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    []models.Location{{Code: "R1"}, {Code: "D1"}, {Code: "A1"}},
		})
	})

	got, err := FetchAll[models.Location](context.Background(), c, "/locations")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestFetchAll_ErrorStopsWalk(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusServiceUnavailable, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []models.Producer{{ID: "1"}, {ID: "2"}},
			"meta": models.PaginationMeta{Page: 1, Limit: 2, Total: 4, TotalPages: 2},
		})
	})

	got, err := FetchAll[models.Producer](context.Background(), c, "/producers")
	assert.Nil(t, got)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransient))
}
