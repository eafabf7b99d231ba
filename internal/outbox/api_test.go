package outbox

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func newTestRouter(f *fixture, onLogin func(context.Context) error) http.Handler {
	return NewRouter(APIConfig{
		Outbox:  f.service,
		Flusher: f.orch,
		Session: f.state,
		OnLogin: onLogin,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var res apiResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec, res
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind apperrors.Kind
		want int
	}{
		{apperrors.KindValidation, http.StatusBadRequest},
		{apperrors.KindNotFound, http.StatusNotFound},
		{apperrors.KindConflict, http.StatusConflict},
		{apperrors.KindAuth, http.StatusUnauthorized},
		{apperrors.KindOffline, http.StatusServiceUnavailable},
		{apperrors.KindTransient, http.StatusBadGateway},
		{apperrors.KindStorage, http.StatusInternalServerError},
		{apperrors.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.kind))
		})
	}
}

func TestAPIHealth(t *testing.T) {
	f := newFixture(t)
	rec, res := do(t, newTestRouter(f, nil), http.MethodGet, "/api/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, res.Success)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, false, data["online"])
	assert.Equal(t, true, data["signedIn"])
}

func TestAPIListOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, "p1", "u1", models.Payload{"name": "Awa"})
	failed := f.enqueue(t, "p2", "u1", models.Payload{"name": "Moussa"})
	f.enqueue(t, "p3", "u2", nil)
	_, err := f.store.MarkFailed(ctx, failed.ID, "boom")
	require.NoError(t, err)
	h := newTestRouter(f, nil)

	rec, res := do(t, h, http.MethodGet, "/api/outbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ops []models.PendingOperation
	require.NoError(t, json.Unmarshal(res.Data, &ops))
	assert.Len(t, ops, 2)

	rec, res = do(t, h, http.MethodGet, "/api/outbox?status=failed&entityType=producer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(res.Data, &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "p2", ops[0].EntityID)
	assert.Equal(t, "boom", ops[0].LastError)

	rec, res = do(t, h, http.MethodGet, "/api/outbox?entityType=location", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", string(res.Data))
}

func TestAPIListOutboxRejectsBadFilters(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f, nil)

	for _, path := range []string{"/api/outbox?status=done", "/api/outbox?operation=delete"} {
		rec, res := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.False(t, res.Success)
		assert.Equal(t, string(apperrors.ErrValidation), res.Code)
	}
}

func TestAPIListOutboxSignedOut(t *testing.T) {
	f := newFixture(t)
	f.state.SignOut()

	rec, res := do(t, newTestRouter(f, nil), http.MethodGet, "/api/outbox", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(apperrors.ErrSyncAuth), res.Code)
}

func TestAPIStats(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "p1", "u1", nil)

	rec, res := do(t, newTestRouter(f, nil), http.MethodGet, "/api/outbox/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(res.Data, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Pending)
}

func TestAPIDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "p1", "u1", nil)
	b := f.enqueue(t, "p2", "u1", nil)
	c := f.enqueue(t, "p3", "u1", nil)
	h := newTestRouter(f, nil)

	rec, res := do(t, h, http.MethodDelete, "/api/outbox/"+a.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":1}`, string(res.Data))

	rec, res = do(t, h, http.MethodPost, "/api/outbox/delete", map[string][]string{"ids": {b.ID, c.ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":2}`, string(res.Data))

	ops, err := f.store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ops)

	rec, _ = do(t, h, http.MethodPost, "/api/outbox/delete", map[string][]string{"ids": {}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRetryOffline(t *testing.T) {
	f := newFixture(t)
	op := f.enqueue(t, "p1", "u1", nil)

	rec, res := do(t, newTestRouter(f, nil), http.MethodPost, "/api/outbox/"+op.ID+"/retry", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, res.Success)
	assert.Equal(t, string(apperrors.ErrSyncOffline), res.Code)
	assert.Equal(t, "this action requires a network connection", res.Message)
}

func TestAPIRetry(t *testing.T) {
	f := newFixture(t)
	op := f.enqueue(t, "p1", "u1", nil)
	f.enqueue(t, "p2", "u1", nil)
	f.goOnline(t)
	h := newTestRouter(f, nil)

	rec, res := do(t, h, http.MethodPost, "/api/outbox/"+op.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result RetryResult
	require.NoError(t, json.Unmarshal(res.Data, &result))
	assert.Equal(t, 1, result.Replayed)

	rec, res = do(t, h, http.MethodPost, "/api/outbox/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(res.Data, &result))
	assert.True(t, result.Scheduled)

	f.idle(t)
	assert.Equal(t, []string{"p1", "p2"}, f.handler.Handled())
}

func TestAPIFlush(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "p1", "u1", nil)
	f.enqueue(t, "p2", "u2", nil)
	f.goOnline(t)

	rec, res := do(t, newTestRouter(f, nil), http.MethodPost, "/api/sync/flush", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"replayed":2,"failed":0,"superseded":0,"errors":0,"offline":false,"signedOut":false,"deferred":false}`, string(res.Data))
}

func TestAPIConnectivity(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f, nil)

	rec, res := do(t, h, http.MethodPost, "/api/connectivity", map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"online":true,"changed":true}`, string(res.Data))
	assert.True(t, f.state.IsOnline())

	rec, res = do(t, h, http.MethodPost, "/api/connectivity", map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"online":true,"changed":false}`, string(res.Data))

	rec, _ = do(t, h, http.MethodPost, "/api/connectivity", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPISession(t *testing.T) {
	f := newFixture(t)
	f.state.SignOut()

	var logins int
	h := newTestRouter(f, func(context.Context) error {
		logins++
		if logins > 1 {
			return errors.New("remote down")
		}
		return nil
	})

	rec, res := do(t, h, http.MethodPost, "/api/session", map[string]string{"userId": "u9", "token": "t"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"u9","refreshed":true}`, string(res.Data))
	assert.Equal(t, "u9", f.state.UserID())
	assert.Equal(t, "t", f.state.Token())

	rec, res = do(t, h, http.MethodPost, "/api/session", map[string]string{"userId": "u9", "token": "t"})
	require.Equal(t, http.StatusOK, rec.Code, "a failed login refresh does not fail sign-in")
	assert.JSONEq(t, `{"userId":"u9","refreshed":false}`, string(res.Data))

	rec, _ = do(t, h, http.MethodPost, "/api/session", map[string]string{"userId": "u9"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodDelete, "/api/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.state.UserID())
}

func TestAPIInvalidBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/connectivity", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	newTestRouter(f, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIMetricsRoute(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	newTestRouter(f, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestRecoveryMiddleware(t *testing.T) {
	f := newFixture(t)
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := TracingMiddleware(f.service.logger)(RecoveryMiddleware(f.service.logger)(panicking))

	req := httptest.NewRequest(http.MethodGet, "/explode", nil)
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, req) })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}
