package outbox

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/notify"
	"github.com/agrilink/fieldsync/backend/internal/session"
	"github.com/agrilink/fieldsync/backend/internal/sync"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
)

var errRemoteDown = errors.New("remote down")

// stubHandler accepts or rejects every replay depending on fail.
type stubHandler struct {
	mu      gosync.Mutex
	fail    bool
	handled []string
}

func (h *stubHandler) EntityType() string { return "producer" }

func (h *stubHandler) Handle(_ context.Context, op *models.PendingOperation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, op.EntityID)
	if h.fail {
		return errRemoteDown
	}
	return nil
}

func (h *stubHandler) OnSuccess(context.Context, string, models.OperationKind, string) {}

func (h *stubHandler) OnError(context.Context, string, models.OperationKind, error, string) error {
	return nil
}

func (h *stubHandler) setFail(fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = fail
}

func (h *stubHandler) Handled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled...)
}

type fixture struct {
	state    *session.State
	store    *queue.MemoryStore
	orch     *sync.Orchestrator
	handler  *stubHandler
	recorder *notify.Recorder
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	state := session.NewState(false)
	state.SignIn("u1", "token")

	handler := &stubHandler{}
	registry, err := sync.NewRegistry(handler)
	require.NoError(t, err)

	store := queue.NewMemoryStore()
	cfg := sync.DefaultConfig()
	cfg.HandleTimeout = time.Second
	orch := sync.NewOrchestrator(store, registry, cfg, sync.WithConnectivity(state))
	t.Cleanup(orch.Close)

	recorder := &notify.Recorder{}
	return &fixture{
		state:    state,
		store:    store,
		orch:     orch,
		handler:  handler,
		recorder: recorder,
		service:  NewService(orch, recorder),
	}
}

func (f *fixture) enqueue(t *testing.T, entityID, userID string, payload models.Payload) *models.PendingOperation {
	t.Helper()
	op := &models.PendingOperation{
		EntityID:   entityID,
		EntityType: "producer",
		Operation:  models.OperationCreate,
		Payload:    payload,
		UserID:     userID,
	}
	require.NoError(t, f.store.Enqueue(context.Background(), op))
	return op
}

func (f *fixture) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Wait(ctx))
}

// goOnline flips connectivity without racing a background flush.
func (f *fixture) goOnline(t *testing.T) {
	t.Helper()
	f.idle(t)
	f.state.SetOnline(true)
}
