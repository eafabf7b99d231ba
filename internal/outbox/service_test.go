package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
)

func TestServiceRequiresUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.List(ctx, "", queue.ListFilter{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuth))

	_, err = f.service.Delete(ctx, "", []string{"x"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuth))

	_, err = f.service.Retry(ctx, "", nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuth))
}

func TestServiceListScopedToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "p1", "u1", models.Payload{"name": "Awa Diallo"})
	f.enqueue(t, "p2", "u2", models.Payload{"name": "Moussa Traore"})
	f.enqueue(t, "p3", "u1", models.Payload{"name": "Fatou Sow"})

	ops, err := f.service.List(ctx, "u1", queue.ListFilter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "p1", ops[0].EntityID)
	assert.Equal(t, "p3", ops[1].EntityID)

	ops, err = f.service.List(ctx, "u1", queue.ListFilter{Search: "fatou"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "p3", ops[0].EntityID)
}

func TestServiceStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "p1", "u1", nil)
	failed := f.enqueue(t, "p2", "u1", nil)
	f.enqueue(t, "p3", "u2", nil)
	_, err := f.store.MarkFailed(ctx, failed.ID, "boom")
	require.NoError(t, err)

	stats, err := f.service.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 2, stats.ByEntityType["producer"])

	empty, err := f.service.Stats(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.Users)
}

func TestServiceDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine := f.enqueue(t, "p1", "u1", nil)
	theirs := f.enqueue(t, "p2", "u2", nil)

	n, err := f.service.Delete(ctx, "u1", []string{mine.ID, theirs.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Get(ctx, mine.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = f.store.Get(ctx, theirs.ID)
	assert.NoError(t, err, "another user's operation must survive")

	assert.Equal(t, []string{"u1"}, f.recorder.OutboxChanges())
}

func TestServiceDeleteNothingIsSilent(t *testing.T) {
	f := newFixture(t)

	n, err := f.service.Delete(context.Background(), "u1", []string{"missing"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.recorder.OutboxChanges())
}

func TestServiceRetryOffline(t *testing.T) {
	f := newFixture(t)
	op := f.enqueue(t, "p1", "u1", nil)

	res, err := f.service.Retry(context.Background(), "u1", []string{op.ID})
	assert.True(t, apperrors.IsKind(err, apperrors.KindOffline))
	assert.True(t, res.Offline)
	assert.Empty(t, f.handler.Handled())

	stored, err := f.store.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Retries, "an offline retry is not charged")
}

func TestServiceRetrySelected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.enqueue(t, "p1", "u1", nil)
	second := f.enqueue(t, "p2", "u1", nil)
	theirs := f.enqueue(t, "p3", "u2", nil)
	f.goOnline(t)

	res, err := f.service.Retry(ctx, "u1", []string{second.ID, theirs.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.False(t, res.Scheduled)
	assert.Equal(t, []string{"p2"}, f.handler.Handled())

	_, err = f.store.Get(ctx, second.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = f.store.Get(ctx, first.ID)
	assert.NoError(t, err)
	_, err = f.store.Get(ctx, theirs.ID)
	assert.NoError(t, err)
}

func TestServiceRetryFailureChargesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.enqueue(t, "p1", "u1", nil)
	f.handler.setFail(true)
	f.goOnline(t)

	res, err := f.service.Retry(ctx, "u1", []string{op.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored, err := f.store.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Retries)
	assert.Equal(t, models.StatusFailed, stored.Status())
}

func TestServiceRetryAllSchedulesFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, "p1", "u1", nil)
	f.enqueue(t, "p2", "u1", nil)
	f.goOnline(t)

	res, err := f.service.Retry(ctx, "u1", nil)
	require.NoError(t, err)
	assert.True(t, res.Scheduled)

	f.idle(t)
	assert.Equal(t, []string{"p1", "p2"}, f.handler.Handled())

	ops, err := f.service.List(ctx, "u1", queue.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, ops)
}
