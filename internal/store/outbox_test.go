package store_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailpoint/storesync/internal/domain"
	"github.com/retailpoint/storesync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(ctx))
	return s
}

func packInput(tenantID, entityID string) domain.EnqueueInput {
	return domain.EnqueueInput{
		TenantID:   tenantID,
		EntityType: "pack",
		EntityID:   entityID,
		Operation:  domain.OpCreate,
		Payload:    json.RawMessage(`{"sku":"PK-100","quantity":3}`),
	}
}

func TestEnqueueDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, packInput("t1", "p1"))
	require.NoError(t, err)

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "t1", entry.TenantID)
	assert.Equal(t, domain.DirectionPush, entry.Direction)
	assert.Equal(t, domain.DefaultMaxAttempts, entry.MaxAttempts)
	assert.Equal(t, 0, entry.Attempts)
	assert.True(t, entry.IsPending())
	assert.Nil(t, entry.SyncedAt)
	assert.False(t, entry.DeadLettered)
}

func TestEnqueueWithIdempotencyDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, dedup, err := s.EnqueueWithIdempotency(ctx, packInput("t1", "p1"), "key-1")
	require.NoError(t, err)
	assert.False(t, dedup)

	second, dedup, err := s.EnqueueWithIdempotency(ctx, packInput("t1", "p1"), "key-1")
	require.NoError(t, err)
	assert.True(t, dedup)
	assert.Equal(t, first.ID, second.ID)

	pending, err := s.GetPendingCount(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestIdempotencyKeyReleasedAfterSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.EnqueueWithIdempotency(ctx, packInput("t1", "p1"), "key-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, "t1", first.ID))

	// The synced entry no longer blocks a fresh enqueue with the key.
	second, dedup, err := s.EnqueueWithIdempotency(ctx, packInput("t1", "p1"), "key-1")
	require.NoError(t, err)
	assert.False(t, dedup)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRetryableItemsFIFOAndExclusions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, packInput("t1", "p1"))
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, packInput("t1", "p2"))
	require.NoError(t, err)
	inBackoff, err := s.Enqueue(ctx, packInput("t1", "p3"))
	require.NoError(t, err)
	dead, err := s.Enqueue(ctx, packInput("t1", "p4"))
	require.NoError(t, err)

	require.NoError(t, s.SetRetryAfter(ctx, "t1", inBackoff.ID, time.Now().Add(time.Hour)))
	moved, err := s.MarkDeadLettered(ctx, "t1", dead.ID, domain.ReasonManual, domain.ErrorUnknown, "")
	require.NoError(t, err)
	require.True(t, moved)

	items, err := s.GetRetryableItemsByEntityType(ctx, "t1", "pack", 100)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, second.ID, items[1].ID)
}

func TestRetryableItemsIncludesElapsedBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, packInput("t1", "p1"))
	require.NoError(t, err)
	require.NoError(t, s.SetRetryAfter(ctx, "t1", entry.ID, time.Now().Add(-time.Minute)))

	items, err := s.GetRetryableItemsByEntityType(ctx, "t1", "pack", 100)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, entry.ID, items[0].ID)
}

func TestDeferredEntriesSortLast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deferred, err := s.Enqueue(ctx, packInput("t1", "p1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkDeferred(ctx, "t1", deferred.ID))

	normal, err := s.Enqueue(ctx, packInput("t1", "p2"))
	require.NoError(t, err)

	items, err := s.GetRetryableItemsByEntityType(ctx, "t1", "pack", 100)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, normal.ID, items[0].ID)
	assert.Equal(t, deferred.ID, items[1].ID)
}

func TestIncrementAttemptsRecordsDiagnostics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, packInput("t1", "p1"))
	require.NoError(t, err)

	attempts, err := s.IncrementAttempts(ctx, "t1", entry.ID, "boom", domain.ErrorTransient, &domain.AttemptContext{
		APIEndpoint:  "/sync/push",
		HTTPStatus:   503,
		ResponseBody: `{"error":"unavailable"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	got, err := s.FindByID(ctx, "t1", entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)
	require.NotNil(t, got.ErrorCategory)
	assert.Equal(t, domain.ErrorTransient, *got.ErrorCategory)
	require.NotNil(t, got.HTTPStatus)
	assert.Equal(t, 503, *got.HTTPStatus)
	require.NotNil(t, got.APIEndpoint)
	assert.Equal(t, "/sync/push", *got.APIEndpoint)
	assert.NotNil(t, got.LastAttemptAt)
}

func TestCountsAndPartitionDepths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, packInput("t1", "p"))
		require.NoError(t, err)
	}
	shift, err := s.Enqueue(ctx, domain.EnqueueInput{
		TenantID:   "t1",
		EntityType: "shift",
		EntityID:   "s1",
		Operation:  domain.OpCreate,
		Payload:    json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, s.SetRetryAfter(ctx, "t1", shift.ID, time.Now().Add(time.Hour)))

	pending, err := s.GetPendingCount(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, pending)

	backoff, err := s.GetBackoffCount(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, backoff)

	depths, err := s.GetPartitionDepths(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"pack": 3, "shift": 1}, depths)
}

func TestTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, packInput("t1", "p1"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, packInput("t2", "p1"))
	require.NoError(t, err)

	// A tenant never sees another tenant's rows.
	got, err := s.FindByID(ctx, "t2", entry.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	pending, err := s.GetPendingCount(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	items, err := s.GetRetryableItemsByEntityType(ctx, "t2", "pack", 100)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotEqual(t, entry.ID, items[0].ID)
}

func TestOldestPendingTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldest, err := s.GetOldestPendingTimestamp(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, oldest)

	entry, err := s.Enqueue(ctx, packInput("t1", "p1"))
	require.NoError(t, err)

	oldest, err = s.GetOldestPendingTimestamp(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.WithinDuration(t, entry.CreatedAt, *oldest, time.Second)
}

func TestMarkSyncedClearsErrorState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, packInput("t1", "p1"))
	require.NoError(t, err)
	_, err = s.IncrementAttempts(ctx, "t1", entry.ID, "boom", domain.ErrorTransient, nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, "t1", entry.ID))

	got, err := s.FindByID(ctx, "t1", entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.SyncedAt)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.RetryAfter)
	assert.False(t, got.IsPending())
}

func TestDeleteSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.Enqueue(ctx, packInput("t1", "p1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, "t1", old.ID))

	stillPending, err := s.Enqueue(ctx, packInput("t1", "p2"))
	require.NoError(t, err)

	deleted, err := s.DeleteSynced(ctx, "t1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, err := s.FindByID(ctx, "t1", stillPending.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}
