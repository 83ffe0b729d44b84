package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	require.NoError(t, store.CheckAndInsert(ctx, "purchase:F001-1", "inventory"))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "purchase:F001-1", "inventory"), ErrIdempotencyConflict)

	require.NoError(t, store.Delete(ctx, "purchase:F001-1"))
	require.NoError(t, store.CheckAndInsert(ctx, "purchase:F001-1", "inventory"))

	require.Error(t, store.CheckAndInsert(ctx, "", "inventory"))
	require.Error(t, store.CheckAndInsert(ctx, "k", ""))
}

func TestMemoryIdempotencyCleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryIdempotencyStore()
	store.clock = func() time.Time { return now }
	require.NoError(t, store.CheckAndInsert(ctx, "old", "inventory"))

	now = now.Add(48 * time.Hour)
	require.NoError(t, store.CheckAndInsert(ctx, "fresh", "inventory"))

	removed, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
	require.ErrorIs(t, store.CheckAndInsert(ctx, "fresh", "inventory"), ErrIdempotencyConflict)
	require.NoError(t, store.CheckAndInsert(ctx, "old", "inventory"))
}

func TestStockLockKeyStable(t *testing.T) {
	require.Equal(t, StockLockKey(1, 2), StockLockKey(1, 2))
	require.NotEqual(t, StockLockKey(1, 2), StockLockKey(2, 1))
	require.NotEqual(t, StockLockKey(7, 7), OrderLockKey(7))
}

func TestActorMiddleware(t *testing.T) {
	var seen int64 = -1
	handler := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.EqualValues(t, 42, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.EqualValues(t, 0, seen)
}

func TestLogAuditorRequiresFields(t *testing.T) {
	auditor := NewLogAuditor(nil)
	require.Error(t, auditor.Record(context.Background(), AuditLog{Action: "x"}))
	require.NoError(t, auditor.Record(context.Background(), AuditLog{Action: "inventory:RECEIPT", Entity: "movement", EntityID: "1"}))
}
