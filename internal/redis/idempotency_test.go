package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewWithClient(rdb, "", zap.NewNop())

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "dispatch", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_InFlightDuplicate(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "dispatch", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "dispatch", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}

	// same key in another scope is independent
	if _, err := svc.CheckOrReserve(ctx, "invitations", "key-1"); err != nil {
		t.Fatalf("other scope should not collide: %v", err)
	}
}

func TestIdempotencyService_ReplaysStoredResponse(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "dispatch", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	body := json.RawMessage(`{"sent":3}`)
	if err := svc.Store(ctx, "dispatch", "key-1", &CachedResponse{StatusCode: 200, Body: body}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "dispatch", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached == nil || cached.StatusCode != 200 || string(cached.Body) != `{"sent":3}` {
		t.Fatalf("unexpected cached response: %+v", cached)
	}
	if cached.CreatedAt == 0 {
		t.Fatal("expected CreatedAt to be set")
	}
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "dispatch", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "dispatch", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	result, err := svc.CheckOrReserve(ctx, "dispatch", "key-1")
	if err != nil || result != nil {
		t.Fatalf("expected fresh reservation, got %+v, %v", result, err)
	}
}

func TestIdempotencyService_ReservationExpires(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "dispatch", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	mr.FastForward(processingTTL + 1)

	if _, err := svc.CheckOrReserve(ctx, "dispatch", "key-1"); err != nil {
		t.Fatalf("expired reservation should be reusable: %v", err)
	}
}
