package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/workorder/model"
)

func testFlow() model.Flow {
	return model.Flow{
		ID:         "flow-1",
		TemplateID: "work_order",
		State:      "待接单",
		WFResult:   model.WFResultRunning,
		WFStatus:   model.WFStatusRunning,
		OwnerID:    "owner",
		ExecutorID: "exec-1",
		ExInfo:     model.ExInfo{Remarks: []string{"urgent"}},
		Version:    3,
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestFormatKey(t *testing.T) {
	if got := FormatKey("flow-1", "abc"); got != "idem:flow-1:abc" {
		t.Errorf("FormatKey() = %q", got)
	}
}

func TestHashRequest(t *testing.T) {
	a := HashRequest("派单", "admin-1", model.TransitionOptions{Executor: "e1"})
	b := HashRequest("派单", "admin-1", model.TransitionOptions{Executor: "e1"})
	c := HashRequest("派单", "admin-1", model.TransitionOptions{Executor: "e2"})
	d := HashRequest("派单", "admin-2", model.TransitionOptions{Executor: "e1"})

	if a != b {
		t.Error("identical requests should hash equal")
	}
	if a == c || a == d {
		t.Error("different options or actor should change the hash")
	}
}

// --- MemoryStore ---

func TestMemoryStore_CheckNotFound(t *testing.T) {
	store := NewMemoryStore()

	result, found, err := store.Check(context.Background(), "idem:flow-1:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
}

func TestMemoryStore_StoreAndCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("flow-1", "key1")

	if err := store.Store(ctx, key, "hash-abc", testFlow(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	result, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || result == nil {
		t.Fatal("found = false, want true")
	}
	if result.State != "待接单" || result.ExecutorID != "exec-1" || result.Version != 3 {
		t.Errorf("result = %+v", result)
	}
}

func TestMemoryStore_ResultIsCopied(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("flow-1", "key1")

	store.Store(ctx, key, "h", testFlow(), time.Minute)
	first, _, _ := store.Check(ctx, key, "h")
	first.ExInfo.Remarks[0] = "mutated"

	second, _, _ := store.Check(ctx, key, "h")
	if second.ExInfo.Remarks[0] != "urgent" {
		t.Errorf("cached remarks mutated through a returned result: %v", second.ExInfo.Remarks)
	}
}

func TestMemoryStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("flow-1", "key1")

	store.Store(ctx, key, "hash-abc", testFlow(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, "hash-xyz")
	if !found {
		t.Error("found = false, want true")
	}
	if !model.HasCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("flow-1", "key1")

	store.Store(ctx, key, "h", testFlow(), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, found, err := store.Check(ctx, key, "h")
	if err != nil || found {
		t.Fatalf("Check after expiry = (%v, %v), want not found", found, err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want expired entry removed", store.Len())
	}
}

// --- RedisStore ---

func TestRedisStore_StoreAndCheck(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	key := FormatKey("flow-1", "key1")

	if err := store.Store(ctx, key, "hash-abc", testFlow(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	result, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if result.ID != "flow-1" || result.WFStatus != model.WFStatusRunning {
		t.Errorf("result = %+v", result)
	}
	if len(result.ExInfo.Remarks) != 1 || result.ExInfo.Remarks[0] != "urgent" {
		t.Errorf("remarks = %v", result.ExInfo.Remarks)
	}
}

func TestRedisStore_CheckNotFound(t *testing.T) {
	store, _ := newRedisStore(t)

	_, found, err := store.Check(context.Background(), "idem:none:none", "h")
	if err != nil || found {
		t.Fatalf("Check() = (%v, %v), want not found", found, err)
	}
}

func TestRedisStore_ConflictOnHashMismatch(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	key := FormatKey("flow-1", "key1")

	store.Store(ctx, key, "hash-abc", testFlow(), time.Minute)
	_, _, err := store.Check(ctx, key, "hash-xyz")
	if !model.HasCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	key := FormatKey("flow-1", "key1")

	store.Store(ctx, key, "h", testFlow(), 10*time.Minute)
	if ttl := mr.TTL(key); ttl != 10*time.Minute {
		t.Errorf("TTL = %v, want 10m", ttl)
	}

	mr.FastForward(11 * time.Minute)
	_, found, _ := store.Check(ctx, key, "h")
	if found {
		t.Error("entry should have expired")
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Set("idem:flow-1:bad", "not json")

	_, _, err := store.Check(context.Background(), "idem:flow-1:bad", "h")
	if err == nil {
		t.Fatal("expected error for corrupt entry")
	}
}

func TestRedisStore_HealthCheck(t *testing.T) {
	store, mr := newRedisStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() = %v", err)
	}
	mr.Close()
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail after redis is gone")
	}
}
