// SPDX-License-Identifier: MIT

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupStore creates a test Redis server using miniredis.
func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := NewWithClient(client, Config{
		LeaseTTL:    time.Hour,
		CooldownTTL: 30 * time.Minute,
		CallTimeout: time.Second,
	}, zerolog.Nop())

	return mr, store
}

func TestAcquireGrantsOnce(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	granted, err := store.Acquire(ctx, 20, 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !granted {
		t.Fatal("expected first acquire to be granted")
	}

	// Second acquire is contended regardless of owner.
	granted, err = store.Acquire(ctx, 20, 2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if granted {
		t.Error("expected contended for second agent")
	}
	granted, err = store.Acquire(ctx, 20, 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if granted {
		t.Error("expected contended even for the current owner")
	}
}

func TestInspect(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	l, err := store.Inspect(ctx, 42)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if l != nil {
		t.Fatalf("expected no lease, got %+v", l)
	}

	if _, err := store.Acquire(ctx, 42, 7); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	l, err = store.Inspect(ctx, 42)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if l == nil || l.AgentID != 7 {
		t.Fatalf("expected lease owned by 7, got %+v", l)
	}
	if time.Since(l.AcquiredAt) > time.Minute {
		t.Errorf("acquired_at looks stale: %v", l.AcquiredAt)
	}
}

func TestReleaseOwnerChecked(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, 10, 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	res, err := store.Release(ctx, 10, 2)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res != NotOwner {
		t.Fatalf("expected NotOwner, got %v", res)
	}

	// The lease must survive a non-owner release attempt.
	if l, _ := store.Inspect(ctx, 10); l == nil || l.AgentID != 1 {
		t.Fatalf("lease mutated by non-owner release: %+v", l)
	}

	res, err = store.Release(ctx, 10, 1)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res != Released {
		t.Fatalf("expected Released, got %v", res)
	}

	res, err = store.Release(ctx, 10, 1)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res != Absent {
		t.Fatalf("expected Absent after release, got %v", res)
	}
}

func TestLeaseExpiresByTTL(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, 40, 5); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(time.Hour + time.Second)

	l, err := store.Inspect(ctx, 40)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if l != nil {
		t.Fatalf("expected lease expired, got %+v", l)
	}

	// Expired lease frees the task for anyone.
	granted, err := store.Acquire(ctx, 40, 6)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !granted {
		t.Error("expected acquire after expiry to be granted")
	}
}

func TestCooldown(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()

	in, err := store.InCooldown(ctx, 11, 7)
	if err != nil {
		t.Fatalf("in cooldown: %v", err)
	}
	if in {
		t.Fatal("unexpected cooldown")
	}

	if err := store.SetCooldown(ctx, 11, 7); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}

	in, err = store.InCooldown(ctx, 11, 7)
	if err != nil {
		t.Fatalf("in cooldown: %v", err)
	}
	if !in {
		t.Fatal("expected cooldown for skipping agent")
	}

	// Cooldown is scoped to the (task, agent) pair.
	if in, _ := store.InCooldown(ctx, 11, 8); in {
		t.Error("cooldown leaked to other agent")
	}
	if in, _ := store.InCooldown(ctx, 12, 7); in {
		t.Error("cooldown leaked to other task")
	}

	mr.FastForward(30*time.Minute + time.Second)

	if in, _ := store.InCooldown(ctx, 11, 7); in {
		t.Error("expected cooldown expired")
	}
}

func TestLockedCount(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	ids := []int64{1, 2, 3, 4}
	if _, err := store.Acquire(ctx, 2, 9); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.Acquire(ctx, 4, 9); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	n, err := store.LockedCount(ctx, ids)
	if err != nil {
		t.Fatalf("locked count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 locked, got %d", n)
	}

	n, err = store.LockedCount(ctx, nil)
	if err != nil {
		t.Fatalf("locked count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 for empty probe, got %d", n)
	}
}

func TestBackendUnavailable(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()
	mr.Close()

	if _, err := store.Acquire(ctx, 1, 1); err == nil {
		t.Fatal("expected error after redis shutdown")
	}
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check failure after redis shutdown")
	}
}
