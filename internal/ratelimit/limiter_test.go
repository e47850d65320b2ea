package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter_RejectsOverBurst(t *testing.T) {
	l := NewMemoryLimiter(3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1")
		if err != nil || !ok {
			t.Fatalf("event %d: expected allowed, got %v %v", i, ok, err)
		}
	}
	ok, _ := l.Allow(ctx, "u1")
	if ok {
		t.Fatalf("expected fourth event to be rejected")
	}
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(1, time.Hour)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "a"); !ok {
		t.Fatalf("expected a allowed")
	}
	if ok, _ := l.Allow(ctx, "b"); !ok {
		t.Fatalf("expected b allowed")
	}
	if ok, _ := l.Allow(ctx, "a"); ok {
		t.Fatalf("expected a rejected")
	}
}

func TestMemoryLimiter_InstancesDoNotShareState(t *testing.T) {
	ctx := context.Background()
	first := NewMemoryLimiter(1, time.Hour)
	second := NewMemoryLimiter(1, time.Hour)

	_, _ = first.Allow(ctx, "u")
	if ok, _ := second.Allow(ctx, "u"); !ok {
		t.Fatalf("expected a fresh limiter to allow")
	}
}

func TestMemoryLimiter_ZeroLimitDisables(t *testing.T) {
	l := NewMemoryLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow(context.Background(), "u"); !ok {
			t.Fatalf("expected disabled limiter to allow")
		}
	}
}

func TestRedisLimiter_RequiresClient(t *testing.T) {
	l := NewRedisLimiter(nil, "rl:", 1, time.Second)
	if _, err := l.Allow(context.Background(), "u"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestFixedWindowScriptCompiles(t *testing.T) {
	if fixedWindowScript == nil {
		t.Fatalf("expected script to be initialized")
	}
}

func TestMemorySlots_CapsConcurrentHolders(t *testing.T) {
	s := NewMemorySlots(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := s.Acquire(ctx, "u"); !ok {
			t.Fatalf("slot %d: expected acquired", i)
		}
	}
	if ok, _ := s.Acquire(ctx, "u"); ok {
		t.Fatalf("expected third holder rejected")
	}
	_ = s.Release(ctx, "u")
	if ok, _ := s.Acquire(ctx, "u"); !ok {
		t.Fatalf("expected slot after release")
	}
	_ = s.Release(ctx, "other")
	if ok, _ := s.Acquire(ctx, "other"); !ok {
		t.Fatalf("stray release must not go negative")
	}
}

func TestRedisSlots_Validates(t *testing.T) {
	s := NewRedisSlots(nil, "slots:", 1, time.Minute)
	if _, err := s.Acquire(context.Background(), "u"); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if slotAcquireScript == nil || slotReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}
