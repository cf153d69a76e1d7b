package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type point struct {
	Step  int     `json:"step"`
	Close float64 `json:"close"`
}

func newTestMemory(size int) (*MemoryCache, *time.Time) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	mc := NewMemoryCache(WithMemoryMaxSize(size), WithMemoryCleanup(0))
	mc.now = func() time.Time { return now }
	return mc, &now
}

func TestMemoryCacheRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	mc, now := newTestMemory(10)
	defer mc.Close()

	if err := mc.Set(ctx, "forecast:HOSE:VNM", []point{{1, 10.5}, {2, 11}}, time.Minute); err != nil {
		t.Fatal(err)
	}
	var got []point
	if err := mc.Get(ctx, "forecast:HOSE:VNM", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 || got[1].Close != 11 {
		t.Fatalf("unexpected value %+v", got)
	}

	*now = now.Add(2 * time.Minute)
	if err := mc.Get(ctx, "forecast:HOSE:VNM", &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	mc, now := newTestMemory(2)
	defer mc.Close()

	_ = mc.Set(ctx, "a", "1", 0)
	*now = now.Add(time.Second)
	_ = mc.Set(ctx, "b", "2", 0)
	*now = now.Add(time.Second)
	var s string
	_ = mc.Get(ctx, "a", &s) // a is now newer than b
	*now = now.Add(time.Second)
	_ = mc.Set(ctx, "c", "3", 0)

	if err := mc.Get(ctx, "b", &s); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected b evicted, got %v", err)
	}
	if err := mc.Get(ctx, "a", &s); err != nil || s != "1" {
		t.Fatalf("expected a kept, got %q %v", s, err)
	}
}

func TestMemoryCacheLocks(t *testing.T) {
	ctx := context.Background()
	mc, now := newTestMemory(10)
	defer mc.Close()

	if ok, _ := mc.TryLock(ctx, "train:HOSE:VNM", time.Minute); !ok {
		t.Fatal("first lock should succeed")
	}
	if ok, _ := mc.TryLock(ctx, "train:HOSE:VNM", time.Minute); ok {
		t.Fatal("second lock should fail")
	}
	if err := mc.Unlock(ctx, "train:HOSE:VNM"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := mc.Unlock(ctx, "train:HOSE:VNM"); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("expected ErrLockNotHeld, got %v", err)
	}

	_, _ = mc.TryLock(ctx, "train:HOSE:FPT", time.Minute)
	*now = now.Add(2 * time.Minute)
	if ok, _ := mc.TryLock(ctx, "train:HOSE:FPT", time.Minute); !ok {
		t.Fatal("expired lock should be retaken")
	}
}

func TestMemoryCacheDeleteByPattern(t *testing.T) {
	ctx := context.Background()
	mc, _ := newTestMemory(10)
	defer mc.Close()

	_ = mc.Set(ctx, "forecast:HOSE:VNM:r1:5", "x", 0)
	_ = mc.Set(ctx, "forecast:HOSE:VNM:r1:10", "x", 0)
	_ = mc.Set(ctx, "forecast:HOSE:FPT:r2:5", "x", 0)
	if err := mc.DeleteByPattern(ctx, BuildPattern(GenerateKeyWithParams("forecast", "HOSE", "VNM"))); err != nil {
		t.Fatal(err)
	}
	if mc.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", mc.Len())
	}
}

func TestLayeredCacheReadsThrough(t *testing.T) {
	ctx := context.Background()
	l2, _ := newTestMemory(10)
	lc := NewLayeredCache(l2, 10, time.Minute)
	defer lc.Close()

	_ = l2.Set(ctx, "k", point{Step: 3, Close: 7}, 0)
	var p point
	if err := lc.Get(ctx, "k", &p); err != nil || p.Step != 3 {
		t.Fatalf("read through failed: %+v %v", p, err)
	}
	_ = l2.Delete(ctx, "k")
	p = point{}
	if err := lc.Get(ctx, "k", &p); err != nil || p.Close != 7 {
		t.Fatalf("expected L1 hit, got %+v %v", p, err)
	}
}
