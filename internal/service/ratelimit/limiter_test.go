package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterPerKey(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	l := New(time.Minute, 2)
	l.now = func() time.Time { return now }

	if !l.Allow("HOSE:VNM") || !l.Allow("HOSE:VNM") {
		t.Fatal("burst of 2 should pass")
	}
	if l.Allow("HOSE:VNM") {
		t.Fatal("third request should be limited")
	}
	if !l.Allow("HOSE:FPT") {
		t.Fatal("other keys are independent")
	}

	now = now.Add(time.Minute)
	if !l.Allow("HOSE:VNM") {
		t.Fatal("token should refill after the interval")
	}
}

func TestLimiterDisabledAndPrune(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	l := New(0, 1)
	l.now = func() time.Time { return now }
	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatal("zero interval must not limit")
		}
	}
	now = now.Add(time.Hour)
	_ = l.Allow("fresh")
	if n := l.Prune(30 * time.Minute); n != 1 {
		t.Fatalf("pruned %d keys, want 1", n)
	}
}

func TestLimiterRunPrunesRefilledKeys(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	l := New(time.Minute, 3)
	l.now = func() time.Time { return now }
	for _, k := range []string{"train:HOSE:VNM", "batch:10.0.0.1"} {
		l.Allow(k)
	}
	if got := l.IdleAfter(); got != 3*time.Minute {
		t.Fatalf("idle after %v, want 3m", got)
	}
	later := now.Add(4 * time.Minute)
	l.now = func() time.Time { return later }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx, 5*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for l.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d keys left after pruning", l.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
