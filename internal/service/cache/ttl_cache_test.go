package cache

import (
	"testing"
	"time"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCache()
	c.now = func() time.Time { return now }

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)
	if v, ok := c.Get("a"); !ok || v.(int) != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should have expired")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("b has no ttl and should survive")
	}
	if c.Len() != 1 {
		t.Fatalf("expired entry should be dropped on read, len=%d", c.Len())
	}

	c.Delete("b")
	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should be deleted")
	}
}
