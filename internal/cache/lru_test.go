package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestTTLBasicOperations(t *testing.T) {
	c := NewTTL[string, string](3, 0)

	c.Set("exp1/user1", "control")
	if got, ok := c.Get("exp1/user1"); !ok || got != "control" {
		t.Errorf("Get = (%v, %v), want (control, true)", got, ok)
	}

	if _, ok := c.Get("exp1/user2"); ok {
		t.Error("Get on absent key should miss")
	}

	// Filling past capacity evicts the least recently used entry.
	c.Set("exp1/user2", "treatment")
	c.Set("exp1/user3", "control")
	c.Get("exp1/user1")
	c.Set("exp1/user4", "treatment")

	if _, ok := c.Get("exp1/user2"); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := c.Get("exp1/user1"); !ok {
		t.Error("recently read entry should have survived eviction")
	}
}

func TestTTLExpiration(t *testing.T) {
	c := NewTTL[string, int](10, 30*time.Millisecond)

	c.Set("exp1/user1", 1)
	if _, ok := c.Get("exp1/user1"); !ok {
		t.Fatal("entry should be live immediately after Set")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("exp1/user1"); ok {
		t.Error("entry should have expired")
	}
}

func TestTTLRemove(t *testing.T) {
	c := NewTTL[string, int](10, 0)

	c.Set("exp1/user1", 1)
	c.Remove("exp1/user1")
	if _, ok := c.Get("exp1/user1"); ok {
		t.Error("removed entry still present")
	}

	// Removing an absent key is harmless.
	c.Remove("exp1/user2")
}

func TestTTLStats(t *testing.T) {
	c := NewTTL[string, int](2, 0)

	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	c.Set("b", 2)
	c.Set("c", 3)

	stats := c.Stats()
	if stats.Hits != 2 {
		t.Errorf("Hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
	if stats.Size != 2 {
		t.Errorf("Size = %d, want 2", stats.Size)
	}

	want := 2.0 / 3.0
	if stats.HitRate < want-0.01 || stats.HitRate > want+0.01 {
		t.Errorf("HitRate = %f, want ~%f", stats.HitRate, want)
	}
}

func TestTTLConcurrentAccess(t *testing.T) {
	c := NewTTL[string, int](1000, time.Minute)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(n int) {
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("exp%d/user%d", n, j)
				c.Set(key, j)
				c.Get(key)
				c.Get("exp0/user0")
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	if c.Len() == 0 {
		t.Error("cache should hold entries after concurrent writes")
	}
}

func TestTTLSizeFallback(t *testing.T) {
	c := NewTTL[string, int](0, 0)
	c.Set("a", 1)
	if _, ok := c.Get("a"); !ok {
		t.Error("cache with defaulted size should still work")
	}
}
