package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLocal(t *testing.T) {
	t.Run("SetAndGet", func(t *testing.T) {
		c := NewLocal(10, nil)
		c.Set("key1", []byte("value1"), time.Minute)

		val, ok := c.Get("key1")
		if !ok || string(val) != "value1" {
			t.Errorf("expected 'value1', got %q (ok=%v)", val, ok)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		c := NewLocal(10, nil)
		if val, ok := c.Get("nonexistent"); ok || val != nil {
			t.Errorf("expected miss, got %q", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		c := NewLocal(10, nil)
		c.Set("key2", []byte("value2"), time.Minute)
		c.Delete("key2")
		if _, ok := c.Get("key2"); ok {
			t.Error("expected miss after delete")
		}
		if c.Len() != 0 {
			t.Errorf("expected empty cache, got %d entries", c.Len())
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := newStepClock()
		c := NewLocal(10, clock.Now)
		c.Set("expiring", []byte("temp"), 10*time.Second)

		if _, ok := c.Get("expiring"); !ok {
			t.Fatal("expected value before expiry")
		}
		clock.Advance(10 * time.Second)
		if _, ok := c.Get("expiring"); ok {
			t.Error("expected miss after expiry")
		}
		if c.Len() != 0 {
			t.Error("expired entry not removed on access")
		}
	})
}

func TestLocalEviction(t *testing.T) {
	const maxEntries = 1000

	t.Run("OverflowEvictsOldestInsert", func(t *testing.T) {
		clock := newStepClock()
		c := NewLocal(maxEntries, clock.Now)
		for i := 0; i < maxEntries; i++ {
			if _, evicted := c.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Hour); evicted {
				t.Fatalf("evicted before capacity at %d", i)
			}
			clock.Advance(time.Millisecond)
		}

		victim, evicted := c.Set("overflow", []byte("v"), time.Hour)
		if !evicted {
			t.Fatal("expected exactly one eviction")
		}
		if victim != "k0" {
			t.Errorf("evicted %q, want k0", victim)
		}
		if c.Len() != maxEntries {
			t.Errorf("Len = %d, want %d", c.Len(), maxEntries)
		}
		if _, ok := c.Get("k1"); !ok {
			t.Error("k1 should have survived")
		}
	})

	t.Run("SameInstantEvictsFirstInsert", func(t *testing.T) {
		c := NewLocal(3, newStepClock().Now)
		c.Set("a", nil, 0)
		c.Set("b", nil, 0)
		c.Set("c", nil, 0)
		if victim, _ := c.Set("d", nil, 0); victim != "a" {
			t.Errorf("evicted %q, want a", victim)
		}
	})

	t.Run("HitKeyIsProtected", func(t *testing.T) {
		clock := newStepClock()
		c := NewLocal(maxEntries, clock.Now)
		for i := 0; i < maxEntries; i++ {
			c.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Hour)
			clock.Advance(time.Millisecond)
		}
		for i := 0; i < 3; i++ {
			if _, ok := c.Get("k0"); !ok {
				t.Fatal("k0 missing")
			}
		}

		for i := 0; i < 10; i++ {
			victim, evicted := c.Set(fmt.Sprintf("new%d", i), []byte("v"), time.Hour)
			if !evicted {
				t.Fatal("expected eviction")
			}
			if victim == "k0" {
				t.Fatalf("hit key evicted on insert %d", i)
			}
		}
		if _, ok := c.Get("k0"); !ok {
			t.Error("hit key no longer cached")
		}
	})

	t.Run("OldHitEntryOutlivesNewerUnhitEntry", func(t *testing.T) {
		clock := newStepClock()
		c := NewLocal(2, clock.Now)
		c.Set("old", nil, 0)
		c.Get("old")
		clock.Advance(30 * time.Second)
		c.Set("young", nil, 0)

		// old: age 30s, 1 hit => score -30s. young: age 0 => score 0.
		if victim, _ := c.Set("third", nil, 0); victim != "young" {
			t.Errorf("evicted %q, want young", victim)
		}
	})

	t.Run("ExpiredEntryReclaimedBeforeLiveOne", func(t *testing.T) {
		clock := newStepClock()
		c := NewLocal(3, clock.Now)
		c.Set("hot", []byte("v"), 10*time.Second)
		for i := 0; i < 5; i++ {
			c.Get("hot")
		}
		c.Set("a", []byte("v"), time.Hour)
		c.Set("b", []byte("v"), time.Hour)
		clock.Advance(10 * time.Second)

		// hot carries the best score but is past its TTL.
		if victim, evicted := c.Set("c", []byte("v"), time.Hour); evicted {
			t.Errorf("evicted live entry %q while hot was expired", victim)
		}
		for _, k := range []string{"a", "b", "c"} {
			if _, ok := c.Get(k); !ok {
				t.Errorf("%s should be cached", k)
			}
		}
		if c.Len() != 3 {
			t.Errorf("Len = %d, want 3", c.Len())
		}
	})

	t.Run("OverwriteMovesDeadline", func(t *testing.T) {
		clock := newStepClock()
		c := NewLocal(2, clock.Now)
		c.Set("a", []byte("1"), time.Second)
		c.Set("a", []byte("2"), time.Hour)
		c.Set("b", []byte("1"), time.Hour)
		clock.Advance(2 * time.Second)

		// a was refreshed, so nothing is expired and the score victim goes.
		if victim, evicted := c.Set("c", nil, time.Hour); !evicted || victim != "a" {
			t.Errorf("expected a evicted by score, got %q (evicted=%v)", victim, evicted)
		}
	})

	t.Run("OverwriteDoesNotEvict", func(t *testing.T) {
		c := NewLocal(2, nil)
		c.Set("a", []byte("1"), 0)
		c.Set("b", []byte("1"), 0)
		if _, evicted := c.Set("a", []byte("2"), 0); evicted {
			t.Error("overwrite evicted an entry")
		}
		if val, _ := c.Get("a"); string(val) != "2" {
			t.Errorf("expected overwritten value, got %q", val)
		}
	})
}

func TestLocalConcurrentAccess(t *testing.T) {
	c := NewLocal(64, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("g%d-%d", g, i%100)
				c.Set(key, []byte("v"), time.Minute)
				c.Get(key)
				if i%7 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Errorf("cache grew past capacity: %d", c.Len())
	}
}
