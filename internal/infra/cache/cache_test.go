package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/infra/cache"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[string, string](5 * time.Minute)
	defer c.Close()

	c.Set("key1", "value1")
	val, ok := c.Get("key1")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val != "value1" {
		t.Errorf("expected 'value1', got '%s'", val)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[string, string](5 * time.Minute)
	defer c.Close()

	_, ok := c.Get("nonexistent")
	if ok {
		t.Fatal("expected cache miss for nonexistent key")
	}
}

func TestCache_StructKeys(t *testing.T) {
	type key struct {
		Kind  string
		Count int
		Flag  bool
	}
	c := cache.New[key, bool](5 * time.Minute)
	defer c.Close()

	c.Set(key{Kind: "simple", Count: 1}, true)

	if v, ok := c.Get(key{Kind: "simple", Count: 1}); !ok || !v {
		t.Fatal("expected hit for an equal struct key")
	}
	if _, ok := c.Get(key{Kind: "simple", Count: 1, Flag: true}); ok {
		t.Fatal("expected miss for a different struct key")
	}
}

func TestCache_Expiration(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := cache.NewWithClock[string, string](time.Hour, clock.Now)
	defer c.Close()

	c.Set("key1", "value1")

	clock.Advance(59 * time.Minute)
	if _, ok := c.Get("key1"); !ok {
		t.Fatal("expected entry to still be fresh")
	}

	clock.Advance(2 * time.Minute)
	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected cache entry to be expired")
	}
}

func TestCache_CleanupRemovesExpired(t *testing.T) {
	c := cache.New[string, string](20 * time.Millisecond)
	defer c.Close()

	c.Set("key1", "value1")
	time.Sleep(100 * time.Millisecond)

	if n := c.Len(); n != 0 {
		t.Fatalf("expected cleanup to purge entry, %d left", n)
	}
}

func TestCache_Delete(t *testing.T) {
	c := cache.New[string, string](5 * time.Minute)
	defer c.Close()

	c.Set("key1", "value1")
	c.Delete("key1")

	_, ok := c.Get("key1")
	if ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := cache.New[string, int](time.Minute)
	c.Close()
	c.Close()
}
