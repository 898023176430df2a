package abuse

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLimiterPoolReturnsSameBucketForKey(t *testing.T) {
	p := newLimiterPool(rate.Inf, 1)
	if p.get("a") != p.get("a") {
		t.Fatal("same key must share one bucket")
	}
	if p.get("a") == p.get("b") {
		t.Fatal("different keys must not share a bucket")
	}
}

func TestLimiterPoolEvictsIdleEntries(t *testing.T) {
	p := newLimiterPool(rate.Inf, 1)
	p.maxEntries = 3
	p.idleAfter = time.Minute

	now := time.Now()
	p.now = func() time.Time { return now }

	p.get("a")
	p.get("b")
	p.get("c")

	now = now.Add(2 * time.Minute)
	p.get("d")

	if got := p.len(); got != 1 {
		t.Fatalf("pool size = %d, want 1 after idle sweep", got)
	}
	p.mu.Lock()
	_, ok := p.entries["d"]
	p.mu.Unlock()
	if !ok {
		t.Fatal("fresh entry evicted instead of the idle ones")
	}
}

func TestLimiterPoolEvictsStalestWhenFull(t *testing.T) {
	p := newLimiterPool(rate.Inf, 1)
	p.maxEntries = 3
	p.idleAfter = time.Hour

	now := time.Now()
	p.now = func() time.Time { return now }

	for _, key := range []string{"a", "b", "c"} {
		p.get(key)
		now = now.Add(time.Second)
	}
	p.get("d")

	if got := p.len(); got != 3 {
		t.Fatalf("pool size = %d, want 3", got)
	}
	p.mu.Lock()
	_, hasA := p.entries["a"]
	_, hasD := p.entries["d"]
	p.mu.Unlock()
	if hasA {
		t.Fatal("stalest entry survived a full pool")
	}
	if !hasD {
		t.Fatal("new entry missing after eviction")
	}
}

func TestLimiterPoolUseRefreshesIdleClock(t *testing.T) {
	p := newLimiterPool(rate.Inf, 1)
	p.maxEntries = 2
	p.idleAfter = time.Hour

	now := time.Now()
	p.now = func() time.Time { return now }

	p.get("old")
	now = now.Add(time.Second)
	p.get("kept")
	now = now.Add(time.Second)
	p.get("old")
	now = now.Add(time.Second)
	p.get("new")

	p.mu.Lock()
	_, hasOld := p.entries["old"]
	_, hasKept := p.entries["kept"]
	p.mu.Unlock()
	if !hasOld {
		t.Fatal("recently used entry evicted")
	}
	if hasKept {
		t.Fatal("stalest entry survived")
	}
}

func TestLimiterPoolStaysBounded(t *testing.T) {
	p := newLimiterPool(rate.Inf, 1)
	p.maxEntries = 16
	p.idleAfter = time.Hour

	now := time.Now()
	p.now = func() time.Time { return now }

	for i := 0; i < 1000; i++ {
		p.get(fmt.Sprintf("origin-%d", i))
		now = now.Add(time.Millisecond)
	}
	if got := p.len(); got > 16 {
		t.Fatalf("pool size = %d, want at most 16", got)
	}
}
