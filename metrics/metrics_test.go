package metrics

import (
	"sync"
	"testing"
)

func TestCountersConcurrent(t *testing.T) {
	r := NewRegistry()

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				r.Inc(LoginSuccess)
			}
		}()
	}
	wg.Wait()

	if got := r.Get(LoginSuccess); got != workers*perWorker {
		t.Fatalf("expected %d, got %d", workers*perWorker, got)
	}
	if got := r.Get(LoginFailure); got != 0 {
		t.Fatalf("untouched counter must stay zero, got %d", got)
	}
}

func TestNilRegistryIsNoOp(t *testing.T) {
	var r *Registry
	r.Inc(LoginSuccess)
	r.Add(LoginSuccess, 5)
	if got := r.Get(LoginSuccess); got != 0 {
		t.Fatalf("nil registry must read zero, got %d", got)
	}
	if snap := r.Snapshot(); len(snap) != 0 {
		t.Fatalf("nil registry snapshot must be empty, got %d entries", len(snap))
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Inc(RefreshSuccess)
	r.Add(AuthzDenied, 3)

	snap := r.Snapshot()
	if snap[RefreshSuccess] != 1 || snap[AuthzDenied] != 3 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	// Snapshot is a copy, later increments do not leak in.
	r.Inc(RefreshSuccess)
	if snap[RefreshSuccess] != 1 {
		t.Fatal("snapshot mutated after the fact")
	}
}

func TestIDNames(t *testing.T) {
	for _, id := range IDs() {
		if id.String() == "" || id.String() == "unknown" {
			t.Fatalf("id %d has no name", id)
		}
	}
	if ID(10000).String() != "unknown" {
		t.Fatal("out-of-range id must render unknown")
	}
}
