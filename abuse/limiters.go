package abuse

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterPoolMax bounds how many per-key buckets one pool tracks. A
	// sweep at this size keeps a key-spraying sweep from growing the map
	// without bound.
	limiterPoolMax = 65536
	// limiterPoolIdle is how long an untouched bucket survives a sweep.
	limiterPoolIdle = 15 * time.Minute
)

// limiterPool hands out per-key token buckets and bounds its own memory.
// When an insert finds the pool full, entries idle past the idle window are
// dropped first, then the stalest entries until there is room.
type limiterPool struct {
	limit rate.Limit
	burst int

	maxEntries int
	idleAfter  time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		limit:      limit,
		burst:      burst,
		maxEntries: limiterPoolMax,
		idleAfter:  limiterPoolIdle,
		now:        time.Now,
		entries:    make(map[string]*limiterEntry),
	}
}

// get returns the bucket for key, creating it on first sight. Returning an
// existing bucket refreshes its idle clock.
func (p *limiterPool) get(key string) *rate.Limiter {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[key]; ok {
		entry.lastSeen = now
		return entry.lim
	}
	if len(p.entries) >= p.maxEntries {
		p.evict(now)
	}
	entry := &limiterEntry{lim: rate.NewLimiter(p.limit, p.burst), lastSeen: now}
	p.entries[key] = entry
	return entry.lim
}

// evict runs under the pool lock. Idle entries go first; if the pool is
// still full the stalest entries go until one slot is free.
func (p *limiterPool) evict(now time.Time) {
	for key, entry := range p.entries {
		if now.Sub(entry.lastSeen) >= p.idleAfter {
			delete(p.entries, key)
		}
	}
	for len(p.entries) >= p.maxEntries {
		var stalest string
		var seen time.Time
		for key, entry := range p.entries {
			if stalest == "" || entry.lastSeen.Before(seen) {
				stalest = key
				seen = entry.lastSeen
			}
		}
		delete(p.entries, stalest)
	}
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
