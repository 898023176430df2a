// Package lock provides a Redis-backed lease lock for serializing mutations
// of shared security state (lockout counters, single-use token consumption)
// across instances. Acquisition is bounded: callers either hold the lease
// within the configured wait budget or receive ErrNotAcquired and must fail
// closed. A lease that is never released expires on its own, so a crashed
// holder cannot wedge the resource; guarded mutations are therefore written
// to be safe to retry.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired is returned when the lease could not be obtained
	// within the configured wait budget.
	ErrNotAcquired = errors.New("lease not acquired")
	// ErrNotHeld is returned when releasing or extending a lease that has
	// expired or was taken over by another holder.
	ErrNotHeld = errors.New("lease not held")
	// ErrBackendUnavailable wraps Redis transport failures.
	ErrBackendUnavailable = errors.New("lock backend unavailable")
)

// Release compares the stored holder before deleting so an expired lease
// re-acquired by someone else is never released out from under them.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLua = redis.NewScript(releaseScript)

// Config tunes lease acquisition behavior.
type Config struct {
	// TTL is the lease duration granted on acquisition.
	TTL time.Duration
	// AcquireTimeout bounds the total time spent waiting for a busy lease.
	AcquireTimeout time.Duration
	// RetryInterval is the poll interval while waiting.
	RetryInterval time.Duration
	// Prefix namespaces lease keys in Redis.
	Prefix string
}

// DefaultConfig returns lease settings suitable for counter mutations:
// short lease, short bounded wait.
func DefaultConfig() Config {
	return Config{
		TTL:            3 * time.Second,
		AcquireTimeout: 500 * time.Millisecond,
		RetryInterval:  25 * time.Millisecond,
		Prefix:         "lease",
	}
}

// Manager acquires and releases leases against a shared Redis.
type Manager struct {
	redis  redis.UniversalClient
	config Config
}

// Lease is a held lock. It must be released via Manager.Release; letting it
// expire is the crash-recovery path, not the normal one.
type Lease struct {
	key    string
	holder string
}

// NewManager creates a lease Manager. Zero config fields fall back to
// DefaultConfig values.
func NewManager(client redis.UniversalClient, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	return &Manager{redis: client, config: cfg}
}

func (m *Manager) key(resource string) string {
	return m.config.Prefix + ":" + resource
}

// Acquire obtains the lease for resource, polling until the wait budget is
// exhausted. Context cancellation aborts the wait immediately.
func (m *Manager) Acquire(ctx context.Context, resource string) (*Lease, error) {
	holder := uuid.NewString()
	key := m.key(resource)
	deadline := time.Now().Add(m.config.AcquireTimeout)

	for {
		ok, err := m.redis.SetNX(ctx, key, holder, m.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if ok {
			return &Lease{key: key, holder: holder}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.config.RetryInterval):
		}
	}
}

// TryAcquire attempts a single non-blocking acquisition.
func (m *Manager) TryAcquire(ctx context.Context, resource string) (*Lease, error) {
	holder := uuid.NewString()
	key := m.key(resource)

	ok, err := m.redis.SetNX(ctx, key, holder, m.config.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{key: key, holder: holder}, nil
}

// Release frees the lease if this holder still owns it.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	deleted, err := releaseLua.Run(ctx, m.redis, []string{lease.key}, lease.holder).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

// Do runs fn while holding the lease for resource, releasing it on every
// exit path including panic and context cancellation inside fn. Release
// failures are swallowed when fn succeeded: the lease TTL is the backstop.
func (m *Manager) Do(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, resource)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = m.Release(releaseCtx, lease)
	}()

	return fn(ctx)
}
