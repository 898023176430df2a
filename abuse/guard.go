// Package abuse tracks failed authentication attempts and enforces lockout.
//
// Per principal key (user id, or ip+username for pre-resolution throttling)
// the guard runs a small state machine: Normal → Warning after the warn
// threshold, Locked after the lock threshold. Counter transitions happen
// under a distributed lease so concurrent failures on different instances
// cannot under-count. Lockout duration escalates exponentially with repeat
// lock cycles, up to a configured cap.
//
// Avalanche protection: reads of lockout state are coalesced per key with
// singleflight so a credential-stuffing burst against one principal costs
// one backend lookup, and a failure-recording caller that cannot win the
// lease within its bounded wait assumes the principal is locked instead of
// piling onto the backend. That trades a small false-positive lockout rate
// under extreme contention for backend protection.
package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/veridianerp/identity/lock"
)

// State is the lockout state of a principal key.
type State uint8

const (
	// StateNormal means no notable failure history.
	StateNormal State = iota
	// StateWarning means failures at or beyond the warn threshold.
	StateWarning
	// StateLocked means attempts are refused until the cooldown passes.
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// ErrBackendUnavailable wraps Redis transport failures.
var ErrBackendUnavailable = errors.New("abuse backend unavailable")

// LockedError reports an active lockout and when retrying makes sense.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

// Config tunes thresholds and escalation.
type Config struct {
	// WarnThreshold is the consecutive-failure count entering Warning.
	WarnThreshold int
	// LockThreshold is the consecutive-failure count triggering a lock.
	LockThreshold int
	// Window is the sliding window for the failure counter.
	Window time.Duration
	// BaseCooldown is the first lockout duration.
	BaseCooldown time.Duration
	// MaxCooldown caps exponential escalation.
	MaxCooldown time.Duration
	// CycleMemory is how long past lock cycles keep escalating new ones.
	CycleMemory time.Duration
}

// DefaultConfig mirrors common brute-force policy: warn at 3, lock at 5,
// 15-minute window, 1-minute first lockout doubling up to an hour.
func DefaultConfig() Config {
	return Config{
		WarnThreshold: 3,
		LockThreshold: 5,
		Window:        15 * time.Minute,
		BaseCooldown:  time.Minute,
		MaxCooldown:   time.Hour,
		CycleMemory:   24 * time.Hour,
	}
}

type lockoutRecord struct {
	Cycles int   `json:"c"`
	Until  int64 `json:"u"`
}

// Guard enforces the lockout policy over shared Redis state.
type Guard struct {
	redis  redis.UniversalClient
	leases *lock.Manager
	config Config
	group  singleflight.Group
	now    func() time.Time
}

// NewGuard creates a Guard. leases serializes counter transitions; nil is
// rejected because unlocked mutation would reintroduce the under-count race.
func NewGuard(client redis.UniversalClient, leases *lock.Manager, cfg Config) (*Guard, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if leases == nil {
		return nil, errors.New("lease manager is required")
	}
	if cfg.WarnThreshold <= 0 || cfg.LockThreshold < cfg.WarnThreshold {
		return nil, errors.New("invalid thresholds")
	}
	if cfg.Window <= 0 || cfg.BaseCooldown <= 0 || cfg.MaxCooldown < cfg.BaseCooldown {
		return nil, errors.New("invalid windows")
	}
	if cfg.CycleMemory < cfg.MaxCooldown {
		cfg.CycleMemory = cfg.MaxCooldown
	}
	return &Guard{redis: client, leases: leases, config: cfg, now: time.Now}, nil
}

func (g *Guard) counterKey(principal string) string {
	return "la:" + principal
}

func (g *Guard) lockoutKey(principal string) string {
	return "lo:" + principal
}

func leaseResource(principal string) string {
	return "lockout:" + principal
}

// Gate refuses the attempt when the principal is locked. Concurrent gates
// for the same key share one backend read.
func (g *Guard) Gate(ctx context.Context, principal string) error {
	v, err, _ := g.group.Do(principal, func() (any, error) {
		return g.readLockout(ctx, principal)
	})
	if err != nil {
		return err
	}
	rec := v.(*lockoutRecord)
	if rec == nil {
		return nil
	}
	if until := time.Unix(rec.Until, 0); g.now().Before(until) {
		return &LockedError{RetryAfter: until.Sub(g.now())}
	}
	return nil
}

// State reports the principal's current state and the live failure count.
func (g *Guard) State(ctx context.Context, principal string) (State, int, error) {
	rec, err := g.readLockout(ctx, principal)
	if err != nil {
		return StateNormal, 0, err
	}
	if rec != nil && g.now().Before(time.Unix(rec.Until, 0)) {
		return StateLocked, 0, nil
	}

	count, err := g.attempts(ctx, principal)
	if err != nil {
		return StateNormal, 0, err
	}
	if count >= g.config.WarnThreshold {
		return StateWarning, count, nil
	}
	return StateNormal, count, nil
}

// RecordFailure counts a failed attempt and locks the principal when the
// threshold is reached. Returns the resulting state; when Locked, retryAfter
// holds the cooldown. Under lease contention the caller is told Locked
// without mutating anything (fail closed, bounded backend load).
func (g *Guard) RecordFailure(ctx context.Context, principal string) (State, time.Duration, error) {
	var (
		state      = StateNormal
		retryAfter time.Duration
	)

	err := g.leases.Do(ctx, leaseResource(principal), func(ctx context.Context) error {
		rec, err := g.readLockout(ctx, principal)
		if err != nil {
			return err
		}
		if rec != nil && g.now().Before(time.Unix(rec.Until, 0)) {
			state = StateLocked
			retryAfter = time.Unix(rec.Until, 0).Sub(g.now())
			return nil
		}

		count, err := g.increment(ctx, principal)
		if err != nil {
			return err
		}

		if count >= g.config.LockThreshold {
			cycles := 1
			if rec != nil {
				cycles = rec.Cycles + 1
			}
			cooldown := g.cooldownFor(cycles)
			if err := g.writeLockout(ctx, principal, &lockoutRecord{
				Cycles: cycles,
				Until:  g.now().Add(cooldown).Unix(),
			}); err != nil {
				return err
			}
			if err := g.redis.Del(ctx, g.counterKey(principal)).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			state = StateLocked
			retryAfter = cooldown
			return nil
		}
		if count >= g.config.WarnThreshold {
			state = StateWarning
		}
		return nil
	})

	if errors.Is(err, lock.ErrNotAcquired) {
		return StateLocked, g.config.BaseCooldown, nil
	}
	if err != nil {
		return StateNormal, 0, err
	}
	return state, retryAfter, nil
}

// RecordSuccess clears the failure counter. An active lockout is not
// cleared: a correct password during the cooldown stays refused.
func (g *Guard) RecordSuccess(ctx context.Context, principal string) error {
	err := g.leases.Do(ctx, leaseResource(principal), func(ctx context.Context) error {
		if err := g.redis.Del(ctx, g.counterKey(principal)).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		// Reset is best-effort; the counter window expires on its own.
		return nil
	}
	return err
}

// Unlock removes an active lockout and the failure counter, for
// administrative recovery. Cycle memory is kept so escalation still applies
// if failures resume.
func (g *Guard) Unlock(ctx context.Context, principal string) error {
	return g.leases.Do(ctx, leaseResource(principal), func(ctx context.Context) error {
		rec, err := g.readLockout(ctx, principal)
		if err != nil {
			return err
		}
		if rec != nil {
			rec.Until = 0
			if err := g.writeLockout(ctx, principal, rec); err != nil {
				return err
			}
		}
		if err := g.redis.Del(ctx, g.counterKey(principal)).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil
	})
}

// HasRecentLockout reports whether the principal locked out within the
// cycle-memory horizon. Fed into risk scoring.
func (g *Guard) HasRecentLockout(ctx context.Context, principal string) (bool, error) {
	rec, err := g.readLockout(ctx, principal)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Cycles > 0, nil
}

func (g *Guard) cooldownFor(cycles int) time.Duration {
	cooldown := g.config.BaseCooldown
	for i := 1; i < cycles; i++ {
		cooldown *= 2
		if cooldown >= g.config.MaxCooldown {
			return g.config.MaxCooldown
		}
	}
	if cooldown > g.config.MaxCooldown {
		return g.config.MaxCooldown
	}
	return cooldown
}

func (g *Guard) readLockout(ctx context.Context, principal string) (*lockoutRecord, error) {
	data, err := g.redis.Get(ctx, g.lockoutKey(principal)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var rec lockoutRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt lockout record: %w", err)
	}
	return &rec, nil
}

func (g *Guard) writeLockout(ctx context.Context, principal string, rec *lockoutRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := g.redis.Set(ctx, g.lockoutKey(principal), data, g.config.CycleMemory).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (g *Guard) attempts(ctx context.Context, principal string) (int, error) {
	count, err := g.redis.Get(ctx, g.counterKey(principal)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(count), nil
}

func (g *Guard) increment(ctx context.Context, principal string) (int, error) {
	key := g.counterKey(principal)
	count, err := g.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	// Fixed-window semantics: TTL set on the first hit only.
	if count == 1 {
		if err := g.redis.Expire(ctx, key, g.config.Window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return int(count), nil
}
