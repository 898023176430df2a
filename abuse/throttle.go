package abuse

import (
	"time"

	"golang.org/x/time/rate"
)

// ThrottleConfig bounds raw attempt rate per origin (normally the client
// IP) before any credential or backend work runs.
type ThrottleConfig struct {
	AttemptsPerMinute float64
	Burst             int
}

// DefaultThrottleConfig allows short login bursts but chokes sustained
// hammering from one origin.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		AttemptsPerMinute: 120,
		Burst:             30,
	}
}

// Throttle is an in-process token bucket per origin. Like the velocity
// limiter in RiskScorer it is deliberately not shared across instances;
// each instance defends itself, and the strongly consistent lockout path
// handles the targeted-principal case. The bucket pool is size-bounded so
// an origin-spraying sweep cannot grow it without limit.
type Throttle struct {
	pool *limiterPool
}

// NewThrottle creates a Throttle. Non-positive settings fall back to the
// defaults.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.AttemptsPerMinute <= 0 || cfg.Burst <= 0 {
		cfg = DefaultThrottleConfig()
	}
	return &Throttle{
		pool: newLimiterPool(rate.Limit(cfg.AttemptsPerMinute/60.0), cfg.Burst),
	}
}

// Allow consumes one attempt for the origin. When refused, retryAfter says
// how long until the bucket yields a token again. An empty origin is never
// throttled; unattributable calls are the lockout path's problem.
func (t *Throttle) Allow(origin string) (retryAfter time.Duration, ok bool) {
	if origin == "" {
		return 0, true
	}

	res := t.pool.get(origin).Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, false
	}
	return 0, true
}
