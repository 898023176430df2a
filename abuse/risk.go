package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Risk score contributions. The total is clamped to 100.
const (
	riskNovelDevice   = 40
	riskHighVelocity  = 30
	riskRecentLockout = 30
	maxRiskScore      = 100
)

// RiskConfig tunes the suspicious-login detector.
type RiskConfig struct {
	// MFAThreshold is the score at or above which an MFA re-challenge is
	// forced even for otherwise trusted sessions.
	MFAThreshold int
	// AttemptsPerMinute is the velocity budget per principal before
	// velocity counts toward the score.
	AttemptsPerMinute float64
	// AttemptBurst is the burst allowance on top of the velocity budget.
	AttemptBurst int
	// DeviceMemory is how long a seen device fingerprint stays trusted.
	DeviceMemory time.Duration
}

// DefaultRiskConfig returns the stock detector policy.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MFAThreshold:      60,
		AttemptsPerMinute: 10,
		AttemptBurst:      5,
		DeviceMemory:      30 * 24 * time.Hour,
	}
}

// Assessment is the outcome of scoring one login attempt.
type Assessment struct {
	Score       int
	NovelDevice bool
	ForceMFA    bool
}

// RiskScorer flags anomalous logins. Device history is shared via Redis;
// the velocity limiter is deliberately in-process and eventually consistent
// across instances. A missed velocity signal only relaxes scoring; the
// strongly consistent lockout path is unaffected. The per-principal bucket
// pool is size-bounded, so a username-spraying sweep cannot grow it without
// limit.
type RiskScorer struct {
	redis  redis.UniversalClient
	guard  *Guard
	config RiskConfig

	velocity *limiterPool
}

// NewRiskScorer creates a RiskScorer. guard may be nil when lockout history
// should not contribute to the score.
func NewRiskScorer(client redis.UniversalClient, guard *Guard, cfg RiskConfig) (*RiskScorer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.MFAThreshold <= 0 || cfg.MFAThreshold > maxRiskScore {
		return nil, errors.New("invalid mfa threshold")
	}
	if cfg.AttemptsPerMinute <= 0 || cfg.AttemptBurst <= 0 {
		return nil, errors.New("invalid velocity budget")
	}
	if cfg.DeviceMemory <= 0 {
		return nil, errors.New("invalid device memory")
	}
	return &RiskScorer{
		redis:    client,
		guard:    guard,
		config:   cfg,
		velocity: newLimiterPool(rate.Limit(cfg.AttemptsPerMinute/60.0), cfg.AttemptBurst),
	}, nil
}

func (r *RiskScorer) deviceKey(userID string) string {
	return "dev:" + userID
}

// Assess scores a login attempt for the given user and device fingerprint
// hash. The fingerprint is recorded as seen only on RememberDevice, so a
// failed login does not launder a new device into the trusted set.
func (r *RiskScorer) Assess(ctx context.Context, userID, fingerprintHash string) (Assessment, error) {
	var a Assessment

	if fingerprintHash != "" {
		known, err := r.redis.SIsMember(ctx, r.deviceKey(userID), fingerprintHash).Result()
		if err != nil {
			return a, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if !known {
			a.NovelDevice = true
			a.Score += riskNovelDevice
		}
	}

	if !r.velocity.get(userID).Allow() {
		a.Score += riskHighVelocity
	}

	if r.guard != nil {
		recent, err := r.guard.HasRecentLockout(ctx, userID)
		if err != nil {
			return a, err
		}
		if recent {
			a.Score += riskRecentLockout
		}
	}

	if a.Score > maxRiskScore {
		a.Score = maxRiskScore
	}
	a.ForceMFA = a.Score >= r.config.MFAThreshold
	return a, nil
}

// RememberDevice marks a fingerprint as trusted for the user. Called after
// fully verified logins only.
func (r *RiskScorer) RememberDevice(ctx context.Context, userID, fingerprintHash string) error {
	if fingerprintHash == "" {
		return nil
	}
	key := r.deviceKey(userID)
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, fingerprintHash)
		pipe.Expire(ctx, key, r.config.DeviceMemory)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
