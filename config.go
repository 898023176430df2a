package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/veridianerp/identity/abuse"
	"github.com/veridianerp/identity/lock"
	"github.com/veridianerp/identity/mfa"
	"github.com/veridianerp/identity/oauth"
	"github.com/veridianerp/identity/password"
	"github.com/veridianerp/identity/token"
)

// Config is the engine's full tuning surface. Zero values fall back to
// DefaultConfig at Build time; only the token signing key has no default.
type Config struct {
	Issuer string

	Password password.Config
	Token    token.Config
	Lock     lock.Config
	Abuse    abuse.Config
	Risk     abuse.RiskConfig
	Throttle abuse.ThrottleConfig
	TOTP     mfa.TOTPConfig

	Session SessionConfig
	MFA     MFAConfig
	OAuth   OAuthConfig
	Backend BackendConfig
	Events  EventsConfig
}

// SessionConfig tunes the session store and lifecycle.
type SessionConfig struct {
	// TTL is the full session lifetime; the refresh token lives this long.
	TTL time.Duration
	// MaxPerUser caps concurrent sessions per user. Zero disables the cap.
	MaxPerUser int
	// NegativeCacheTTL bounds the local revoked-session fast path.
	NegativeCacheTTL time.Duration
	// RedisPrefix namespaces the session keys.
	RedisPrefix string
}

// MFAConfig tunes second-factor enforcement.
type MFAConfig struct {
	// Required forces a second factor for every enrolled user, independent
	// of risk score.
	Required bool
	// ChallengeTTL bounds WebAuthn challenges.
	ChallengeTTL time.Duration
	// PendingTTL bounds how long a half-finished login waits for its
	// second factor.
	PendingTTL time.Duration
	// MaxAttempts bounds factor tries per pending login.
	MaxAttempts int
	// RelyingPartyID is the WebAuthn rp id, normally the apex domain.
	RelyingPartyID string
}

// OAuthConfig tunes the authorization-code flow.
type OAuthConfig struct {
	// CodeTTL bounds the authorize-to-exchange window.
	CodeTTL time.Duration
}

// BackendConfig tunes transient-failure handling.
type BackendConfig struct {
	// MaxRetries is how many times a transient backend failure is retried
	// before ErrBackendUnavailable surfaces.
	MaxRetries int
	// RetryBackoff is the pause between retries.
	RetryBackoff time.Duration
}

// EventsConfig tunes the event dispatcher.
type EventsConfig struct {
	BufferSize int
}

// DefaultConfig returns the stock policy. The token signing key must still
// be set by the caller.
func DefaultConfig() Config {
	return Config{
		Issuer:   "identity-core",
		Password: password.DefaultConfig(),
		Token: token.Config{
			AccessTTL:     15 * time.Minute,
			SigningMethod: token.MethodHS256,
			Issuer:        "identity-core",
			Leeway:        30 * time.Second,
		},
		Lock:     lock.DefaultConfig(),
		Abuse:    abuse.DefaultConfig(),
		Risk:     abuse.DefaultRiskConfig(),
		Throttle: abuse.DefaultThrottleConfig(),
		TOTP:     mfa.DefaultTOTPConfig("identity-core"),
		Session: SessionConfig{
			TTL:              30 * 24 * time.Hour,
			MaxPerUser:       0,
			NegativeCacheTTL: 5 * time.Second,
			RedisPrefix:      "id",
		},
		MFA: MFAConfig{
			ChallengeTTL:   mfa.DefaultChallengeTTL,
			PendingTTL:     5 * time.Minute,
			MaxAttempts:    5,
			RelyingPartyID: "localhost",
		},
		OAuth: OAuthConfig{
			CodeTTL: oauth.DefaultCodeTTL,
		},
		Backend: BackendConfig{
			MaxRetries:   2,
			RetryBackoff: 50 * time.Millisecond,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Token.Key) == 0 {
		return errors.New("token signing key is required")
	}
	if c.Token.AccessTTL <= 0 {
		return errors.New("access ttl must be positive")
	}
	if c.Session.TTL <= c.Token.AccessTTL {
		return errors.New("session ttl must exceed access ttl")
	}
	if c.MFA.PendingTTL <= 0 || c.MFA.MaxAttempts <= 0 {
		return errors.New("invalid mfa login settings")
	}
	if c.Backend.MaxRetries < 0 {
		return errors.New("backend retries must be non-negative")
	}
	return nil
}

// envOverrides is the flat environment surface for service embedding. Only
// operationally-tunable knobs are exposed; structural settings stay in code.
type envOverrides struct {
	Issuer         string        `env:"IDENTITY_ISSUER"`
	SigningKeyB64  string        `env:"IDENTITY_SIGNING_KEY"`
	AccessTTL      time.Duration `env:"IDENTITY_ACCESS_TTL"`
	SessionTTL     time.Duration `env:"IDENTITY_SESSION_TTL"`
	MaxSessions    int           `env:"IDENTITY_MAX_SESSIONS_PER_USER"`
	MFARequired    bool          `env:"IDENTITY_MFA_REQUIRED"`
	RelyingPartyID string        `env:"IDENTITY_WEBAUTHN_RP_ID"`
	WarnThreshold  int           `env:"IDENTITY_LOCKOUT_WARN_THRESHOLD"`
	LockThreshold  int           `env:"IDENTITY_LOCKOUT_THRESHOLD"`
	BaseCooldown   time.Duration `env:"IDENTITY_LOCKOUT_BASE_COOLDOWN"`
	MaxCooldown    time.Duration `env:"IDENTITY_LOCKOUT_MAX_COOLDOWN"`
	CodeTTL        time.Duration `env:"IDENTITY_OAUTH_CODE_TTL"`
}

// ConfigFromEnv layers IDENTITY_* environment variables over DefaultConfig.
// The signing key is expected as standard base64.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if o.Issuer != "" {
		cfg.Issuer = o.Issuer
		cfg.Token.Issuer = o.Issuer
		cfg.TOTP.Issuer = o.Issuer
	}
	if o.SigningKeyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(o.SigningKeyB64)
		if err != nil {
			return cfg, fmt.Errorf("decode IDENTITY_SIGNING_KEY: %w", err)
		}
		cfg.Token.Key = key
	}
	if o.AccessTTL > 0 {
		cfg.Token.AccessTTL = o.AccessTTL
	}
	if o.SessionTTL > 0 {
		cfg.Session.TTL = o.SessionTTL
	}
	if o.MaxSessions > 0 {
		cfg.Session.MaxPerUser = o.MaxSessions
	}
	if o.MFARequired {
		cfg.MFA.Required = true
	}
	if o.RelyingPartyID != "" {
		cfg.MFA.RelyingPartyID = o.RelyingPartyID
	}
	if o.WarnThreshold > 0 {
		cfg.Abuse.WarnThreshold = o.WarnThreshold
	}
	if o.LockThreshold > 0 {
		cfg.Abuse.LockThreshold = o.LockThreshold
	}
	if o.BaseCooldown > 0 {
		cfg.Abuse.BaseCooldown = o.BaseCooldown
	}
	if o.MaxCooldown > 0 {
		cfg.Abuse.MaxCooldown = o.MaxCooldown
	}
	if o.CodeTTL > 0 {
		cfg.OAuth.CodeTTL = o.CodeTTL
	}

	return cfg, nil
}
