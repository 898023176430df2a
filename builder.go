package identity

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/veridianerp/identity/abuse"
	"github.com/veridianerp/identity/internal/events"
	"github.com/veridianerp/identity/lock"
	"github.com/veridianerp/identity/metrics"
	"github.com/veridianerp/identity/mfa"
	"github.com/veridianerp/identity/oauth"
	"github.com/veridianerp/identity/password"
	"github.com/veridianerp/identity/rbac"
	"github.com/veridianerp/identity/session"
	"github.com/veridianerp/identity/token"
)

// Builder assembles an Engine. Configure, then Build exactly once.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	directory UserDirectory
	logger    zerolog.Logger
	sink      EventSink
	now       func() time.Time

	built bool
}

// New starts a builder with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
}

// WithConfig replaces the configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the shared Redis client backing sessions, locks, abuse
// counters, MFA challenges, and authorization codes.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithDirectory sets the user store integration.
func (b *Builder) WithDirectory(dir UserDirectory) *Builder {
	b.directory = dir
	return b
}

// WithLogger sets the engine logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithEventSink sets where domain events go. Defaults to discarding them.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.sink = sink
	return b
}

// WithClock overrides the time source, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build wires the engine. The builder cannot be reused afterwards.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.directory == nil {
		return nil, errors.New("user directory required")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(cfg.Password)
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewManager(cfg.Token)
	if err != nil {
		return nil, err
	}

	leases := lock.NewManager(b.redis, cfg.Lock)
	guard, err := abuse.NewGuard(b.redis, leases, cfg.Abuse)
	if err != nil {
		return nil, err
	}
	risk, err := abuse.NewRiskScorer(b.redis, guard, cfg.Risk)
	if err != nil {
		return nil, err
	}

	totp, err := mfa.NewTOTP(cfg.TOTP)
	if err != nil {
		return nil, err
	}
	challenges, err := mfa.NewChallengeStore(b.redis, cfg.MFA.ChallengeTTL)
	if err != nil {
		return nil, err
	}

	clients, err := oauth.NewRegistry(b.redis, hasher)
	if err != nil {
		return nil, err
	}
	codes, err := oauth.NewCodeStore(b.redis, cfg.OAuth.CodeTTL)
	if err != nil {
		return nil, err
	}
	flow, err := oauth.NewFlow(clients, codes, b.redis)
	if err != nil {
		return nil, err
	}

	policies, err := rbac.NewStore(b.redis)
	if err != nil {
		return nil, err
	}
	engine := &Engine{
		config:     cfg,
		logger:     b.logger,
		redis:      b.redis,
		directory:  b.directory,
		hasher:     hasher,
		tokens:     tokens,
		leases:     leases,
		guard:      guard,
		risk:       risk,
		throttle:   abuse.NewThrottle(cfg.Throttle),
		totp:       totp,
		challenges: challenges,
		sessions:   session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.NegativeCacheTTL),
		pending:    newPendingLoginStore(b.redis, cfg.MFA.PendingTTL),
		clients:    clients,
		codes:      codes,
		oauthFlow:  flow,
		policies:   policies,
		evaluator:  rbac.NewEvaluator(policies),
		dispatcher: events.NewDispatcher(b.sink, cfg.Events.BufferSize),
		metrics:    metrics.NewRegistry(),
		now:        b.now,
	}

	b.built = true
	return engine, nil
}
