package identity

import (
	"context"
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

// Engine is the identity core: authentication, MFA, session and token
// lifecycle, the OAuth2 authorization-code flow, and access decisions. All
// shared state lives in Redis and the caller's user directory, so any
// number of Engine instances can serve the same deployment.
type Engine struct {
	config    Config
	logger    zerolog.Logger
	redis     redis.UniversalClient
	directory UserDirectory

	hasher     *password.Hasher
	tokens     *token.Manager
	leases     *lock.Manager
	guard      *abuse.Guard
	risk       *abuse.RiskScorer
	throttle   *abuse.Throttle
	totp       *mfa.TOTP
	challenges *mfa.ChallengeStore
	sessions   *session.Store
	pending    *pendingLoginStore
	clients    *oauth.Registry
	codes      *oauth.CodeStore
	oauthFlow  *oauth.Flow
	policies   *rbac.Store
	evaluator  *rbac.Evaluator
	dispatcher *events.Dispatcher
	metrics    *metrics.Registry
	now        func() time.Time
}

// Close flushes and stops the event dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.dispatcher.Close()
}

// Metrics exposes the counter registry for exporters.
func (e *Engine) Metrics() *metrics.Registry {
	if e == nil {
		return nil
	}
	return e.metrics
}

// EventsDropped reports how many events were discarded under backpressure.
func (e *Engine) EventsDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dispatcher.Dropped()
}

// emit publishes an event, fire-and-forget.
func (e *Engine) emit(ev Event) {
	if !e.dispatcher.Publish(ev) {
		e.metrics.Inc(metrics.EventsDropped)
	}
}

func (e *Engine) newEvent(eventType, userID, tenantID string) Event {
	ev := events.New(eventType)
	ev.UserID = userID
	ev.TenantID = tenantID
	return ev
}

// transientErrors are the per-package backend sentinels that withRetry
// treats as retryable.
var transientErrors = []error{
	ErrBackendUnavailable,
	session.ErrBackendUnavailable,
	abuse.ErrBackendUnavailable,
	lock.ErrBackendUnavailable,
	mfa.ErrBackendUnavailable,
	oauth.ErrBackendUnavailable,
	rbac.ErrBackendUnavailable,
}

func isTransient(err error) bool {
	for _, sentinel := range transientErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// withRetry runs fn, retrying transient backend failures with a bounded
// number of attempts before surfacing ErrBackendUnavailable. Timeouts are
// transient, never an authorization outcome.
func (e *Engine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= e.config.Backend.MaxRetries {
			break
		}
		select {
		case <-time.After(e.config.Backend.RetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.logger.Warn().Err(err).Msg("backend unavailable after retries")
	return errors.Join(ErrBackendUnavailable, err)
}
