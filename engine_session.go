package identity

import (
	"context"
	"errors"
	"time"

	"github.com/veridianerp/identity/internal/events"
	"github.com/veridianerp/identity/internal/secrets"
	"github.com/veridianerp/identity/metrics"
	"github.com/veridianerp/identity/session"
	"github.com/veridianerp/identity/token"
)

// Refresh exchanges a refresh token for a fresh token pair. Each refresh
// token is single-use: presenting one that was already rotated revokes the
// whole session, on the assumption that either the legitimate holder or a
// thief has the newer token and the two can no longer be told apart.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	sessionID, secret, err := secrets.DecodeToken(refreshToken)
	if err != nil {
		e.metrics.Inc(metrics.RefreshFailure)
		return nil, ErrTokenMalformed
	}
	tenantID := tenantIDFromContext(ctx)

	var sess *session.Session
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		sess, err = e.sessions.Get(ctx, tenantID, sessionID)
		return err
	}); err != nil {
		e.metrics.Inc(metrics.RefreshFailure)
		switch {
		case errors.Is(err, session.ErrRevoked):
			return nil, ErrTokenRevoked
		case errors.Is(err, session.ErrNotFound):
			return nil, ErrTokenExpired
		}
		return nil, err
	}

	if err := e.requireActiveAccount(ctx, sess.UserID); err != nil {
		e.metrics.Inc(metrics.RefreshFailure)
		return nil, err
	}

	nextSecret, err := secrets.NewSecret()
	if err != nil {
		return nil, err
	}
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.sessions.RotateRefreshHash(ctx, tenantID, sessionID, secrets.Hash(secret), secrets.Hash(nextSecret))
	}); err != nil {
		e.metrics.Inc(metrics.RefreshFailure)
		switch {
		case errors.Is(err, session.ErrRefreshReuse):
			e.metrics.Inc(metrics.RefreshReuseDetected)
			e.metrics.Inc(metrics.SessionRevoked)
			ev := e.newEvent(events.TypeTokenRevoked, sess.UserID, sess.TenantID)
			ev.SessionID = sessionID
			ev.Detail = map[string]string{"reason": "refresh_reuse"}
			e.emit(ev)
			return nil, ErrTokenRevoked
		case errors.Is(err, session.ErrNotFound):
			return nil, ErrTokenExpired
		}
		return nil, err
	}

	now := e.now()
	access, err := e.tokens.Issue(sess.UserID, sess.TenantID, sess.ID, sess.Scope, sess.Roles, now)
	if err != nil {
		return nil, err
	}
	nextRefresh, err := secrets.EncodeToken(sess.ID, nextSecret)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(metrics.RefreshSuccess)
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(e.config.Token.AccessTTL),
		RefreshToken:     nextRefresh,
		RefreshExpiresAt: time.Unix(sess.ExpiresAt, 0),
		SessionID:        sess.ID,
	}, nil
}

// Validate checks an access token and confirms its session is still live in
// the shared store and that the account is still active in the directory. A
// revocation or a disable anywhere is therefore observed here immediately,
// at the cost of one Redis round trip and one directory read per call.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*Principal, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Parse(accessToken)
	if err != nil {
		e.metrics.Inc(metrics.TokenRejected)
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}

	var sess *session.Session
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		sess, err = e.sessions.Get(ctx, claims.TenantID, claims.SessionID)
		return err
	}); err != nil {
		e.metrics.Inc(metrics.TokenRejected)
		switch {
		case errors.Is(err, session.ErrRevoked):
			return nil, ErrTokenRevoked
		case errors.Is(err, session.ErrNotFound):
			return nil, ErrTokenExpired
		}
		return nil, err
	}

	if sess.UserID != claims.UserID {
		e.metrics.Inc(metrics.TokenRejected)
		return nil, ErrTokenMalformed
	}

	if err := e.requireActiveAccount(ctx, sess.UserID); err != nil {
		e.metrics.Inc(metrics.TokenRejected)
		return nil, err
	}

	e.metrics.Inc(metrics.TokenValidated)
	// Roles and scope come from the session record, not the token claims,
	// so grant changes take effect without waiting out the access TTL.
	return &Principal{
		UserID:    sess.UserID,
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		Roles:     sess.Roles,
		Scope:     sess.Scope,
	}, nil
}

// RevokeSession ends one session. Idempotent.
func (e *Engine) RevokeSession(ctx context.Context, tenantID, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.sessions.Revoke(ctx, tenantID, sessionID)
	}); err != nil {
		return err
	}
	e.metrics.Inc(metrics.SessionRevoked)
	ev := e.newEvent(events.TypeTokenRevoked, "", tenantID)
	ev.SessionID = sessionID
	ev.Detail = map[string]string{"reason": "revoked"}
	e.emit(ev)
	return nil
}

// RevokeAllSessions ends every session of one user and reports how many
// were torn down.
func (e *Engine) RevokeAllSessions(ctx context.Context, tenantID, userID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	var revoked int
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = e.sessions.RevokeAllForUser(ctx, tenantID, userID)
		return err
	}); err != nil {
		return revoked, err
	}
	e.metrics.Add(metrics.SessionRevoked, uint64(revoked))
	ev := e.newEvent(events.TypeTokenRevoked, userID, tenantID)
	ev.Detail = map[string]string{"reason": "revoked_all"}
	e.emit(ev)
	return revoked, nil
}

// requireActiveAccount rechecks the directory status so disabling an
// account bites before its sessions expire, not after.
func (e *Engine) requireActiveAccount(ctx context.Context, userID string) error {
	user, err := e.directory.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrTokenRevoked
		}
		return err
	}
	if user.Status != AccountActive {
		return ErrAccountDisabled
	}
	return nil
}
