package identity

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/veridianerp/identity/abuse"
	"github.com/veridianerp/identity/internal/events"
	"github.com/veridianerp/identity/internal/secrets"
	"github.com/veridianerp/identity/metrics"
	"github.com/veridianerp/identity/session"
)

// loginPrincipal keys the abuse counters. The username is part of the key
// so a credential-stuffing sweep against many accounts does not share one
// counter, and unknown usernames are throttled like real ones.
func loginPrincipal(tenantID, username string) string {
	return tenantID + ":" + username
}

// Login runs the full first-factor path: abuse gate, credential check,
// risk scoring, and either a minted session or an MFA challenge.
//
// All credential failures surface as ErrInvalidCredentials; whether the
// username or the password was wrong is never revealed. A locked principal
// is refused before any credential check with AccountLockedError.
func (e *Engine) Login(ctx context.Context, creds Credentials, device DeviceContext) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	tenantID := tenantIDFromContext(ctx)
	principal := loginPrincipal(tenantID, creds.Username)

	// Origin throttle runs before any backend or credential work.
	origin := device.IP
	if origin == "" {
		origin = clientIPFromContext(ctx)
	}
	if wait, ok := e.throttle.Allow(origin); !ok {
		return nil, &RateLimitedError{RetryAfter: wait}
	}

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.guard.Gate(ctx, principal)
	}); err != nil {
		var locked *abuse.LockedError
		if errors.As(err, &locked) {
			e.metrics.Inc(metrics.LoginLocked)
			return nil, &AccountLockedError{RetryAfter: locked.RetryAfter}
		}
		return nil, err
	}

	user, err := e.directory.FindByUsername(ctx, tenantID, creds.Username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Unknown usernames burn an attempt too, so probing is as
			// expensive as guessing passwords.
			return nil, e.failLogin(ctx, principal, "", tenantID, device)
		}
		return nil, err
	}

	ok, err := e.hasher.Verify(creds.Password, user.PasswordHash)
	if err != nil {
		e.logger.Error().Err(err).Str("user_id", user.ID).Msg("stored credential hash unreadable")
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, e.failLogin(ctx, principal, user.ID, tenantID, device)
	}

	if user.Status != AccountActive {
		return nil, ErrAccountDisabled
	}

	if upgrade, err := e.hasher.NeedsUpgrade(user.PasswordHash); err == nil && upgrade {
		e.upgradePasswordHash(ctx, user, creds.Password)
	}

	assessment, err := e.risk.Assess(ctx, user.ID, device.FingerprintHash)
	if err != nil {
		// Risk scoring is advisory; a scoring failure must not block a
		// valid login, it just loses the signal.
		e.logger.Warn().Err(err).Str("user_id", user.ID).Msg("risk assessment unavailable")
		assessment = abuse.Assessment{}
	}
	if assessment.ForceMFA {
		ev := e.newEvent(events.TypeSuspiciousLogin, user.ID, tenantID)
		ev.Detail = map[string]string{
			"risk_score":   strconv.Itoa(assessment.Score),
			"novel_device": strconv.FormatBool(assessment.NovelDevice),
		}
		e.emit(ev)
	}

	if user.MFA.Enrolled() && (e.config.MFA.Required || assessment.ForceMFA) {
		var challengeID string
		if err := e.withRetry(ctx, func(ctx context.Context) error {
			var err error
			challengeID, err = e.pending.create(ctx, pendingLogin{
				UserID:      user.ID,
				TenantID:    tenantID,
				Fingerprint: device.FingerprintHash,
				IP:          device.IP,
				RiskScore:   assessment.Score,
				Methods:     user.MFA.Methods(),
			})
			return err
		}); err != nil {
			return nil, err
		}
		e.metrics.Inc(metrics.LoginMFARequired)
		return nil, &MFARequiredError{ChallengeID: challengeID, Methods: user.MFA.Methods()}
	}

	return e.finishLogin(ctx, user, device, assessment.Score, false, nil)
}

// upgradePasswordHash rehashes a verified credential under the current cost
// parameters. Best effort; a failed upgrade never blocks the login.
func (e *Engine) upgradePasswordHash(ctx context.Context, user UserRecord, plaintext string) {
	newHash, err := e.hasher.Hash(plaintext)
	if err != nil {
		e.logger.Warn().Err(err).Str("user_id", user.ID).Msg("password hash upgrade skipped")
		return
	}
	if err := e.directory.UpdatePasswordHash(ctx, user.ID, newHash, user.Version); err != nil {
		e.logger.Warn().Err(err).Str("user_id", user.ID).Msg("password hash upgrade not stored")
	}
}

// failLogin counts a failed attempt and maps the resulting state to the
// caller-visible error. userID may be empty for unknown usernames.
func (e *Engine) failLogin(ctx context.Context, principal, userID, tenantID string, device DeviceContext) error {
	var (
		state      abuse.State
		retryAfter time.Duration
	)
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		state, retryAfter, err = e.guard.RecordFailure(ctx, principal)
		return err
	})
	if err != nil {
		return err
	}

	if state == abuse.StateLocked {
		e.metrics.Inc(metrics.LoginLocked)
		ev := e.newEvent(events.TypeAccountLocked, userID, tenantID)
		ev.Detail = map[string]string{"retry_after": retryAfter.String(), "ip": device.IP}
		e.emit(ev)
		return &AccountLockedError{RetryAfter: retryAfter}
	}

	e.metrics.Inc(metrics.LoginFailure)
	ev := e.newEvent(events.TypeLoginFailed, userID, tenantID)
	ev.Detail = map[string]string{"ip": device.IP}
	e.emit(ev)
	return ErrInvalidCredentials
}

// finishLogin is the shared tail of Login, VerifyMFA, and the OAuth code
// exchange: reset counters, remember the device, mint the session.
func (e *Engine) finishLogin(ctx context.Context, user UserRecord, device DeviceContext, riskScore int, mfaVerified bool, scope []string) (*LoginResult, error) {
	tenantID := user.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.guard.RecordSuccess(ctx, loginPrincipal(tenantID, user.Username))
	}); err != nil {
		e.logger.Warn().Err(err).Msg("failure counter reset skipped")
	}
	if device.FingerprintHash != "" {
		if err := e.risk.RememberDevice(ctx, user.ID, device.FingerprintHash); err != nil {
			e.logger.Warn().Err(err).Msg("device memory update skipped")
		}
	}

	result, err := e.mintSession(ctx, user, tenantID, device, riskScore, mfaVerified, scope)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(metrics.LoginSuccess)
	ev := e.newEvent(events.TypeUserLoggedIn, user.ID, tenantID)
	ev.SessionID = result.Principal.SessionID
	ev.Detail = map[string]string{
		"risk_score":   strconv.Itoa(riskScore),
		"mfa_verified": strconv.FormatBool(mfaVerified),
	}
	e.emit(ev)
	return result, nil
}

// mintSession creates the session record and its token pair.
func (e *Engine) mintSession(ctx context.Context, user UserRecord, tenantID string, device DeviceContext, riskScore int, mfaVerified bool, scope []string) (*LoginResult, error) {
	if max := e.config.Session.MaxPerUser; max > 0 {
		var count int
		if err := e.withRetry(ctx, func(ctx context.Context) error {
			var err error
			count, err = e.sessions.ActiveSessionCount(ctx, tenantID, user.ID)
			return err
		}); err != nil {
			return nil, err
		}
		if count >= max {
			return nil, ErrSessionLimitExceeded
		}
	}

	sid, err := secrets.NewID()
	if err != nil {
		return nil, err
	}
	refreshSecret, err := secrets.NewSecret()
	if err != nil {
		return nil, err
	}

	now := e.now()
	expiresAt := now.Add(e.config.Session.TTL)
	sess := &session.Session{
		ID:              sid.String(),
		UserID:          user.ID,
		TenantID:        tenantID,
		Roles:           append([]string(nil), user.Roles...),
		Scope:           append([]string(nil), scope...),
		FingerprintHash: device.FingerprintHash,
		RiskScore:       riskScore,
		MFAVerified:     mfaVerified,
		CreatedAt:       now.Unix(),
		ExpiresAt:       expiresAt.Unix(),
	}
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.sessions.Save(ctx, sess, secrets.Hash(refreshSecret), e.config.Session.TTL)
	}); err != nil {
		return nil, err
	}

	access, err := e.tokens.Issue(user.ID, tenantID, sess.ID, scope, user.Roles, now)
	if err != nil {
		return nil, err
	}
	refresh, err := secrets.EncodeToken(sess.ID, refreshSecret)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(metrics.SessionCreated)
	return &LoginResult{
		Principal: Principal{
			UserID:    user.ID,
			TenantID:  tenantID,
			SessionID: sess.ID,
			Roles:     sess.Roles,
			Scope:     sess.Scope,
		},
		Tokens: TokenPair{
			AccessToken:      access,
			AccessExpiresAt:  now.Add(e.config.Token.AccessTTL),
			RefreshToken:     refresh,
			RefreshExpiresAt: expiresAt,
			SessionID:        sess.ID,
		},
		RiskScore:   riskScore,
		MFAVerified: mfaVerified,
	}, nil
}

// UnlockAccount lifts an active lockout for administrative recovery. The
// escalation history is kept, so resumed failures lock again faster.
func (e *Engine) UnlockAccount(ctx context.Context, tenantID, username string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}
	return e.withRetry(ctx, func(ctx context.Context) error {
		return e.guard.Unlock(ctx, loginPrincipal(tenantID, username))
	})
}

// ChangePassword rotates the credential after proving the old one. Every
// session of the user is revoked afterwards; the caller must log in again.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.directory.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}

	ok, err := e.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}
	if oldPassword == newPassword {
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := e.directory.UpdatePasswordHash(ctx, user.ID, newHash, user.Version); err != nil {
		return err
	}

	if _, err := e.sessions.RevokeAllForUser(ctx, user.TenantID, user.ID); err != nil {
		e.logger.Warn().Err(err).Str("user_id", user.ID).Msg("session sweep after password change failed")
	}

	e.metrics.Inc(metrics.PasswordChanged)
	e.emit(e.newEvent(events.TypePasswordChanged, user.ID, user.TenantID))
	return nil
}
