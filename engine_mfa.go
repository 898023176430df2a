package identity

import (
	"context"
	"errors"
	"time"

	"github.com/veridianerp/identity/internal/events"
	"github.com/veridianerp/identity/metrics"
	"github.com/veridianerp/identity/mfa"
)

// AssertionChallenge is a single-use nonce a WebAuthn authenticator must
// sign over. Obtain one with BeginWebAuthnAssertion, answer it in
// MFAResponse.AssertionChallengeID.
type AssertionChallenge struct {
	ID        string
	Challenge []byte
	ExpiresAt time.Time
}

// EnrollTOTP generates a fresh TOTP secret for the user and stores it
// unverified. The secret counts as an enrolled factor only after
// ConfirmTOTP proves the user's authenticator produces matching codes.
// The returned setup material is shown once and not retrievable again.
func (e *Engine) EnrollTOTP(ctx context.Context, userID string) (*TOTPSetup, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	user, err := e.directory.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	raw, encoded, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	enrollment := user.MFA
	enrollment.TOTPSecret = raw
	enrollment.TOTPVerified = false
	enrollment.TOTPLastCounter = 0
	if err := e.directory.SaveMFAEnrollment(ctx, user.ID, enrollment, user.Version); err != nil {
		return nil, err
	}

	return &TOTPSetup{
		SecretBase32: encoded,
		ProvisionURI: e.totp.ProvisionURI(encoded, user.Username),
	}, nil
}

// ConfirmTOTP proves possession of an enrolled TOTP secret and activates
// it as a second factor.
func (e *Engine) ConfirmTOTP(ctx context.Context, userID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	user, err := e.directory.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if len(user.MFA.TOTPSecret) == 0 {
		return ErrMFANotEnrolled
	}

	ok, counter, err := e.totp.Verify(user.MFA.TOTPSecret, code, e.now())
	if err != nil {
		return err
	}
	if !ok {
		e.metrics.Inc(metrics.MFAFailure)
		return ErrMFAFailed
	}

	enrollment := user.MFA
	enrollment.TOTPVerified = true
	enrollment.TOTPLastCounter = counter
	return e.directory.SaveMFAEnrollment(ctx, user.ID, enrollment, user.Version)
}

// GenerateBackupCodes replaces the user's backup codes and returns the new
// set in display form. The plaintext codes exist only in the return value;
// the directory keeps digests.
func (e *Engine) GenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	user, err := e.directory.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	codes, hashes, err := mfa.GenerateBackupCodes(user.ID, mfa.DefaultBackupCodeCount, mfa.DefaultBackupCodeLength)
	if err != nil {
		return nil, err
	}

	enrollment := user.MFA
	enrollment.BackupCodeHashes = hashes
	if err := e.directory.SaveMFAEnrollment(ctx, user.ID, enrollment, user.Version); err != nil {
		return nil, err
	}
	return codes, nil
}

// EnrollWebAuthn registers an authenticator credential for the user. The
// public key must be PKIX-encoded ECDSA P-256; attestation verification is
// the registration ceremony's job and happens before this call.
func (e *Engine) EnrollWebAuthn(ctx context.Context, userID string, cred WebAuthnCredential) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if cred.CredentialID == "" || len(cred.PublicKey) == 0 {
		return errors.New("credential id and public key are required")
	}
	user, err := e.directory.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	for _, existing := range user.MFA.WebAuthn {
		if existing.CredentialID == cred.CredentialID {
			return errors.New("credential already enrolled")
		}
	}

	enrollment := user.MFA
	enrollment.WebAuthn = append(append([]WebAuthnCredential(nil), enrollment.WebAuthn...), cred)
	return e.directory.SaveMFAEnrollment(ctx, user.ID, enrollment, user.Version)
}

// BeginWebAuthnAssertion issues the challenge nonce an authenticator must
// sign. The challenge is single-use and expires on its own.
func (e *Engine) BeginWebAuthnAssertion(ctx context.Context, userID string) (*AssertionChallenge, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	var ch mfa.Challenge
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ch, err = e.challenges.Issue(ctx, userID)
		return err
	}); err != nil {
		return nil, err
	}
	return &AssertionChallenge{ID: ch.ID, Challenge: ch.Nonce, ExpiresAt: ch.ExpiresAt}, nil
}

// VerifyMFA answers a pending login challenge with a second factor and, on
// success, completes the login. The challenge id comes from the
// MFARequiredError returned by Login. Wrong answers are counted; once the
// attempt budget is spent the pending login is burned and the user starts
// over at the first factor.
func (e *Engine) VerifyMFA(ctx context.Context, challengeID string, resp MFAResponse) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	// The record leaves the store before any factor check, so the challenge
	// itself is single-use: concurrent answers race on the GETDEL and all
	// but one are refused outright, even with different valid factors.
	var rec pendingLogin
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = e.pending.consume(ctx, challengeID)
		return err
	}); err != nil {
		if errors.Is(err, errPendingLoginNotFound) {
			e.metrics.Inc(metrics.MFAFailure)
			return nil, ErrMFAFailed
		}
		return nil, err
	}

	user, err := e.directory.FindByID(ctx, rec.UserID)
	if err != nil {
		e.restorePending(ctx, challengeID, rec)
		return nil, err
	}
	if user.Status != AccountActive {
		_ = e.pending.complete(ctx, challengeID)
		return nil, ErrAccountDisabled
	}

	ok, err := e.verifyFactor(ctx, user, resp)
	if err != nil {
		e.restorePending(ctx, challengeID, rec)
		return nil, err
	}
	if !ok {
		return nil, e.failMFA(ctx, challengeID, rec, resp.Method)
	}

	if err := e.pending.complete(ctx, challengeID); err != nil {
		e.logger.Warn().Err(err).Msg("pending login cleanup failed")
	}
	e.metrics.Inc(metrics.MFASuccess)

	device := DeviceContext{FingerprintHash: rec.Fingerprint, IP: rec.IP}
	return e.finishLogin(ctx, user, device, rec.RiskScore, true, nil)
}

// verifyFactor runs the method-specific check. A false return is a wrong
// answer; errors are verification-infrastructure failures only.
func (e *Engine) verifyFactor(ctx context.Context, user UserRecord, resp MFAResponse) (bool, error) {
	switch resp.Method {
	case MethodTOTP:
		if len(user.MFA.TOTPSecret) == 0 || !user.MFA.TOTPVerified {
			return false, ErrMFANotEnrolled
		}
		ok, counter, err := e.totp.Verify(user.MFA.TOTPSecret, resp.Code, e.now())
		if err != nil || !ok {
			return false, err
		}
		// A matching code only counts once; the directory refuses counters
		// that do not advance, which also rejects a code replayed within
		// the drift window.
		return e.directory.AdvanceTOTPCounter(ctx, user.ID, counter)

	case MethodBackupCode:
		if len(user.MFA.BackupCodeHashes) == 0 {
			return false, ErrMFANotEnrolled
		}
		spent, err := e.directory.ConsumeBackupCode(ctx, user.ID, mfa.BackupCodeHash(user.ID, resp.Code))
		if err != nil {
			return false, err
		}
		if spent {
			e.metrics.Inc(metrics.BackupCodeUsed)
		}
		return spent, nil

	case MethodWebAuthn:
		if len(user.MFA.WebAuthn) == 0 {
			return false, ErrMFANotEnrolled
		}
		if resp.Assertion == nil || resp.AssertionChallengeID == "" {
			return false, nil
		}
		var cred *WebAuthnCredential
		for i := range user.MFA.WebAuthn {
			if user.MFA.WebAuthn[i].CredentialID == resp.Assertion.CredentialID {
				cred = &user.MFA.WebAuthn[i]
				break
			}
		}
		if cred == nil {
			return false, nil
		}

		nonce, err := e.challenges.Consume(ctx, resp.AssertionChallengeID, user.ID)
		if err != nil {
			if errors.Is(err, mfa.ErrChallengeNotFound) || errors.Is(err, mfa.ErrChallengeMismatch) {
				return false, nil
			}
			return false, err
		}

		counter, err := mfa.VerifyAssertion(cred.PublicKey, e.config.MFA.RelyingPartyID, nonce, mfa.Assertion{
			AuthenticatorData: resp.Assertion.AuthenticatorData,
			ClientDataJSON:    resp.Assertion.ClientDataJSON,
			Signature:         resp.Assertion.Signature,
		})
		if err != nil {
			if errors.Is(err, mfa.ErrAssertionInvalid) {
				return false, nil
			}
			return false, err
		}

		// Counter zero on both sides means the authenticator does not
		// implement counters; anything else must strictly advance.
		if counter == 0 && cred.SignCount == 0 {
			return true, nil
		}
		return e.directory.UpdateWebAuthnSignCount(ctx, user.ID, cred.CredentialID, counter)

	default:
		return false, nil
	}
}

// failMFA counts a wrong answer. While attempts remain on the budget the
// consumed record is put back; once the budget is spent the pending login
// stays burned.
func (e *Engine) failMFA(ctx context.Context, challengeID string, rec pendingLogin, method string) error {
	e.metrics.Inc(metrics.MFAFailure)
	ev := e.newEvent(events.TypeMFAChallengeFailed, rec.UserID, rec.TenantID)
	ev.Detail = map[string]string{"method": method}
	e.emit(ev)

	attempts, err := e.pending.fail(ctx, challengeID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("mfa attempt counter unavailable")
		e.restorePending(ctx, challengeID, rec)
		return ErrMFAFailed
	}
	if attempts >= e.config.MFA.MaxAttempts {
		if err := e.pending.complete(ctx, challengeID); err != nil {
			e.logger.Warn().Err(err).Msg("pending login cleanup failed")
		}
		return ErrMFAFailed
	}
	e.restorePending(ctx, challengeID, rec)
	return ErrMFAFailed
}

// restorePending is best effort; a lost restore costs the user a retry, not
// an account.
func (e *Engine) restorePending(ctx context.Context, challengeID string, rec pendingLogin) {
	if err := e.pending.restore(ctx, challengeID, rec); err != nil {
		e.logger.Warn().Err(err).Msg("pending login restore failed")
	}
}
