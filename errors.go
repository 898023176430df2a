package identity

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is the single failure for bad usernames and bad
	// passwords alike. The caller never learns which one was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked means the abuse guard refuses attempts for now.
	// Usually wrapped in an AccountLockedError carrying the retry hint.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDisabled means the account was soft-disabled by an admin.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrMFARequired means credentials passed but a second factor is
	// outstanding. Wrapped in an MFARequiredError naming the methods.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFAFailed is the generic second-factor failure, regardless of
	// which factor or which check failed.
	ErrMFAFailed = errors.New("mfa verification failed")
	// ErrMFANotEnrolled means the user has no usable second factor.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")
	// ErrTokenExpired covers expired access tokens and vanished sessions.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked means the session behind the token was revoked,
	// including revocation triggered by refresh-token reuse.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenMalformed covers undecodable and wrongly-signed tokens.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrRateLimited means the attempt was refused before any credential
	// check ran. Usually wrapped in a RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrPolicyDenied is returned by authorization checks. Wrapped in a
	// PolicyDeniedError carrying the evidence trail.
	ErrPolicyDenied = errors.New("policy denied")
	// ErrClientUnauthorized covers unknown OAuth clients, bad client
	// secrets, and unregistered redirect URIs.
	ErrClientUnauthorized = errors.New("oauth client unauthorized")
	// ErrCodeReplay means an authorization code was presented twice. This
	// is a security event, not a client mistake.
	ErrCodeReplay = errors.New("authorization code replay")
	// ErrSessionLimitExceeded means the per-user concurrent session cap
	// was reached.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	// ErrPasswordReuse rejects a password change to the current password.
	ErrPasswordReuse = errors.New("new password must differ from current password")
	// ErrUserNotFound is the directory's lookup miss. Login normalizes it
	// to ErrInvalidCredentials before it reaches a caller.
	ErrUserNotFound = errors.New("user not found")
	// ErrVersionConflict is the directory's compare-and-swap failure.
	ErrVersionConflict = errors.New("record version conflict")
	// ErrBackendUnavailable is transient: Redis or the directory did not
	// answer within budget after bounded retries.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady guards method calls on a nil or unbuilt Engine.
	ErrEngineNotReady = errors.New("engine not ready")
)

// AccountLockedError carries the cooldown hint alongside ErrAccountLocked.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// RateLimitedError carries the backoff hint alongside ErrRateLimited.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// MFARequiredError reports the outstanding second factor. ChallengeID keys
// the pending login; Methods lists what the user can answer with.
type MFARequiredError struct {
	ChallengeID string
	Methods     []string
}

func (e *MFARequiredError) Error() string {
	return "mfa required"
}

func (e *MFARequiredError) Unwrap() error { return ErrMFARequired }

// PolicyDeniedError carries the decision evidence alongside ErrPolicyDenied.
type PolicyDeniedError struct {
	Reason   string
	Evidence []PolicyEvidence
}

func (e *PolicyDeniedError) Error() string {
	return "policy denied: " + e.Reason
}

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }
