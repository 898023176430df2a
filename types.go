package identity

import (
	"context"
	"time"
)

// AccountStatus is the soft lifecycle state of a user account. Accounts are
// never hard-deleted; they end up disabled.
type AccountStatus uint8

const (
	// AccountActive may log in.
	AccountActive AccountStatus = iota
	// AccountDisabled is refused at login and at token validation.
	AccountDisabled
)

// MFA method names as they appear in MFARequiredError.Methods and
// MFAResponse.Method.
const (
	MethodTOTP       = "totp"
	MethodWebAuthn   = "webauthn"
	MethodBackupCode = "backup_code"
)

// Credentials is the first-factor login input.
type Credentials struct {
	Username string
	Password string
}

// DeviceContext describes the device a login arrives from. FingerprintHash
// is an opaque stable hash computed by the caller; the core never sees raw
// device attributes.
type DeviceContext struct {
	FingerprintHash string
	IP              string
	UserAgent       string
}

// Principal is the identity bound to a validated access token.
type Principal struct {
	UserID    string
	TenantID  string
	SessionID string
	Roles     []string
	Scope     []string
}

// TokenPair is what a successful login, refresh, or code exchange mints.
// The refresh token is opaque and single-use; it rotates on every refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
}

// LoginResult is the outcome of a fully verified login.
type LoginResult struct {
	Principal Principal
	Tokens    TokenPair
	// RiskScore is the abuse detector's score for this login, in [0,100].
	RiskScore int
	// MFAVerified reports whether a second factor was checked this login.
	MFAVerified bool
}

// MFAResponse answers a pending login challenge.
type MFAResponse struct {
	Method string
	// Code is the TOTP code or backup code for those methods.
	Code string
	// Assertion is the signed WebAuthn response. AssertionChallengeID
	// names the challenge issued by BeginWebAuthnAssertion.
	Assertion            *WebAuthnAssertion
	AssertionChallengeID string
}

// WebAuthnAssertion mirrors the authenticator's response fields.
type WebAuthnAssertion struct {
	CredentialID      string
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte
}

// WebAuthnCredential is one enrolled authenticator.
type WebAuthnCredential struct {
	CredentialID string
	// PublicKey is the PKIX-encoded ECDSA P-256 key.
	PublicKey []byte
	SignCount uint32
}

// MFAEnrollment is the per-user second-factor state held by the directory.
// Secret material is opaque to everything but the verifiers and must never
// be logged.
type MFAEnrollment struct {
	TOTPSecret []byte
	// TOTPVerified flips when the user proves possession once; unverified
	// secrets do not count as enrollment.
	TOTPVerified bool
	// TOTPLastCounter is the highest accepted code counter, for replay
	// rejection inside the drift window.
	TOTPLastCounter  int64
	BackupCodeHashes [][32]byte
	WebAuthn         []WebAuthnCredential
}

// Enrolled reports whether any usable second factor exists.
func (m MFAEnrollment) Enrolled() bool {
	return (len(m.TOTPSecret) > 0 && m.TOTPVerified) ||
		len(m.WebAuthn) > 0 ||
		len(m.BackupCodeHashes) > 0
}

// Methods lists the factor names the user can answer with.
func (m MFAEnrollment) Methods() []string {
	var out []string
	if len(m.TOTPSecret) > 0 && m.TOTPVerified {
		out = append(out, MethodTOTP)
	}
	if len(m.WebAuthn) > 0 {
		out = append(out, MethodWebAuthn)
	}
	if len(m.BackupCodeHashes) > 0 {
		out = append(out, MethodBackupCode)
	}
	return out
}

// UserRecord is the directory's account record. Version backs the
// compare-and-swap update contract.
type UserRecord struct {
	ID           string
	TenantID     string
	Username     string
	PasswordHash string
	Status       AccountStatus
	Roles        []string
	MFA          MFAEnrollment
	Version      uint64
}

// UserDirectory is the persistence contract callers implement over their
// user store. Lookup misses return ErrUserNotFound. Mutations take the
// version read earlier and fail with ErrVersionConflict when the record
// moved underneath; callers re-read and retry.
//
// ConsumeBackupCode and AdvanceTOTPCounter are the exceptions: they must be
// atomic in the store itself (single-statement update or equivalent), since
// their whole point is that two concurrent calls cannot both succeed.
type UserDirectory interface {
	FindByUsername(ctx context.Context, tenantID, username string) (UserRecord, error)
	FindByID(ctx context.Context, userID string) (UserRecord, error)

	UpdatePasswordHash(ctx context.Context, userID, newHash string, version uint64) error
	SaveMFAEnrollment(ctx context.Context, userID string, enrollment MFAEnrollment, version uint64) error

	// ConsumeBackupCode atomically marks one code hash spent. Returns
	// false when the code was unknown or already spent.
	ConsumeBackupCode(ctx context.Context, userID string, codeHash [32]byte) (bool, error)
	// AdvanceTOTPCounter atomically raises the stored counter. Returns
	// false when the counter did not advance (replay).
	AdvanceTOTPCounter(ctx context.Context, userID string, counter int64) (bool, error)
	// UpdateWebAuthnSignCount atomically raises a credential's sign
	// counter. Returns false when the counter did not advance.
	UpdateWebAuthnSignCount(ctx context.Context, userID, credentialID string, signCount uint32) (bool, error)
}

// Decision is an authorization outcome with its audit evidence.
type Decision struct {
	Allowed  bool
	Reason   string
	Evidence []PolicyEvidence
}

// PolicyEvidence names one policy that participated in a decision.
type PolicyEvidence struct {
	PolicyID string
	Effect   string
	Subject  string
	Priority int
}

// TOTPSetup is handed back once at enrollment; the secret is not
// retrievable afterwards.
type TOTPSetup struct {
	SecretBase32 string
	ProvisionURI string
}
