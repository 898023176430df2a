// Package oauth implements the authorization-code flow pieces: the client
// registry, PKCE verification, the single-use authorization-code store, and
// the grant orchestration that ties them to the session engine.
package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// ChallengeMethodS256 is the only accepted PKCE method. The plain method
// defeats the point of PKCE on a leaky channel and is rejected outright.
const ChallengeMethodS256 = "S256"

var (
	// ErrPKCERequired is returned when a public client omits the challenge.
	ErrPKCERequired = errors.New("pkce challenge required")
	// ErrPKCEMethodUnsupported rejects anything but S256.
	ErrPKCEMethodUnsupported = errors.New("pkce method not supported")
	// ErrPKCEVerifierInvalid covers malformed and non-matching verifiers.
	ErrPKCEVerifierInvalid = errors.New("pkce verifier invalid")
)

// ChallengeS256 derives the code challenge from a verifier, for clients and
// tests. challenge = base64url(sha256(verifier)), no padding.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 checks a verifier against the stored challenge in constant
// time. RFC 7636 bounds the verifier to 43..128 unreserved characters.
func VerifyS256(challenge, verifier string) error {
	if len(verifier) < 43 || len(verifier) > 128 || !verifierCharset(verifier) {
		return ErrPKCEVerifierInvalid
	}
	derived := ChallengeS256(verifier)
	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return ErrPKCEVerifierInvalid
	}
	return nil
}

func verifierCharset(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-', r == '.', r == '_', r == '~':
		default:
			return false
		}
	}
	return true
}
