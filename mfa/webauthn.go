package mfa

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAssertionInvalid is the single failure for any assertion check: bad
// signature, wrong challenge, wrong origin type, wrong relying party. The
// caller never learns which check failed.
var ErrAssertionInvalid = errors.New("webauthn assertion invalid")

// Assertion is the authenticator response to a challenge.
type Assertion struct {
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte
}

// assertion flag bits per the WebAuthn authenticator data layout.
const (
	flagUserPresent  = 0x01
	flagUserVerified = 0x04
)

// authenticator data: 32-byte rpIdHash, 1 flag byte, 4-byte sign counter.
const authDataMinLen = 37

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// VerifyAssertion checks a signed assertion against the stored credential
// public key (PKIX-encoded ECDSA P-256), the relying party id, and the
// single-use challenge nonce obtained from the ChallengeStore. On success it
// returns the authenticator's sign counter; the caller must reject counters
// that do not advance past the stored one (cloned-authenticator defense).
func VerifyAssertion(publicKeyDER []byte, rpID string, challenge []byte, a Assertion) (uint32, error) {
	if len(a.AuthenticatorData) < authDataMinLen || len(a.ClientDataJSON) == 0 || len(a.Signature) == 0 {
		return 0, ErrAssertionInvalid
	}

	var cd clientData
	if err := json.Unmarshal(a.ClientDataJSON, &cd); err != nil {
		return 0, ErrAssertionInvalid
	}
	if cd.Type != "webauthn.get" {
		return 0, ErrAssertionInvalid
	}
	sentChallenge, err := base64.RawURLEncoding.DecodeString(cd.Challenge)
	if err != nil || !bytes.Equal(sentChallenge, challenge) {
		return 0, ErrAssertionInvalid
	}

	rpHash := sha256.Sum256([]byte(rpID))
	if !bytes.Equal(a.AuthenticatorData[:32], rpHash[:]) {
		return 0, ErrAssertionInvalid
	}
	flags := a.AuthenticatorData[32]
	if flags&flagUserPresent == 0 {
		return 0, ErrAssertionInvalid
	}

	key, err := parseCredentialKey(publicKeyDER)
	if err != nil {
		return 0, err
	}

	// Signed payload is authenticatorData || SHA-256(clientDataJSON).
	cdHash := sha256.Sum256(a.ClientDataJSON)
	digest := sha256.Sum256(append(append([]byte{}, a.AuthenticatorData...), cdHash[:]...))
	if !ecdsa.VerifyASN1(key, digest[:], a.Signature) {
		return 0, ErrAssertionInvalid
	}

	counter := uint32(a.AuthenticatorData[33])<<24 |
		uint32(a.AuthenticatorData[34])<<16 |
		uint32(a.AuthenticatorData[35])<<8 |
		uint32(a.AuthenticatorData[36])
	return counter, nil
}

func parseCredentialKey(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("bad credential public key: %w", err)
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("credential public key is not ECDSA")
	}
	return key, nil
}
