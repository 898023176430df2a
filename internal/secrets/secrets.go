// Package secrets generates and encodes the opaque identifiers and secrets
// used by the security core: session IDs, refresh tokens, authorization
// codes, and MFA challenges. Plaintext secrets never leave this package in
// any form other than the encoded token handed to the caller; stores keep
// only SHA-256 digests.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const (
	idSize     = 16
	secretSize = 32
	tokenSize  = idSize + secretSize
)

// ErrMalformedToken is returned when an opaque token does not decode to the
// expected id+secret layout.
var ErrMalformedToken = errors.New("malformed opaque token")

// ID is a 16-byte random identifier, rendered as unpadded base64url.
type ID [idSize]byte

// NewID returns a cryptographically random ID.
func NewID() (ID, error) {
	var id ID
	_, err := rand.Read(id[:])
	return id, err
}

func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// ParseID decodes the base64url form produced by String.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, ErrMalformedToken
	}
	if len(raw) != idSize {
		return id, ErrMalformedToken
	}
	copy(id[:], raw)
	return id, nil
}

// NewSecret returns 32 random bytes for use as a refresh secret,
// authorization code secret, or challenge nonce.
func NewSecret() ([secretSize]byte, error) {
	var secret [secretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// Hash returns the SHA-256 digest of a secret. Stores persist this digest,
// never the secret itself.
func Hash(secret [secretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// HashString digests an arbitrary string value (device fingerprints,
// backup codes).
func HashString(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}

// EncodeToken packs an identifier and its secret into one opaque
// base64url token. The layout is fixed-size so decoding cannot be
// confused by attacker-chosen separators.
func EncodeToken(id string, secret [secretSize]byte) (string, error) {
	parsed, err := ParseID(id)
	if err != nil {
		return "", err
	}

	var raw [tokenSize]byte
	copy(raw[:idSize], parsed[:])
	copy(raw[idSize:], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeToken splits an opaque token back into its identifier and secret.
func DecodeToken(token string) (string, [secretSize]byte, error) {
	var secret [secretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, ErrMalformedToken
	}
	if len(raw) != tokenSize {
		return "", secret, ErrMalformedToken
	}

	var id ID
	copy(id[:], raw[:idSize])
	copy(secret[:], raw[idSize:])

	return id.String(), secret, nil
}
