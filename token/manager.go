// Package token mints and parses the signed access tokens bound to
// sessions. Tokens are short-lived JWTs; everything long-lived (refresh
// secrets, revocation state) is opaque and lives in the session store.
package token

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the JWT signature algorithm.
type SigningMethod string

const (
	// MethodHS256 signs with a shared symmetric secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with an Ed25519 private key.
	MethodEd25519 SigningMethod = "ed25519"
)

var (
	// ErrMalformed is returned for tokens that fail structural or
	// signature checks.
	ErrMalformed = errors.New("malformed access token")
	// ErrExpired is returned for structurally valid but expired tokens.
	ErrExpired = errors.New("access token expired")
)

// Config holds signing material and token policy.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	Key           []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// AccessClaims are the registered plus private claims carried by every
// access token. Scope and roles are snapshots taken at issue time; strict
// consumers re-check the session store.
type AccessClaims struct {
	UserID    string   `json:"uid"`
	TenantID  string   `json:"tid,omitempty"`
	SessionID string   `json:"sid"`
	Scope     []string `json:"scope,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Manager creates and validates access tokens with a fixed configuration.
type Manager struct {
	config  Config
	signKey any
	peekKey any
	method  jwt.SigningMethod
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway")
	}

	m := &Manager{config: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.Key) < 32 {
			return nil, errors.New("hs256 key must be at least 32 bytes")
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = cfg.Key
		m.peekKey = cfg.Key
	case MethodEd25519:
		if len(cfg.Key) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		priv := ed25519.PrivateKey(cfg.Key)
		m.method = jwt.SigningMethodEdDSA
		m.signKey = priv
		if len(cfg.PublicKey) == ed25519.PublicKeySize {
			m.peekKey = ed25519.PublicKey(cfg.PublicKey)
		} else {
			m.peekKey = priv.Public()
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	return m, nil
}

// Issue mints an access token for the given session snapshot.
func (m *Manager) Issue(userID, tenantID, sessionID string, scope, roles []string, now time.Time) (string, error) {
	claims := AccessClaims{
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		Scope:     scope,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	return jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
}

// Parse verifies signature and registered claims. Expired tokens surface
// ErrExpired; every other failure is ErrMalformed so callers cannot probe
// the verification internals.
func (m *Manager) Parse(tokenStr string) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithLeeway(m.config.Leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.config.Audience))
	}

	var claims AccessClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return m.peekKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrMalformed
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, ErrMalformed
	}
	return &claims, nil
}
