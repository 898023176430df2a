// Package identity is the security core of a multi-tenant ERP platform:
// credential verification, abuse lockout, multi-factor authentication,
// session and token lifecycle, the OAuth2 authorization-code flow with
// PKCE, and role-based access decisions.
//
// The package is a library, not a service. Callers bring a Redis client
// for the shared security state and a UserDirectory over their own user
// store, then assemble an Engine:
//
//	engine, err := identity.New().
//		WithRedis(client).
//		WithDirectory(dir).
//		WithConfig(cfg).
//		Build()
//
// Any number of Engine instances may share one deployment. The operations
// that must not double-fire across instances (refresh rotation, backup
// code consumption, authorization code exchange, lockout transitions) are
// single Redis scripts or compare-and-swap directory calls; everything
// else is eventually consistent and fails closed.
//
// Secret material never leaves the core in recoverable form. Passwords
// and client secrets are argon2id-hashed, refresh and code secrets are
// stored as SHA-256 digests, and TOTP secrets and backup codes are handed
// to the caller exactly once at enrollment.
package identity
