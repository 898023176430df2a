package session

import "time"

// Session is one authenticated device context. The refresh-secret hash is
// deliberately not part of this model: it lives in its own Redis key so
// rotation can compare-and-swap a single string atomically.
type Session struct {
	ID              string   `json:"id"`
	UserID          string   `json:"uid"`
	TenantID        string   `json:"tid"`
	Roles           []string `json:"roles,omitempty"`
	Scope           []string `json:"scope,omitempty"`
	FingerprintHash string   `json:"fph,omitempty"`
	RiskScore       int      `json:"risk,omitempty"`
	MFAVerified     bool     `json:"mfa,omitempty"`

	CreatedAt int64 `json:"cat"`
	ExpiresAt int64 `json:"eat"`
}

// Remaining returns the time until absolute expiry, or zero if expired.
func (s *Session) Remaining(now time.Time) time.Duration {
	d := time.Unix(s.ExpiresAt, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
