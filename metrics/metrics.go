// Package metrics keeps cheap in-process counters for the security core.
// Counting must never contend with the hot path, so each counter is a padded
// atomic slot; rendering them for scraping lives in metrics/export.
package metrics

import "sync/atomic"

// ID selects a counter.
type ID uint16

const (
	LoginSuccess ID = iota
	LoginFailure
	LoginLocked
	LoginMFARequired
	MFASuccess
	MFAFailure
	BackupCodeUsed
	RefreshSuccess
	RefreshFailure
	RefreshReuseDetected
	TokenValidated
	TokenRejected
	SessionCreated
	SessionRevoked
	AuthzAllowed
	AuthzDenied
	OAuthCodeIssued
	OAuthCodeExchanged
	OAuthCodeReplay
	PasswordChanged
	EventsDropped
	idCount
)

var idNames = [idCount]string{
	LoginSuccess:         "login_success",
	LoginFailure:         "login_failure",
	LoginLocked:          "login_locked",
	LoginMFARequired:     "login_mfa_required",
	MFASuccess:           "mfa_success",
	MFAFailure:           "mfa_failure",
	BackupCodeUsed:       "backup_code_used",
	RefreshSuccess:       "refresh_success",
	RefreshFailure:       "refresh_failure",
	RefreshReuseDetected: "refresh_reuse_detected",
	TokenValidated:       "token_validated",
	TokenRejected:        "token_rejected",
	SessionCreated:       "session_created",
	SessionRevoked:       "session_revoked",
	AuthzAllowed:         "authz_allowed",
	AuthzDenied:          "authz_denied",
	OAuthCodeIssued:      "oauth_code_issued",
	OAuthCodeExchanged:   "oauth_code_exchanged",
	OAuthCodeReplay:      "oauth_code_replay",
	PasswordChanged:      "password_changed",
	EventsDropped:        "events_dropped",
}

func (id ID) String() string {
	if id >= idCount {
		return "unknown"
	}
	return idNames[id]
}

// IDs returns every counter id in declaration order.
func IDs() []ID {
	out := make([]ID, idCount)
	for i := range out {
		out[i] = ID(i)
	}
	return out
}

const cacheLineSize = 64

type paddedCounter struct {
	value atomic.Uint64
	_     [cacheLineSize - 8]byte
}

// Registry holds the counter slots. A nil Registry is a no-op so callers
// never branch on metrics being enabled.
type Registry struct {
	counters [idCount]paddedCounter
}

// NewRegistry returns a zeroed registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Inc adds one to a counter.
func (r *Registry) Inc(id ID) {
	if r == nil || id >= idCount {
		return
	}
	r.counters[id].value.Add(1)
}

// Add adds n to a counter.
func (r *Registry) Add(id ID, n uint64) {
	if r == nil || id >= idCount {
		return
	}
	r.counters[id].value.Add(n)
}

// Get reads one counter.
func (r *Registry) Get(id ID) uint64 {
	if r == nil || id >= idCount {
		return 0
	}
	return r.counters[id].value.Load()
}

// Snapshot copies all counters at one point in time. Per-slot reads are
// atomic; the snapshot as a whole is not, which is fine for scraping.
func (r *Registry) Snapshot() map[ID]uint64 {
	out := make(map[ID]uint64, idCount)
	if r == nil {
		return out
	}
	for i := range r.counters {
		out[ID(i)] = r.counters[i].value.Load()
	}
	return out
}
