// Package events delivers domain events to pluggable sinks without ever
// blocking the operation that raised them. Delivery is at-most-once from the
// core's point of view: a full buffer drops the event and counts the drop.
package events

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types raised by the security core.
const (
	TypeUserLoggedIn        = "user.logged_in"
	TypeLoginFailed         = "user.login_failed"
	TypeAccountLocked       = "user.account_locked"
	TypeTokenRevoked        = "token.revoked"
	TypeMFAChallengeFailed  = "mfa.challenge_failed"
	TypeCodeReplayDetected  = "oauth.code_replay"
	TypeSuspiciousLogin     = "user.suspicious_login"
	TypePasswordChanged     = "user.password_changed"
	TypeAuthorizationDenied = "authz.denied"
)

// Event is one audit-relevant fact. Detail values are short strings safe to
// log; secrets never go in here.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	At        time.Time         `json:"at"`
	UserID    string            `json:"user_id,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	ClientID  string            `json:"client_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// New stamps an event with a ulid and the current time.
func New(eventType string) Event {
	return Event{
		ID:   ulid.Make().String(),
		Type: eventType,
		At:   time.Now().UTC(),
	}
}

// Sink receives dispatched events. Emit runs on the dispatcher goroutine;
// slow sinks delay later events but never the operations that raised them.
type Sink interface {
	Emit(ctx context.Context, event Event)
}
