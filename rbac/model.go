// Package rbac models roles, permissions, and explicit allow/deny policies,
// and evaluates access decisions over them. Evaluation is deny-override and
// fail-closed: any matching Deny wins, no match at all denies.
package rbac

import "errors"

// Effect is the outcome a policy contributes.
type Effect uint8

const (
	// Deny refuses access. A matching Deny overrides any number of Allows.
	Deny Effect = iota
	// Allow grants access when no matching Deny exists.
	Allow
)

func (e Effect) String() string {
	if e == Allow {
		return "allow"
	}
	return "deny"
}

var (
	// ErrNotFound is returned by store lookups for unknown ids.
	ErrNotFound = errors.New("rbac record not found")
	// ErrAlreadyExists is returned when creating a duplicate id.
	ErrAlreadyExists = errors.New("rbac record already exists")
	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("invalid rbac record")
	// ErrBackendUnavailable wraps Redis failures. Transient; never an
	// authorization outcome.
	ErrBackendUnavailable = errors.New("rbac: backend unavailable")
)

// Permission pairs an action with a resource pattern. Patterns support the
// wildcards described at Match.
type Permission struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// Role groups permissions under a name. Roles are assigned to subjects by
// the user directory; the evaluator only sees the resolved role names.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Policy is an explicit allow/deny rule. Subject matches either a role name
// (prefix "role:") or a user id (prefix "user:"), with the same wildcard
// rules as actions and resources. Priority orders evidence reporting only;
// it never changes the decision.
type Policy struct {
	ID       string `json:"id"`
	Effect   Effect `json:"effect"`
	Subject  string `json:"subject"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Priority int    `json:"priority"`
}

func (p Policy) validate() error {
	if p.ID == "" || p.Subject == "" || p.Action == "" || p.Resource == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Decision is the evaluation outcome with its audit trail.
type Decision struct {
	Allowed bool
	// Reason is a short human-readable cause, stable enough to log.
	Reason string
	// Evidence names the policy that decided the outcome. Empty for the
	// default deny, where no policy matched at all.
	Evidence []Evidence
}

// Evidence records one matched policy for audit logging.
type Evidence struct {
	PolicyID string
	Effect   Effect
	Subject  string
	Priority int
}
