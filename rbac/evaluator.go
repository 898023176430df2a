package rbac

import (
	"context"
	"sort"
)

// Subject is the resolved caller identity: the user id plus the role names
// the directory assigned. The evaluator never resolves assignments itself.
type Subject struct {
	UserID string
	Roles  []string
}

// Evaluator computes access decisions over a Store.
type Evaluator struct {
	store *Store
}

// NewEvaluator wraps a registry.
func NewEvaluator(store *Store) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate decides whether the subject may perform action on resource.
//
// Matching gathers explicit policies covering (subject, action, resource)
// plus the implicit Allow each role permission grants. Any matching Deny
// wins regardless of how many Allows match. No match at all is a Deny.
// Evidence lists the winning effect's policies ordered by priority so audit
// logs name the rule that fired. Errors are registry-read failures only,
// never a decision.
func (e *Evaluator) Evaluate(ctx context.Context, subject Subject, action, resource string) (Decision, error) {
	if subject.UserID == "" || action == "" || resource == "" {
		return Decision{Allowed: false, Reason: "incomplete request"}, nil
	}

	snap, err := e.store.snapshot(ctx)
	if err != nil {
		return Decision{}, err
	}
	roles, perms, policies := snap.roles, snap.permissions, snap.policies

	var denies, allows []Evidence
	for _, policy := range policies {
		if !matchSubject(policy.Subject, subject.UserID, subject.Roles) {
			continue
		}
		if !Match(policy.Action, action) || !Match(policy.Resource, resource) {
			continue
		}
		ev := Evidence{
			PolicyID: policy.ID,
			Effect:   policy.Effect,
			Subject:  policy.Subject,
			Priority: policy.Priority,
		}
		if policy.Effect == Deny {
			denies = append(denies, ev)
		} else {
			allows = append(allows, ev)
		}
	}

	// Role permissions are implicit Allows.
	for _, roleName := range subject.Roles {
		role, ok := roleByName(roles, roleName)
		if !ok {
			continue
		}
		for _, pid := range role.Permissions {
			perm, ok := perms[pid]
			if !ok {
				continue
			}
			if Match(perm.Action, action) && Match(perm.Resource, resource) {
				allows = append(allows, Evidence{
					PolicyID: "permission:" + perm.ID,
					Effect:   Allow,
					Subject:  "role:" + role.Name,
				})
			}
		}
	}

	if len(denies) > 0 {
		orderEvidence(denies)
		return Decision{
			Allowed:  false,
			Reason:   "denied by policy " + denies[0].PolicyID,
			Evidence: denies,
		}, nil
	}
	if len(allows) > 0 {
		orderEvidence(allows)
		return Decision{
			Allowed:  true,
			Reason:   "allowed by " + allows[0].PolicyID,
			Evidence: allows,
		}, nil
	}
	return Decision{Allowed: false, Reason: "no matching policy"}, nil
}

func roleByName(roles map[string]Role, name string) (Role, bool) {
	if role, ok := roles[name]; ok {
		return role, true
	}
	for _, role := range roles {
		if role.Name == name {
			return role, true
		}
	}
	return Role{}, false
}

// orderEvidence sorts by priority descending, then id for determinism.
func orderEvidence(evs []Evidence) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].Priority != evs[j].Priority {
			return evs[i].Priority > evs[j].Priority
		}
		return evs[i].PolicyID < evs[j].PolicyID
	})
}
