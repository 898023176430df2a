package identity

import (
	"context"

	"github.com/veridianerp/identity/internal/events"
	"github.com/veridianerp/identity/metrics"
	"github.com/veridianerp/identity/rbac"
)

// Policies exposes the role, permission, and policy store for
// administration. Records live in the shared Redis; a change made here
// takes effect on the next evaluation on every instance.
func (e *Engine) Policies() *rbac.Store {
	if e == nil {
		return nil
	}
	return e.policies
}

// CheckAuthorization validates the access token and evaluates whether its
// principal may perform action on resource. A denied decision is a normal
// return, not an error; errors mean the token itself did not stand up.
func (e *Engine) CheckAuthorization(ctx context.Context, accessToken, action, resource string) (*Decision, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	principal, err := e.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var decision rbac.Decision
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		decision, err = e.evaluator.Evaluate(ctx, rbac.Subject{
			UserID: principal.UserID,
			Roles:  principal.Roles,
		}, action, resource)
		return err
	}); err != nil {
		return nil, err
	}

	out := &Decision{
		Allowed:  decision.Allowed,
		Reason:   decision.Reason,
		Evidence: convertEvidence(decision.Evidence),
	}

	if out.Allowed {
		e.metrics.Inc(metrics.AuthzAllowed)
		return out, nil
	}

	e.metrics.Inc(metrics.AuthzDenied)
	ev := e.newEvent(events.TypeAuthorizationDenied, principal.UserID, principal.TenantID)
	ev.SessionID = principal.SessionID
	ev.Detail = map[string]string{
		"action":   action,
		"resource": resource,
		"reason":   decision.Reason,
	}
	e.emit(ev)
	return out, nil
}

// RequireAuthorization is CheckAuthorization for callers that only want to
// proceed or fail. A deny comes back as a PolicyDeniedError carrying the
// decision evidence.
func (e *Engine) RequireAuthorization(ctx context.Context, accessToken, action, resource string) error {
	decision, err := e.CheckAuthorization(ctx, accessToken, action, resource)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &PolicyDeniedError{Reason: decision.Reason, Evidence: decision.Evidence}
	}
	return nil
}

func convertEvidence(in []rbac.Evidence) []PolicyEvidence {
	if len(in) == 0 {
		return nil
	}
	out := make([]PolicyEvidence, len(in))
	for i, ev := range in {
		out[i] = PolicyEvidence{
			PolicyID: ev.PolicyID,
			Effect:   ev.Effect.String(),
			Subject:  ev.Subject,
			Priority: ev.Priority,
		}
	}
	return out
}
