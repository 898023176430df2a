package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evaluate(t *testing.T, eval *Evaluator, subject Subject, action, resource string) Decision {
	t.Helper()
	d, err := eval.Evaluate(context.Background(), subject, action, resource)
	require.NoError(t, err)
	return d
}

func TestDenyOverridesAllow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePolicy(ctx, Policy{
		ID: "p-viewer-read", Effect: Allow, Subject: "role:viewer",
		Action: "read", Resource: "invoice/*",
	}))
	require.NoError(t, store.CreatePolicy(ctx, Policy{
		ID: "p-auditor-secret", Effect: Deny, Subject: "role:auditor",
		Action: "read", Resource: "invoice/secret", Priority: 10,
	}))

	eval := NewEvaluator(store)
	subject := Subject{UserID: "u1", Roles: []string{"viewer", "auditor"}}

	d := evaluate(t, eval, subject, "read", "invoice/secret")
	assert.False(t, d.Allowed)
	require.NotEmpty(t, d.Evidence)
	assert.Equal(t, "p-auditor-secret", d.Evidence[0].PolicyID)
	assert.Equal(t, Deny, d.Evidence[0].Effect)

	d = evaluate(t, eval, subject, "read", "invoice/123")
	assert.True(t, d.Allowed)
	require.NotEmpty(t, d.Evidence)
	assert.Equal(t, "p-viewer-read", d.Evidence[0].PolicyID)
}

func TestDefaultDeny(t *testing.T) {
	store, _ := newTestStore(t)
	eval := NewEvaluator(store)

	d := evaluate(t, eval, Subject{UserID: "u1", Roles: []string{"viewer"}}, "read", "invoice/1")
	assert.False(t, d.Allowed)
	assert.Empty(t, d.Evidence)
	assert.Equal(t, "no matching policy", d.Reason)
}

func TestRolePermissionsGrantImplicitAllow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePermission(ctx, Permission{ID: "perm-read-invoices", Action: "read", Resource: "invoice/*"}))
	require.NoError(t, store.CreateRole(ctx, Role{ID: "viewer", Name: "viewer", Permissions: []string{"perm-read-invoices"}}))

	eval := NewEvaluator(store)

	d := evaluate(t, eval, Subject{UserID: "u1", Roles: []string{"viewer"}}, "read", "invoice/42")
	assert.True(t, d.Allowed)
	require.NotEmpty(t, d.Evidence)
	assert.Equal(t, "permission:perm-read-invoices", d.Evidence[0].PolicyID)

	d = evaluate(t, eval, Subject{UserID: "u1", Roles: []string{"viewer"}}, "delete", "invoice/42")
	assert.False(t, d.Allowed)
}

func TestUserScopedPolicies(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.CreatePolicy(context.Background(), Policy{
		ID: "p-alice", Effect: Allow, Subject: "user:alice",
		Action: "*", Resource: "report/*",
	}))

	eval := NewEvaluator(store)

	assert.True(t, evaluate(t, eval, Subject{UserID: "alice"}, "export", "report/q3").Allowed)
	assert.False(t, evaluate(t, eval, Subject{UserID: "bob"}, "export", "report/q3").Allowed)
}

func TestWildcardMatching(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything", true},
		{"invoice/*", "invoice/123", true},
		{"invoice/*", "invoice/123/lines", true},
		{"invoice/*", "invoice", true},
		{"invoice/*", "invoices/123", false},
		{"invoice/123", "invoice/123", true},
		{"invoice/123", "invoice/124", false},
		{"invoice*", "invoice123", false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, Match(tc.pattern, tc.value), "Match(%q, %q)", tc.pattern, tc.value)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePolicy(ctx, Policy{
		ID: "p-a", Effect: Deny, Subject: "role:ops", Action: "write", Resource: "ledger/*", Priority: 1,
	}))
	require.NoError(t, store.CreatePolicy(ctx, Policy{
		ID: "p-b", Effect: Deny, Subject: "role:ops", Action: "write", Resource: "ledger/main", Priority: 5,
	}))

	eval := NewEvaluator(store)
	subject := Subject{UserID: "u1", Roles: []string{"ops"}}

	first := evaluate(t, eval, subject, "write", "ledger/main")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, evaluate(t, eval, subject, "write", "ledger/main"))
	}
	// Higher priority policy leads the evidence.
	require.Len(t, first.Evidence, 2)
	assert.Equal(t, "p-b", first.Evidence[0].PolicyID)
}

func TestIncompleteRequestDenied(t *testing.T) {
	store, _ := newTestStore(t)
	eval := NewEvaluator(store)
	assert.False(t, evaluate(t, eval, Subject{}, "read", "x").Allowed)
	assert.False(t, evaluate(t, eval, Subject{UserID: "u1"}, "", "x").Allowed)
	assert.False(t, evaluate(t, eval, Subject{UserID: "u1"}, "read", "").Allowed)
}
