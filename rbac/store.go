package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis keys. One hash per record kind plus a version counter; every
// mutation bumps the counter so reader caches know when to reload.
const (
	keyRoles       = "rbac:roles"
	keyPermissions = "rbac:perms"
	keyPolicies    = "rbac:policies"
	keyVersion     = "rbac:ver"
)

// Store is the policy registry backing the evaluator. Records live in the
// shared Redis, so role and policy changes made on one instance are seen by
// every other; each Store keeps a local snapshot that is reloaded whenever
// the version counter moved.
type Store struct {
	redis redis.UniversalClient

	mu     sync.Mutex
	cached *registrySnapshot
}

// registrySnapshot is one coherent read of the registry. Shared read-only
// between the cache and evaluations; nothing may mutate it.
type registrySnapshot struct {
	version     int64
	roles       map[string]Role
	permissions map[string]Permission
	policies    []Policy
}

// NewStore returns a registry over the shared Redis.
func NewStore(client redis.UniversalClient) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{redis: client}, nil
}

func backendErr(err error) error {
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// createRecord inserts under the kind's hash if the field is free. The
// version bump rides the same transaction.
func (s *Store) createRecord(ctx context.Context, key, id string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	var setnx *redis.BoolCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setnx = pipe.HSetNX(ctx, key, id, data)
		pipe.Incr(ctx, keyVersion)
		return nil
	})
	if err != nil {
		return backendErr(err)
	}
	if !setnx.Val() {
		return ErrAlreadyExists
	}
	return nil
}

// updateRecord replaces an existing field. The existence check and the
// write are separate commands; a concurrent delete in the gap resurrects
// the record, which admin CRUD tolerates.
func (s *Store) updateRecord(ctx context.Context, key, id string, record any) error {
	exists, err := s.redis.HExists(ctx, key, id).Result()
	if err != nil {
		return backendErr(err)
	}
	if !exists {
		return ErrNotFound
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, id, data)
		pipe.Incr(ctx, keyVersion)
		return nil
	})
	if err != nil {
		return backendErr(err)
	}
	return nil
}

func (s *Store) deleteRecord(ctx context.Context, key, id string) error {
	var del *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, key, id)
		pipe.Incr(ctx, keyVersion)
		return nil
	})
	if err != nil {
		return backendErr(err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func getRecord[T any](ctx context.Context, s *Store, key, id string) (T, error) {
	var out T
	data, err := s.redis.HGet(ctx, key, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, ErrNotFound
		}
		return out, backendErr(err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("corrupt rbac record %s: %w", id, err)
	}
	return out, nil
}

func listRecords[T any](ctx context.Context, s *Store, key string, id func(T) string) ([]T, error) {
	raw, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, backendErr(err)
	}
	out := make([]T, 0, len(raw))
	for field, data := range raw {
		var rec T
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("corrupt rbac record %s: %w", field, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out, nil
}

// permissionsExist verifies every referenced permission id. A permission
// deleted concurrently leaves a stale reference, which evaluation skips.
func (s *Store) permissionsExist(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	vals, err := s.redis.HMGet(ctx, keyPermissions, ids...).Result()
	if err != nil {
		return backendErr(err)
	}
	for _, v := range vals {
		if v == nil {
			return ErrNotFound
		}
	}
	return nil
}

// CreateRole registers a role. Fails if the id is taken or a referenced
// permission does not exist.
func (s *Store) CreateRole(ctx context.Context, role Role) error {
	if role.ID == "" || role.Name == "" {
		return ErrInvalidRecord
	}
	if err := s.permissionsExist(ctx, role.Permissions); err != nil {
		return err
	}
	return s.createRecord(ctx, keyRoles, role.ID, role)
}

// UpdateRole replaces an existing role.
func (s *Store) UpdateRole(ctx context.Context, role Role) error {
	if role.ID == "" || role.Name == "" {
		return ErrInvalidRecord
	}
	if err := s.permissionsExist(ctx, role.Permissions); err != nil {
		return err
	}
	return s.updateRecord(ctx, keyRoles, role.ID, role)
}

// DeleteRole removes a role.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	return s.deleteRecord(ctx, keyRoles, id)
}

// GetRole returns a role by id.
func (s *Store) GetRole(ctx context.Context, id string) (Role, error) {
	return getRecord[Role](ctx, s, keyRoles, id)
}

// ListRoles returns all roles ordered by id.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	return listRecords(ctx, s, keyRoles, func(r Role) string { return r.ID })
}

// CreatePermission registers a permission.
func (s *Store) CreatePermission(ctx context.Context, perm Permission) error {
	if perm.ID == "" || perm.Action == "" || perm.Resource == "" {
		return ErrInvalidRecord
	}
	return s.createRecord(ctx, keyPermissions, perm.ID, perm)
}

// DeletePermission removes a permission. Roles referencing it keep the stale
// id; lookups during evaluation simply skip missing permissions.
func (s *Store) DeletePermission(ctx context.Context, id string) error {
	return s.deleteRecord(ctx, keyPermissions, id)
}

// GetPermission returns a permission by id.
func (s *Store) GetPermission(ctx context.Context, id string) (Permission, error) {
	return getRecord[Permission](ctx, s, keyPermissions, id)
}

// ListPermissions returns all permissions ordered by id.
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	return listRecords(ctx, s, keyPermissions, func(p Permission) string { return p.ID })
}

// CreatePolicy registers an explicit allow/deny rule.
func (s *Store) CreatePolicy(ctx context.Context, policy Policy) error {
	if err := policy.validate(); err != nil {
		return err
	}
	return s.createRecord(ctx, keyPolicies, policy.ID, policy)
}

// UpdatePolicy replaces an existing policy.
func (s *Store) UpdatePolicy(ctx context.Context, policy Policy) error {
	if err := policy.validate(); err != nil {
		return err
	}
	return s.updateRecord(ctx, keyPolicies, policy.ID, policy)
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	return s.deleteRecord(ctx, keyPolicies, id)
}

// GetPolicy returns a policy by id.
func (s *Store) GetPolicy(ctx context.Context, id string) (Policy, error) {
	return getRecord[Policy](ctx, s, keyPolicies, id)
}

// ListPolicies returns all policies ordered by id.
func (s *Store) ListPolicies(ctx context.Context) ([]Policy, error) {
	return listRecords(ctx, s, keyPolicies, func(p Policy) string { return p.ID })
}

// snapshot returns a coherent read of the registry for evaluation. The
// cached copy is reused while the version counter stands still, so the
// steady-state cost is one Redis GET per decision.
func (s *Store) snapshot(ctx context.Context) (*registrySnapshot, error) {
	version, err := s.redis.Get(ctx, keyVersion).Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return nil, backendErr(err)
		}
		version = 0
	}

	s.mu.Lock()
	if s.cached != nil && s.cached.version == version {
		snap := s.cached
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	roles, err := listRecords(ctx, s, keyRoles, func(r Role) string { return r.ID })
	if err != nil {
		return nil, err
	}
	perms, err := listRecords(ctx, s, keyPermissions, func(p Permission) string { return p.ID })
	if err != nil {
		return nil, err
	}
	policies, err := listRecords(ctx, s, keyPolicies, func(p Policy) string { return p.ID })
	if err != nil {
		return nil, err
	}

	snap := &registrySnapshot{
		version:     version,
		roles:       make(map[string]Role, len(roles)),
		permissions: make(map[string]Permission, len(perms)),
		policies:    policies,
	}
	for _, role := range roles {
		snap.roles[role.ID] = role
	}
	for _, perm := range perms {
		snap.permissions[perm.ID] = perm
	}

	// A mutation between the version read and the hash reads tags newer
	// data with the older version; the next snapshot simply reloads.
	s.mu.Lock()
	s.cached = snap
	s.mu.Unlock()
	return snap, nil
}
