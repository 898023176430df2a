// Package session persists authenticated sessions in Redis and implements
// the two operations that must be linearizable across instances: refresh
// rotation (single-use, compare-and-swap) and revocation (observed by every
// subsequent validation, not just local ones).
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = errors.New("session not found")
	// ErrRevoked is returned when the session exists only as a revocation
	// tombstone. Tokens bound to it must fail validation.
	ErrRevoked = errors.New("session revoked")
	// ErrRefreshReuse signals that a refresh secret that was already
	// rotated has been presented again. The store revokes the session
	// before returning this.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrBackendUnavailable wraps Redis transport failures.
	ErrBackendUnavailable = errors.New("session backend unavailable")
)

const (
	rotateNotFound int64 = 0
	rotateOK       int64 = 1
	rotateMismatch int64 = 2
)

// Rotation compares the stored refresh hash and swaps in the next one in a
// single script. A mismatch on a live session is a reuse signal: the whole
// session is torn down and a tombstone written, so the concurrent loser (or
// a thief holding the old token) cannot win a second exchange.
const rotateScript = `
local cur = redis.call("GET", KEYS[1])
if not cur then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 0
end
if cur ~= ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("DEL", KEYS[2])
  redis.call("SET", KEYS[3], "1", "PX", ttl)
  return 2
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
return 1
`

var rotateLua = redis.NewScript(rotateScript)

// Store reads and writes sessions. A small in-process cache remembers
// sessions already observed as revoked; it is only ever used to short-cut
// the revoked answer, never to skip the shared-store check for live ones.
type Store struct {
	redis  redis.UniversalClient
	prefix string

	mu           sync.Mutex
	revokedSeen  map[string]time.Time
	revokedCache time.Duration
}

// NewStore creates a session Store. negCacheTTL bounds how long a locally
// cached "revoked" verdict is trusted before rechecking Redis; zero disables
// the cache.
func NewStore(client redis.UniversalClient, prefix string, negCacheTTL time.Duration) *Store {
	if prefix == "" {
		prefix = "sess"
	}
	return &Store{
		redis:        client,
		prefix:       prefix,
		revokedSeen:  make(map[string]time.Time),
		revokedCache: negCacheTTL,
	}
}

func (s *Store) sessionKey(tenantID, sessionID string) string {
	return s.prefix + ":" + normalizeTenant(tenantID) + ":" + sessionID
}

func (s *Store) refreshKey(sessionID string) string {
	return s.prefix + "rh:" + sessionID
}

func (s *Store) tombstoneKey(sessionID string) string {
	return s.prefix + "rv:" + sessionID
}

func (s *Store) userKey(tenantID, userID string) string {
	return s.prefix + "u:" + normalizeTenant(tenantID) + ":" + userID
}

func normalizeTenant(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

// Save persists a new session together with its refresh-secret hash.
func (s *Store) Save(ctx context.Context, sess *Session, refreshHash [32]byte, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sess.TenantID, sess.ID), data, ttl)
		pipe.Set(ctx, s.refreshKey(sess.ID), hex.EncodeToString(refreshHash[:]), ttl)
		pipe.SAdd(ctx, s.userKey(sess.TenantID, sess.UserID), sess.ID)
		pipe.Expire(ctx, s.userKey(sess.TenantID, sess.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Get loads a live session. Revoked sessions return ErrRevoked for as long
// as the tombstone lives (the original expiry), then ErrNotFound.
func (s *Store) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	if s.locallyRevoked(sessionID) {
		return nil, ErrRevoked
	}

	pipe := s.redis.Pipeline()
	sessCmd := pipe.Get(ctx, s.sessionKey(tenantID, sessionID))
	tombCmd := pipe.Exists(ctx, s.tombstoneKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if tombCmd.Val() > 0 {
		s.rememberRevoked(sessionID)
		return nil, ErrRevoked
	}

	data, err := sessCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	if sess.Remaining(time.Now()) <= 0 {
		_ = s.Revoke(ctx, tenantID, sessionID)
		return nil, ErrNotFound
	}
	return &sess, nil
}

// RotateRefreshHash atomically replaces the stored refresh hash if and only
// if providedHash matches. On mismatch the session is revoked and
// ErrRefreshReuse returned; under concurrent rotation at most one caller
// succeeds.
func (s *Store) RotateRefreshHash(ctx context.Context, tenantID, sessionID string, providedHash, nextHash [32]byte) error {
	keys := []string{
		s.refreshKey(sessionID),
		s.sessionKey(tenantID, sessionID),
		s.tombstoneKey(sessionID),
	}
	status, err := rotateLua.Run(ctx, s.redis, keys,
		hex.EncodeToString(providedHash[:]),
		hex.EncodeToString(nextHash[:]),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	switch status {
	case rotateOK:
		return nil
	case rotateMismatch:
		s.rememberRevoked(sessionID)
		return ErrRefreshReuse
	default:
		return ErrNotFound
	}
}

// Revoke tears a session down and leaves a tombstone for the remainder of
// its lifetime so in-flight tokens fail with a revoked verdict everywhere.
// Revoking an unknown or already revoked session is a no-op.
func (s *Store) Revoke(ctx context.Context, tenantID, sessionID string) error {
	ttl, err := s.redis.PTTL(ctx, s.sessionKey(tenantID, sessionID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if ttl <= 0 {
		// No live record; still write a short tombstone so concurrent
		// validators converge on the revoked verdict.
		ttl = time.Minute
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(tenantID, sessionID))
		pipe.Del(ctx, s.refreshKey(sessionID))
		pipe.Set(ctx, s.tombstoneKey(sessionID), "1", ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	s.rememberRevoked(sessionID)
	return nil
}

// RevokeAllForUser revokes every session of one user. Returns the number of
// sessions revoked.
func (s *Store) RevokeAllForUser(ctx context.Context, tenantID, userID string) (int, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(tenantID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	revoked := 0
	for _, id := range ids {
		if err := s.Revoke(ctx, tenantID, id); err != nil {
			return revoked, err
		}
		revoked++
	}
	if err := s.redis.Del(ctx, s.userKey(tenantID, userID)).Err(); err != nil {
		return revoked, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return revoked, nil
}

// ActiveSessionCount reports how many session ids are tracked for the user.
// The count may include expired entries; callers treating it as a cap should
// tolerate slight overcounting in favor of denying.
func (s *Store) ActiveSessionCount(ctx context.Context, tenantID, userID string) (int, error) {
	n, err := s.redis.SCard(ctx, s.userKey(tenantID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}

func (s *Store) locallyRevoked(sessionID string) bool {
	if s.revokedCache <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.revokedSeen[sessionID]
	if !ok {
		return false
	}
	if time.Since(seen) > s.revokedCache {
		delete(s.revokedSeen, sessionID)
		return false
	}
	return true
}

func (s *Store) rememberRevoked(sessionID string) {
	if s.revokedCache <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedSeen[sessionID] = time.Now()
}
