package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridianerp/identity/internal/secrets"
)

// pendingLogin is a login that passed the first factor and waits for the
// second. It lives in Redis so the MFA answer may arrive on any instance.
type pendingLogin struct {
	UserID      string   `json:"uid"`
	TenantID    string   `json:"tid,omitempty"`
	Fingerprint string   `json:"fp,omitempty"`
	IP          string   `json:"ip,omitempty"`
	RiskScore   int      `json:"risk"`
	Methods     []string `json:"methods"`
	// ExpiresAt carries the deadline through a consume-and-restore cycle
	// so a restored record never outlives the original window.
	ExpiresAt int64 `json:"exp"`
}

var errPendingLoginNotFound = errors.New("pending login not found")

type pendingLoginStore struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

func newPendingLoginStore(client redis.UniversalClient, ttl time.Duration) *pendingLoginStore {
	return &pendingLoginStore{redis: client, ttl: ttl}
}

func pendingKey(id string) string {
	return "mflog:" + id
}

func pendingAttemptsKey(id string) string {
	return "mflga:" + id
}

func (s *pendingLoginStore) create(ctx context.Context, rec pendingLogin) (string, error) {
	id, err := secrets.NewID()
	if err != nil {
		return "", err
	}
	rec.ExpiresAt = time.Now().Add(s.ttl).Unix()
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, pendingKey(id.String()), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return id.String(), nil
}

// consume atomically takes the record out of the store. The GETDEL makes
// the challenge single-use: of any number of concurrent answers, exactly
// one sees the record.
func (s *pendingLoginStore) consume(ctx context.Context, id string) (pendingLogin, error) {
	data, err := s.redis.GetDel(ctx, pendingKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return pendingLogin{}, errPendingLoginNotFound
		}
		return pendingLogin{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var rec pendingLogin
	if err := json.Unmarshal(data, &rec); err != nil {
		return pendingLogin{}, fmt.Errorf("corrupt pending login: %w", err)
	}
	return rec, nil
}

// restore puts a consumed record back with its remaining lifetime, after a
// wrong answer that left attempts on the budget or an infrastructure
// failure mid-verification. Expired records stay gone.
func (s *pendingLoginStore) restore(ctx context.Context, id string, rec pendingLogin) error {
	ttl := time.Until(time.Unix(rec.ExpiresAt, 0))
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, pendingKey(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// fail counts a wrong factor answer and reports the attempts so far. The
// counter shares the record's window.
func (s *pendingLoginStore) fail(ctx context.Context, id string) (int, error) {
	key := pendingAttemptsKey(id)
	n, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if n == 1 {
		_ = s.redis.Expire(ctx, key, s.ttl).Err()
	}
	return int(n), nil
}

// complete removes the record; the challenge id is single-use.
func (s *pendingLoginStore) complete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, pendingKey(id), pendingAttemptsKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
