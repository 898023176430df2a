package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridianerp/identity/internal/secrets"
)

var (
	// ErrCodeInvalid covers unknown, expired, and malformed codes.
	ErrCodeInvalid = errors.New("authorization code invalid")
	// ErrCodeReplay means the code was already exchanged once. This is a
	// security signal, not a normal client error.
	ErrCodeReplay = errors.New("authorization code replayed")
	// ErrBackendUnavailable wraps Redis transport failures.
	ErrBackendUnavailable = errors.New("oauth backend unavailable")
)

// DefaultCodeTTL bounds the authorize-to-exchange window.
const DefaultCodeTTL = 60 * time.Second

// replayMarkerTTL is how long a consumed code id can still be recognized as
// a replay rather than an unknown code.
const replayMarkerTTL = 10 * time.Minute

// Grant is what an authorization code carries between the authorize and
// token steps.
type Grant struct {
	ClientID    string   `json:"cid"`
	UserID      string   `json:"uid"`
	TenantID    string   `json:"tid,omitempty"`
	RedirectURI string   `json:"ru"`
	Scope       []string `json:"sc,omitempty"`
	Challenge   string   `json:"ch"`
}

type codeRecord struct {
	Grant
	SecretHash string `json:"sh"`
}

// Consume statuses from the Lua script.
const (
	codeMissing  = 0
	codeConsumed = 1
	codeReplayed = 2
)

// consumeScript atomically takes the code record and leaves a replay marker
// behind. Exactly one exchange observes the record; later exchanges of the
// same code are distinguishable from never-issued codes by the marker.
var consumeScript = redis.NewScript(`
local rec = redis.call('GET', KEYS[1])
if not rec then
  if redis.call('EXISTS', KEYS[2]) == 1 then
    return {2, ''}
  end
  return {0, ''}
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], '1', 'PX', ARGV[1])
return {1, rec}
`)

// CodeStore keeps pending authorization codes in Redis.
type CodeStore struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

// NewCodeStore creates a store. ttl <= 0 uses DefaultCodeTTL.
func NewCodeStore(client redis.UniversalClient, ttl time.Duration) (*CodeStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeStore{redis: client, ttl: ttl}, nil
}

func codeKey(id string) string {
	return "oac:" + id
}

func codeUsedKey(id string) string {
	return "oacu:" + id
}

// Issue mints a single-use code bound to the grant. The returned string is
// the only copy of the code secret; the store keeps its hash.
func (s *CodeStore) Issue(ctx context.Context, grant Grant) (string, error) {
	id, err := secrets.NewID()
	if err != nil {
		return "", err
	}
	secret, err := secrets.NewSecret()
	if err != nil {
		return "", err
	}
	hash := secrets.Hash(secret)

	rec := codeRecord{Grant: grant, SecretHash: hex.EncodeToString(hash[:])}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, codeKey(id.String()), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return secrets.EncodeToken(id.String(), secret)
}

// Consume redeems a code exactly once and returns its grant. A second
// redemption fails with ErrCodeReplay; unknown, expired, and tampered codes
// fail with ErrCodeInvalid. The record is gone either way: a failed PKCE
// check after Consume burns the code, it cannot be retried.
func (s *CodeStore) Consume(ctx context.Context, code string) (Grant, error) {
	id, secret, err := secrets.DecodeToken(code)
	if err != nil {
		return Grant{}, ErrCodeInvalid
	}

	res, err := consumeScript.Run(ctx, s.redis,
		[]string{codeKey(id), codeUsedKey(id)},
		replayMarkerTTL.Milliseconds(),
	).Slice()
	if err != nil || len(res) != 2 {
		return Grant{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	status, _ := res[0].(int64)
	switch status {
	case codeReplayed:
		return Grant{}, ErrCodeReplay
	case codeConsumed:
	default:
		return Grant{}, ErrCodeInvalid
	}

	raw, _ := res[1].(string)
	var rec codeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Grant{}, fmt.Errorf("corrupt code record: %w", err)
	}

	hash := secrets.Hash(secret)
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(hash[:])), []byte(rec.SecretHash)) != 1 {
		return Grant{}, ErrCodeInvalid
	}
	return rec.Grant, nil
}
