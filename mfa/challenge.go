package mfa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridianerp/identity/internal/secrets"
)

var (
	// ErrChallengeNotFound covers unknown, expired, and already-consumed
	// challenges alike so a probe learns nothing from the distinction.
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	// ErrChallengeMismatch is returned when a challenge is consumed by a
	// different user than it was issued to.
	ErrChallengeMismatch = errors.New("mfa challenge user mismatch")
	// ErrBackendUnavailable wraps Redis transport failures.
	ErrBackendUnavailable = errors.New("mfa backend unavailable")
)

// DefaultChallengeTTL bounds how long an issued challenge stays redeemable.
const DefaultChallengeTTL = 2 * time.Minute

// Challenge is a single-use server nonce a WebAuthn assertion must sign
// over. It is consumed atomically on first redemption.
type Challenge struct {
	ID        string
	UserID    string
	Nonce     []byte
	ExpiresAt time.Time
}

type challengeRecord struct {
	UserID string `json:"u"`
	Nonce  string `json:"n"`
}

// ChallengeStore keeps pending challenges in Redis. Consumption uses GETDEL
// so redemption is atomic across instances: exactly one caller observes the
// record, everyone else sees not-found.
type ChallengeStore struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

// NewChallengeStore creates a store. ttl <= 0 uses DefaultChallengeTTL.
func NewChallengeStore(client redis.UniversalClient, ttl time.Duration) (*ChallengeStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeStore{redis: client, ttl: ttl}, nil
}

func challengeKey(id string) string {
	return "mfch:" + id
}

// Issue creates a time-boxed challenge for the user.
func (s *ChallengeStore) Issue(ctx context.Context, userID string) (Challenge, error) {
	if userID == "" {
		return Challenge{}, errors.New("user id is required")
	}

	id, err := secrets.NewID()
	if err != nil {
		return Challenge{}, err
	}
	nonce, err := secrets.NewSecret()
	if err != nil {
		return Challenge{}, err
	}

	rec := challengeRecord{
		UserID: userID,
		Nonce:  base64.RawURLEncoding.EncodeToString(nonce[:]),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Challenge{}, err
	}
	if err := s.redis.Set(ctx, challengeKey(id.String()), data, s.ttl).Err(); err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return Challenge{
		ID:        id.String(),
		UserID:    userID,
		Nonce:     nonce[:],
		ExpiresAt: time.Now().Add(s.ttl),
	}, nil
}

// Consume redeems a challenge exactly once and returns its nonce. A second
// call for the same id, or a call after expiry, fails with
// ErrChallengeNotFound.
func (s *ChallengeStore) Consume(ctx context.Context, challengeID, userID string) ([]byte, error) {
	data, err := s.redis.GetDel(ctx, challengeKey(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var rec challengeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt challenge record: %w", err)
	}
	if rec.UserID != userID {
		// The record is already gone; a mismatched redemption burns it.
		return nil, ErrChallengeMismatch
	}

	nonce, err := base64.RawURLEncoding.DecodeString(rec.Nonce)
	if err != nil {
		return nil, fmt.Errorf("corrupt challenge record: %w", err)
	}
	return nonce, nil
}
