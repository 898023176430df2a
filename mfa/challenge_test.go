package mfa

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestChallengeStore(t *testing.T, ttl time.Duration) (*ChallengeStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewChallengeStore(client, ttl)
	if err != nil {
		t.Fatalf("NewChallengeStore failed: %v", err)
	}
	return s, mr
}

func TestChallengeConsumedExactlyOnce(t *testing.T) {
	s, _ := newTestChallengeStore(t, time.Minute)
	ctx := context.Background()

	ch, err := s.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	nonce, err := s.Consume(ctx, ch.ID, "u1")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !bytes.Equal(nonce, ch.Nonce) {
		t.Fatal("consumed nonce does not match issued nonce")
	}

	if _, err := s.Consume(ctx, ch.ID, "u1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound on second consume, got %v", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	s, mr := newTestChallengeStore(t, time.Minute)
	ctx := context.Background()

	ch, err := s.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := s.Consume(ctx, ch.ID, "u1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound after expiry, got %v", err)
	}
}

func TestChallengeWrongUserBurnsRecord(t *testing.T) {
	s, _ := newTestChallengeStore(t, time.Minute)
	ctx := context.Background()

	ch, err := s.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := s.Consume(ctx, ch.ID, "u2"); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch, got %v", err)
	}
	// The record is single-use even on a mismatched attempt.
	if _, err := s.Consume(ctx, ch.ID, "u1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound after burned record, got %v", err)
	}
}

func TestChallengeUnknownID(t *testing.T) {
	s, _ := newTestChallengeStore(t, time.Minute)

	if _, err := s.Consume(context.Background(), "no-such-id", "u1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}
