package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// totpCode derives the 6-digit SHA1 code for the given instant, for driving
// the enrollment and login flows from the test side.
func totpCode(secret []byte, at time.Time) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(at.Unix()/30))
	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	return fmt.Sprintf("%06d", bin%1000000)
}

func mfaTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *memoryDirectory, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	dir := newMemoryDirectory()
	clock := newFakeClock()
	cfg := testEngineConfig()
	cfg.MFA.Required = true
	if mutate != nil {
		mutate(&cfg)
	}
	return buildEngine(t, mr, dir, cfg, clock), dir, clock
}

func requireMFA(t *testing.T, e *Engine, username, pass string) *MFARequiredError {
	t.Helper()
	_, err := e.Login(context.Background(), Credentials{Username: username, Password: pass}, DeviceContext{})
	var mfaErr *MFARequiredError
	if !errors.As(err, &mfaErr) {
		t.Fatalf("Login: got %v, want MFARequiredError", err)
	}
	return mfaErr
}

func TestBackupCodeLogin(t *testing.T) {
	engine, dir, _ := mfaTestEngine(t, nil)
	seedUser(t, engine, dir, "u1", "alice", "pw")

	codes, err := engine.GenerateBackupCodes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if len(codes) == 0 {
		t.Fatal("no backup codes minted")
	}

	mfaErr := requireMFA(t, engine, "alice", "pw")
	found := false
	for _, m := range mfaErr.Methods {
		if m == MethodBackupCode {
			found = true
		}
	}
	if !found {
		t.Fatalf("methods = %v, want backup_code offered", mfaErr.Methods)
	}

	res, err := engine.VerifyMFA(context.Background(), mfaErr.ChallengeID, MFAResponse{
		Method: MethodBackupCode,
		Code:   codes[0],
	})
	if err != nil {
		t.Fatalf("VerifyMFA: %v", err)
	}
	if !res.MFAVerified {
		t.Fatal("MFAVerified = false after a verified factor")
	}

	// A spent code is dead; the next one still works.
	second := requireMFA(t, engine, "alice", "pw")
	if _, err := engine.VerifyMFA(context.Background(), second.ChallengeID, MFAResponse{
		Method: MethodBackupCode,
		Code:   codes[0],
	}); !errors.Is(err, ErrMFAFailed) {
		t.Fatalf("spent code: got %v, want ErrMFAFailed", err)
	}
	if _, err := engine.VerifyMFA(context.Background(), second.ChallengeID, MFAResponse{
		Method: MethodBackupCode,
		Code:   codes[1],
	}); err != nil {
		t.Fatalf("fresh code: %v", err)
	}
}

func TestMFAAttemptBudget(t *testing.T) {
	engine, dir, _ := mfaTestEngine(t, func(cfg *Config) {
		cfg.MFA.MaxAttempts = 2
	})
	seedUser(t, engine, dir, "u1", "alice", "pw")

	codes, err := engine.GenerateBackupCodes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}

	mfaErr := requireMFA(t, engine, "alice", "pw")
	for i := 0; i < 2; i++ {
		if _, err := engine.VerifyMFA(context.Background(), mfaErr.ChallengeID, MFAResponse{
			Method: MethodBackupCode,
			Code:   "WRONG-CODE-00",
		}); !errors.Is(err, ErrMFAFailed) {
			t.Fatalf("wrong answer %d: got %v, want ErrMFAFailed", i+1, err)
		}
	}

	// Budget spent: the pending login is burned, right answers included.
	if _, err := engine.VerifyMFA(context.Background(), mfaErr.ChallengeID, MFAResponse{
		Method: MethodBackupCode,
		Code:   codes[0],
	}); !errors.Is(err, ErrMFAFailed) {
		t.Fatalf("after budget: got %v, want ErrMFAFailed", err)
	}
}

func TestTOTPEnrollmentAndLogin(t *testing.T) {
	engine, dir, clock := mfaTestEngine(t, nil)
	seedUser(t, engine, dir, "u1", "alice", "pw")

	setup, err := engine.EnrollTOTP(context.Background(), "u1")
	if err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(setup.SecretBase32)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}

	// Unconfirmed secrets are not an enrolled factor.
	if _, err := engine.Login(context.Background(), Credentials{Username: "alice", Password: "pw"}, DeviceContext{}); err != nil {
		t.Fatalf("login before confirmation: %v", err)
	}

	if err := engine.ConfirmTOTP(context.Background(), "u1", totpCode(secret, clock.Now())); err != nil {
		t.Fatalf("ConfirmTOTP: %v", err)
	}

	clock.Advance(31 * time.Second)
	mfaErr := requireMFA(t, engine, "alice", "pw")
	code := totpCode(secret, clock.Now())
	if _, err := engine.VerifyMFA(context.Background(), mfaErr.ChallengeID, MFAResponse{
		Method: MethodTOTP,
		Code:   code,
	}); err != nil {
		t.Fatalf("VerifyMFA: %v", err)
	}

	// The same code cannot complete a second login within its window.
	second := requireMFA(t, engine, "alice", "pw")
	if _, err := engine.VerifyMFA(context.Background(), second.ChallengeID, MFAResponse{
		Method: MethodTOTP,
		Code:   code,
	}); !errors.Is(err, ErrMFAFailed) {
		t.Fatalf("replayed code: got %v, want ErrMFAFailed", err)
	}
}

func TestVerifyMFAChallengeSingleUse(t *testing.T) {
	engine, dir, clock := mfaTestEngine(t, nil)
	seedUser(t, engine, dir, "u1", "alice", "pw")
	ctx := context.Background()

	codes, err := engine.GenerateBackupCodes(ctx, "u1")
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	setup, err := engine.EnrollTOTP(ctx, "u1")
	if err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(setup.SecretBase32)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	if err := engine.ConfirmTOTP(ctx, "u1", totpCode(secret, clock.Now())); err != nil {
		t.Fatalf("ConfirmTOTP: %v", err)
	}
	clock.Advance(31 * time.Second)

	mfaErr := requireMFA(t, engine, "alice", "pw")

	// Two correct answers through different factors race on the same
	// challenge; one login must come out, not two.
	answers := []MFAResponse{
		{Method: MethodTOTP, Code: totpCode(secret, clock.Now())},
		{Method: MethodBackupCode, Code: codes[0]},
	}
	results := make([]error, len(answers))
	var wg sync.WaitGroup
	wg.Add(len(answers))
	for i, resp := range answers {
		go func(i int, resp MFAResponse) {
			defer wg.Done()
			_, results[i] = engine.VerifyMFA(ctx, mfaErr.ChallengeID, resp)
		}(i, resp)
	}
	wg.Wait()

	successes := 0
	for i, err := range results {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, ErrMFAFailed) {
			t.Fatalf("answer %d: got %v, want success or ErrMFAFailed", i, err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
}

func TestWebAuthnLogin(t *testing.T) {
	const rpID = "erp.example.com"
	engine, dir, _ := mfaTestEngine(t, func(cfg *Config) {
		cfg.MFA.RelyingPartyID = rpID
	})
	seedUser(t, engine, dir, "u1", "alice", "pw")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if err := engine.EnrollWebAuthn(context.Background(), "u1", WebAuthnCredential{
		CredentialID: "cred-1",
		PublicKey:    der,
	}); err != nil {
		t.Fatalf("EnrollWebAuthn: %v", err)
	}

	mfaErr := requireMFA(t, engine, "alice", "pw")

	ch, err := engine.BeginWebAuthnAssertion(context.Background(), "u1")
	if err != nil {
		t.Fatalf("BeginWebAuthnAssertion: %v", err)
	}
	assertion := signAssertion(t, key, rpID, ch.Challenge, 1)

	res, err := engine.VerifyMFA(context.Background(), mfaErr.ChallengeID, MFAResponse{
		Method:               MethodWebAuthn,
		Assertion:            &assertion,
		AssertionChallengeID: ch.ID,
	})
	if err != nil {
		t.Fatalf("VerifyMFA: %v", err)
	}
	if !res.MFAVerified {
		t.Fatal("MFAVerified = false")
	}

	user, err := dir.FindByID(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if user.MFA.WebAuthn[0].SignCount != 1 {
		t.Fatalf("sign count = %d, want 1", user.MFA.WebAuthn[0].SignCount)
	}

	// Challenges are single-use; replaying the assertion fails.
	second := requireMFA(t, engine, "alice", "pw")
	if _, err := engine.VerifyMFA(context.Background(), second.ChallengeID, MFAResponse{
		Method:               MethodWebAuthn,
		Assertion:            &assertion,
		AssertionChallengeID: ch.ID,
	}); !errors.Is(err, ErrMFAFailed) {
		t.Fatalf("replayed assertion: got %v, want ErrMFAFailed", err)
	}
}

func signAssertion(t *testing.T, key *ecdsa.PrivateKey, rpID string, challenge []byte, counter uint32) WebAuthnAssertion {
	t.Helper()

	rpHash := sha256.Sum256([]byte(rpID))
	authData := make([]byte, 37)
	copy(authData[:32], rpHash[:])
	authData[32] = 0x01
	binary.BigEndian.PutUint32(authData[33:], counter)

	cdj, err := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": base64.RawURLEncoding.EncodeToString(challenge),
		"origin":    "https://" + rpID,
	})
	if err != nil {
		t.Fatalf("marshal client data: %v", err)
	}

	cdHash := sha256.Sum256(cdj)
	digest := sha256.Sum256(append(append([]byte{}, authData...), cdHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	return WebAuthnAssertion{
		CredentialID:      "cred-1",
		AuthenticatorData: authData,
		ClientDataJSON:    cdj,
		Signature:         sig,
	}
}
