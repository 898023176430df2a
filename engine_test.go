package identity

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/veridianerp/identity/password"
)

// memoryDirectory is an in-memory UserDirectory for engine tests.
type memoryDirectory struct {
	mu    sync.Mutex
	users map[string]*UserRecord
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{users: make(map[string]*UserRecord)}
}

func (d *memoryDirectory) add(u UserRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := u
	d.users[u.ID] = &copied
}

func (d *memoryDirectory) FindByUsername(_ context.Context, tenantID, username string) (UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Username == username && u.TenantID == tenantID {
			return *u, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (d *memoryDirectory) FindByID(_ context.Context, userID string) (UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return *u, nil
}

func (d *memoryDirectory) UpdatePasswordHash(_ context.Context, userID, newHash string, version uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if u.Version != version {
		return ErrVersionConflict
	}
	u.PasswordHash = newHash
	u.Version++
	return nil
}

func (d *memoryDirectory) SaveMFAEnrollment(_ context.Context, userID string, enrollment MFAEnrollment, version uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if u.Version != version {
		return ErrVersionConflict
	}
	u.MFA = enrollment
	u.Version++
	return nil
}

func (d *memoryDirectory) ConsumeBackupCode(_ context.Context, userID string, codeHash [32]byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	for i, h := range u.MFA.BackupCodeHashes {
		if bytes.Equal(h[:], codeHash[:]) {
			u.MFA.BackupCodeHashes = append(u.MFA.BackupCodeHashes[:i], u.MFA.BackupCodeHashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (d *memoryDirectory) AdvanceTOTPCounter(_ context.Context, userID string, counter int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	if counter <= u.MFA.TOTPLastCounter {
		return false, nil
	}
	u.MFA.TOTPLastCounter = counter
	return true, nil
}

func (d *memoryDirectory) UpdateWebAuthnSignCount(_ context.Context, userID, credentialID string, signCount uint32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	for i := range u.MFA.WebAuthn {
		if u.MFA.WebAuthn[i].CredentialID != credentialID {
			continue
		}
		if signCount <= u.MFA.WebAuthn[i].SignCount {
			return false, nil
		}
		u.MFA.WebAuthn[i].SignCount = signCount
		return true, nil
	}
	return false, nil
}

// fakeClock is a mutable time source shared with the engine under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.Key = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password = password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
	cfg.Abuse.WarnThreshold = 2
	cfg.Abuse.LockThreshold = 3
	cfg.Backend.MaxRetries = 0
	cfg.Backend.RetryBackoff = time.Millisecond
	// Generous velocity budget so repeated test logins do not trip the
	// risk scorer.
	cfg.Risk.AttemptsPerMinute = 6000
	cfg.Risk.AttemptBurst = 1000
	return cfg
}

func buildEngine(t *testing.T, mr *miniredis.Miniredis, dir *memoryDirectory, cfg Config, clock *fakeClock) *Engine {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b := New().WithRedis(client).WithDirectory(dir).WithConfig(cfg)
	if clock != nil {
		b = b.WithClock(clock.Now)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis, *memoryDirectory) {
	t.Helper()
	mr := miniredis.RunT(t)
	dir := newMemoryDirectory()
	return buildEngine(t, mr, dir, testEngineConfig(), nil), mr, dir
}

func seedUser(t *testing.T, e *Engine, dir *memoryDirectory, id, username, pass string) UserRecord {
	t.Helper()
	hash, err := e.hasher.Hash(pass)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := UserRecord{
		ID:           id,
		TenantID:     "0",
		Username:     username,
		PasswordHash: hash,
		Status:       AccountActive,
		Roles:        []string{"employee"},
		Version:      1,
	}
	dir.add(u)
	return u
}

func TestLoginSuccess(t *testing.T) {
	engine, _, dir := newTestEngine(t)
	seedUser(t, engine, dir, "u1", "alice", "correct horse battery")

	res, err := engine.Login(context.Background(), Credentials{Username: "alice", Password: "correct horse battery"}, DeviceContext{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Principal.UserID != "u1" {
		t.Fatalf("principal user = %q, want u1", res.Principal.UserID)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatal("expected both tokens to be minted")
	}
	if res.MFAVerified {
		t.Fatal("no factor was checked, MFAVerified must be false")
	}

	principal, err := engine.Validate(context.Background(), res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if principal.SessionID != res.Principal.SessionID {
		t.Fatalf("session = %q, want %q", principal.SessionID, res.Principal.SessionID)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	engine, _, dir := newTestEngine(t)
	seedUser(t, engine, dir, "u1", "alice", "right")

	_, err := engine.Login(context.Background(), Credentials{Username: "alice", Password: "wrong"}, DeviceContext{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v, want ErrInvalidCredentials", err)
	}

	_, err = engine.Login(context.Background(), Credentials{Username: "nobody", Password: "whatever"}, DeviceContext{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: got %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginLockout(t *testing.T) {
	engine, _, dir := newTestEngine(t)
	seedUser(t, engine, dir, "u1", "alice", "right")

	creds := Credentials{Username: "alice", Password: "wrong"}
	for i := 0; i < 2; i++ {
		if _, err := engine.Login(context.Background(), creds, DeviceContext{}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	_, err := engine.Login(context.Background(), creds, DeviceContext{})
	var locked *AccountLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("attempt 3: got %v, want AccountLockedError", err)
	}
	if locked.RetryAfter <= 0 {
		t.Fatalf("retry hint = %v, want positive", locked.RetryAfter)
	}

	// The correct password is refused for the whole cooldown.
	_, err = engine.Login(context.Background(), Credentials{Username: "alice", Password: "right"}, DeviceContext{})
	if !errors.As(err, &locked) {
		t.Fatalf("correct password while locked: got %v, want AccountLockedError", err)
	}
}

func TestLoginOriginThrottle(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := newMemoryDirectory()
	cfg := testEngineConfig()
	cfg.Throttle.AttemptsPerMinute = 1
	cfg.Throttle.Burst = 2
	engine := buildEngine(t, mr, dir, cfg, nil)
	seedUser(t, engine, dir, "u1", "alice", "right")

	device := DeviceContext{IP: "203.0.113.7"}
	creds := Credentials{Username: "alice", Password: "right"}
	for i := 0; i < 2; i++ {
		if _, err := engine.Login(context.Background(), creds, device); err != nil {
			t.Fatalf("login %d: %v", i+1, err)
		}
	}

	_, err := engine.Login(context.Background(), creds, device)
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("got %v, want RateLimitedError", err)
	}
	if limited.RetryAfter <= 0 {
		t.Fatalf("retry hint = %v, want positive", limited.RetryAfter)
	}

	// A different origin is unaffected.
	if _, err := engine.Login(context.Background(), creds, DeviceContext{IP: "203.0.113.8"}); err != nil {
		t.Fatalf("other origin: %v", err)
	}
}

func TestUnlockAccount(t *testing.T) {
	engine, _, dir := newTestEngine(t)
	seedUser(t, engine, dir, "u1", "alice", "right")

	creds := Credentials{Username: "alice", Password: "wrong"}
	for i := 0; i < 3; i++ {
		engine.Login(context.Background(), creds, DeviceContext{})
	}
	var locked *AccountLockedError
	if _, err := engine.Login(context.Background(), Credentials{Username: "alice", Password: "right"}, DeviceContext{}); !errors.As(err, &locked) {
		t.Fatalf("got %v, want AccountLockedError", err)
	}

	if err := engine.UnlockAccount(context.Background(), "0", "alice"); err != nil {
		t.Fatalf("UnlockAccount: %v", err)
	}
	if _, err := engine.Login(context.Background(), Credentials{Username: "alice", Password: "right"}, DeviceContext{}); err != nil {
		t.Fatalf("login after unlock: %v", err)
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	engine, _, dir := newTestEngine(t)
	u := seedUser(t, engine, dir, "u1", "alice", "right")
	u.Status = AccountDisabled
	dir.add(u)

	_, err := engine.Login(context.Background(), Credentials{Username: "alice", Password: "right"}, DeviceContext{})
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("got %v, want ErrAccountDisabled", err)
	}
}

func TestLoginSessionCap(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := newMemoryDirectory()
	cfg := testEngineConfig()
	cfg.Session.MaxPerUser = 2
	engine := buildEngine(t, mr, dir, cfg, nil)
	seedUser(t, engine, dir, "u1", "alice", "right")

	creds := Credentials{Username: "alice", Password: "right"}
	for i := 0; i < 2; i++ {
		if _, err := engine.Login(context.Background(), creds, DeviceContext{}); err != nil {
			t.Fatalf("login %d: %v", i+1, err)
		}
	}
	_, err := engine.Login(context.Background(), creds, DeviceContext{})
	if !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("got %v, want ErrSessionLimitExceeded", err)
	}
}

func TestChangePassword(t *testing.T) {
	engine, _, dir := newTestEngine(t)
	seedUser(t, engine, dir, "u1", "alice", "old password")

	res, err := engine.Login(context.Background(), Credentials{Username: "alice", Password: "old password"}, DeviceContext{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := engine.ChangePassword(context.Background(), "u1", "not the old one", "new password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad old password: got %v, want ErrInvalidCredentials", err)
	}
	if err := engine.ChangePassword(context.Background(), "u1", "old password", "old password"); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("reuse: got %v, want ErrPasswordReuse", err)
	}
	if err := engine.ChangePassword(context.Background(), "u1", "old password", "new password"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	// All sessions die with the old credential.
	if _, err := engine.Validate(context.Background(), res.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("old session: got %v, want ErrTokenRevoked", err)
	}

	if _, err := engine.Login(context.Background(), Credentials{Username: "alice", Password: "new password"}, DeviceContext{}); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestLoginUpgradesWeakPasswordHash(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := newMemoryDirectory()
	cfg := testEngineConfig()
	cfg.Password.Memory = 16 * 1024
	engine := buildEngine(t, mr, dir, cfg, nil)

	// A hash minted under yesterday's cheaper parameters.
	weak, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	oldHash, err := weak.Hash("pw")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	dir.add(UserRecord{
		ID:           "u1",
		TenantID:     "0",
		Username:     "alice",
		PasswordHash: oldHash,
		Status:       AccountActive,
		Version:      1,
	})

	login(t, engine, "alice", "pw")

	user, err := dir.FindByID(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if user.PasswordHash == oldHash {
		t.Fatal("stored hash not rehashed under current parameters")
	}
	upgrade, err := engine.hasher.NeedsUpgrade(user.PasswordHash)
	if err != nil {
		t.Fatalf("NeedsUpgrade: %v", err)
	}
	if upgrade {
		t.Fatal("rehashed credential still flagged for upgrade")
	}

	// The same password keeps working against the new hash.
	login(t, engine, "alice", "pw")
}
