package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"strings"
)

// Backup code alphabet omits 0/O/1/I to survive being read over the phone.
const backupAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// DefaultBackupCodeCount is how many codes one enrollment mints.
	DefaultBackupCodeCount = 10
	// DefaultBackupCodeLength is the canonical (separator-free) length.
	DefaultBackupCodeLength = 12
)

// GenerateBackupCodes mints a fresh set of codes. The returned plaintext
// codes are display-formatted and shown to the user exactly once; hashes go
// to storage. Consumption is the store's job and must be compare-and-swap so
// two concurrent redemptions of one code cannot both succeed.
func GenerateBackupCodes(userID string, count, length int) ([]string, [][32]byte, error) {
	if userID == "" {
		return nil, nil, errors.New("user id is required")
	}
	if count <= 0 {
		count = DefaultBackupCodeCount
	}
	if length < 8 {
		length = DefaultBackupCodeLength
	}

	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		code, err := newBackupCode(length)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, FormatBackupCode(code))
		hashes = append(hashes, BackupCodeHash(userID, code))
	}
	return codes, hashes, nil
}

// BackupCodeHash digests a canonical code bound to its user, so the same
// code string enrolled by two users hashes differently.
func BackupCodeHash(userID, code string) [32]byte {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalBackupCode(code)))
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// CanonicalBackupCode strips the display separators and normalizes case so
// user transcription quirks do not reject a valid code.
func CanonicalBackupCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatBackupCode groups the code into dash-separated blocks of four.
func FormatBackupCode(code string) string {
	var b strings.Builder
	for i, r := range code {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func newBackupCode(length int) (string, error) {
	max := big.NewInt(int64(len(backupAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = backupAlphabet[n.Int64()]
	}
	return string(b), nil
}
