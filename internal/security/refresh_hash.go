package security

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// RefreshHasher stores refresh tokens as bcrypt hashes. Signed tokens are longer than bcrypt's
// 72-byte input limit, so the token is first reduced to its SHA-256 hex digest.
type RefreshHasher struct {
	Cost int
}

// NewRefreshHasher returns a RefreshHasher with the given bcrypt cost (clamped like NewHasher).
func NewRefreshHasher(cost int) *RefreshHasher {
	return &RefreshHasher{Cost: clampCost(cost)}
}

// Hash returns a salted hash of token for storage in a refresh token record.
func (h *RefreshHasher) Hash(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(digestRefreshToken(token)), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Matches reports whether token hashes to storedHash.
func (h *RefreshHasher) Matches(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(digestRefreshToken(token))) == nil
}

func digestRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
