package security

import "time"

// Test secrets for unit tests only. Do not use in production.
const (
	testAccessSecret  = "test-access-secret-0123456789abcdef"
	testRefreshSecret = "test-refresh-secret-0123456789abcdef"
)

// NewTestTokenProvider returns a TokenProvider using the embedded test secrets with the default
// 15m access / 7d refresh lifetimes. For unit tests only. Callers must not use in production.
func NewTestTokenProvider() (*TokenProvider, error) {
	return NewTokenProvider([]byte(testAccessSecret), []byte(testRefreshSecret), "test-issuer", "test-audience", 15*time.Minute, 7*24*time.Hour)
}
