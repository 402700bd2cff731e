package security

import (
	"bytes"
	"errors"
	"os"
	"strings"
)

// ErrInvalidSecret is returned when a configured secret is empty or unreadable.
var ErrInvalidSecret = errors.New("invalid secret")

// filePrefix marks a secret value that should be read from a file (e.g. a mounted Kubernetes secret).
const filePrefix = "file:"

// LoadSecret returns the secret bytes for s. If s starts with "file:", the rest is a path and the
// file content (trailing whitespace trimmed) is returned; otherwise s itself is the secret.
func LoadSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidSecret
	}
	if !strings.HasPrefix(s, filePrefix) {
		return []byte(s), nil
	}
	path := strings.TrimSpace(strings.TrimPrefix(s, filePrefix))
	if path == "" {
		return nil, ErrInvalidSecret
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimRight(b, " \t\r\n")
	if len(b) == 0 {
		return nil, ErrInvalidSecret
	}
	return b, nil
}
