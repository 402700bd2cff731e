// Package phi encrypts individual personal health fields for storage.
//
// Envelopes are "<version>:<iv>:<ciphertext>:<tag>" with lowercase hex segments, and the version tag
// is always part of the GCM additional data. v1 envelopes authenticate only the version. v2
// envelopes also authenticate a caller-supplied binding (for example owner and column), so an
// envelope copied to another row or field no longer opens. Envelopes written before versioning
// ("<iv>:<ciphertext>:<tag>") are still accepted.
package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTamperedOrWrongKey is returned when an envelope fails authentication. Every Decrypt
	// failure wraps it, so callers can treat it as a data-integrity failure.
	ErrTamperedOrWrongKey = errors.New("phi: envelope tampered or wrong key")
	// ErrMalformedEnvelope additionally marks envelopes that could not be parsed at all.
	ErrMalformedEnvelope = errors.New("phi: malformed envelope")
	// ErrEmptyKey is returned by NewCipher when no key material is configured.
	ErrEmptyKey = errors.New("phi: encryption key is empty")
)

const (
	// VersionV1 is written by Encrypt.
	VersionV1 = "v1"
	// VersionV2 is written by EncryptBound.
	VersionV2 = "v2"

	separator = ":"
	ivSize    = 12
	tagSize   = 16
)

// Cipher is an AES-256-GCM field cipher. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from keyMaterial with SHA-256 and returns a Cipher.
func NewCipher(keyMaterial []byte) (*Cipher, error) {
	if len(keyMaterial) == 0 {
		return nil, ErrEmptyKey
	}
	key := sha256.Sum256(keyMaterial)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("phi: new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("phi: new gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV and returns a v1 envelope.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	return c.seal(VersionV1, plaintext, []byte(VersionV1))
}

// EncryptBound seals plaintext into a v2 envelope that only DecryptBound with the same binding opens.
func (c *Cipher) EncryptBound(plaintext, binding string) (string, error) {
	return c.seal(VersionV2, plaintext, boundAAD(binding))
}

func (c *Cipher) seal(version, plaintext string, aad []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("phi: read iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), aad)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return strings.Join([]string{
		version,
		hex.EncodeToString(iv),
		hex.EncodeToString(ct),
		hex.EncodeToString(tag),
	}, separator), nil
}

// Decrypt opens an envelope produced by Encrypt. It never returns partial or altered plaintext:
// any failure yields an error wrapping ErrTamperedOrWrongKey.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	return c.DecryptBound(envelope, "")
}

// DecryptBound opens a v2 envelope sealed with binding. v1 and legacy envelopes carry no binding
// and are opened as Decrypt would open them.
func (c *Cipher) DecryptBound(envelope, binding string) (string, error) {
	env, err := parseEnvelope(envelope)
	if err != nil {
		return "", err
	}
	var aad []byte
	switch env.version {
	case VersionV1:
		aad = []byte(VersionV1)
	case VersionV2:
		aad = boundAAD(binding)
	}
	sealed := make([]byte, 0, len(env.ct)+len(env.tag))
	sealed = append(sealed, env.ct...)
	sealed = append(sealed, env.tag...)
	pt, err := c.aead.Open(nil, env.iv, sealed, aad)
	if err != nil {
		return "", ErrTamperedOrWrongKey
	}
	return string(pt), nil
}

// IsEnvelope reports whether s parses as an envelope. It does not authenticate it.
func IsEnvelope(s string) bool {
	_, err := parseEnvelope(s)
	return err == nil
}

// NeedsUpgrade reports whether envelope uses an older format than EncryptBound writes.
func NeedsUpgrade(envelope string) bool {
	return !strings.HasPrefix(envelope, VersionV2+separator)
}

func boundAAD(binding string) []byte {
	return []byte(VersionV2 + separator + binding)
}

type envelope struct {
	version     string
	iv, ct, tag []byte
}

func parseEnvelope(s string) (*envelope, error) {
	parts := strings.Split(s, separator)
	env := &envelope{}
	switch len(parts) {
	case 4:
		if parts[0] != VersionV1 && parts[0] != VersionV2 {
			return nil, malformed("unknown version %q", parts[0])
		}
		env.version = parts[0]
		parts = parts[1:]
	case 3:
		// legacy, unversioned; no additional data
	default:
		return nil, malformed("want 3 or 4 segments, got %d", len(parts))
	}
	var err error
	if env.iv, err = decodeSegment(parts[0]); err != nil {
		return nil, err
	}
	if env.ct, err = decodeSegment(parts[1]); err != nil {
		return nil, err
	}
	if env.tag, err = decodeSegment(parts[2]); err != nil {
		return nil, err
	}
	if len(env.iv) != ivSize {
		return nil, malformed("iv length %d", len(env.iv))
	}
	if len(env.tag) != tagSize {
		return nil, malformed("tag length %d", len(env.tag))
	}
	return env, nil
}

// decodeSegment accepts lowercase hex only.
func decodeSegment(s string) ([]byte, error) {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return nil, malformed("non-hex character at %d", i)
		}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, malformed("%v", err)
	}
	return b, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrTamperedOrWrongKey, ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}
