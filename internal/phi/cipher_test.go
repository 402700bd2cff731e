package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T, key string) *Cipher {
	t.Helper()
	c, err := NewCipher([]byte(key))
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	for _, pt := range []string{"", "a", "disease=diabetes", "unicode: 体重 72kg ✓", strings.Repeat("x", 4096)} {
		env, err := c.Encrypt(pt)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(env, "v1:"))
		got, err := c.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestCipher_FreshIVPerCall(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	a, err := c.Encrypt("disease=diabetes")
	require.NoError(t, err)
	b, err := c.Encrypt("disease=diabetes")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, strings.Split(a, ":")[1], strings.Split(b, ":")[1])

	for _, env := range []string{a, b} {
		got, err := c.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, "disease=diabetes", got)
	}
}

func TestCipher_AnySingleByteFlipFails(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	env, err := c.Encrypt("allergies=peanuts")
	require.NoError(t, err)

	for i := 0; i < len(env); i++ {
		b := []byte(env)
		b[i] ^= 0x01
		pt, err := c.Decrypt(string(b))
		require.Errorf(t, err, "flip at %d decrypted to %q", i, pt)
		assert.ErrorIs(t, err, ErrTamperedOrWrongKey, "flip at %d", i)
		assert.Empty(t, pt)
	}
}

func TestCipher_UppercaseHexRejected(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	env, err := c.Encrypt("weight=80")
	require.NoError(t, err)
	_, err = c.Decrypt(env[:3] + strings.ToUpper(env[3:]))
	assert.ErrorIs(t, err, ErrTamperedOrWrongKey)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestCipher_WrongKey(t *testing.T) {
	env, err := newTestCipher(t, "key-one").Encrypt("blood_type=O+")
	require.NoError(t, err)
	_, err = newTestCipher(t, "key-two").Decrypt(env)
	assert.ErrorIs(t, err, ErrTamperedOrWrongKey)
	assert.NotErrorIs(t, err, ErrMalformedEnvelope)
}

func TestCipher_Malformed(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	iv := strings.Repeat("00", ivSize)
	tag := strings.Repeat("00", tagSize)
	testCases := []struct {
		name     string
		envelope string
	}{
		{"empty", ""},
		{"one segment", "deadbeef"},
		{"too many segments", "v1:" + iv + ":00:" + tag + ":00"},
		{"unknown version", "v9:" + iv + ":00:" + tag},
		{"short iv", "v1:0000:00:" + tag},
		{"short tag", "v1:" + iv + ":00:0000"},
		{"odd hex", "v1:" + iv + ":0:" + tag},
		{"non hex", "v1:" + iv + ":zz:" + tag},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decrypt(tc.envelope)
			assert.ErrorIs(t, err, ErrTamperedOrWrongKey)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
			assert.False(t, IsEnvelope(tc.envelope))
		})
	}
}

func TestCipher_DecryptsLegacyEnvelope(t *testing.T) {
	key := sha256.Sum256([]byte("legacy-key"))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	iv := []byte("0123456789ab")
	sealed := gcm.Seal(nil, iv, []byte("height=180"), nil)
	legacy := hex.EncodeToString(iv) + ":" + hex.EncodeToString(sealed[:len(sealed)-16]) + ":" + hex.EncodeToString(sealed[len(sealed)-16:])

	c := newTestCipher(t, "legacy-key")
	assert.True(t, IsEnvelope(legacy))
	assert.True(t, NeedsUpgrade(legacy))
	got, err := c.Decrypt(legacy)
	require.NoError(t, err)
	assert.Equal(t, "height=180", got)

	// a v1 prefix on legacy content fails: the version is authenticated
	_, err = c.Decrypt("v1:" + legacy)
	assert.ErrorIs(t, err, ErrTamperedOrWrongKey)
}

func TestCipher_VersionStripDetected(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	env, err := c.Encrypt("medication=metformin")
	require.NoError(t, err)
	assert.True(t, NeedsUpgrade(env), "v1 predates bound envelopes")
	_, err = c.Decrypt(strings.TrimPrefix(env, "v1:"))
	assert.ErrorIs(t, err, ErrTamperedOrWrongKey)
}

func TestNewCipher_EmptyKey(t *testing.T) {
	_, err := NewCipher(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestCipher_Concurrent(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := c.Encrypt("concurrent")
			if err != nil {
				errs <- err
				return
			}
			if _, err := c.Decrypt(env); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCipher_BoundRoundTrip(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	env, err := c.EncryptBound("conditions=asthma", "health_profile/4/conditions")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(env, "v2:"))
	assert.True(t, IsEnvelope(env))
	assert.False(t, NeedsUpgrade(env))

	got, err := c.DecryptBound(env, "health_profile/4/conditions")
	require.NoError(t, err)
	assert.Equal(t, "conditions=asthma", got)
}

func TestCipher_BoundEnvelopeRejectsOtherBinding(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	env, err := c.EncryptBound("conditions=asthma", "health_profile/4/conditions")
	require.NoError(t, err)

	for _, binding := range []string{"health_profile/5/conditions", "health_profile/4/allergies", ""} {
		_, err := c.DecryptBound(env, binding)
		assert.ErrorIs(t, err, ErrTamperedOrWrongKey, "binding %q", binding)
	}
	_, err = c.Decrypt(env)
	assert.ErrorIs(t, err, ErrTamperedOrWrongKey)

	// relabelling as v1 does not bypass the binding
	_, err = c.DecryptBound("v1"+strings.TrimPrefix(env, "v2"), "health_profile/4/conditions")
	assert.ErrorIs(t, err, ErrTamperedOrWrongKey)
}

func TestCipher_DecryptBoundAcceptsUnboundFormats(t *testing.T) {
	c := newTestCipher(t, "phi-test-key")
	env, err := c.Encrypt("weight=70")
	require.NoError(t, err)
	got, err := c.DecryptBound(env, "health_profile/4/weight_kg")
	require.NoError(t, err)
	assert.Equal(t, "weight=70", got)
}
