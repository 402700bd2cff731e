package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditdomain "calotrack/backend/internal/audit/domain"
	"calotrack/backend/internal/healthprofile/domain"
	"calotrack/backend/internal/phi"
)

const testKey = "health-profile-test-key"

type memRepo struct {
	mu       sync.Mutex
	records  map[int64]domain.Record
	upserts  int
	upgrades int
	getErr   error
	putErr   error
	// afterGet runs once, after Get has taken its snapshot.
	afterGet func()
}

func newMemRepo() *memRepo { return &memRepo{records: map[int64]domain.Record{}} }

func (r *memRepo) Get(ctx context.Context, subjectID int64) (*domain.Record, error) {
	r.mu.Lock()
	if r.getErr != nil {
		r.mu.Unlock()
		return nil, r.getErr
	}
	rec, ok := r.records[subjectID]
	hook := r.afterGet
	r.afterGet = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *memRepo) UpgradeEnvelopes(ctx context.Context, rec *domain.Record, expectedUpdatedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[rec.SubjectID]
	if !ok || !cur.UpdatedAt.Equal(expectedUpdatedAt) {
		return false, nil
	}
	rec.UpdatedAt = expectedUpdatedAt
	r.records[rec.SubjectID] = *rec
	r.upgrades++
	return true, nil
}

func (r *memRepo) Upsert(ctx context.Context, rec *domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		return r.putErr
	}
	rec.UpdatedAt = time.Now().UTC()
	r.records[rec.SubjectID] = *rec
	r.upserts++
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeSink) Record(ctx context.Context, subjectID int64, action, entity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
}

func newCipher(t *testing.T, key string) *phi.Cipher {
	t.Helper()
	c, err := phi.NewCipher([]byte(key))
	require.NoError(t, err)
	return c
}

func ptr(f float64) *float64 { return &f }

func sampleProfile() *domain.Profile {
	return &domain.Profile{
		DateOfBirth: "1990-04-12",
		HeightCm:    ptr(172.5),
		WeightKg:    ptr(68),
		Conditions:  "type 2 diabetes",
		Allergies:   "peanuts",
	}
}

func TestPutThenGet_RoundTrip(t *testing.T) {
	repo, sink := newMemRepo(), &fakeSink{}
	svc := NewService(repo, newCipher(t, testKey), sink, nil, phi.NeedsUpgrade)

	_, err := svc.Put(context.Background(), 4, sampleProfile())
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.SubjectID)
	assert.Equal(t, "1990-04-12", got.DateOfBirth)
	require.NotNil(t, got.HeightCm)
	assert.Equal(t, 172.5, *got.HeightCm)
	require.NotNil(t, got.WeightKg)
	assert.Equal(t, 68.0, *got.WeightKg)
	assert.Equal(t, "type 2 diabetes", got.Conditions)
	assert.Equal(t, "peanuts", got.Allergies)
	assert.Empty(t, got.Medications)
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Equal(t, []string{auditdomain.ActionPHIWrite, auditdomain.ActionPHIRead}, sink.actions)
	assert.Equal(t, 1, repo.upserts)
	assert.Zero(t, repo.upgrades, "current envelopes must not be rewritten on read")
}

func TestPut_StoresOnlyEnvelopes(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, newCipher(t, testKey), nil, nil, nil)
	_, err := svc.Put(context.Background(), 4, sampleProfile())
	require.NoError(t, err)

	rec := repo.records[4]
	for field, env := range rec.Envelopes() {
		if field == "medications" {
			assert.Empty(t, *env)
			continue
		}
		assert.True(t, strings.HasPrefix(*env, "v2:"), "%s not an envelope: %q", field, *env)
		assert.NotContains(t, *env, "diabetes")
		assert.NotContains(t, *env, "peanuts")
	}
}

func TestGet_TamperedFieldFailsWholeRead(t *testing.T) {
	repo, sink := newMemRepo(), &fakeSink{}
	svc := NewService(repo, newCipher(t, testKey), sink, nil, nil)
	_, err := svc.Put(context.Background(), 4, sampleProfile())
	require.NoError(t, err)

	rec := repo.records[4]
	last := rec.AllergiesEnc[len(rec.AllergiesEnc)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	rec.AllergiesEnc = rec.AllergiesEnc[:len(rec.AllergiesEnc)-1] + string(flipped)
	repo.records[4] = rec

	got, err := svc.Get(context.Background(), 4)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Nil(t, got)
	assert.Contains(t, sink.actions, auditdomain.ActionPHIIntegrityFail)
	assert.NotContains(t, sink.actions, auditdomain.ActionPHIRead)
}

func TestGet_WrongKey(t *testing.T) {
	repo := newMemRepo()
	_, err := NewService(repo, newCipher(t, testKey), nil, nil, nil).Put(context.Background(), 4, sampleProfile())
	require.NoError(t, err)

	_, err = NewService(repo, newCipher(t, "another-key"), nil, nil, nil).Get(context.Background(), 4)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestGet_NotFound(t *testing.T) {
	svc := NewService(newMemRepo(), newCipher(t, testKey), nil, nil, nil)
	_, err := svc.Get(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_RepoError(t *testing.T) {
	repo := newMemRepo()
	repo.getErr = errors.New("db down")
	svc := NewService(repo, newCipher(t, testKey), nil, nil, nil)
	_, err := svc.Get(context.Background(), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIntegrity)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func legacyEnvelope(t *testing.T, key, plaintext string) string {
	t.Helper()
	k := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(k[:])
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	iv := make([]byte, 12)
	iv[0] = 7
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(sealed[:len(sealed)-16]) + ":" + hex.EncodeToString(sealed[len(sealed)-16:])
}

func TestGet_UpgradesLegacyEnvelopes(t *testing.T) {
	repo := newMemRepo()
	repo.records[4] = domain.Record{SubjectID: 4, ConditionsEnc: legacyEnvelope(t, testKey, "asthma")}
	svc := NewService(repo, newCipher(t, testKey), nil, nil, phi.NeedsUpgrade)

	got, err := svc.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "asthma", got.Conditions)
	assert.Equal(t, 1, repo.upgrades)
	assert.Zero(t, repo.upserts)
	assert.True(t, strings.HasPrefix(repo.records[4].ConditionsEnc, "v2:"))

	got, err = svc.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "asthma", got.Conditions)
	assert.Equal(t, 1, repo.upgrades)
}

func TestGet_UpgradesUnboundV1Envelopes(t *testing.T) {
	c := newCipher(t, testKey)
	v1, err := c.Encrypt("peanuts")
	require.NoError(t, err)
	repo := newMemRepo()
	repo.records[4] = domain.Record{SubjectID: 4, AllergiesEnc: v1}
	svc := NewService(repo, c, nil, nil, phi.NeedsUpgrade)

	got, err := svc.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "peanuts", got.Allergies)
	assert.Equal(t, 1, repo.upgrades)
	assert.True(t, strings.HasPrefix(repo.records[4].AllergiesEnc, "v2:"))
}

func TestGet_UpgradeDoesNotOverwriteConcurrentPut(t *testing.T) {
	repo := newMemRepo()
	repo.records[4] = domain.Record{SubjectID: 4, ConditionsEnc: legacyEnvelope(t, testKey, "asthma")}
	svc := NewService(repo, newCipher(t, testKey), nil, nil, phi.NeedsUpgrade)
	repo.afterGet = func() {
		_, err := svc.Put(context.Background(), 4, &domain.Profile{Conditions: "none"})
		require.NoError(t, err)
	}

	got, err := svc.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "asthma", got.Conditions, "the read returns its own snapshot")
	assert.Zero(t, repo.upgrades)

	got, err = svc.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "none", got.Conditions)
}

func TestGet_EnvelopeMovedToAnotherRowFails(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, newCipher(t, testKey), nil, nil, phi.NeedsUpgrade)
	_, err := svc.Put(context.Background(), 4, sampleProfile())
	require.NoError(t, err)

	moved := repo.records[4]
	moved.SubjectID = 5
	repo.records[5] = moved
	_, err = svc.Get(context.Background(), 5)
	assert.ErrorIs(t, err, ErrIntegrity)

	swapped := repo.records[4]
	swapped.ConditionsEnc, swapped.AllergiesEnc = swapped.AllergiesEnc, swapped.ConditionsEnc
	repo.records[4] = swapped
	_, err = svc.Get(context.Background(), 4)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestPut_Validation(t *testing.T) {
	svc := NewService(newMemRepo(), newCipher(t, testKey), nil, nil, nil)
	svc.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	testCases := []struct {
		name    string
		profile *domain.Profile
	}{
		{"nil", nil},
		{"bad date", &domain.Profile{DateOfBirth: "12/04/1990"}},
		{"future date", &domain.Profile{DateOfBirth: "2030-01-01"}},
		{"zero height", &domain.Profile{HeightCm: ptr(0)}},
		{"huge weight", &domain.Profile{WeightKg: ptr(1000)}},
		{"long text", &domain.Profile{Medications: strings.Repeat("x", maxTextLen+1)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Put(context.Background(), 1, tc.profile)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestPut_RepoError(t *testing.T) {
	repo, sink := newMemRepo(), &fakeSink{}
	repo.putErr = errors.New("db down")
	svc := NewService(repo, newCipher(t, testKey), sink, nil, nil)
	_, err := svc.Put(context.Background(), 1, sampleProfile())
	assert.Error(t, err)
	assert.Empty(t, sink.actions)
}
