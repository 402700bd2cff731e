// Package service reads and writes health profiles, encrypting every field before it reaches
// storage. Each read, write and failed decryption is audited.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"calotrack/backend/internal/audit"
	auditdomain "calotrack/backend/internal/audit/domain"
	"calotrack/backend/internal/healthprofile/domain"
	"calotrack/backend/internal/healthprofile/repository"
	"calotrack/backend/internal/logging"
)

var (
	ErrNotFound     = errors.New("health profile not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrIntegrity is returned when a stored field fails to decrypt. No partial profile is returned.
	ErrIntegrity = errors.New("data integrity failure")
)

const (
	maxTextLen  = 2000
	dateLayout  = "2006-01-02"
	maxHeightCm = 300
	maxWeightKg = 700
)

// FieldCipher encrypts and decrypts single field values bound to their owner and column.
// *phi.Cipher implements it.
type FieldCipher interface {
	EncryptBound(plaintext, binding string) (string, error)
	DecryptBound(envelope, binding string) (string, error)
}

// Service implements GET and PUT of the caller's health profile.
type Service struct {
	repo     repository.Repository
	cipher   FieldCipher
	audit    audit.Sink
	log      logging.Logger
	now      func() time.Time
	upgrader func(envelope string) bool
}

// NewService returns a Service. log may be nil. A nil sink writes audit events to stderr.
// needsUpgrade, when non-nil, marks envelopes that are re-encrypted in the current format after a
// successful read.
func NewService(repo repository.Repository, cipher FieldCipher, sink audit.Sink, log logging.Logger, needsUpgrade func(string) bool) *Service {
	if sink == nil {
		sink = audit.Console()
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Service{repo: repo, cipher: cipher, audit: sink, log: log, now: time.Now, upgrader: needsUpgrade}
}

// Get returns the decrypted profile for subjectID. Any field that fails to decrypt fails the whole
// read with ErrIntegrity.
func (s *Service) Get(ctx context.Context, subjectID int64) (*domain.Profile, error) {
	rec, err := s.repo.Get(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load health profile: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	plain := make(map[string]string, 6)
	stale := false
	for field, env := range rec.Envelopes() {
		if *env == "" {
			continue
		}
		pt, err := s.cipher.DecryptBound(*env, fieldBinding(subjectID, field))
		if err != nil {
			// The error is logged without the envelope.
			s.log.Error(ctx, "healthprofile: decrypt failed", "subject_id", subjectID, "field", field, "error", err)
			s.audit.Record(audit.WithMetadata(ctx, "field="+field), subjectID, auditdomain.ActionPHIIntegrityFail, auditdomain.EntityHealthProfile)
			return nil, ErrIntegrity
		}
		plain[field] = pt
		if s.upgrader != nil && s.upgrader(*env) {
			stale = true
		}
	}
	p, err := fromPlain(subjectID, plain)
	if err != nil {
		s.log.Error(ctx, "healthprofile: stored value unparsable", "subject_id", subjectID, "error", err)
		s.audit.Record(ctx, subjectID, auditdomain.ActionPHIIntegrityFail, auditdomain.EntityHealthProfile)
		return nil, ErrIntegrity
	}
	p.UpdatedAt = rec.UpdatedAt
	s.audit.Record(ctx, subjectID, auditdomain.ActionPHIRead, auditdomain.EntityHealthProfile)
	if stale {
		s.reencrypt(ctx, p, rec.UpdatedAt)
	}
	return p, nil
}

// Put validates p, encrypts every set field and replaces the stored profile for subjectID.
func (s *Service) Put(ctx context.Context, subjectID int64, p *domain.Profile) (*domain.Profile, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: profile is required", ErrInvalidInput)
	}
	p.SubjectID = subjectID
	if err := s.validate(p); err != nil {
		return nil, err
	}
	rec, err := s.seal(p)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("store health profile: %w", err)
	}
	p.UpdatedAt = rec.UpdatedAt
	s.audit.Record(ctx, subjectID, auditdomain.ActionPHIWrite, auditdomain.EntityHealthProfile)
	return p, nil
}

// reencrypt rewrites a profile read from older envelopes, unless the row was written after it was
// read. Failures are logged; the read still succeeds.
func (s *Service) reencrypt(ctx context.Context, p *domain.Profile, readAt time.Time) {
	rec, err := s.seal(p)
	if err != nil {
		s.log.Warn(ctx, "healthprofile: envelope upgrade failed", "subject_id", p.SubjectID, "error", err)
		return
	}
	written, err := s.repo.UpgradeEnvelopes(ctx, rec, readAt)
	if err != nil {
		s.log.Warn(ctx, "healthprofile: envelope upgrade failed", "subject_id", p.SubjectID, "error", err)
		return
	}
	if !written {
		s.log.Info(ctx, "healthprofile: envelope upgrade skipped, profile changed", "subject_id", p.SubjectID)
		return
	}
	s.log.Info(ctx, "healthprofile: envelopes upgraded", "subject_id", p.SubjectID)
}

func (s *Service) seal(p *domain.Profile) (*domain.Record, error) {
	rec := &domain.Record{SubjectID: p.SubjectID}
	plain := toPlain(p)
	for field, env := range rec.Envelopes() {
		v := plain[field]
		if v == "" {
			continue
		}
		enc, err := s.cipher.EncryptBound(v, fieldBinding(p.SubjectID, field))
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", field, err)
		}
		*env = enc
	}
	return rec, nil
}

// fieldBinding ties an envelope to one subject's column so it cannot be replayed elsewhere.
func fieldBinding(subjectID int64, field string) string {
	return "health_profile/" + strconv.FormatInt(subjectID, 10) + "/" + field
}

func (s *Service) validate(p *domain.Profile) error {
	p.DateOfBirth = strings.TrimSpace(p.DateOfBirth)
	if p.DateOfBirth != "" {
		dob, err := time.Parse(dateLayout, p.DateOfBirth)
		if err != nil {
			return fmt.Errorf("%w: dateOfBirth must be YYYY-MM-DD", ErrInvalidInput)
		}
		if dob.After(s.now()) {
			return fmt.Errorf("%w: dateOfBirth is in the future", ErrInvalidInput)
		}
	}
	if p.HeightCm != nil && (*p.HeightCm <= 0 || *p.HeightCm > maxHeightCm) {
		return fmt.Errorf("%w: heightCm out of range", ErrInvalidInput)
	}
	if p.WeightKg != nil && (*p.WeightKg <= 0 || *p.WeightKg > maxWeightKg) {
		return fmt.Errorf("%w: weightKg out of range", ErrInvalidInput)
	}
	for name, v := range map[string]string{"conditions": p.Conditions, "allergies": p.Allergies, "medications": p.Medications} {
		if utf8.RuneCountInString(v) > maxTextLen {
			return fmt.Errorf("%w: %s is too long", ErrInvalidInput, name)
		}
	}
	return nil
}

func toPlain(p *domain.Profile) map[string]string {
	m := map[string]string{
		"date_of_birth": p.DateOfBirth,
		"conditions":    p.Conditions,
		"allergies":     p.Allergies,
		"medications":   p.Medications,
	}
	if p.HeightCm != nil {
		m["height_cm"] = strconv.FormatFloat(*p.HeightCm, 'f', -1, 64)
	}
	if p.WeightKg != nil {
		m["weight_kg"] = strconv.FormatFloat(*p.WeightKg, 'f', -1, 64)
	}
	return m
}

func fromPlain(subjectID int64, m map[string]string) (*domain.Profile, error) {
	p := &domain.Profile{
		SubjectID:   subjectID,
		DateOfBirth: m["date_of_birth"],
		Conditions:  m["conditions"],
		Allergies:   m["allergies"],
		Medications: m["medications"],
	}
	var err error
	if p.HeightCm, err = parseOptionalFloat(m["height_cm"]); err != nil {
		return nil, fmt.Errorf("height_cm: %w", err)
	}
	if p.WeightKg, err = parseOptionalFloat(m["weight_kg"]); err != nil {
		return nil, fmt.Errorf("weight_kg: %w", err)
	}
	return p, nil
}

func parseOptionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
