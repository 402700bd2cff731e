// Package token issues, verifies, refreshes and revokes access/refresh token pairs.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calotrack/backend/internal/audit"
	auditdomain "calotrack/backend/internal/audit/domain"
	"calotrack/backend/internal/logging"
	"calotrack/backend/internal/platform/requestmeta"
	refreshdomain "calotrack/backend/internal/refreshtoken/domain"
	refreshrepo "calotrack/backend/internal/refreshtoken/repository"
	"calotrack/backend/internal/security"
	userdomain "calotrack/backend/internal/user/domain"
)

// Sentinel errors; HTTP handlers collapse all of them into one generic 401.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrInvalidPrincipal    = errors.New("invalid principal")
	ErrPrincipalNotFound   = errors.New("principal not found")
)

// Refresh outcomes reported to Metrics.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeExpired  = "expired"
	OutcomeReuse    = "reuse"
	OutcomeNotFound = "principal_not_found"
	OutcomeError    = "error"
)

// PrincipalStore is the minimal user repository needed by the token service.
type PrincipalStore interface {
	GetByID(ctx context.Context, id int64) (*userdomain.User, error)
}

// Metrics receives token lifecycle counts.
type Metrics interface {
	TokenIssued(ctx context.Context)
	RefreshOutcome(ctx context.Context, outcome string)
	VerifyFailed(ctx context.Context, reason string)
	Revoked(ctx context.Context, n int)
}

// TokenPair is returned at login and registration.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RefreshResult is returned by RefreshAccessToken. RefreshToken is set only when rotation is on.
type RefreshResult struct {
	SubjectID        int64
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Service implements the token lifecycle. It keeps no state of its own: records live in the
// refresh token store and principals in the user store.
type Service struct {
	tokens     *security.TokenProvider
	hasher     *security.RefreshHasher
	store      refreshrepo.Repository
	principals PrincipalStore
	audit      audit.Sink
	metrics    Metrics
	log        logging.Logger
	rotation   bool
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRotation makes refresh tokens single-use. Each refresh consumes the presented token and
// returns a new one; presenting a consumed token revokes every record of the subject.
func WithRotation(enabled bool) Option {
	return func(s *Service) { s.rotation = enabled }
}

func WithAudit(sink audit.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.audit = sink
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source for record timestamps and lookups. It should match the
// TokenProvider's clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a token Service.
func NewService(tokens *security.TokenProvider, hasher *security.RefreshHasher, store refreshrepo.Repository, principals PrincipalStore, opts ...Option) *Service {
	s := &Service{
		tokens:     tokens,
		hasher:     hasher,
		store:      store,
		principals: principals,
		audit:      audit.Console(),
		metrics:    noopMetrics{},
		log:        logging.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rotation reports whether single-use rotation is enabled.
func (s *Service) Rotation() bool { return s.rotation }

// IssueTokenPair signs an access and a refresh token for p and persists the refresh record.
// If the record cannot be stored no tokens are returned.
func (s *Service) IssueTokenPair(ctx context.Context, p *userdomain.User) (*TokenPair, error) {
	if p == nil || p.ID <= 0 {
		s.log.Error(ctx, "token: refusing to issue tokens for invalid principal", "principal_nil", p == nil)
		return nil, ErrInvalidPrincipal
	}
	access, _, accessExp, err := s.tokens.IssueAccess(accessSubject(p))
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshExp, err := s.issueRefresh(ctx, p)
	if err != nil {
		return nil, err
	}
	s.metrics.TokenIssued(ctx)
	s.audit.Record(ctx, p.ID, auditdomain.ActionTokenIssued, auditdomain.EntitySession)
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// issueRefresh signs a refresh token and stores its hashed record.
func (s *Service) issueRefresh(ctx context.Context, p *userdomain.User) (string, time.Time, error) {
	refresh, _, exp, err := s.tokens.IssueRefresh(p.ID, p.TokenVersion)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue refresh token: %w", err)
	}
	hash, err := s.hasher.Hash(refresh)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("hash refresh token: %w", err)
	}
	meta, _ := requestmeta.From(ctx)
	rec := &refreshdomain.RefreshToken{
		ID:        uuid.New().String(),
		SubjectID: p.ID,
		TokenHash: hash,
		IssuedAt:  s.now().UTC(),
		ExpiresAt: exp,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IP,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return "", time.Time{}, fmt.Errorf("store refresh token: %w", err)
	}
	return refresh, exp, nil
}

// VerifyAccessToken checks signature, expiry, issuer and audience. It does not touch storage.
// Every failure wraps ErrUnauthenticated.
func (s *Service) VerifyAccessToken(token string) (*security.AccessClaims, error) {
	claims, err := s.tokens.ValidateAccess(token)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, security.ErrTokenExpired) {
			reason = "expired"
		}
		s.metrics.VerifyFailed(context.Background(), reason)
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return claims, nil
}

// VerifyAccessTokenLive is VerifyAccessToken plus a comparison of the token version against the
// live principal, so a version bump rejects access tokens that are otherwise still valid.
func (s *Service) VerifyAccessTokenLive(ctx context.Context, token string) (*security.AccessClaims, *userdomain.User, error) {
	claims, err := s.VerifyAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	id, _ := claims.SubjectID()
	p, err := s.principals.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load principal: %w", err)
	}
	if !p.IsActive() {
		s.metrics.VerifyFailed(ctx, "principal")
		return nil, nil, ErrUnauthenticated
	}
	if claims.TokenVersion != p.TokenVersion {
		s.metrics.VerifyFailed(ctx, "token_version")
		return nil, nil, ErrUnauthenticated
	}
	return claims, p, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token bound to the current
// principal record. Callers must not reveal which error occurred to the client.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	res, outcome, err := s.refresh(ctx, refreshToken)
	s.metrics.RefreshOutcome(ctx, outcome)
	if err != nil {
		if outcome != OutcomeReuse {
			subject := int64(0)
			if res != nil {
				subject = res.SubjectID
			}
			s.audit.Record(audit.WithMetadata(ctx, "outcome="+outcome), subject, auditdomain.ActionRefreshFailure, auditdomain.EntitySession)
		}
		return nil, err
	}
	s.audit.Record(ctx, res.SubjectID, auditdomain.ActionTokenRefreshed, auditdomain.EntitySession)
	return res, nil
}

// refresh returns a partial result carrying only SubjectID on failures after the subject is known.
func (s *Service) refresh(ctx context.Context, refreshToken string) (*RefreshResult, string, error) {
	claims, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, OutcomeExpired, ErrRefreshTokenExpired
		}
		return nil, OutcomeInvalid, ErrInvalidRefreshToken
	}
	subjectID, _ := claims.SubjectID()
	partial := &RefreshResult{SubjectID: subjectID}

	now := s.now().UTC()
	records, err := s.store.FindActiveBySubject(ctx, subjectID, now)
	if err != nil {
		return partial, OutcomeError, fmt.Errorf("find refresh tokens: %w", err)
	}
	rec := s.match(refreshToken, records)
	if rec == nil {
		if s.rotation {
			// Validly signed and unexpired but no longer stored: a consumed token is being replayed.
			return partial, OutcomeReuse, s.handleReuse(ctx, subjectID)
		}
		return partial, OutcomeInvalid, ErrInvalidRefreshToken
	}
	if !rec.ActiveAt(now) {
		return partial, OutcomeExpired, ErrRefreshTokenExpired
	}

	p, err := s.principals.GetByID(ctx, subjectID)
	if err != nil {
		return partial, OutcomeError, fmt.Errorf("load principal: %w", err)
	}
	if p == nil {
		return partial, OutcomeNotFound, ErrPrincipalNotFound
	}
	if !p.IsActive() || claims.TokenVersion < p.TokenVersion {
		return partial, OutcomeInvalid, ErrInvalidRefreshToken
	}

	res := &RefreshResult{SubjectID: subjectID}
	if s.rotation {
		ok, err := s.store.Consume(ctx, rec.ID)
		if err != nil {
			return partial, OutcomeError, fmt.Errorf("consume refresh token: %w", err)
		}
		if !ok {
			// A concurrent request consumed the same token first.
			return partial, OutcomeReuse, s.handleReuse(ctx, subjectID)
		}
		s.metrics.Revoked(ctx, 1)
		if res.RefreshToken, res.RefreshExpiresAt, err = s.issueRefresh(ctx, p); err != nil {
			return partial, OutcomeError, err
		}
	}
	if res.AccessToken, _, res.AccessExpiresAt, err = s.tokens.IssueAccess(accessSubject(p)); err != nil {
		return partial, OutcomeError, fmt.Errorf("issue access token: %w", err)
	}
	return res, OutcomeOK, nil
}

// handleReuse revokes every record of the subject after a replayed refresh token.
func (s *Service) handleReuse(ctx context.Context, subjectID int64) error {
	s.log.Warn(ctx, "token: refresh token reuse detected, revoking all sessions", "subject_id", subjectID)
	s.audit.Record(audit.WithMetadata(ctx, "outcome=reuse"), subjectID, auditdomain.ActionRefreshReuse, auditdomain.EntitySession)
	if err := s.store.RevokeAllForSubject(ctx, subjectID); err != nil {
		return fmt.Errorf("revoke after reuse: %w", err)
	}
	return ErrInvalidRefreshToken
}

// match returns the record whose hash matches token, or nil.
func (s *Service) match(token string, records []*refreshdomain.RefreshToken) *refreshdomain.RefreshToken {
	for _, r := range records {
		if s.hasher.Matches(token, r.TokenHash) {
			return r
		}
	}
	return nil
}

// RevokeRefreshToken revokes the record matching refreshToken. Unparsable or foreign tokens are
// ignored. An expired but correctly signed token still revokes its record. Storage errors are returned.
func (s *Service) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.ValidateRefreshSignature(refreshToken)
	if err != nil {
		return nil
	}
	subjectID, _ := claims.SubjectID()
	// Zero time: include records past their expiry that have not been purged yet.
	records, err := s.store.FindActiveBySubject(ctx, subjectID, time.Time{})
	if err != nil {
		return fmt.Errorf("find refresh tokens: %w", err)
	}
	rec := s.match(refreshToken, records)
	if rec == nil {
		return nil
	}
	if err := s.store.Revoke(ctx, rec.ID); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	s.metrics.Revoked(ctx, 1)
	s.audit.Record(ctx, subjectID, auditdomain.ActionLogout, auditdomain.EntitySession)
	return nil
}

// RevokeAllForSubject revokes every refresh record of the subject.
func (s *Service) RevokeAllForSubject(ctx context.Context, subjectID int64) error {
	if subjectID <= 0 {
		return ErrInvalidPrincipal
	}
	if err := s.store.RevokeAllForSubject(ctx, subjectID); err != nil {
		return fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return nil
}

func accessSubject(p *userdomain.User) security.AccessSubject {
	return security.AccessSubject{
		SubjectID:    p.ID,
		TokenVersion: p.TokenVersion,
		Username:     p.Username,
		Email:        p.Email,
	}
}


type noopMetrics struct{}

func (noopMetrics) TokenIssued(context.Context)            {}
func (noopMetrics) RefreshOutcome(context.Context, string) {}
func (noopMetrics) VerifyFailed(context.Context, string)   {}
func (noopMetrics) Revoked(context.Context, int)           {}
