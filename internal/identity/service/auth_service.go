package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"calotrack/backend/internal/audit"
	auditdomain "calotrack/backend/internal/audit/domain"
	"calotrack/backend/internal/logging"
	"calotrack/backend/internal/security"
	"calotrack/backend/internal/token"
	userdomain "calotrack/backend/internal/user/domain"
	userrepo "calotrack/backend/internal/user/repository"
)

// Sentinel errors for the auth service; the HTTP handler maps them to status codes.
var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	// ErrInvalidInput wraps every request validation failure.
	ErrInvalidInput = errors.New("invalid input")
)

// maxPasswordBytes is bcrypt's input limit.
const maxPasswordBytes = 72

// AuthResult holds the outcome of Register, Login and ChangePassword.
type AuthResult struct {
	User   *userdomain.User
	Tokens *token.TokenPair
}

// UserRepo is the user repository surface needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id int64) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) (int, error)
	BumpTokenVersion(ctx context.Context, id int64) (int, error)
}

// Tokens is the token service surface needed by the auth service.
type Tokens interface {
	IssueTokenPair(ctx context.Context, p *userdomain.User) (*token.TokenPair, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*token.RefreshResult, error)
	RevokeRefreshToken(ctx context.Context, refreshToken string) error
	RevokeAllForSubject(ctx context.Context, subjectID int64) error
}

// AuthService implements password register, login, refresh, logout and password change.
type AuthService struct {
	users  UserRepo
	hasher *security.Hasher
	tokens Tokens
	audit  audit.Sink
	log    logging.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService returns an AuthService with the given dependencies. log may be nil. A nil sink
// writes audit events to stderr.
func NewAuthService(users UserRepo, hasher *security.Hasher, tokens Tokens, sink audit.Sink, log logging.Logger) *AuthService {
	if sink == nil {
		sink = audit.Console()
	}
	if log == nil {
		log = logging.Discard()
	}
	return &AuthService{users: users, hasher: hasher, tokens: tokens, audit: sink, log: log}
}

// Register creates a user with the given email, password and username and signs them in.
func (s *AuthService) Register(ctx context.Context, email, password, username string) (*AuthResult, error) {
	email = normalizeEmail(email)
	username = strings.TrimSpace(username)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	if username == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}
	existing, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailAlreadyRegistered
	}
	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := &userdomain.User{
		Email:        email,
		Username:     username,
		PasswordHash: hashed,
		Status:       userdomain.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, userrepo.ErrEmailTaken) {
			return nil, ErrEmailAlreadyRegistered
		}
		return nil, err
	}
	s.audit.Record(ctx, user.ID, auditdomain.ActionRegister, auditdomain.EntityUser)
	pair, err := s.tokens.IssueTokenPair(ctx, user)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user, Tokens: pair}, nil
}

// Login authenticates with email and password and returns a fresh token pair. Unknown email,
// wrong password and disabled accounts are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		// Spend the same bcrypt time as a real comparison.
		s.hasher.Verify(password, s.dummy())
		s.audit.Record(ctx, 0, auditdomain.ActionLoginFailure, auditdomain.EntitySession)
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.Verify(password, user.PasswordHash) || !user.IsActive() {
		s.audit.Record(ctx, user.ID, auditdomain.ActionLoginFailure, auditdomain.EntitySession)
		return nil, ErrInvalidCredentials
	}
	pair, err := s.tokens.IssueTokenPair(ctx, user)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, user.ID, auditdomain.ActionLogin, auditdomain.EntitySession)
	return &AuthResult{User: user, Tokens: pair}, nil
}

// Refresh exchanges a refresh token for a new access token (and a new refresh token when rotation is on).
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*token.RefreshResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, token.ErrInvalidRefreshToken
	}
	return s.tokens.RefreshAccessToken(ctx, refreshToken)
}

// Logout revokes the record of refreshToken. Malformed tokens are ignored; only storage errors are returned.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	return s.tokens.RevokeRefreshToken(ctx, refreshToken)
}

// LogoutAll bumps the subject's token version and revokes all refresh records, signing out every device.
func (s *AuthService) LogoutAll(ctx context.Context, subjectID int64) error {
	if _, err := s.users.BumpTokenVersion(ctx, subjectID); err != nil {
		return fmt.Errorf("bump token version: %w", err)
	}
	if err := s.tokens.RevokeAllForSubject(ctx, subjectID); err != nil {
		return err
	}
	s.audit.Record(ctx, subjectID, auditdomain.ActionLogoutAll, auditdomain.EntitySession)
	return nil
}

// ChangePassword verifies the current password, stores the new one, signs out every device and
// returns a fresh token pair for the caller.
func (s *AuthService) ChangePassword(ctx context.Context, subjectID int64, currentPassword, newPassword string) (*AuthResult, error) {
	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive() {
		return nil, token.ErrPrincipalNotFound
	}
	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		s.audit.Record(audit.WithMetadata(ctx, "reason=wrong_current_password"), user.ID, auditdomain.ActionLoginFailure, auditdomain.EntityUser)
		return nil, ErrInvalidCredentials
	}
	if err := validatePassword(newPassword); err != nil {
		return nil, err
	}
	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	version, err := s.users.UpdatePassword(ctx, user.ID, hashed)
	if err != nil {
		return nil, fmt.Errorf("update password: %w", err)
	}
	user.PasswordHash = hashed
	user.TokenVersion = version
	if err := s.tokens.RevokeAllForSubject(ctx, user.ID); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, user.ID, auditdomain.ActionPasswordChanged, auditdomain.EntityUser)
	pair, err := s.tokens.IssueTokenPair(ctx, user)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user, Tokens: pair}, nil
}

// Me returns the authenticated principal.
func (s *AuthService) Me(ctx context.Context, subjectID int64) (*userdomain.User, error) {
	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, token.ErrPrincipalNotFound
	}
	return user, nil
}

// dummy returns a bcrypt hash at the configured cost used to equalize login timing for unknown emails.
func (s *AuthService) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("calotrack-dummy-password")
		if err != nil {
			s.log.Error(context.Background(), "identity: dummy hash", "error", err)
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var simpleEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !simpleEmail.MatchString(email) {
		return fmt.Errorf("%w: invalid email format", ErrInvalidInput)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 12 {
		return fmt.Errorf("%w: password must be at least 12 characters", ErrInvalidInput)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordBytes)
	}
	var hasUpper, hasLower, hasNumber, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasNumber = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper {
		return fmt.Errorf("%w: password must contain at least one uppercase letter", ErrInvalidInput)
	}
	if !hasLower {
		return fmt.Errorf("%w: password must contain at least one lowercase letter", ErrInvalidInput)
	}
	if !hasNumber {
		return fmt.Errorf("%w: password must contain at least one number", ErrInvalidInput)
	}
	if !hasSymbol {
		return fmt.Errorf("%w: password must contain at least one symbol", ErrInvalidInput)
	}
	return nil
}
