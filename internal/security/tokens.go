package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, mis-signed, or has wrong iss/aud/typ.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a correctly signed token is past its exp.
	ErrTokenExpired = errors.New("token expired")
)

const refreshTokenType = "refresh"

// AccessClaims holds JWT claims for the access token. Anything added here is readable by clients.
type AccessClaims struct {
	jwt.RegisteredClaims
	TokenVersion int    `json:"tv"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
}

// SubjectID returns the numeric subject id carried in sub.
func (c *AccessClaims) SubjectID() (int64, error) {
	return parseSubject(c.Subject)
}

// RefreshClaims holds JWT claims for the refresh token.
type RefreshClaims struct {
	jwt.RegisteredClaims
	TokenVersion int    `json:"tv"`
	Type         string `json:"typ"`
}

// SubjectID returns the numeric subject id carried in sub.
func (c *RefreshClaims) SubjectID() (int64, error) {
	return parseSubject(c.Subject)
}

// AccessSubject is the principal data bound into an access token.
type AccessSubject struct {
	SubjectID    int64
	TokenVersion int
	Username     string
	Email        string
}

// TokenProvider issues and validates HS256 access and refresh tokens signed with distinct secrets.
type TokenProvider struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	audience      string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenProvider returns a TokenProvider. Both secrets must be non-empty and different.
func NewTokenProvider(accessSecret, refreshSecret []byte, issuer, audience string, accessTTL, refreshTTL time.Duration) (*TokenProvider, error) {
	if len(accessSecret) == 0 || len(refreshSecret) == 0 {
		return nil, ErrInvalidSecret
	}
	if string(accessSecret) == string(refreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	return &TokenProvider{
		accessSecret:  append([]byte(nil), accessSecret...),
		refreshSecret: append([]byte(nil), refreshSecret...),
		issuer:        issuer,
		audience:      audience,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}, nil
}

// SetClock replaces the time source used for iat/exp and validation. Tests only.
func (p *TokenProvider) SetClock(now func() time.Time) {
	p.now = now
}

// AccessTTL returns the configured access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (p *TokenProvider) RefreshTTL() time.Duration { return p.refreshTTL }

// IssueAccess issues a short-lived access JWT for the subject.
// Returns the token string, its jti, and expiration time.
func (p *TokenProvider) IssueAccess(sub AccessSubject) (token string, jti string, expiresAt time.Time, err error) {
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := p.now().UTC()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.FormatInt(sub.SubjectID, 10),
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.accessTTL)),
		},
		TokenVersion: sub.TokenVersion,
		Username:     sub.Username,
		Email:        sub.Email,
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.accessSecret)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, jti, claims.ExpiresAt.Time, nil
}

// IssueRefresh issues a long-lived refresh JWT binding subject and token version.
// The returned expiresAt equals the token's exp claim and should be stored with the record.
func (p *TokenProvider) IssueRefresh(subjectID int64, tokenVersion int) (token string, jti string, expiresAt time.Time, err error) {
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := p.now().UTC()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.FormatInt(subjectID, 10),
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.refreshTTL)),
		},
		TokenVersion: tokenVersion,
		Type:         refreshTokenType,
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.refreshSecret)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, jti, claims.ExpiresAt.Time, nil
}

// ValidateAccess parses and validates the access token (signature, exp, iss, aud).
func (p *TokenProvider) ValidateAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := p.parse(tokenString, claims, p.accessSecret, true); err != nil {
		return nil, err
	}
	if _, err := claims.SubjectID(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateRefresh parses and validates the refresh token (signature, exp, iss, aud, typ).
func (p *TokenProvider) ValidateRefresh(tokenString string) (*RefreshClaims, error) {
	return p.validateRefresh(tokenString, true)
}

// ValidateRefreshSignature checks signature, iss, aud and typ but not expiry. Used where an
// expired token still identifies which record to act on (e.g. logout).
func (p *TokenProvider) ValidateRefreshSignature(tokenString string) (*RefreshClaims, error) {
	return p.validateRefresh(tokenString, false)
}

func (p *TokenProvider) validateRefresh(tokenString string, checkExpiry bool) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := p.parse(tokenString, claims, p.refreshSecret, checkExpiry); err != nil {
		return nil, err
	}
	if claims.Type != refreshTokenType {
		return nil, ErrInvalidToken
	}
	if _, err := claims.SubjectID(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (p *TokenProvider) parse(tokenString string, claims jwt.Claims, secret []byte, checkExpiry bool) error {
	if tokenString == "" {
		return ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithTimeFunc(p.now),
	}
	if checkExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	if !checkExpiry && !p.issuerAndAudienceMatch(claims) {
		return ErrInvalidToken
	}
	return nil
}

// issuerAndAudienceMatch repeats the iss/aud checks skipped by WithoutClaimsValidation.
func (p *TokenProvider) issuerAndAudienceMatch(claims jwt.Claims) bool {
	iss, err := claims.GetIssuer()
	if err != nil || iss != p.issuer {
		return false
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range aud {
		if a == p.audience {
			return true
		}
	}
	return false
}

func parseSubject(sub string) (int64, error) {
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
