package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"calotrack/backend/internal/security"
	"calotrack/backend/internal/token"
	userdomain "calotrack/backend/internal/user/domain"
)

const bearerPrefix = "bearer "

// Verifier validates access tokens. *token.Service implements it. Rejections must wrap
// token.ErrUnauthenticated; any other error is treated as a server failure.
type Verifier interface {
	VerifyAccessToken(token string) (*security.AccessClaims, error)
	VerifyAccessTokenLive(ctx context.Context, token string) (*security.AccessClaims, *userdomain.User, error)
}

// Auth returns a middleware that requires a valid Bearer access token and stores the subject in the
// request context. When live is true the token version is checked against the stored principal.
// Every rejection gets the same 401 body. Other verifier errors (e.g. the principal store is down)
// answer 500 and are attached to the context for the access log.
func Auth(v Verifier, live bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractBearer(c.GetHeader("Authorization"))
		if raw == "" {
			abortUnauthorized(c)
			return
		}
		var (
			claims *security.AccessClaims
			err    error
		)
		if live {
			claims, _, err = v.VerifyAccessTokenLive(c.Request.Context(), raw)
		} else {
			claims, err = v.VerifyAccessToken(raw)
		}
		if err != nil {
			if errors.Is(err, token.ErrUnauthenticated) {
				abortUnauthorized(c)
				return
			}
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		subjectID, err := claims.SubjectID()
		if err != nil {
			abortUnauthorized(c)
			return
		}
		setContext(c, WithSubject(c.Request.Context(), subjectID, claims.TokenVersion))
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// extractBearer returns the token from an Authorization header value, or "" if missing or malformed.
func extractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
