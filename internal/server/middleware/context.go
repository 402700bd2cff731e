package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

type contextKey struct{ name string }

var (
	subjectIDKey    = contextKey{"subject_id"}
	tokenVersionKey = contextKey{"token_version"}
)

// WithSubject returns a context with the authenticated subject id and the token version it was issued at.
func WithSubject(ctx context.Context, subjectID int64, tokenVersion int) context.Context {
	ctx = context.WithValue(ctx, subjectIDKey, subjectID)
	ctx = context.WithValue(ctx, tokenVersionKey, tokenVersion)
	return ctx
}

// GetSubjectID returns the subject id from context and true if set; otherwise 0, false.
func GetSubjectID(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(subjectIDKey).(int64)
	return v, ok && v > 0
}

// GetTokenVersion returns the token version from context and true if set.
func GetTokenVersion(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(tokenVersionKey).(int)
	return v, ok
}

// SubjectID is GetSubjectID over the request context of c.
func SubjectID(c *gin.Context) (int64, bool) {
	return GetSubjectID(c.Request.Context())
}

// setContext replaces the request context of c.
func setContext(c *gin.Context, ctx context.Context) {
	c.Request = c.Request.WithContext(ctx)
}
