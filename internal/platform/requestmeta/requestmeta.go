// Package requestmeta carries per-request client details (IP, user agent) from the transport
// layer to services that record them in refresh token records and audit events.
package requestmeta

import "context"

type contextKey struct{ name string }

var metaKey = contextKey{"request_meta"}

// Meta describes the client of the current request.
type Meta struct {
	IP        string
	UserAgent string
}

// With returns a context carrying m.
func With(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey, m)
}

// From returns the Meta stored in ctx and true if set; otherwise a zero Meta and false.
func From(ctx context.Context) (Meta, bool) {
	m, ok := ctx.Value(metaKey).(Meta)
	return m, ok
}

// ClientIP returns the client IP from ctx, or "" when unknown. It matches audit.IPExtractor.
func ClientIP(ctx context.Context) string {
	m, _ := From(ctx)
	return m.IP
}
