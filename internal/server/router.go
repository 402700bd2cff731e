// Package server assembles the HTTP router and the gRPC server.
package server

import (
	"github.com/gin-gonic/gin"

	"calotrack/backend/internal/audit"
	healthhandler "calotrack/backend/internal/health/handler"
	healthprofilehandler "calotrack/backend/internal/healthprofile/handler"
	identityhandler "calotrack/backend/internal/identity/handler"
	"calotrack/backend/internal/logging"
	"calotrack/backend/internal/server/middleware"
)

// selfAuditedRoutes are recorded by their services with specific actions; the audit middleware skips them.
var selfAuditedRoutes = map[string]bool{
	"POST /auth/logout-all":  true,
	"POST /auth/password":    true,
	"GET /me/health-profile": true,
	"PUT /me/health-profile": true,
}

// HTTPDeps holds everything the HTTP router serves.
type HTTPDeps struct {
	Auth           *identityhandler.AuthHandler
	HealthProfiles *healthprofilehandler.Handler
	Health         *healthhandler.Server
	// Verifier validates Bearer tokens on authenticated routes.
	Verifier middleware.Verifier
	// LiveTokenCheck compares the token version against the stored principal on every request.
	LiveTokenCheck bool
	// Audit receives one event per authenticated request not in selfAuditedRoutes. May be nil.
	Audit audit.Sink
	Log   logging.Logger
	// TrustedProxies are the proxy CIDRs whose X-Forwarded-For is honoured. Empty trusts none.
	TrustedProxies []string
}

// NewRouter returns the gin engine with middleware and every route mounted.
func NewRouter(deps HTTPDeps) (*gin.Engine, error) {
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	r := gin.New()
	if err := r.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, err
	}
	r.Use(gin.Recovery(), middleware.Tracing(), middleware.AccessLog(log), middleware.RequestMeta())

	if deps.Health != nil {
		deps.Health.RegisterHTTP(r)
	}

	api := r.Group("", middleware.Audit(deps.Audit, selfAuditedRoutes))
	authed := api.Group("", middleware.Auth(deps.Verifier, deps.LiveTokenCheck))
	if deps.Auth != nil {
		deps.Auth.RegisterRoutes(api, authed)
	}
	if deps.HealthProfiles != nil {
		deps.HealthProfiles.RegisterRoutes(authed)
	}
	return r, nil
}
