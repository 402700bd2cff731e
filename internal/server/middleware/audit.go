package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"calotrack/backend/internal/audit"
)

// Audit returns a middleware that records an audit event after each authenticated request.
// skipRoutes holds "METHOD /route" keys of routes whose handlers audit themselves. Requests without
// an authenticated subject, unmatched routes and 5xx responses are not recorded.
func Audit(sink audit.Sink, skipRoutes map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if sink == nil {
			return
		}
		route := c.FullPath()
		if route == "" || skipRoutes[c.Request.Method+" "+route] {
			return
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			return
		}
		subjectID, ok := SubjectID(c)
		if !ok {
			return
		}
		ae := audit.ParseRoute(c.Request.Method, route)
		sink.Record(c.Request.Context(), subjectID, ae.Action, ae.Entity)
	}
}
