package middleware

import (
	"github.com/gin-gonic/gin"

	"calotrack/backend/internal/platform/requestmeta"
)

// RequestMeta stores the client IP and user agent in the request context. The IP honours
// gin's trusted proxy settings.
func RequestMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		setContext(c, requestmeta.With(c.Request.Context(), requestmeta.Meta{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}))
		c.Next()
	}
}
