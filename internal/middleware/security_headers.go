package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds security headers to API responses. Proxied session
// traffic is left alone since the display client runs inside a frame.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}
