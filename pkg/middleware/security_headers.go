package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds headers suited to a JSON API that returns payment data
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")

		// settlement responses must never be served from a shared cache
		h.Set("Cache-Control", "no-store")

		c.Next()
	}
}
