package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore forbids caching of responses. Session views carry live state and
// the session token.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
