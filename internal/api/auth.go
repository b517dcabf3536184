package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates "Authorization: Bearer <token>" against a
// secret-store-backed token provider. The provider is consulted per request
// so a rotated token takes effect without a restart. With no provider (or a
// provider that yields an empty token) requests pass, which is the dev-mode
// posture; in release mode that state is logged loudly at boot.
func AuthMiddleware(token func() (string, error)) gin.HandlerFunc {
	if token == nil {
		token = func() (string, error) { return "", nil }
	}

	if t, _ := token(); t == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] no API auth token configured in release mode; " +
			"all mutating endpoints are publicly accessible")
	}

	return func(c *gin.Context) {
		want, err := token()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth token unavailable"})
			c.Abort()
			return
		}
		if want == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <token>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}

		// constant-time comparison blocks timing-based token enumeration
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(want)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
