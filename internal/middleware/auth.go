package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"entitlement-engine/internal/config"
	"entitlement-engine/internal/response"
	"entitlement-engine/pkg/logging"

	"github.com/gin-gonic/gin"
)

// APIKeyAuthMiddleware guards the app-backend facing endpoints with the
// configured API key. With no key configured the check is disabled, which is
// only acceptable in development.
func APIKeyAuthMiddleware() gin.HandlerFunc {
	if config.AppConfig.APIKey == "" {
		logging.Warnf("API_KEY not set, backend endpoints are unauthenticated")
	}

	return func(c *gin.Context) {
		expected := config.AppConfig.APIKey
		if expected == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		if apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
			c.JSON(http.StatusUnauthorized, response.Error("Invalid or missing api_key"))
			c.Abort()
			return
		}

		c.Set("request_time", time.Now())
		c.Next()
	}
}
