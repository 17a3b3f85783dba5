// Package middleware provides HTTP middleware for policygate services
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AdminKeyHeader carries the operator key on policy management routes
const AdminKeyHeader = "X-Admin-Key"

// CORS returns a middleware that handles CORS headers
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, "+AdminKeyHeader)
		c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// AdminKey guards operator routes with a shared key compared against a
// bcrypt hash. An empty hash closes the routes unless allowOpen is set,
// which is meant for development only.
func AdminKey(hash string, allowOpen bool, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash == "" {
			if allowOpen {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin API is disabled",
			})
			return
		}

		key := strings.TrimSpace(c.GetHeader(AdminKeyHeader))
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing admin key",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			logger.Warn("Rejected admin key",
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid admin key",
			})
			return
		}

		c.Set("admin", true)
		c.Next()
	}
}
