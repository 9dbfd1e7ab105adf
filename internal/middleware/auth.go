package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ccflare/pkg/jwt"
)

const (
	ContextKeyTokenID    = "token_id"
	ContextKeyClientName = "client_name"
)

// JWTMiddleware gates the proxy surface behind client tokens. With no
// secret configured the proxy stays open, matching a single-user local
// deployment.
type JWTMiddleware struct {
	jwtManager *jwt.Manager
	enabled    bool
}

func NewJWTMiddleware(secret, issuer string) *JWTMiddleware {
	return &JWTMiddleware{
		jwtManager: jwt.NewManager(secret, issuer),
		enabled:    secret != "",
	}
}

func (m *JWTMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}

		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization token",
			})
			return
		}

		claims, err := m.jwtManager.Validate(tokenString)
		if err != nil {
			message := "invalid token"
			if err == jwt.ErrExpiredToken {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": message,
			})
			return
		}

		c.Set(ContextKeyTokenID, claims.ID)
		c.Set(ContextKeyClientName, claims.ClientName)
		c.Next()
	}
}

// Manager exposes the underlying signer for the token-issuing endpoint.
func (m *JWTMiddleware) Manager() *jwt.Manager { return m.jwtManager }

// AdminMiddleware protects the management API with a shared key.
type AdminMiddleware struct {
	adminKey string
}

func NewAdminMiddleware(adminKey string) *AdminMiddleware {
	return &AdminMiddleware{adminKey: adminKey}
}

func (m *AdminMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.adminKey == "" {
			c.Next()
			return
		}

		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = c.Query("admin_key")
		}
		if key != m.adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing admin key",
			})
			return
		}
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
		return authHeader
	}
	if apiKey := c.GetHeader("x-api-key"); apiKey != "" {
		return apiKey
	}
	return c.Query("token")
}
