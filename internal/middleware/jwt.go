package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"opendum/pkg/jwt"
)

const (
	ContextKeyAdminUser   = "admin_user"
	ContextKeyAdminClaims = "admin_claims"
)

// AdminSessionMiddleware validates the admin dashboard session token
// issued by AdminMiddleware's login endpoint. Unlike the teacher's
// JWTMiddleware, it does not consult the database for revocation: there is
// no persisted admin-session table, since the only caller-facing
// credential this proxy revokes is a ProxyApiKey (see internal/auth),
// not an admin session.
type AdminSessionMiddleware struct {
	jwtManager *jwt.Manager
}

func NewAdminSessionMiddleware(jwtManager *jwt.Manager) *AdminSessionMiddleware {
	return &AdminSessionMiddleware{jwtManager: jwtManager}
}

func (m *AdminSessionMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization token",
			})
			return
		}

		claims, err := m.jwtManager.Validate(tokenString)
		if err != nil {
			status := http.StatusUnauthorized
			message := "invalid token"
			if err == jwt.ErrExpiredToken {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error": message,
			})
			return
		}

		c.Set(ContextKeyAdminUser, claims.UserName)
		c.Set(ContextKeyAdminClaims, claims)

		c.Next()
	}
}

// AdminMiddleware gates the static-key admin login endpoint that mints
// AdminSessionMiddleware tokens.
type AdminMiddleware struct {
	adminKey string
}

func NewAdminMiddleware(adminKey string) *AdminMiddleware {
	return &AdminMiddleware{adminKey: adminKey}
}

func (m *AdminMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = c.Query("admin_key")
		}

		if key == "" || key != m.adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing admin key",
			})
			return
		}

		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
		return authHeader
	}

	if apiKey := c.GetHeader("x-api-key"); apiKey != "" {
		return apiKey
	}

	if token := c.Query("token"); token != "" {
		return token
	}

	return ""
}
