// Package auth authenticates callers of the three dialect endpoints
// against a ProxyApiKey, in gin idiom, grounded on the token-hash /
// constant-time-admin-compare pattern of the pack's stdlib http.Handler
// equivalent.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"opendum/internal/crypto"
	"opendum/internal/store"
)

const ContextKeyProxyKey = "proxy_key"

type Middleware struct {
	store    *store.Store
	envelope *crypto.Envelope
}

func NewMiddleware(s *store.Store, envelope *crypto.Envelope) *Middleware {
	return &Middleware{store: s, envelope: envelope}
}

// Authenticate looks up the presented key by its SHA-256 hash. There is no
// separate admin-token shortcut here (unlike the grounding source): the
// admin surface is gated by its own static-key + session-JWT middleware in
// internal/middleware, so a ProxyApiKey is the only credential this
// middleware ever accepts.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "missing API key"},
			})
			return
		}

		hash := m.envelope.HashAPIKey(token)
		key, err := m.store.GetProxyApiKeyByHash(hash)
		if err != nil {
			log.Error().Err(err).Msg("proxy key lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"type": "api_error", "message": "failed to validate API key"},
			})
			return
		}
		if key == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "invalid API key"},
			})
			return
		}

		go m.store.UpdateProxyApiKeyLastUsed(key.ID)

		c.Set(ContextKeyProxyKey, key)
		c.Next()
	}
}

// FromContext returns the authenticated ProxyApiKey for the current
// request, or nil if Authenticate was not run.
func FromContext(c *gin.Context) *store.ProxyApiKey {
	v, ok := c.Get(ContextKeyProxyKey)
	if !ok {
		return nil
	}
	key, _ := v.(*store.ProxyApiKey)
	return key
}

func extractToken(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
