package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"opendum/pkg/jwt"
)

// AdminAuthHandler mints the admin dashboard session token after the static
// admin-key gate (internal/middleware.AdminMiddleware) passes, replacing the
// teacher's user/password login with a single shared admin key, since there
// is no store.User directory in this schema (see DESIGN.md, Open Question 5).
type AdminAuthHandler struct {
	jwtManager    *jwt.Manager
	sessionExpiry time.Duration
}

func NewAdminAuthHandler(jwtManager *jwt.Manager, sessionExpiry time.Duration) *AdminAuthHandler {
	return &AdminAuthHandler{jwtManager: jwtManager, sessionExpiry: sessionExpiry}
}

// Login issues a session token. It is itself gated by AdminMiddleware, so
// reaching this handler already proves the caller presented the admin key.
func (h *AdminAuthHandler) Login(c *gin.Context) {
	token, info, err := h.jwtManager.Generate("admin", "admin", h.sessionExpiry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue session token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "info": info})
}
