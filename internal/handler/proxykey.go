package handler

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"opendum/internal/crypto"
	"opendum/internal/store"
)

// proxyKeyPrefix marks a caller-presented credential as this proxy's own,
// the way the teacher's derived Anthropic Console keys carry a "sk-ant-"
// prefix — useful at a glance in logs and dashboards.
const proxyKeyPrefix = "opdm_"

// ProxyKeyHandler is the admin-facing CRUD surface for ProxyApiKey, the
// credential callers present to the three dialect endpoints. It replaces
// the teacher's JWT-issuing TokenHandler: JWT is now admin-dashboard-
// session-only (internal/middleware.AdminSessionMiddleware), and caller
// auth is a hashed-lookup credential instead (internal/auth.Middleware).
type ProxyKeyHandler struct {
	store    *store.Store
	envelope *crypto.Envelope
}

func NewProxyKeyHandler(s *store.Store, envelope *crypto.Envelope) *ProxyKeyHandler {
	return &ProxyKeyHandler{store: s, envelope: envelope}
}

type CreateProxyKeyRequest struct {
	UserID     string           `json:"user_id" binding:"required"`
	Name       string           `json:"name" binding:"required"`
	AccessMode store.AccessMode `json:"access_mode"`
	AccessList []string         `json:"access_list"`
	ExpiresIn  string           `json:"expires_in"` // e.g. "720h"; empty means no expiry
}

type CreateProxyKeyResponse struct {
	Key   string            `json:"key"` // returned once, never again
	Entry *store.ProxyApiKey `json:"entry"`
}

func generateRawProxyKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return proxyKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

func (h *ProxyKeyHandler) Create(c *gin.Context) {
	var req CreateProxyKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode := req.AccessMode
	if mode == "" {
		mode = store.AccessModeAll
	}
	if mode != store.AccessModeAll && mode != store.AccessModeAllowlist && mode != store.AccessModeDenylist {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_mode must be 'all', 'allowlist', or 'denylist'"})
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires_in format"})
			return
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	rawKey, err := generateRawProxyKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate key"})
		return
	}

	entry := &store.ProxyApiKey{
		ID:         "pxk_" + uuid.New().String(),
		UserID:     req.UserID,
		Name:       req.Name,
		KeyHash:    h.envelope.HashAPIKey(rawKey),
		AccessMode: mode,
		AccessList: req.AccessList,
		CreatedAt:  time.Now(),
		ExpiresAt:  expiresAt,
	}

	if err := h.store.CreateProxyApiKey(entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store proxy key"})
		return
	}

	c.JSON(http.StatusOK, CreateProxyKeyResponse{Key: rawKey, Entry: entry})
}

func (h *ProxyKeyHandler) List(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	keys, err := h.store.ListProxyApiKeysForUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list proxy keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *ProxyKeyHandler) Get(c *gin.Context) {
	id := c.Param("id")
	key, err := h.store.GetProxyApiKey(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get proxy key"})
		return
	}
	if key == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "proxy key not found"})
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h *ProxyKeyHandler) Revoke(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.RevokeProxyApiKey(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke proxy key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "proxy key revoked"})
}
