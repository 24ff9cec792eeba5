package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"opendum/internal/crypto"
	"opendum/internal/provider"
	"opendum/internal/store"
)

// AccountHandler is the admin-facing CRUD surface for ProviderAccount,
// generalizing the teacher's claude.ai-specific AccountHandler (OAuth
// login + legacy session-key accounts) to any registered Provider Adapter.
// Session-key accounts (CreateSessionKeyAccount, CheckHealth) have no
// equivalent here — see DESIGN.md; a static credential now onboards
// through the generic-api-key provider instead of a claude.ai-specific
// session cookie.
type AccountHandler struct {
	store    *store.Store
	envelope *crypto.Envelope
}

func NewAccountHandler(s *store.Store, envelope *crypto.Envelope) *AccountHandler {
	return &AccountHandler{store: s, envelope: envelope}
}

// StartOAuth begins the manual OAuth onboarding flow for an OAuth-backed
// provider (anthropic, openai-codex), returning an authorize URL the admin
// opens in a browser, and persisting the PKCE verifier keyed by state so
// the callback can complete the exchange.
func (h *AccountHandler) StartOAuth(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id" binding:"required"`
		Provider string `json:"provider" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state := uuid.New().String()

	var authURL, verifier string
	switch store.Provider(req.Provider) {
	case store.ProviderAnthropic:
		authURL, verifier = provider.AnthropicAuthorizeURL(state)
	case store.ProviderOpenAICodex:
		authURL, verifier = provider.CodexAuthorizeURL(state)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider does not support OAuth onboarding"})
		return
	}

	session := &store.OAuthSession{
		ID:           "oas_" + uuid.New().String(),
		Provider:     store.Provider(req.Provider),
		UserID:       req.UserID,
		CodeVerifier: verifier,
		State:        state,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}
	if err := h.store.CreateOAuthSession(session); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist oauth session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"authorize_url": authURL, "state": state})
}

// CompleteOAuth exchanges the authorization code the admin's browser was
// redirected back with, sealing the resulting token pair into a new
// ProviderAccount.
func (h *AccountHandler) CompleteOAuth(c *gin.Context) {
	var req struct {
		State string `json:"state" binding:"required"`
		Code  string `json:"code" binding:"required"`
		Name  string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.store.GetOAuthSessionByState(req.State)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up oauth session"})
		return
	}
	if session == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "oauth session not found or expired"})
		return
	}
	defer func() { _ = h.store.DeleteOAuthSession(session.ID) }()

	var accessToken, refreshToken string
	var expiresIn int
	var chatGPTAccountID string

	switch session.Provider {
	case store.ProviderAnthropic:
		accessToken, refreshToken, expiresIn, err = provider.ExchangeAnthropicCode(c.Request.Context(), req.Code, session.CodeVerifier, req.State)
	case store.ProviderOpenAICodex:
		accessToken, refreshToken, expiresIn, chatGPTAccountID, err = provider.ExchangeCodexCode(c.Request.Context(), req.Code, session.CodeVerifier)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported oauth provider"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("oauth code exchange failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	sealed, err := (store.OAuthCredentials{AccessToken: accessToken, RefreshToken: refreshToken}).Marshal()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to marshal credentials"})
		return
	}
	cipherText, err := h.envelope.Seal(sealed, string(session.Provider))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to seal credentials"})
		return
	}

	name := req.Name
	if name == "" {
		name = string(session.Provider) + " account"
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)

	account := &store.ProviderAccount{
		ID:             "acc_" + uuid.New().String(),
		UserID:         session.UserID,
		Provider:       session.Provider,
		Name:           name,
		Credentials:    cipherText,
		OrganizationID: chatGPTAccountID,
		ExpiresAt:      &expiresAt,
		CreatedAt:      time.Now(),
		IsActive:       true,
		Status:         store.AccountStatusActive,
	}
	if err := h.store.CreateProviderAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store provider account"})
		return
	}

	c.JSON(http.StatusOK, sanitizeAccount(account))
}

// CreateAPIKeyAccount onboards a static-credential account (generic-api-key
// provider, or any future non-OAuth adapter) directly from an admin-
// supplied key, no browser redirect required.
func (h *AccountHandler) CreateAPIKeyAccount(c *gin.Context) {
	var req struct {
		UserID         string `json:"user_id" binding:"required"`
		Name           string `json:"name" binding:"required"`
		APIKey         string `json:"api_key" binding:"required"`
		OrganizationID string `json:"organization_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cipherText, err := h.envelope.Seal(req.APIKey, string(store.ProviderGenericAPIKey))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to seal credentials"})
		return
	}

	account := &store.ProviderAccount{
		ID:             "acc_" + uuid.New().String(),
		UserID:         req.UserID,
		Provider:       store.ProviderGenericAPIKey,
		Name:           req.Name,
		Credentials:    cipherText,
		OrganizationID: req.OrganizationID,
		CreatedAt:      time.Now(),
		IsActive:       true,
		Status:         store.AccountStatusActive,
	}
	if err := h.store.CreateProviderAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store provider account"})
		return
	}

	c.JSON(http.StatusOK, sanitizeAccount(account))
}

// ListAccounts lists every provider account a tenant owns.
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	accounts, err := h.store.ListProviderAccountsForUser(userID, store.Provider(c.Query("provider")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}

	response := make([]gin.H, len(accounts))
	for i, acc := range accounts {
		response[i] = sanitizeAccount(acc)
	}
	c.JSON(http.StatusOK, response)
}

func (h *AccountHandler) GetAccount(c *gin.Context) {
	id := c.Param("id")
	account, err := h.store.GetProviderAccount(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get account"})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, sanitizeAccount(account))
}

func (h *AccountHandler) UpdateAccount(c *gin.Context) {
	id := c.Param("id")
	account, err := h.store.GetProviderAccount(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get account"})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	var req struct {
		Name     string `json:"name"`
		IsActive *bool  `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Name != "" {
		account.Name = req.Name
	}
	if req.IsActive != nil {
		account.IsActive = *req.IsActive
	}

	if err := h.store.UpdateProviderAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update account"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "account updated"})
}

func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeleteProviderAccount(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account deleted"})
}

func (h *AccountHandler) DeactivateAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeactivateProviderAccount(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account deactivated"})
}

// RefreshToken manually refreshes an OAuth account's token, the same
// adapter call the Proactive Refresher and the request-path on-demand
// refresh use.
func (h *AccountHandler) RefreshToken(c *gin.Context) {
	id := c.Param("id")
	account, err := h.store.GetProviderAccount(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get account"})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if !account.IsOAuth() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account is not an OAuth account"})
		return
	}

	plaintext, err := h.envelope.Open(account.Credentials, string(account.Provider))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open stored credentials"})
		return
	}
	creds, err := store.ParseOAuthCredentials(plaintext)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to parse stored credentials"})
		return
	}

	adapter, err := provider.ForProvider(account.Provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no adapter registered for provider"})
		return
	}

	accessToken, refreshToken, expiresIn, err := adapter.RefreshCredentials(c.Request.Context(), account, creds.RefreshToken)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	sealed, err := (store.OAuthCredentials{AccessToken: accessToken, RefreshToken: refreshToken}).Marshal()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to marshal refreshed credentials"})
		return
	}
	cipherText, err := h.envelope.Seal(sealed, string(account.Provider))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to seal refreshed credentials"})
		return
	}

	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
	account.Credentials = cipherText
	account.ExpiresAt = &expiresAt
	if err := h.store.UpdateProviderAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist refreshed credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "token refreshed", "expires_at": account.ExpiresAt})
}

// sanitizeAccount strips the sealed credential fields before a
// ProviderAccount reaches an HTTP response.
func sanitizeAccount(a *store.ProviderAccount) gin.H {
	return gin.H{
		"id":                 a.ID,
		"user_id":            a.UserID,
		"provider":           a.Provider,
		"name":               a.Name,
		"organization_id":    a.OrganizationID,
		"project_id":         a.ProjectID,
		"tier":               a.Tier,
		"expires_at":         a.ExpiresAt,
		"created_at":         a.CreatedAt,
		"last_used_at":       a.LastUsedAt,
		"is_active":          a.IsActive,
		"status":             a.Status,
		"consecutive_errors": a.ConsecutiveErrors,
		"success_count":      a.SuccessCount,
		"request_count":      a.RequestCount,
		"last_error_at":      a.LastErrorAt,
		"last_error_code":    a.LastErrorCode,
		"last_error_message": a.LastErrorMessage,
	}
}
