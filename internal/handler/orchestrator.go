// Package handler implements the Request Orchestrator (C7): one gin
// handler per caller dialect, sharing a common retry/account-selection
// core. It replaces the teacher's handleAPIModeEnhanced/handleWebModeEnhanced
// split in enhanced_proxy.go/proxy.go with a single path, since this system
// has no web/API distinction — every upstream is reached through a
// Provider Adapter.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"opendum/internal/accountant"
	"opendum/internal/auth"
	"opendum/internal/crypto"
	"opendum/internal/provider"
	"opendum/internal/ratelimitledger"
	"opendum/internal/relay"
	"opendum/internal/selector"
	"opendum/internal/store"
	"opendum/internal/usagelog"
)

const maxAccountAttempts = 5

// errPinnedAccountModelMismatch is pickAccount's distinct signal for
// spec.md §8 seed scenario 5: a pinned provider_account_id whose provider
// cannot serve the requested model is a caller mistake (400), never the
// generic "nothing is configured" (503) or "everything is rate-limited"
// (429) conditions selector.ErrNoAccountAvailable otherwise represents.
var errPinnedAccountModelMismatch = errors.New("handler: pinned account does not support the requested model")

// Orchestrator wires together every other component this proxy built:
// the Account Selector, Provider Adapter registry, Rate-Limit Ledger,
// Failure Accountant, Dialect Translator registry, and Usage Logger
// dispatcher.
type Orchestrator struct {
	store      *store.Store
	envelope   *crypto.Envelope
	selector   *selector.Selector
	ledger     ratelimitledger.Ledger
	accountant *accountant.Accountant
	coord      *provider.RefreshCoordinator
	usageLog   *usagelog.Dispatcher
}

func NewOrchestrator(
	st *store.Store,
	envelope *crypto.Envelope,
	sel *selector.Selector,
	ledger ratelimitledger.Ledger,
	acct *accountant.Accountant,
	coord *provider.RefreshCoordinator,
	dispatcher *usagelog.Dispatcher,
) *Orchestrator {
	return &Orchestrator{
		store:      st,
		envelope:   envelope,
		selector:   sel,
		ledger:     ledger,
		accountant: acct,
		coord:      coord,
		usageLog:   dispatcher,
	}
}

func (o *Orchestrator) ChatCompletions(c *gin.Context) {
	o.handle(c, relay.DialectChat, "chat_completions")
}
func (o *Orchestrator) Messages(c *gin.Context)  { o.handle(c, relay.DialectAnthropic, "messages") }
func (o *Orchestrator) Responses(c *gin.Context) { o.handle(c, relay.DialectResponses, "responses") }

// pinnedAccountEnvelope peeks at the one extra field the Responses dialect
// allows (spec.md §4.1): a body-level provider_account_id pinning the
// request to a specific account, bypassing the selector.
type pinnedAccountEnvelope struct {
	ProviderAccountID string `json:"provider_account_id"`
}

// errOpt augments writeError's body beyond the required {type, message}
// pair with spec.md §6's optional error-envelope fields.
type errOpt func(gin.H)

func withCode(code string) errOpt {
	return func(body gin.H) { body["code"] = code }
}

func withRetryAfterMs(ms *int64) errOpt {
	return func(body gin.H) {
		if ms != nil {
			body["retry_after_ms"] = *ms
		}
	}
}

// writeError renders spec.md §6's error envelope: {error:{type,message,...}}
// for Chat/Responses, {type:"error", error:{type,message,...}} for the
// Anthropic dialect. A 503 on the Anthropic dialect is always surfaced as
// overloaded_error, per §6's documented dialect-specific 503 variant.
func writeError(c *gin.Context, dialect relay.Dialect, status int, errType, message string, opts ...errOpt) {
	if dialect == relay.DialectAnthropic && status == http.StatusServiceUnavailable {
		errType = "overloaded_error"
	}

	body := gin.H{"type": errType, "message": message}
	for _, opt := range opts {
		opt(body)
	}

	if dialect == relay.DialectAnthropic {
		c.AbortWithStatusJSON(status, gin.H{"type": "error", "error": body})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

// writeSanitizedError renders an accountant.ProxyError through writeError,
// threading its retry_after_ms field so 429 responses never silently drop it.
func writeSanitizedError(c *gin.Context, dialect relay.Dialect, status int, sanitized accountant.ProxyError) {
	writeError(c, dialect, status, sanitized.Type, sanitized.Message, withRetryAfterMs(sanitized.RetryAfterMs))
}

func (o *Orchestrator) handle(c *gin.Context, dialect relay.Dialect, dialectLabel string) {
	key := auth.FromContext(c)
	if key == nil {
		writeError(c, dialect, http.StatusUnauthorized, "authentication_error", "missing authenticated caller")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, dialect, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	translator, err := relay.ForDialect(dialect)
	if err != nil {
		writeError(c, dialect, http.StatusInternalServerError, "api_error", "unsupported dialect")
		return
	}

	cr, err := translator.ParseRequest(body)
	if err != nil {
		writeError(c, dialect, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	if cr.Model == "" {
		writeError(c, dialect, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	cr.Model = store.NormalizeModel(cr.Model)

	if !key.Allows(cr.Model) {
		writeError(c, dialect, http.StatusForbidden, "authentication_error", "this API key is not permitted to use the requested model")
		return
	}

	wantsStream := cr.Stream
	family := store.ModelFamily(cr.Model)

	var pinned pinnedAccountEnvelope
	if dialect == relay.DialectResponses {
		_ = json.Unmarshal(body, &pinned)
	}

	ctx := c.Request.Context()

	maxAttempts := maxAccountAttempts
	if pinned.ProviderAccountID != "" {
		maxAttempts = 1
	}

	var triedIDs []string
	var lastError accountant.ProxyError
	lastErrorStatus := http.StatusServiceUnavailable

	for attempt := 0; attempt < maxAttempts; attempt++ {
		account, selErr := o.pickAccount(ctx, key.UserID, cr.Model, pinned.ProviderAccountID, triedIDs)
		if selErr != nil {
			if errors.Is(selErr, errPinnedAccountModelMismatch) {
				writeError(c, dialect, http.StatusBadRequest, "invalid_request_error", "the pinned account's provider does not support the requested model", withCode("provider_account_model_mismatch"))
				return
			}
			if attempt == 0 {
				writeError(c, dialect, http.StatusServiceUnavailable, "configuration_error", "no provider account is configured to serve this model")
				return
			}
			if waited, minWaitErr := o.ledger.GetMinWaitTime(ctx, triedIDs, family); minWaitErr == nil && waited > 0 {
				retryMs := waited.Milliseconds()
				sanitized := accountant.GetSanitizedProxyError(http.StatusTooManyRequests, &retryMs)
				writeSanitizedError(c, dialect, http.StatusTooManyRequests, sanitized)
				return
			}
			writeError(c, dialect, lastErrorStatus, lastError.Type, nonEmptyOr(lastError.Message, "no account available"))
			return
		}
		triedIDs = append(triedIDs, account.ID)

		credentials, credErr := o.resolveCredentials(ctx, account)
		if credErr != nil {
			log.Error().Err(credErr).Str("account_id", account.ID).Msg("failed to resolve account credentials")
			_ = o.accountant.MarkFailed(account.ID, int64(account.ConsecutiveErrors), http.StatusUnauthorized, credErr.Error())
			lastError = accountant.GetSanitizedProxyError(http.StatusUnauthorized, nil)
			lastErrorStatus = http.StatusUnauthorized
			continue
		}

		adapter, adapterErr := provider.ForProvider(account.Provider)
		if adapterErr != nil {
			writeError(c, dialect, http.StatusInternalServerError, "api_error", "no adapter registered for account provider")
			return
		}

		upstreamReq := *cr
		upstreamReq.Stream = true

		start := time.Now()
		events, status, sendErr := adapter.Send(ctx, account, credentials, &upstreamReq)

		if sendErr != nil {
			_ = o.accountant.MarkFailed(account.ID, int64(account.ConsecutiveErrors), status, sendErr.Error())
			o.logUsage(key, account, cr, dialectLabel, false, status, 0, 0, time.Since(start), 0, sendErr.Error())
			if accountant.ShouldRotate(status) && attempt < maxAttempts-1 {
				lastError = accountant.GetSanitizedProxyError(status, nil)
				lastErrorStatus = mapStatus(status)
				continue
			}
			sanitized := accountant.GetSanitizedProxyError(status, nil)
			writeSanitizedError(c, dialect, mapStatus(status), sanitized)
			return
		}

		if status == http.StatusTooManyRequests {
			o.handleRateLimited(ctx, account, family, cr.Model, events)
			o.logUsage(key, account, cr, dialectLabel, false, status, 0, 0, time.Since(start), 0, "rate limited")
			continue
		}

		if status != http.StatusOK {
			message := drainEventsAsErrorMessage(events)
			_ = o.accountant.MarkFailed(account.ID, int64(account.ConsecutiveErrors), status, message)
			o.logUsage(key, account, cr, dialectLabel, false, status, 0, 0, time.Since(start), 0, message)
			if accountant.ShouldRotate(status) && attempt < maxAttempts-1 {
				lastError = accountant.GetSanitizedProxyError(status, nil)
				lastErrorStatus = mapStatus(status)
				continue
			}
			sanitized := accountant.GetSanitizedProxyError(status, nil)
			writeSanitizedError(c, dialect, mapStatus(status), sanitized)
			return
		}

		o.deliver(c, dialect, translator, cr.Model, wantsStream, events, key, account, cr, dialectLabel, start)
		return
	}
}

func nonEmptyOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func mapStatus(upstream int) int {
	if upstream < 400 || upstream >= 600 {
		return http.StatusBadGateway
	}
	return upstream
}

func (o *Orchestrator) pickAccount(ctx context.Context, userID, model, pinnedID string, triedIDs []string) (*store.ProviderAccount, error) {
	if pinnedID != "" {
		account, err := o.store.GetProviderAccount(pinnedID)
		if err != nil {
			return nil, err
		}
		if account == nil || account.UserID != userID || !account.IsActive {
			return nil, selector.ErrNoAccountAvailable
		}
		if !store.SupportsProvider(model, account.Provider) {
			return nil, errPinnedAccountModelMismatch
		}
		limited, err := o.ledger.IsRateLimited(ctx, account.ID, store.ModelFamily(model))
		if err != nil {
			return nil, err
		}
		if limited {
			return nil, selector.ErrNoAccountAvailable
		}
		return account, nil
	}

	return o.selector.GetNextAvailableAccount(ctx, userID, model, store.Provider(""), triedIDs)
}

// resolveCredentials unseals an account's stored credential and, for
// OAuth-backed providers, refreshes it first if it's already expired —
// the request-path half of token rotation; the Proactive Refresher (C9)
// handles the proactive half.
func (o *Orchestrator) resolveCredentials(ctx context.Context, account *store.ProviderAccount) (string, error) {
	if !account.IsOAuth() {
		return o.envelope.Open(account.Credentials, string(account.Provider))
	}

	plaintext, err := o.envelope.Open(account.Credentials, string(account.Provider))
	if err != nil {
		return "", err
	}
	creds, err := store.ParseOAuthCredentials(plaintext)
	if err != nil {
		return "", err
	}

	if !account.IsExpired() {
		return creds.AccessToken, nil
	}

	var refreshed string
	err = o.coord.Do(ctx, account.ID, func(ctx context.Context) error {
		fresh, ferr := o.store.GetProviderAccount(account.ID)
		if ferr != nil {
			return ferr
		}
		if fresh == nil {
			return errors.New("account disappeared during refresh")
		}
		if !fresh.IsExpired() {
			freshPlaintext, oerr := o.envelope.Open(fresh.Credentials, string(fresh.Provider))
			if oerr != nil {
				return oerr
			}
			freshCreds, perr := store.ParseOAuthCredentials(freshPlaintext)
			if perr != nil {
				return perr
			}
			refreshed = freshCreds.AccessToken
			return nil
		}

		adapter, aerr := provider.ForProvider(fresh.Provider)
		if aerr != nil {
			return aerr
		}
		accessToken, refreshToken, expiresIn, rerr := adapter.RefreshCredentials(ctx, fresh, creds.RefreshToken)
		if rerr != nil {
			return rerr
		}

		sealed, merr := (store.OAuthCredentials{AccessToken: accessToken, RefreshToken: refreshToken}).Marshal()
		if merr != nil {
			return merr
		}
		cipherText, serr := o.envelope.Seal(sealed, string(fresh.Provider))
		if serr != nil {
			return serr
		}
		expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
		fresh.Credentials = cipherText
		fresh.ExpiresAt = &expiresAt
		if uerr := o.store.UpdateProviderAccount(fresh); uerr != nil {
			return uerr
		}
		refreshed = accessToken
		return nil
	})
	if err != nil {
		return "", err
	}
	return refreshed, nil
}

func (o *Orchestrator) handleRateLimited(ctx context.Context, account *store.ProviderAccount, family, model string, events <-chan relay.CanonicalEvent) {
	parsed := drainRateLimitInfo(events)
	retryAfter := parsed.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Hour
	}
	if err := o.ledger.MarkRateLimited(ctx, account.ID, family, retryAfter, model, parsed.Message); err != nil {
		log.Error().Err(err).Str("account_id", account.ID).Msg("failed to write rate-limit ledger entry")
	}
}

// drainRateLimitInfo exhausts a 429 response's event channel (the adapter
// still surfaces upstream error bodies as a single EventText frame) so the
// HTTP connection backing it can be cleanly released.
func drainRateLimitInfo(events <-chan relay.CanonicalEvent) ratelimitledger.ParsedRateLimit {
	var parsed ratelimitledger.ParsedRateLimit
	for ev := range events {
		if ev.Kind == relay.EventText && ev.Text != "" {
			if p := ratelimitledger.ParseRateLimitError([]byte(ev.Text)); p != nil {
				parsed = *p
			}
		}
	}
	return parsed
}

func drainEventsAsErrorMessage(events <-chan relay.CanonicalEvent) string {
	var message string
	for ev := range events {
		if ev.Kind == relay.EventText && ev.Text != "" {
			message = ev.Text
		}
	}
	return message
}

// deliver streams (or aggregates) the canonical event sequence back to the
// caller in its own dialect, then records the terminal outcome.
func (o *Orchestrator) deliver(
	c *gin.Context,
	dialect relay.Dialect,
	translator relay.Translator,
	model string,
	wantsStream bool,
	events <-chan relay.CanonicalEvent,
	key *store.ProxyApiKey,
	account *store.ProviderAccount,
	cr *relay.CanonicalRequest,
	dialectLabel string,
	start time.Time,
) {
	if !wantsStream {
		collected := make([]relay.CanonicalEvent, 0, 64)
		for ev := range events {
			if ev.Kind == relay.EventReasoning && !cr.IncludeReasoning {
				continue
			}
			collected = append(collected, ev)
		}
		body, err := translator.EncodeNonStream(model, collected)
		if err != nil {
			writeError(c, dialect, http.StatusInternalServerError, "api_error", "failed to encode response")
			return
		}
		c.Data(http.StatusOK, "application/json", body)

		in, out := sumUsage(collected)
		o.accountant.MarkSuccess(account.ID)
		_ = o.selector.MarkUsed(account.ID)
		o.logUsage(key, account, cr, dialectLabel, true, http.StatusOK, in, out, time.Since(start), 0, "")
		return
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, _ := c.Writer.(http.Flusher)
	writer := relay.NewSSEWriter(c.Writer, flusher)
	encoder := translator.NewStreamEncoder(model)

	var inputTokens, outputTokens int
	var ttft time.Duration
	gotFirstToken := false

	for ev := range events {
		if ev.Kind == relay.EventReasoning && !cr.IncludeReasoning {
			continue
		}
		if !gotFirstToken && (ev.Kind == relay.EventText || ev.Kind == relay.EventReasoning) {
			ttft = time.Since(start)
			gotFirstToken = true
		}
		if ev.Kind == relay.EventUsage {
			inputTokens = ev.InputTokens
			outputTokens = ev.OutputTokens
		}
		if err := encoder.Encode(ev, writer); err != nil {
			log.Error().Err(err).Msg("failed to encode stream event")
			break
		}
	}
	_ = encoder.Finalize(writer)

	o.accountant.MarkSuccess(account.ID)
	_ = o.selector.MarkUsed(account.ID)
	o.logUsage(key, account, cr, dialectLabel, true, http.StatusOK, inputTokens, outputTokens, time.Since(start), ttft, "")
}

func sumUsage(events []relay.CanonicalEvent) (input, output int) {
	for _, ev := range events {
		if ev.Kind == relay.EventUsage {
			input = ev.InputTokens
			output = ev.OutputTokens
		}
	}
	return
}

func (o *Orchestrator) logUsage(
	key *store.ProxyApiKey,
	account *store.ProviderAccount,
	cr *relay.CanonicalRequest,
	dialectLabel string,
	success bool,
	statusCode int,
	inputTokens, outputTokens int,
	duration, ttft time.Duration,
	errMessage string,
) {
	now := time.Now()
	entry := &store.UsageLog{
		ID:               "ulog_" + uuid.New().String(),
		ProxyKeyID:       key.ID,
		UserID:           key.UserID,
		Dialect:          dialectLabel,
		Model:            cr.Model,
		Stream:           cr.Stream,
		RequestAt:        now.Add(-duration),
		PromptTokens:     inputTokens,
		CompletionTokens: outputTokens,
		TotalTokens:      inputTokens + outputTokens,
		StatusCode:       statusCode,
		Success:          success,
	}
	entry.AccountID.String = account.ID
	entry.AccountID.Valid = true
	entry.ResponseAt.Time = now
	entry.ResponseAt.Valid = true
	entry.DurationMs.Int64 = duration.Milliseconds()
	entry.DurationMs.Valid = true
	if ttft > 0 {
		entry.TTFTMs.Int64 = ttft.Milliseconds()
		entry.TTFTMs.Valid = true
	}
	if errMessage != "" {
		entry.ErrorMessage.String = errMessage
		entry.ErrorMessage.Valid = true
	}

	go func() { _ = o.store.IncrementProxyApiKeyUsage(key.ID, inputTokens+outputTokens) }()

	o.usageLog.Log(entry)
}
