package handler

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"opendum/internal/store"
)

// UsageLogsHandler is the admin-facing usage-log browser, adapted from the
// teacher's RequestLogsHandler around store.UsageLog/UsageLogFilter instead
// of the dropped store.RequestLog (which paired each row with a stored
// conversation transcript; see DESIGN.md for why that pairing is dropped).
type UsageLogsHandler struct {
	store *store.Store
}

func NewUsageLogsHandler(s *store.Store) *UsageLogsHandler {
	return &UsageLogsHandler{store: s}
}

type ListUsageLogsRequest struct {
	ProxyKeyID string `form:"proxy_key_id"`
	AccountID  string `form:"account_id"`
	UserID     string `form:"user_id"`
	Dialect    string `form:"dialect"`
	Model      string `form:"model"`
	Success    *bool  `form:"success"`
	FromDate   string `form:"from_date"`
	ToDate     string `form:"to_date"`
	Page       int    `form:"page"`
	Limit      int    `form:"limit"`
}

type ListUsageLogsResponse struct {
	Logs  []*UsageLogDTO `json:"logs"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

type UsageLogDTO struct {
	ID               string  `json:"id"`
	ProxyKeyID       string  `json:"proxy_key_id"`
	AccountID        *string `json:"account_id,omitempty"`
	UserID           string  `json:"user_id"`
	Dialect          string  `json:"dialect"`
	Model            string  `json:"model"`
	Stream           bool    `json:"stream"`
	RequestAt        string  `json:"request_at"`
	ResponseAt       *string `json:"response_at,omitempty"`
	DurationMs       *int64  `json:"duration_ms,omitempty"`
	TTFTMs           *int64  `json:"ttft_ms,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	StatusCode       int     `json:"status_code"`
	Success          bool    `json:"success"`
	ErrorMessage     *string `json:"error_message,omitempty"`
}

func (h *UsageLogsHandler) buildFilter(req ListUsageLogsRequest) store.UsageLogFilter {
	filter := store.UsageLogFilter{
		ProxyKeyID: req.ProxyKeyID,
		AccountID:  req.AccountID,
		UserID:     req.UserID,
		Dialect:    req.Dialect,
		Model:      req.Model,
		Success:    req.Success,
		Page:       req.Page,
		Limit:      req.Limit,
	}
	if req.FromDate != "" {
		if t, err := time.Parse(time.RFC3339, req.FromDate); err == nil {
			filter.FromDate = &t
		}
	}
	if req.ToDate != "" {
		if t, err := time.Parse(time.RFC3339, req.ToDate); err == nil {
			filter.ToDate = &t
		}
	}
	return filter
}

// ListUsageLogs lists usage logs with filtering and pagination.
func (h *UsageLogsHandler) ListUsageLogs(c *gin.Context) {
	var req ListUsageLogsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := h.buildFilter(req)
	logs, total, err := h.store.ListUsageLogs(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list usage logs"})
		return
	}

	dtos := make([]*UsageLogDTO, len(logs))
	for i, l := range logs {
		dtos[i] = toUsageLogDTO(l)
	}

	c.JSON(http.StatusOK, ListUsageLogsResponse{
		Logs:  dtos,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	})
}

func toUsageLogDTO(l *store.UsageLog) *UsageLogDTO {
	dto := &UsageLogDTO{
		ID:               l.ID,
		ProxyKeyID:       l.ProxyKeyID,
		UserID:           l.UserID,
		Dialect:          l.Dialect,
		Model:            l.Model,
		Stream:           l.Stream,
		RequestAt:        l.RequestAt.Format(time.RFC3339),
		PromptTokens:     l.PromptTokens,
		CompletionTokens: l.CompletionTokens,
		TotalTokens:      l.TotalTokens,
		StatusCode:       l.StatusCode,
		Success:          l.Success,
	}

	if l.AccountID.Valid {
		accountID := l.AccountID.String
		dto.AccountID = &accountID
	}
	if l.ResponseAt.Valid {
		responseAt := l.ResponseAt.Time.Format(time.RFC3339)
		dto.ResponseAt = &responseAt
	}
	if l.DurationMs.Valid {
		durationMs := l.DurationMs.Int64
		dto.DurationMs = &durationMs
	}
	if l.TTFTMs.Valid {
		ttftMs := l.TTFTMs.Int64
		dto.TTFTMs = &ttftMs
	}
	if l.ErrorMessage.Valid {
		errorMsg := l.ErrorMessage.String
		dto.ErrorMessage = &errorMsg
	}

	return dto
}

// DeleteOldUsageLogs deletes usage logs older than the given number of days.
func (h *UsageLogsHandler) DeleteOldUsageLogs(c *gin.Context) {
	daysStr := c.DefaultQuery("days", "90")
	days, err := strconv.Atoi(daysStr)
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days parameter"})
		return
	}

	count, err := h.store.DeleteOldUsageLogs(days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete old logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": count, "days": days})
}

// ExportUsageLogs exports usage logs to CSV or JSON format.
func (h *UsageLogsHandler) ExportUsageLogs(c *gin.Context) {
	format := c.DefaultQuery("format", "csv")
	if format != "csv" && format != "json" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be 'csv' or 'json'"})
		return
	}

	var req ListUsageLogsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := h.buildFilter(req)
	filter.Limit = 10000 // max export size, no pagination

	logs, _, err := h.store.ListUsageLogs(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list usage logs"})
		return
	}

	if format == "csv" {
		h.exportCSV(c, logs)
	} else {
		h.exportJSON(c, logs)
	}
}

func (h *UsageLogsHandler) exportCSV(c *gin.Context, logs []*store.UsageLog) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=usage_logs_%s.csv", time.Now().Format("20060102_150405")))

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	header := []string{
		"ID", "ProxyKeyID", "AccountID", "UserID", "Dialect", "Model", "Stream",
		"RequestAt", "ResponseAt", "DurationMs", "TTFTMs",
		"PromptTokens", "CompletionTokens", "TotalTokens",
		"StatusCode", "Success", "ErrorMessage",
	}
	writer.Write(header)

	for _, l := range logs {
		row := []string{
			l.ID,
			l.ProxyKeyID,
			l.AccountID.String,
			l.UserID,
			l.Dialect,
			l.Model,
			fmt.Sprintf("%t", l.Stream),
			l.RequestAt.Format(time.RFC3339),
			formatNullTime(l.ResponseAt),
			formatNullInt64(l.DurationMs),
			formatNullInt64(l.TTFTMs),
			fmt.Sprintf("%d", l.PromptTokens),
			fmt.Sprintf("%d", l.CompletionTokens),
			fmt.Sprintf("%d", l.TotalTokens),
			fmt.Sprintf("%d", l.StatusCode),
			fmt.Sprintf("%t", l.Success),
			l.ErrorMessage.String,
		}
		writer.Write(row)
	}
}

func (h *UsageLogsHandler) exportJSON(c *gin.Context, logs []*store.UsageLog) {
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=usage_logs_%s.json", time.Now().Format("20060102_150405")))

	dtos := make([]*UsageLogDTO, len(logs))
	for i, l := range logs {
		dtos[i] = toUsageLogDTO(l)
	}

	encoder := json.NewEncoder(c.Writer)
	encoder.SetIndent("", "  ")
	encoder.Encode(dtos)
}

func formatNullTime(nt sql.NullTime) string {
	if nt.Valid {
		return nt.Time.Format(time.RFC3339)
	}
	return ""
}

func formatNullInt64(ni sql.NullInt64) string {
	if ni.Valid {
		return fmt.Sprintf("%d", ni.Int64)
	}
	return ""
}
