package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"opendum/internal/store"
)

// StatsHandler is the admin-facing usage-analytics surface, adapted from
// the teacher's token/account stats endpoints around store.UsageLog's
// proxy-key/provider-account scoping instead of the teacher's flat token
// and account IDs.
type StatsHandler struct {
	store *store.Store
}

func NewStatsHandler(s *store.Store) *StatsHandler {
	return &StatsHandler{store: s}
}

type GetStatsRequest struct {
	FromDate string `form:"from_date"`
	ToDate   string `form:"to_date"`
	Days     int    `form:"days"` // alternative to from_date/to_date
}

// GetProxyKeyStats returns aggregated usage for one proxy key over a date range.
func (h *StatsHandler) GetProxyKeyStats(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	var req GetStatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, to := h.getDateRange(req)
	stats, err := h.store.AggregateStatsRange(from, to, id, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get proxy key stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetAccountStats returns aggregated usage for one provider account over a date range.
func (h *StatsHandler) GetAccountStats(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	var req GetStatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, to := h.getDateRange(req)
	stats, err := h.store.AggregateStatsRange(from, to, "", id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get account stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetOverview returns the global usage overview over a date range.
func (h *StatsHandler) GetOverview(c *gin.Context) {
	var req GetStatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, to := h.getDateRange(req)
	if req.Days == 0 && req.FromDate == "" && req.ToDate == "" {
		today := time.Now().Truncate(24 * time.Hour)
		from = today
		to = today.Add(24*time.Hour - time.Second)
	}

	overview, err := h.store.AggregateStatsRange(from, to, "", "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get overview"})
		return
	}

	c.JSON(http.StatusOK, overview)
}

// GetDailyTrend returns the daily rollup series over the last N days, from
// usage_stats_daily (filled by internal/usagelog.Aggregator), not usage_logs.
func (h *StatsHandler) GetDailyTrend(c *gin.Context) {
	daysStr := c.DefaultQuery("days", "30")
	days, err := strconv.Atoi(daysStr)
	if err != nil || days <= 0 || days > 365 {
		days = 30
	}

	to := time.Now()
	from := to.AddDate(0, 0, -days)

	trend, err := h.store.DailyStatsRange(from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get daily trend"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"days": days, "trend": trend})
}

// getDateRange parses the date range from request parameters.
func (h *StatsHandler) getDateRange(req GetStatsRequest) (time.Time, time.Time) {
	var from, to time.Time

	switch {
	case req.Days > 0:
		to = time.Now()
		from = to.AddDate(0, 0, -req.Days)
	case req.FromDate != "" && req.ToDate != "":
		from, _ = time.Parse("2006-01-02", req.FromDate)
		to, _ = time.Parse("2006-01-02", req.ToDate)
	case req.FromDate != "":
		from, _ = time.Parse("2006-01-02", req.FromDate)
		to = time.Now()
	case req.ToDate != "":
		to, _ = time.Parse("2006-01-02", req.ToDate)
		from = to.AddDate(0, 0, -7)
	default:
		to = time.Now()
		from = to.AddDate(0, 0, -7)
	}

	return from, to
}
