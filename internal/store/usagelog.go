package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UsageLog is one completed (or failed) proxied request, generalized from
// the teacher's RequestLog to carry a dialect instead of a web/api mode and
// to drop conversation storage (out of scope here).
type UsageLog struct {
	ID           string
	ProxyKeyID   string
	AccountID    sql.NullString
	UserID       string
	Dialect      string
	Model        string
	Stream       bool
	RequestAt    time.Time
	ResponseAt   sql.NullTime
	DurationMs   sql.NullInt64
	TTFTMs       sql.NullInt64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	StatusCode   int
	Success      bool
	ErrorMessage sql.NullString
}

type UsageLogFilter struct {
	ProxyKeyID string
	AccountID  string
	UserID     string
	Dialect    string
	Model      string
	Success    *bool
	FromDate   *time.Time
	ToDate     *time.Time
	Page       int
	Limit      int
}

func (s *Store) CreateUsageLog(l *UsageLog) error {
	query := `INSERT INTO usage_logs (
		id, proxy_key_id, account_id, user_id, dialect, model, stream,
		request_at, response_at, duration_ms, ttft_ms,
		prompt_tokens, completion_tokens, total_tokens,
		status_code, success, error_message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		l.ID, l.ProxyKeyID, l.AccountID, l.UserID, l.Dialect, l.Model, l.Stream,
		l.RequestAt, l.ResponseAt, l.DurationMs, l.TTFTMs,
		l.PromptTokens, l.CompletionTokens, l.TotalTokens,
		l.StatusCode, l.Success, l.ErrorMessage,
	)
	return err
}

// BatchInsertUsageLogs inserts multiple rows in a single transaction, the
// Usage Logger dispatcher's batched write path.
func (s *Store) BatchInsertUsageLogs(logs []*UsageLog) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO usage_logs (
		id, proxy_key_id, account_id, user_id, dialect, model, stream,
		request_at, response_at, duration_ms, ttft_ms,
		prompt_tokens, completion_tokens, total_tokens,
		status_code, success, error_message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.Exec(
			l.ID, l.ProxyKeyID, l.AccountID, l.UserID, l.Dialect, l.Model, l.Stream,
			l.RequestAt, l.ResponseAt, l.DurationMs, l.TTFTMs,
			l.PromptTokens, l.CompletionTokens, l.TotalTokens,
			l.StatusCode, l.Success, l.ErrorMessage,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListUsageLogs(filter UsageLogFilter) ([]*UsageLog, int, error) {
	var conditions []string
	var args []interface{}

	if filter.ProxyKeyID != "" {
		conditions = append(conditions, "proxy_key_id = ?")
		args = append(args, filter.ProxyKeyID)
	}
	if filter.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Dialect != "" {
		conditions = append(conditions, "dialect = ?")
		args = append(args, filter.Dialect)
	}
	if filter.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Success != nil {
		conditions = append(conditions, "success = ?")
		args = append(args, *filter.Success)
	}
	if filter.FromDate != nil {
		conditions = append(conditions, "request_at >= ?")
		args = append(args, *filter.FromDate)
	}
	if filter.ToDate != nil {
		conditions = append(conditions, "request_at <= ?")
		args = append(args, *filter.ToDate)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM usage_logs %s", whereClause)
	var total int
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Page < 0 {
		filter.Page = 0
	}
	offset := filter.Page * filter.Limit

	query := fmt.Sprintf(`SELECT
		id, proxy_key_id, account_id, user_id, dialect, model, stream,
		request_at, response_at, duration_ms, ttft_ms,
		prompt_tokens, completion_tokens, total_tokens,
		status_code, success, error_message
		FROM usage_logs %s
		ORDER BY request_at DESC
		LIMIT ? OFFSET ?`, whereClause)

	args = append(args, filter.Limit, offset)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		if err := rows.Scan(
			&l.ID, &l.ProxyKeyID, &l.AccountID, &l.UserID, &l.Dialect, &l.Model, &l.Stream,
			&l.RequestAt, &l.ResponseAt, &l.DurationMs, &l.TTFTMs,
			&l.PromptTokens, &l.CompletionTokens, &l.TotalTokens,
			&l.StatusCode, &l.Success, &l.ErrorMessage,
		); err != nil {
			return nil, 0, err
		}
		logs = append(logs, &l)
	}

	return logs, total, rows.Err()
}

func (s *Store) DeleteOldUsageLogs(daysToKeep int) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM usage_logs WHERE request_at < datetime('now', '-' || ? || ' days')`, daysToKeep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// AggregateStatsRange summarizes usage_logs directly (not the daily rollup,
// for freshness) over [from, to], optionally narrowed to one proxy key or
// one provider account.
func (s *Store) AggregateStatsRange(from, to time.Time, proxyKeyID, accountID string) (*AggregatedStats, error) {
	conditions := []string{"request_at BETWEEN ? AND ?"}
	args := []interface{}{from, to}

	if proxyKeyID != "" {
		conditions = append(conditions, "proxy_key_id = ?")
		args = append(args, proxyKeyID)
	}
	if accountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, accountID)
	}

	query := fmt.Sprintf(`SELECT
		COUNT(*),
		SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
		SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(AVG(duration_ms), 0),
		COALESCE(AVG(ttft_ms), 0)
		FROM usage_logs WHERE %s`, strings.Join(conditions, " AND "))

	var stats AggregatedStats
	err := s.db.QueryRow(query, args...).Scan(
		&stats.RequestCount, &stats.SuccessCount, &stats.ErrorCount,
		&stats.TotalPromptTokens, &stats.TotalCompletionTokens, &stats.TotalTokens,
		&stats.AvgDurationMs, &stats.AvgTTFTMs,
	)
	if err != nil {
		return nil, err
	}
	if stats.RequestCount > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.RequestCount) * 100
	}
	return &stats, nil
}

// AggregatedStats summarizes the usage_logs rows matched by
// AggregateStatsRange.
type AggregatedStats struct {
	RequestCount          int     `json:"request_count"`
	SuccessCount          int     `json:"success_count"`
	ErrorCount            int     `json:"error_count"`
	TotalPromptTokens     int     `json:"total_prompt_tokens"`
	TotalCompletionTokens int     `json:"total_completion_tokens"`
	TotalTokens           int     `json:"total_tokens"`
	AvgDurationMs         int     `json:"avg_duration_ms"`
	AvgTTFTMs             int     `json:"avg_ttft_ms"`
	SuccessRate           float64 `json:"success_rate"`
}

type DailyStats struct {
	Date         string `json:"date"`
	RequestCount int    `json:"request_count"`
	SuccessCount int    `json:"success_count"`
	TotalTokens  int    `json:"total_tokens"`
}

// AggregateUsageForDate rolls up usage_logs into usage_stats_daily for one
// calendar date, replacing any existing rollup for that date.
func (s *Store) AggregateUsageForDate(date time.Time) (int64, error) {
	dateStr := date.Format("2006-01-02")

	query := `
		INSERT OR REPLACE INTO usage_stats_daily (
			stat_date, proxy_key_id, account_id, dialect, model,
			request_count, success_count, error_count,
			total_prompt_tokens, total_completion_tokens, total_tokens,
			avg_duration_ms, avg_ttft_ms, created_at
		)
		SELECT
			DATE(request_at) as stat_date,
			proxy_key_id,
			account_id,
			dialect,
			model,
			COUNT(*) as request_count,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) as success_count,
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END) as error_count,
			SUM(prompt_tokens) as total_prompt_tokens,
			SUM(completion_tokens) as total_completion_tokens,
			SUM(total_tokens) as total_tokens,
			AVG(duration_ms) as avg_duration_ms,
			AVG(ttft_ms) as avg_ttft_ms,
			datetime('now') as created_at
		FROM usage_logs
		WHERE DATE(request_at) = ?
		GROUP BY DATE(request_at), proxy_key_id, account_id, dialect, model
	`

	// Clear the date first: rows with a NULL account_id never collide on the
	// UNIQUE key, so INSERT OR REPLACE alone would duplicate them.
	if _, err := s.db.Exec(`DELETE FROM usage_stats_daily WHERE stat_date = ?`, dateStr); err != nil {
		return 0, err
	}

	result, err := s.db.Exec(query, dateStr)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DailyStatsRange returns one DailyStats row per day in [from, to].
func (s *Store) DailyStatsRange(from, to time.Time) ([]DailyStats, error) {
	rows, err := s.db.Query(`
		SELECT stat_date, SUM(request_count), SUM(success_count), SUM(total_tokens)
		FROM usage_stats_daily
		WHERE stat_date BETWEEN ? AND ?
		GROUP BY stat_date
		ORDER BY stat_date ASC`,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Date, &d.RequestCount, &d.SuccessCount, &d.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
