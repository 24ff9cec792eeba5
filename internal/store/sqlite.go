package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite connection backing every persisted type in this
// package: provider accounts, proxy API keys, usage logs and daily
// aggregates, in-flight OAuth sessions.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		// Multi-tenant caller credentials. Replaces the single-tenant
		// "tokens" table: every key belongs to a user and is looked up by
		// the SHA-256 hash of the presented secret, never the secret itself.
		`CREATE TABLE IF NOT EXISTS proxy_api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			access_mode TEXT NOT NULL DEFAULT 'all',
			access_list TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME,
			revoked_at DATETIME,
			last_used_at DATETIME,
			total_requests INTEGER DEFAULT 0,
			total_tokens_used INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proxy_api_keys_user_id ON proxy_api_keys(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_proxy_api_keys_expires_at ON proxy_api_keys(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_proxy_api_keys_revoked_at ON proxy_api_keys(revoked_at)`,

		// Generalizes the teacher's single-provider "accounts" table to
		// an arbitrary set of upstream providers, each with its own
		// credential shape sealed as one opaque envelope.
		`CREATE TABLE IF NOT EXISTS provider_accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			name TEXT NOT NULL,
			credentials TEXT NOT NULL,
			organization_id TEXT,
			project_id TEXT,
			tier TEXT,
			derived_api_key TEXT,
			expires_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME,
			is_active BOOLEAN DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active',
			consecutive_errors INTEGER DEFAULT 0,
			success_count INTEGER DEFAULT 0,
			request_count INTEGER DEFAULT 0,
			last_error_at DATETIME,
			last_error_code TEXT,
			last_error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_accounts_user_id ON provider_accounts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_accounts_provider ON provider_accounts(provider)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_accounts_status ON provider_accounts(status)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_accounts_is_active ON provider_accounts(is_active)`,

		// Usage logs: generalizes request_logs, dropping conversation_id
		// (conversation storage is out of scope) and adding dialect.
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			proxy_key_id TEXT NOT NULL,
			account_id TEXT,
			user_id TEXT NOT NULL,
			dialect TEXT NOT NULL,
			model TEXT NOT NULL,
			stream BOOLEAN NOT NULL,
			request_at DATETIME NOT NULL,
			response_at DATETIME,
			duration_ms INTEGER,
			ttft_ms INTEGER,
			prompt_tokens INTEGER DEFAULT 0,
			completion_tokens INTEGER DEFAULT 0,
			total_tokens INTEGER DEFAULT 0,
			status_code INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			error_message TEXT,
			FOREIGN KEY (proxy_key_id) REFERENCES proxy_api_keys(id) ON DELETE CASCADE,
			FOREIGN KEY (account_id) REFERENCES provider_accounts(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_proxy_key_id ON usage_logs(proxy_key_id, request_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_account_id ON usage_logs(account_id, request_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_request_at ON usage_logs(request_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_status ON usage_logs(success, status_code)`,

		// Daily rollups, unchanged in shape from the teacher's
		// usage_stats_daily table beyond the renamed foreign keys.
		`CREATE TABLE IF NOT EXISTS usage_stats_daily (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stat_date DATE NOT NULL,
			proxy_key_id TEXT,
			account_id TEXT,
			dialect TEXT,
			model TEXT,
			request_count INTEGER DEFAULT 0,
			success_count INTEGER DEFAULT 0,
			error_count INTEGER DEFAULT 0,
			total_prompt_tokens INTEGER DEFAULT 0,
			total_completion_tokens INTEGER DEFAULT 0,
			total_tokens INTEGER DEFAULT 0,
			avg_duration_ms INTEGER DEFAULT 0,
			avg_ttft_ms INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(stat_date, proxy_key_id, account_id, dialect, model)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_stats_date ON usage_stats_daily(stat_date DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_stats_key ON usage_stats_daily(proxy_key_id, stat_date DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_stats_account ON usage_stats_daily(account_id, stat_date DESC)`,

		// In-flight OAuth PKCE/device-code state, short-lived.
		`CREATE TABLE IF NOT EXISTS oauth_sessions (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			user_id TEXT NOT NULL,
			code_verifier TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_sessions_state ON oauth_sessions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_sessions_expires_at ON oauth_sessions(expires_at)`,

		// Admin-disabled models. Only the store's DisableModel/EnableModel/
		// IsModelDisabled/ListDisabledModels touch this table; the account
		// selector does not consult it.
		`CREATE TABLE IF NOT EXISTS disabled_models (
			model TEXT PRIMARY KEY,
			reason TEXT,
			disabled_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetDB() *sql.DB {
	return s.db
}
