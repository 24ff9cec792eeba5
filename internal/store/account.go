package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// OAuthCredentials is the plaintext shape sealed into ProviderAccount.
// Credentials for an OAuth-backed account (anthropic, openai-codex) — an
// access/refresh token pair, since unlike a generic API key both halves
// are needed: the access token to authenticate requests, the refresh
// token to mint a new access token once it expires.
type OAuthCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (c OAuthCredentials) Marshal() (string, error) {
	b, err := json.Marshal(c)
	return string(b), err
}

func ParseOAuthCredentials(plaintext string) (OAuthCredentials, error) {
	var c OAuthCredentials
	if plaintext == "" {
		return c, nil
	}
	err := json.Unmarshal([]byte(plaintext), &c)
	return c, err
}

// Provider is the closed set of upstream inference providers a
// ProviderAccount can authenticate against.
type Provider string

const (
	ProviderAnthropic    Provider = "anthropic"
	ProviderOpenAICodex  Provider = "openai-codex"
	ProviderGenericAPIKey Provider = "generic-api-key"
)

// AccountStatus is the Failure Accountant's state for one account.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusDegraded AccountStatus = "degraded"
	AccountStatusFailed   AccountStatus = "failed"
)

// ProviderAccount is one upstream credential set, owned by a tenant user,
// that the selector can route requests through. Credentials are stored
// sealed (see internal/crypto) and are opened in memory only where a request
// or a refresh needs them: the orchestrator's resolveCredentials, the
// account handler's refresh endpoint and the Proactive Refresher.
type ProviderAccount struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	Provider  Provider `json:"provider"`
	Name      string   `json:"name"`

	// Credentials holds the sealed JSON-encoded per-provider credential
	// blob (access/refresh token pair, or a bare API key). Never
	// marshaled to API responses.
	Credentials string `json:"-"`

	OrganizationID string `json:"organization_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	Tier           string `json:"tier,omitempty"`
	// DerivedAPIKey is a provider-issued key minted from the OAuth
	// session (e.g. an Anthropic Console key), sealed the same way as
	// Credentials, present only for providers that expose one.
	DerivedAPIKey string `json:"-"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	IsActive   bool       `json:"is_active"`

	Status            AccountStatus `json:"status"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	SuccessCount      int64         `json:"success_count"`
	RequestCount      int64         `json:"request_count"`

	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
	LastErrorCode    string     `json:"last_error_code,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
}

// IsOAuth returns true if the account authenticates via an OAuth token
// pair rather than a static API key.
func (a *ProviderAccount) IsOAuth() bool {
	return a.Provider == ProviderAnthropic || a.Provider == ProviderOpenAICodex
}

// IsExpired returns true if the OAuth access token has expired.
func (a *ProviderAccount) IsExpired() bool {
	if a.ExpiresAt == nil {
		return false
	}
	return a.ExpiresAt.Before(time.Now())
}

// NeedsRefresh returns true if the token expires within window.
func (a *ProviderAccount) NeedsRefresh(window time.Duration) bool {
	if !a.IsOAuth() || a.ExpiresAt == nil {
		return false
	}
	return a.ExpiresAt.Before(time.Now().Add(window))
}

func (s *Store) CreateProviderAccount(a *ProviderAccount) error {
	query := `INSERT INTO provider_accounts (
		id, user_id, provider, name, credentials, organization_id, project_id,
		tier, derived_api_key, expires_at, created_at, is_active, status,
		consecutive_errors, success_count, request_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		a.ID, a.UserID, a.Provider, a.Name, a.Credentials, a.OrganizationID,
		a.ProjectID, a.Tier, a.DerivedAPIKey, a.ExpiresAt, a.CreatedAt,
		a.IsActive, a.Status, a.ConsecutiveErrors, a.SuccessCount, a.RequestCount,
	)
	return err
}

const providerAccountColumns = `id, user_id, provider, name, credentials, organization_id,
	project_id, tier, derived_api_key, expires_at, created_at, last_used_at, is_active,
	status, consecutive_errors, success_count, request_count, last_error_at,
	last_error_code, last_error_message`

func scanProviderAccount(row interface {
	Scan(dest ...any) error
}) (*ProviderAccount, error) {
	var a ProviderAccount
	var lastErrorCode, lastErrorMessage sql.NullString
	err := row.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.Name, &a.Credentials, &a.OrganizationID,
		&a.ProjectID, &a.Tier, &a.DerivedAPIKey, &a.ExpiresAt, &a.CreatedAt,
		&a.LastUsedAt, &a.IsActive, &a.Status, &a.ConsecutiveErrors,
		&a.SuccessCount, &a.RequestCount, &a.LastErrorAt, &lastErrorCode, &lastErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	a.LastErrorCode = lastErrorCode.String
	a.LastErrorMessage = lastErrorMessage.String
	return &a, nil
}

func (s *Store) GetProviderAccount(id string) (*ProviderAccount, error) {
	row := s.db.QueryRow(`SELECT `+providerAccountColumns+` FROM provider_accounts WHERE id = ?`, id)
	a, err := scanProviderAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListProviderAccountsForUser returns all accounts a user owns, optionally
// filtered to a single provider (pass "" for all providers).
func (s *Store) ListProviderAccountsForUser(userID string, provider Provider) ([]*ProviderAccount, error) {
	var rows *sql.Rows
	var err error
	if provider == "" {
		rows, err = s.db.Query(`SELECT `+providerAccountColumns+` FROM provider_accounts WHERE user_id = ? ORDER BY created_at DESC`, userID)
	} else {
		rows, err = s.db.Query(`SELECT `+providerAccountColumns+` FROM provider_accounts WHERE user_id = ? AND provider = ? ORDER BY created_at DESC`, userID, provider)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*ProviderAccount
	for rows.Next() {
		a, err := scanProviderAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListActiveProviderAccounts returns every active, non-disabled account for
// a provider, ordered so the Account Selector can scan in round-robin
// order (ascending last_used_at, nulls first, ties broken by id).
func (s *Store) ListActiveProviderAccounts(provider Provider) ([]*ProviderAccount, error) {
	rows, err := s.db.Query(`SELECT `+providerAccountColumns+` FROM provider_accounts
		WHERE provider = ? AND is_active = 1
		ORDER BY last_used_at ASC NULLS FIRST, id ASC`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*ProviderAccount
	for rows.Next() {
		a, err := scanProviderAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListActiveProviderAccountsForUser narrows ListActiveProviderAccounts to
// one user's accounts — the Account Selector's actual entry point, since
// spec.md §4.5 requires "userId owns it" as its first filter condition.
func (s *Store) ListActiveProviderAccountsForUser(userID string, provider Provider) ([]*ProviderAccount, error) {
	var rows *sql.Rows
	var err error
	if provider == "" {
		rows, err = s.db.Query(`SELECT `+providerAccountColumns+` FROM provider_accounts
			WHERE user_id = ? AND is_active = 1
			ORDER BY last_used_at ASC NULLS FIRST, id ASC`, userID)
	} else {
		rows, err = s.db.Query(`SELECT `+providerAccountColumns+` FROM provider_accounts
			WHERE user_id = ? AND provider = ? AND is_active = 1
			ORDER BY last_used_at ASC NULLS FIRST, id ASC`, userID, provider)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*ProviderAccount
	for rows.Next() {
		a, err := scanProviderAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListOAuthProviderAccounts returns every active account belonging to an
// OAuth-backed provider (anthropic, openai-codex), across all users — the
// Proactive Refresher's entry point, since refresh is a maintenance pass
// over the whole credential store rather than a per-request lookup.
func (s *Store) ListOAuthProviderAccounts() ([]*ProviderAccount, error) {
	rows, err := s.db.Query(`SELECT ` + providerAccountColumns + ` FROM provider_accounts
		WHERE is_active = 1 AND provider IN (?, ?)
		ORDER BY id ASC`, ProviderAnthropic, ProviderOpenAICodex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*ProviderAccount
	for rows.Next() {
		a, err := scanProviderAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) UpdateProviderAccount(a *ProviderAccount) error {
	query := `UPDATE provider_accounts SET
		name = ?, credentials = ?, organization_id = ?, project_id = ?, tier = ?,
		derived_api_key = ?, expires_at = ?, is_active = ?, status = ?,
		consecutive_errors = ?, success_count = ?, request_count = ?,
		last_error_at = ?, last_error_code = ?, last_error_message = ?
		WHERE id = ?`
	_, err := s.db.Exec(query,
		a.Name, a.Credentials, a.OrganizationID, a.ProjectID, a.Tier, a.DerivedAPIKey,
		a.ExpiresAt, a.IsActive, a.Status, a.ConsecutiveErrors, a.SuccessCount,
		a.RequestCount, a.LastErrorAt, a.LastErrorCode, a.LastErrorMessage, a.ID,
	)
	return err
}

func (s *Store) UpdateProviderAccountLastUsed(id string) error {
	_, err := s.db.Exec(`UPDATE provider_accounts SET last_used_at = datetime('now'), request_count = request_count + 1 WHERE id = ?`, id)
	return err
}

func (s *Store) RecordProviderAccountSuccess(id string) error {
	_, err := s.db.Exec(`UPDATE provider_accounts SET
		success_count = success_count + 1, consecutive_errors = 0, status = 'active'
		WHERE id = ?`, id)
	return err
}

func (s *Store) RecordProviderAccountFailure(id string, status AccountStatus, errCode, errMessage string) error {
	_, err := s.db.Exec(`UPDATE provider_accounts SET
		consecutive_errors = consecutive_errors + 1,
		status = ?,
		last_error_at = datetime('now'),
		last_error_code = ?,
		last_error_message = ?,
		is_active = CASE WHEN ? = 'failed' THEN 0 ELSE is_active END
		WHERE id = ?`, status, errCode, errMessage, status, id)
	return err
}

func (s *Store) DeactivateProviderAccount(id string) error {
	_, err := s.db.Exec(`UPDATE provider_accounts SET is_active = 0 WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteProviderAccount(id string) error {
	_, err := s.db.Exec(`DELETE FROM provider_accounts WHERE id = ?`, id)
	return err
}
