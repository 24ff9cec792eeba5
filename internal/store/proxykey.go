package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// AccessMode controls which models a ProxyApiKey may target.
type AccessMode string

const (
	AccessModeAll       AccessMode = "all"
	AccessModeAllowlist AccessMode = "allowlist"
	AccessModeDenylist  AccessMode = "denylist"
)

// ProxyApiKey is a caller-facing credential: callers authenticate with the
// raw key, and only its SHA-256 hash (via internal/crypto) is ever
// persisted or compared.
type ProxyApiKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	AccessMode AccessMode `json:"access_mode"`
	AccessList []string   `json:"access_list"`

	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	TotalRequests   int        `json:"total_requests"`
	TotalTokensUsed int        `json:"total_tokens_used"`
}

// Allows reports whether this key may be used to request model.
func (k *ProxyApiKey) Allows(model string) bool {
	switch k.AccessMode {
	case AccessModeAllowlist:
		for _, m := range k.AccessList {
			if m == model {
				return true
			}
		}
		return false
	case AccessModeDenylist:
		for _, m := range k.AccessList {
			if m == model {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (s *Store) CreateProxyApiKey(k *ProxyApiKey) error {
	accessList, err := json.Marshal(k.AccessList)
	if err != nil {
		return err
	}

	query := `INSERT INTO proxy_api_keys (id, user_id, name, key_hash, access_mode, access_list, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query, k.ID, k.UserID, k.Name, k.KeyHash, k.AccessMode, accessList, k.CreatedAt, k.ExpiresAt)
	return err
}

func scanProxyApiKey(row interface {
	Scan(dest ...any) error
}) (*ProxyApiKey, error) {
	var k ProxyApiKey
	var accessList []byte
	err := row.Scan(
		&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.AccessMode, &accessList,
		&k.CreatedAt, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt,
		&k.TotalRequests, &k.TotalTokensUsed,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(accessList, &k.AccessList); err != nil {
		return nil, err
	}
	return &k, nil
}

const proxyApiKeyColumns = `id, user_id, name, key_hash, access_mode, access_list,
	created_at, expires_at, revoked_at, last_used_at, total_requests, total_tokens_used`

func (s *Store) GetProxyApiKeyByHash(hash string) (*ProxyApiKey, error) {
	row := s.db.QueryRow(`SELECT `+proxyApiKeyColumns+` FROM proxy_api_keys
		WHERE key_hash = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > datetime('now'))`, hash)
	k, err := scanProxyApiKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return k, err
}

func (s *Store) GetProxyApiKey(id string) (*ProxyApiKey, error) {
	row := s.db.QueryRow(`SELECT `+proxyApiKeyColumns+` FROM proxy_api_keys WHERE id = ?`, id)
	k, err := scanProxyApiKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return k, err
}

func (s *Store) ListProxyApiKeysForUser(userID string) ([]*ProxyApiKey, error) {
	rows, err := s.db.Query(`SELECT `+proxyApiKeyColumns+` FROM proxy_api_keys WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*ProxyApiKey
	for rows.Next() {
		k, err := scanProxyApiKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) UpdateProxyApiKeyLastUsed(id string) error {
	_, err := s.db.Exec(`UPDATE proxy_api_keys SET last_used_at = datetime('now') WHERE id = ?`, id)
	return err
}

func (s *Store) RevokeProxyApiKey(id string) error {
	_, err := s.db.Exec(`UPDATE proxy_api_keys SET revoked_at = datetime('now') WHERE id = ?`, id)
	return err
}

func (s *Store) IncrementProxyApiKeyUsage(id string, tokensUsed int) error {
	query := `UPDATE proxy_api_keys SET
		total_requests = total_requests + 1,
		total_tokens_used = total_tokens_used + ?,
		last_used_at = datetime('now')
		WHERE id = ?`
	_, err := s.db.Exec(query, tokensUsed, id)
	return err
}

func (s *Store) CleanupExpiredProxyApiKeys() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM proxy_api_keys WHERE expires_at IS NOT NULL AND expires_at < datetime('now', '-30 days')`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
