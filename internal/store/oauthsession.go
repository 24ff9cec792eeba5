package store

import (
	"database/sql"
	"time"
)

// OAuthSession holds in-flight PKCE state between the authorize redirect
// and the callback's code exchange. Short-lived by design: callers are
// expected to complete the flow within ExpiresAt.
type OAuthSession struct {
	ID           string
	Provider     Provider
	UserID       string
	CodeVerifier string
	State        string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (s *Store) CreateOAuthSession(sess *OAuthSession) error {
	query := `INSERT INTO oauth_sessions (id, provider, user_id, code_verifier, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, sess.ID, sess.Provider, sess.UserID, sess.CodeVerifier, sess.State, sess.CreatedAt, sess.ExpiresAt)
	return err
}

func (s *Store) GetOAuthSessionByState(state string) (*OAuthSession, error) {
	query := `SELECT id, provider, user_id, code_verifier, state, created_at, expires_at
		FROM oauth_sessions WHERE state = ? AND expires_at > datetime('now')`
	row := s.db.QueryRow(query, state)

	var sess OAuthSession
	err := row.Scan(&sess.ID, &sess.Provider, &sess.UserID, &sess.CodeVerifier, &sess.State, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) DeleteOAuthSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM oauth_sessions WHERE id = ?`, id)
	return err
}

func (s *Store) CleanupExpiredOAuthSessions() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM oauth_sessions WHERE expires_at < datetime('now')`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DisableModel records model in disabled_models. The account selector does
// not read that table, so a disabled model is still routed.
func (s *Store) DisableModel(model, reason string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO disabled_models (model, reason, disabled_at) VALUES (?, ?, datetime('now'))`, model, reason)
	return err
}

func (s *Store) EnableModel(model string) error {
	_, err := s.db.Exec(`DELETE FROM disabled_models WHERE model = ?`, model)
	return err
}

func (s *Store) IsModelDisabled(model string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM disabled_models WHERE model = ?`, model).Scan(&count)
	return count > 0, err
}

func (s *Store) ListDisabledModels() ([]string, error) {
	rows, err := s.db.Query(`SELECT model FROM disabled_models ORDER BY model ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}
