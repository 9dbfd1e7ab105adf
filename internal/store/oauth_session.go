package store

import (
	"database/sql"
)

// OAuthSession is an in-progress interactive authorization. The id doubles
// as the CSRF state handed to the browser.
type OAuthSession struct {
	ID           string `json:"id"`
	AccountName  string `json:"account_name"`
	Mode         string `json:"mode"` // "claude-oauth" or "console"
	CodeVerifier string `json:"-"`
	Challenge    string `json:"challenge,omitempty"`
	CreatedAtMs  int64  `json:"created_at"`
}

// CreateOAuthSession inserts synchronously; the callback may arrive from
// another process before any async queue drains.
func (s *Store) CreateOAuthSession(sess *OAuthSession) error {
	if sess.CreatedAtMs == 0 {
		sess.CreatedAtMs = nowMs()
	}
	_, err := s.db.Exec(`INSERT INTO oauth_sessions (id, account_name, mode, code_verifier, challenge, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AccountName, sess.Mode, sess.CodeVerifier, sess.Challenge, sess.CreatedAtMs)
	return err
}

// GetOAuthSession returns the session, or nil when unknown.
func (s *Store) GetOAuthSession(id string) (*OAuthSession, error) {
	row := s.db.QueryRow(`SELECT id, account_name, mode, code_verifier, challenge, created_at
		FROM oauth_sessions WHERE id = ?`, id)

	var sess OAuthSession
	var challenge sql.NullString
	err := row.Scan(&sess.ID, &sess.AccountName, &sess.Mode, &sess.CodeVerifier, &challenge, &sess.CreatedAtMs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	sess.Challenge = challenge.String
	return &sess, nil
}

// DeleteOAuthSession consumes a session after the callback.
func (s *Store) DeleteOAuthSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM oauth_sessions WHERE id = ?`, id)
	return err
}

// PurgeOAuthSessions removes sessions created before cutoffMs.
func (s *Store) PurgeOAuthSessions(cutoffMs int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM oauth_sessions WHERE created_at < ?`, cutoffMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
