package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// Provider tags select the provider adapter for an account.
const (
	ProviderAnthropic        = "anthropic"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderZai              = "zai"
)

// Account is a credentialed identity with the upstream provider. Optional
// millisecond timestamps use 0 for "not set".
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`

	// Credential: either an API key or an OAuth token pair.
	APIKey       string `json:"api_key,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	ExpiresAtMs  int64  `json:"expires_at,omitempty"`

	CreatedAtMs int64 `json:"created_at,omitempty"`

	// Usage
	RequestCount        int64 `json:"request_count"`
	TotalRequests       int64 `json:"total_requests"`
	LastUsedMs          int64 `json:"last_used,omitempty"`
	SessionStartMs      int64 `json:"session_start,omitempty"`
	SessionRequestCount int64 `json:"session_request_count"`

	// Rate limit
	RateLimitedUntilMs int64  `json:"rate_limited_until,omitempty"`
	RateLimitResetMs   int64  `json:"rate_limit_reset,omitempty"`
	RateLimitStatus    string `json:"rate_limit_status,omitempty"`
	RateLimitRemaining *int64 `json:"rate_limit_remaining,omitempty"`

	Tier string `json:"tier,omitempty"`

	// Policy
	Paused              bool   `json:"paused"`
	Priority            int    `json:"priority"`
	AutoFallbackEnabled bool   `json:"auto_fallback_enabled"`
	AutoRefreshEnabled  bool   `json:"auto_refresh_enabled"`
	CustomEndpoint      string `json:"custom_endpoint,omitempty"`
	ModelMappings       string `json:"model_mappings,omitempty"`
}

// IsAPIKey reports whether the account authenticates with a static key.
func (a *Account) IsAPIKey() bool {
	return a.APIKey != "" && a.RefreshToken == ""
}

// IsRateLimited reports whether the account is inside a rate-limit window.
func (a *Account) IsRateLimited(nowMs int64) bool {
	return a.RateLimitedUntilMs > 0 && a.RateLimitedUntilMs > nowMs
}

// Clone returns a copy safe for the caller to hold across store mutations.
func (a *Account) Clone() *Account {
	c := *a
	if a.RateLimitRemaining != nil {
		v := *a.RateLimitRemaining
		c.RateLimitRemaining = &v
	}
	return &c
}

const accountColumns = `id, name, provider, api_key, refresh_token, access_token, expires_at,
	created_at, request_count, total_requests, last_used, session_start, session_request_count,
	rate_limited_until, rate_limit_reset, rate_limit_status, rate_limit_remaining, tier,
	paused, priority, auto_fallback_enabled, auto_refresh_enabled, custom_endpoint, model_mappings`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	var a Account
	var apiKey, refreshToken, accessToken, status, tier, endpoint, mappings sql.NullString
	var expiresAt, createdAt, lastUsed, sessionStart, limitedUntil, reset, remaining sql.NullInt64

	err := row.Scan(
		&a.ID, &a.Name, &a.Provider, &apiKey, &refreshToken, &accessToken, &expiresAt,
		&createdAt, &a.RequestCount, &a.TotalRequests, &lastUsed, &sessionStart, &a.SessionRequestCount,
		&limitedUntil, &reset, &status, &remaining, &tier,
		&a.Paused, &a.Priority, &a.AutoFallbackEnabled, &a.AutoRefreshEnabled, &endpoint, &mappings,
	)
	if err != nil {
		return nil, err
	}

	a.APIKey = apiKey.String
	a.RefreshToken = refreshToken.String
	a.AccessToken = accessToken.String
	a.ExpiresAtMs = expiresAt.Int64
	a.CreatedAtMs = createdAt.Int64
	a.LastUsedMs = lastUsed.Int64
	a.SessionStartMs = sessionStart.Int64
	a.RateLimitedUntilMs = limitedUntil.Int64
	a.RateLimitResetMs = reset.Int64
	a.RateLimitStatus = status.String
	a.Tier = tier.String
	a.CustomEndpoint = endpoint.String
	a.ModelMappings = mappings.String
	if remaining.Valid {
		v := remaining.Int64
		a.RateLimitRemaining = &v
	}

	return &a, nil
}

// loadAccounts fills the in-memory map from the accounts table.
func (s *Store) loadAccounts() error {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return err
		}
		s.accounts[a.ID] = a
	}
	return rows.Err()
}

// ListAccounts returns copies of all accounts ordered by priority then name.
func (s *Store) ListAccounts() []*Account {
	s.mu.RLock()
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// GetAccount returns a copy of the account, or nil if unknown.
func (s *Store) GetAccount(id string) *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[id]; ok {
		return a.Clone()
	}
	return nil
}

// ReloadAccount bypasses the in-memory view and reads the persisted row.
// Used by the token manager to adopt tokens refreshed out-of-band.
func (s *Store) ReloadAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// CreateAccount inserts synchronously; account creation is rare and callers
// expect it durable before returning.
func (s *Store) CreateAccount(a *Account) error {
	if a.CreatedAtMs == 0 {
		a.CreatedAtMs = nowMs()
	}
	_, err := s.db.Exec(`INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Provider, a.APIKey, a.RefreshToken, a.AccessToken, a.ExpiresAtMs,
		a.CreatedAtMs, a.RequestCount, a.TotalRequests, a.LastUsedMs, a.SessionStartMs, a.SessionRequestCount,
		a.RateLimitedUntilMs, a.RateLimitResetMs, a.RateLimitStatus, a.RateLimitRemaining, a.Tier,
		a.Paused, a.Priority, a.AutoFallbackEnabled, a.AutoRefreshEnabled, a.CustomEndpoint, a.ModelMappings,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}

	s.mu.Lock()
	s.accounts[a.ID] = a.Clone()
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteAccount(id string) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.accounts, id)
	s.mu.Unlock()
	return nil
}

// mutate applies fn to the in-memory account under the write lock and
// returns whether the account exists.
func (s *Store) mutate(id string, fn func(a *Account)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return false
	}
	fn(a)
	return true
}

// UpdateTokens stores a refreshed access token. An empty refreshToken keeps
// the existing one.
func (s *Store) UpdateTokens(id, accessToken string, expiresAtMs int64, refreshToken string) {
	if !s.mutate(id, func(a *Account) {
		a.AccessToken = accessToken
		a.ExpiresAtMs = expiresAtMs
		if refreshToken != "" {
			a.RefreshToken = refreshToken
		}
		a.LastUsedMs = nowMs()
	}) {
		return
	}

	s.enqueue("update_tokens", func(db *sql.DB) error {
		if refreshToken != "" {
			_, err := db.Exec(`UPDATE accounts SET access_token = ?, expires_at = ?, refresh_token = ?, last_used = ? WHERE id = ?`,
				accessToken, expiresAtMs, refreshToken, nowMs(), id)
			return err
		}
		_, err := db.Exec(`UPDATE accounts SET access_token = ?, expires_at = ?, last_used = ? WHERE id = ?`,
			accessToken, expiresAtMs, nowMs(), id)
		return err
	})
}

// UpdateUsage counts one request against the account.
func (s *Store) UpdateUsage(id string) {
	now := nowMs()
	if !s.mutate(id, func(a *Account) {
		a.RequestCount++
		a.TotalRequests++
		a.LastUsedMs = now
	}) {
		return
	}

	s.enqueue("update_usage", func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET request_count = request_count + 1,
			total_requests = total_requests + 1, last_used = ? WHERE id = ?`, now, id)
		return err
	})
}

// UpdateSessionSafe counts one request and, unless bypassSession is set,
// also advances the session-tracking fields. A session older than the
// configured duration rolls over to a fresh one.
func (s *Store) UpdateSessionSafe(id string, bypassSession bool) {
	now := nowMs()
	var sessionStart, sessionCount int64
	if !s.mutate(id, func(a *Account) {
		a.RequestCount++
		a.TotalRequests++
		a.LastUsedMs = now
		if bypassSession {
			sessionStart = a.SessionStartMs
			sessionCount = a.SessionRequestCount
			return
		}
		if a.SessionStartMs == 0 || now-a.SessionStartMs > s.sessionDuration.Milliseconds() {
			a.SessionStartMs = now
			a.SessionRequestCount = 1
		} else {
			a.SessionRequestCount++
		}
		sessionStart = a.SessionStartMs
		sessionCount = a.SessionRequestCount
	}) {
		return
	}

	s.enqueue("update_session", func(db *sql.DB) error {
		if bypassSession {
			_, err := db.Exec(`UPDATE accounts SET request_count = request_count + 1,
				total_requests = total_requests + 1, last_used = ? WHERE id = ?`, now, id)
			return err
		}
		_, err := db.Exec(`UPDATE accounts SET request_count = request_count + 1,
			total_requests = total_requests + 1, last_used = ?,
			session_start = ?, session_request_count = ? WHERE id = ?`,
			now, sessionStart, sessionCount, id)
		return err
	})
}

// MarkRateLimited records the end of the account's rate-limit window.
func (s *Store) MarkRateLimited(id string, untilMs int64) {
	if !s.mutate(id, func(a *Account) {
		a.RateLimitedUntilMs = untilMs
	}) {
		return
	}
	s.enqueue("mark_rate_limited", func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET rate_limited_until = ? WHERE id = ?`, untilMs, id)
		return err
	})
}

// ClearRateLimitedIfExpired clears a rate-limit marker that lies in the past.
func (s *Store) ClearRateLimitedIfExpired(id string) {
	now := nowMs()
	cleared := false
	if !s.mutate(id, func(a *Account) {
		if a.RateLimitedUntilMs > 0 && a.RateLimitedUntilMs <= now {
			a.RateLimitedUntilMs = 0
			cleared = true
		}
	}) {
		return
	}
	if !cleared {
		return
	}
	s.enqueue("clear_rate_limited", func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET rate_limited_until = NULL WHERE id = ? AND rate_limited_until <= ?`, id, now)
		return err
	})
}

// UpdateRateLimitMeta records the status label plus optional reset/remaining
// observed on a response.
func (s *Store) UpdateRateLimitMeta(id, status string, resetMs int64, remaining *int64) {
	if !s.mutate(id, func(a *Account) {
		a.RateLimitStatus = status
		if resetMs > 0 {
			a.RateLimitResetMs = resetMs
		}
		if remaining != nil {
			v := *remaining
			a.RateLimitRemaining = &v
		}
	}) {
		return
	}

	s.enqueue("update_rate_limit_meta", func(db *sql.DB) error {
		if resetMs > 0 && remaining != nil {
			_, err := db.Exec(`UPDATE accounts SET rate_limit_status = ?, rate_limit_reset = ?, rate_limit_remaining = ? WHERE id = ?`,
				status, resetMs, *remaining, id)
			return err
		}
		if resetMs > 0 {
			_, err := db.Exec(`UPDATE accounts SET rate_limit_status = ?, rate_limit_reset = ? WHERE id = ?`, status, resetMs, id)
			return err
		}
		if remaining != nil {
			_, err := db.Exec(`UPDATE accounts SET rate_limit_status = ?, rate_limit_remaining = ? WHERE id = ?`, status, *remaining, id)
			return err
		}
		_, err := db.Exec(`UPDATE accounts SET rate_limit_status = ? WHERE id = ?`, status, id)
		return err
	})
}

// ClearRateLimitWindow clears the limited-until marker and stores the new
// reset observed by a warm-up.
func (s *Store) ClearRateLimitWindow(id string, resetMs int64) {
	if !s.mutate(id, func(a *Account) {
		a.RateLimitedUntilMs = 0
		if resetMs > 0 {
			a.RateLimitResetMs = resetMs
		}
	}) {
		return
	}
	s.enqueue("clear_rate_limit_window", func(db *sql.DB) error {
		if resetMs > 0 {
			_, err := db.Exec(`UPDATE accounts SET rate_limited_until = NULL, rate_limit_reset = ? WHERE id = ?`, resetMs, id)
			return err
		}
		_, err := db.Exec(`UPDATE accounts SET rate_limited_until = NULL WHERE id = ?`, id)
		return err
	})
}

// UpdateTier stores the subscription tier reported by the provider.
func (s *Store) UpdateTier(id, tier string) {
	if !s.mutate(id, func(a *Account) {
		a.Tier = tier
	}) {
		return
	}
	s.enqueue("update_tier", func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET tier = ? WHERE id = ?`, tier, id)
		return err
	})
}

// SetPaused pauses or resumes an account.
func (s *Store) SetPaused(id string, paused bool) {
	if !s.mutate(id, func(a *Account) {
		a.Paused = paused
	}) {
		return
	}
	s.enqueue("set_paused", func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET paused = ? WHERE id = ?`, paused, id)
		return err
	})
}

// SetPriority changes the ordering weight of an account.
func (s *Store) SetPriority(id string, priority int) {
	if !s.mutate(id, func(a *Account) {
		a.Priority = priority
	}) {
		return
	}
	s.enqueue("set_priority", func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET priority = ? WHERE id = ?`, priority, id)
		return err
	})
}

// SetAutoRefresh toggles warm-up scheduling for an account.
func (s *Store) SetAutoRefresh(id string, enabled bool) {
	if !s.mutate(id, func(a *Account) {
		a.AutoRefreshEnabled = enabled
	}) {
		return
	}
	s.enqueue("set_auto_refresh", func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET auto_refresh_enabled = ? WHERE id = ?`, enabled, id)
		return err
	})
}
