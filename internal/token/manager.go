package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"ccflare/internal/logging"
	"ccflare/internal/provider"
	"ccflare/internal/store"
)

// ErrRefreshBackoff is returned while an account's refresh is in its
// failure backoff window. Surfaces as 503 at the dispatch boundary.
var ErrRefreshBackoff = errors.New("token refresh in backoff")

// RefreshError wraps the underlying network or parse failure of a refresh.
type RefreshError struct {
	AccountID string
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for account %s: %v", e.AccountID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Config tunes the token lifecycle.
type Config struct {
	SafetyWindow      time.Duration // remaining lifetime below which a token counts as expiring
	Backoff           time.Duration
	FailureTTL        time.Duration
	MaxFailureRecords int
	MaxBackoffRetries int
	ClientID          string
}

func DefaultConfig() Config {
	return Config{
		SafetyWindow:      30 * time.Minute,
		Backoff:           60 * time.Second,
		FailureTTL:        5 * time.Minute,
		MaxFailureRecords: 1000,
		MaxBackoffRetries: 10,
	}
}

// AccountSource is the slice of the store the manager needs.
type AccountSource interface {
	UpdateTokens(id, accessToken string, expiresAtMs int64, refreshToken string)
	ReloadAccount(id string) (*store.Account, error)
}

// Refresher performs the underlying OAuth refresh for an account.
type Refresher interface {
	RefreshToken(ctx context.Context, account *store.Account, clientID string) (*provider.TokenResult, error)
}

// adapterRefresher delegates to the account's provider adapter.
type adapterRefresher struct{}

func (adapterRefresher) RefreshToken(ctx context.Context, account *store.Account, clientID string) (*provider.TokenResult, error) {
	return provider.ForAccount(account).RefreshToken(ctx, account, clientID)
}

type failureRecord struct {
	at       time.Time
	attempts int
}

// Manager returns a valid access credential for an account. Concurrent
// refreshes of the same account share one in-flight effort; repeated
// failures are held in backoff with periodic DB recovery checks.
type Manager struct {
	config    Config
	accounts  AccountSource
	refresher Refresher

	sf singleflight.Group

	mu       sync.Mutex
	failures map[string]*failureRecord

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(config Config, accounts AccountSource) *Manager {
	if config.Backoff <= 0 {
		config.Backoff = 60 * time.Second
	}
	if config.FailureTTL <= 0 {
		config.FailureTTL = 5 * time.Minute
	}
	if config.MaxFailureRecords <= 0 {
		config.MaxFailureRecords = 1000
	}
	if config.MaxBackoffRetries <= 0 {
		config.MaxBackoffRetries = 10
	}

	m := &Manager{
		config:    config,
		accounts:  accounts,
		refresher: adapterRefresher{},
		failures:  make(map[string]*failureRecord),
		stopCh:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.janitor()

	return m
}

// SetRefresher overrides the provider-adapter refresher.
func (m *Manager) SetRefresher(r Refresher) {
	m.refresher = r
}

// Close stops the failure-map janitor.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// GetValidAccessToken returns the secret to place in the auth header for
// the account.
func (m *Manager) GetValidAccessToken(ctx context.Context, account *store.Account) (string, error) {
	// API-key style providers never refresh; the key may live in either slot.
	if account.Provider == store.ProviderOpenAICompatible || account.Provider == store.ProviderZai {
		if account.APIKey != "" {
			return account.APIKey, nil
		}
		if account.RefreshToken != "" {
			return account.RefreshToken, nil
		}
		return "", fmt.Errorf("account %s has no API key", account.ID)
	}

	if account.IsAPIKey() {
		return account.APIKey, nil
	}

	if account.AccessToken != "" && account.ExpiresAtMs > 0 {
		remaining := time.Until(time.UnixMilli(account.ExpiresAtMs))
		if remaining > m.config.SafetyWindow {
			return account.AccessToken, nil
		}
	}

	return m.refreshSafe(ctx, account)
}

// refreshSafe deduplicates concurrent refreshes of the same account and
// enforces failure backoff.
func (m *Manager) refreshSafe(ctx context.Context, account *store.Account) (string, error) {
	if token, err, inBackoff := m.checkBackoff(account); inBackoff {
		return token, err
	}

	v, err, _ := m.sf.Do(account.ID, func() (interface{}, error) {
		result, err := m.refresher.RefreshToken(ctx, account, m.config.ClientID)
		if err != nil {
			m.recordFailure(account.ID)
			log.Error().
				Str("account_id", account.ID).
				Str("error", logging.RedactError(err)).
				Msg("token refresh failed")
			return nil, &RefreshError{AccountID: account.ID, Err: err}
		}

		m.accounts.UpdateTokens(account.ID, result.AccessToken, result.ExpiresAtMs, result.RefreshToken)
		m.clearFailure(account.ID)

		log.Info().
			Str("account_id", account.ID).
			Time("expires_at", time.UnixMilli(result.ExpiresAtMs)).
			Msg("token refreshed")

		return result.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// checkBackoff decides whether the account is in its failure backoff
// window. Every MaxBackoffRetries attempts inside the window the persisted
// row is reloaded: a token refreshed out-of-band is adopted.
func (m *Manager) checkBackoff(account *store.Account) (string, error, bool) {
	m.mu.Lock()
	rec, ok := m.failures[account.ID]
	if !ok || time.Since(rec.at) >= m.config.Backoff {
		m.mu.Unlock()
		return "", nil, false
	}

	rec.attempts++
	attempts := rec.attempts
	m.mu.Unlock()

	if attempts%m.config.MaxBackoffRetries == 0 {
		dbAccount, err := m.accounts.ReloadAccount(account.ID)
		if err != nil {
			log.Warn().Str("account_id", account.ID).Err(err).Msg("backoff db check failed")
		} else if dbAccount != nil &&
			dbAccount.AccessToken != "" &&
			dbAccount.AccessToken != account.AccessToken &&
			dbAccount.ExpiresAtMs > time.Now().UnixMilli() {
			// Another process refreshed the token; adopt it.
			m.accounts.UpdateTokens(account.ID, dbAccount.AccessToken, dbAccount.ExpiresAtMs, dbAccount.RefreshToken)
			m.clearFailure(account.ID)
			log.Info().Str("account_id", account.ID).Msg("adopted token refreshed out-of-band")
			return dbAccount.AccessToken, nil, true
		}
	}

	return "", fmt.Errorf("%w: account %s", ErrRefreshBackoff, account.ID), true
}

func (m *Manager) recordFailure(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.failures[accountID]; ok {
		rec.at = time.Now()
		return
	}

	// Enforce the record cap by evicting the oldest entry.
	if len(m.failures) >= m.config.MaxFailureRecords {
		var oldestID string
		var oldestAt time.Time
		for id, rec := range m.failures {
			if oldestID == "" || rec.at.Before(oldestAt) {
				oldestID = id
				oldestAt = rec.at
			}
		}
		delete(m.failures, oldestID)
	}

	m.failures[accountID] = &failureRecord{at: time.Now()}
}

func (m *Manager) clearFailure(accountID string) {
	m.mu.Lock()
	delete(m.failures, accountID)
	m.mu.Unlock()
}

// janitor sweeps stale failure records.
func (m *Manager) janitor() {
	defer m.wg.Done()

	interval := m.config.FailureTTL / 10
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			cutoff := time.Now().Add(-m.config.FailureTTL)
			swept := 0
			for id, rec := range m.failures {
				if rec.at.Before(cutoff) {
					delete(m.failures, id)
					swept++
				}
			}
			m.mu.Unlock()
			if swept > 0 {
				log.Debug().Int("swept", swept).Msg("cleaned up stale refresh failures")
			}
		case <-m.stopCh:
			return
		}
	}
}

// FailureCount reports the number of tracked failures (used by stats).
func (m *Manager) FailureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures)
}
