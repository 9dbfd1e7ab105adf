package autorefresh

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"ccflare/internal/events"
	"ccflare/internal/httpclient"
	"ccflare/internal/provider"
	"ccflare/internal/store"
)

const staleResetAge = 24 * time.Hour

// warmUpModels are tried in order until one does not 404.
var warmUpModels = []string{
	"claude-3-5-haiku-20241022",
	"claude-3-haiku-20240307",
}

// warmUpPrompts are interchangeable minimal messages.
var warmUpPrompts = []string{
	"Hello",
	"Hi there",
	"Ping",
}

// Config tunes the scheduler.
type Config struct {
	Tick             time.Duration
	FailureThreshold int
	ProxyURL         string // the proxy's own listen address
	UsageURL         string // optional provider usage endpoint
}

// Accounts is the slice of the store the scheduler uses.
type Accounts interface {
	ListAccounts() []*store.Account
	SetAutoRefresh(id string, enabled bool)
	ClearRateLimitWindow(id string, resetMs int64)
	UpdateRateLimitMeta(id, status string, resetMs int64, remaining *int64)
}

// Scheduler keeps usage windows warm. When an account's rate-limit window
// has rolled over, it sends a tiny request through the proxy itself so the
// provider reports a fresh reset time.
type Scheduler struct {
	config   Config
	accounts Accounts
	bus      *events.Bus

	// cycleMu serializes cycles; an overlapping tick is dropped.
	cycleMu sync.Mutex

	mu            sync.Mutex
	lastRefreshed map[string]int64 // account id -> resetMs seen at last warm-up
	failures      map[string]int

	afterCycle func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(config Config, accounts Accounts, bus *events.Bus) *Scheduler {
	if config.Tick <= 0 {
		config.Tick = 60 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	return &Scheduler{
		config:        config,
		accounts:      accounts,
		bus:           bus,
		lastRefreshed: make(map[string]int64),
		failures:      make(map[string]int),
	}
}

// SetAfterCycle registers a hook run at the end of every cycle.
func (s *Scheduler) SetAfterCycle(fn func()) { s.afterCycle = fn }

func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	log.Info().Dur("tick", s.config.Tick).Msg("auto-refresh scheduler started")
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info().Msg("auto-refresh scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunCycle()
		case <-s.ctx.Done():
			return
		}
	}
}

// RunCycle executes one scheduler pass. A cycle that would overlap a
// running one is dropped.
func (s *Scheduler) RunCycle() {
	if !s.cycleMu.TryLock() {
		log.Debug().Msg("auto-refresh cycle still running, dropping tick")
		return
	}
	defer s.cycleMu.Unlock()

	accounts := s.accounts.ListAccounts()
	s.collectGarbage(accounts)

	now := time.Now().UnixMilli()
	for _, account := range accounts {
		if !s.eligible(account, now) {
			continue
		}
		marker, refreshed := s.marker(account.ID)
		if !shouldRefresh(account.RateLimitResetMs, marker, refreshed, now) {
			continue
		}
		s.sendWarmUp(account)
	}

	if s.afterCycle != nil {
		s.afterCycle()
	}
}

// collectGarbage drops tracking entries for accounts that disappeared or
// opted out.
func (s *Scheduler) collectGarbage(accounts []*store.Account) {
	live := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		if a.AutoRefreshEnabled {
			live[a.ID] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.lastRefreshed {
		if !live[id] {
			delete(s.lastRefreshed, id)
		}
	}
	for id := range s.failures {
		if !live[id] {
			delete(s.failures, id)
		}
	}
}

func (s *Scheduler) eligible(a *store.Account, nowMs int64) bool {
	if !a.AutoRefreshEnabled || a.Provider != store.ProviderAnthropic {
		return false
	}
	reset := a.RateLimitResetMs
	return reset == 0 || reset <= nowMs || reset < nowMs-staleResetAge.Milliseconds()
}

// shouldRefresh decides whether a warm-up is due for an account with the
// given observed resetMs and remembered marker.
func shouldRefresh(resetMs, marker int64, everRefreshed bool, nowMs int64) bool {
	if !everRefreshed {
		return true
	}
	if resetMs == 0 {
		return false
	}
	if resetMs <= nowMs {
		return true
	}
	if resetMs > marker {
		return true
	}
	if resetMs < nowMs-staleResetAge.Milliseconds() {
		return true
	}
	return false
}

func (s *Scheduler) marker(accountID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.lastRefreshed[accountID]
	return m, ok
}

// sendWarmUp posts a minimal message through the proxy pinned to the
// account, with session tracking bypassed.
func (s *Scheduler) sendWarmUp(account *store.Account) {
	requestID := uuid.New().String()
	s.bus.Publish(events.RequestStart{
		RequestID:   requestID,
		Method:      "POST",
		Path:        "/v1/messages",
		AccountID:   account.ID,
		AccountName: account.Name,
		TimestampMs: time.Now().UnixMilli(),
	})

	prompt := warmUpPrompts[time.Now().UnixNano()%int64(len(warmUpPrompts))]

	for _, model := range warmUpModels {
		resp, err := httpclient.GetClient().R().
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "claude-cli/1.0.0 (external, cli)").
			SetHeader("anthropic-version", "2023-06-01").
			SetHeader("x-better-ccflare-account-id", account.ID).
			SetHeader("x-better-ccflare-bypass-session", "true").
			SetBodyJsonMarshal(map[string]interface{}{
				"model":      model,
				"max_tokens": 10,
				"messages": []map[string]string{
					{"role": "user", "content": prompt},
				},
			}).
			Post(s.config.ProxyURL + "/v1/messages")
		if err != nil {
			s.recordFailure(account, fmt.Errorf("warm-up request failed: %w", err))
			return
		}

		switch {
		case resp.StatusCode == 404:
			// Model not available on this account, try the next one.
			continue
		case resp.StatusCode == 401:
			log.Error().
				Str("account", account.Name).
				Msg("=== WARM-UP GOT 401: account needs manual re-authentication, auto-refresh disabled ===")
			s.accounts.SetAutoRefresh(account.ID, false)
			s.mu.Lock()
			delete(s.failures, account.ID)
			s.mu.Unlock()
			return
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			s.handleWarmUpSuccess(account, resp.Response)
			return
		default:
			s.recordFailure(account, fmt.Errorf("warm-up returned status %d", resp.StatusCode))
			return
		}
	}

	s.recordFailure(account, fmt.Errorf("every warm-up model returned 404"))
}

func (s *Scheduler) handleWarmUpSuccess(account *store.Account, resp *http.Response) {
	adapter := provider.ForAccount(account)
	info := adapter.ParseRateLimit(resp)

	s.accounts.ClearRateLimitWindow(account.ID, info.ResetMs)
	if info.StatusLabel != "" {
		s.accounts.UpdateRateLimitMeta(account.ID, info.StatusLabel, info.ResetMs, info.Remaining)
	}

	s.mu.Lock()
	if info.ResetMs > 0 {
		s.lastRefreshed[account.ID] = info.ResetMs
	} else {
		s.lastRefreshed[account.ID] = time.Now().UnixMilli()
	}
	delete(s.failures, account.ID)
	s.mu.Unlock()

	log.Info().
		Str("account", account.Name).
		Time("next_reset", time.UnixMilli(info.ResetMs)).
		Msg("usage window warmed up")

	s.fetchUsage(account)
}

// fetchUsage pulls the provider's usage summary for visibility. Failures
// are logged and ignored.
func (s *Scheduler) fetchUsage(account *store.Account) {
	if s.config.UsageURL == "" || account.AccessToken == "" {
		return
	}
	resp, err := httpclient.GetClient().R().
		SetHeader("Authorization", "Bearer "+account.AccessToken).
		Get(s.config.UsageURL)
	if err != nil || !resp.IsSuccessState() {
		log.Debug().Str("account", account.Name).Msg("usage fetch failed")
		return
	}
	body := resp.Bytes()
	log.Info().
		Str("account", account.Name).
		Str("five_hour", gjson.GetBytes(body, "five_hour.utilization").String()).
		Str("seven_day", gjson.GetBytes(body, "seven_day.utilization").String()).
		Msg("account usage")
}

func (s *Scheduler) recordFailure(account *store.Account, err error) {
	s.mu.Lock()
	s.failures[account.ID]++
	count := s.failures[account.ID]
	s.mu.Unlock()

	if count >= s.config.FailureThreshold {
		log.Error().
			Str("account", account.Name).
			Int("consecutive_failures", count).
			Err(err).
			Msg("=== ACCOUNT NEEDS ATTENTION: warm-up keeps failing ===")
		return
	}
	log.Warn().Str("account", account.Name).Int("failures", count).Err(err).Msg("warm-up failed")
}

// FailureCount reports the consecutive warm-up failures for an account.
func (s *Scheduler) FailureCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[accountID]
}
