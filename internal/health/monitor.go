package health

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ccflare/internal/store"
)

// Status classifies a long-lived refresh credential by age.
type Status string

const (
	StatusHealthy        Status = "healthy"
	StatusWarning        Status = "warning"
	StatusCritical       Status = "critical"
	StatusExpired        Status = "expired"
	StatusNoRefreshToken Status = "no_refresh_token"
)

// Config holds the age thresholds.
type Config struct {
	CheckInterval time.Duration
	WarningAge    time.Duration // remaining lifetime below this is a warning
	CriticalAge   time.Duration // remaining lifetime below this is critical
	MaxAge        time.Duration // refresh tokens older than this are dead
}

func DefaultConfig() Config {
	return Config{
		CheckInterval: 6 * time.Hour,
		WarningAge:    7 * 24 * time.Hour,
		CriticalAge:   3 * 24 * time.Hour,
		MaxAge:        90 * 24 * time.Hour,
	}
}

// AccountHealth is one classified account.
type AccountHealth struct {
	AccountID           string `json:"account_id"`
	Name                string `json:"name"`
	Status              Status `json:"status"`
	AgeDays             *int   `json:"age_days,omitempty"`
	DaysUntilExpiration *int   `json:"days_until_expiration,omitempty"`
	RequiresReauth      bool   `json:"requires_reauth"`
	Message             string `json:"message"`
}

// Summary aggregates a report.
type Summary struct {
	Total          int `json:"total"`
	Healthy        int `json:"healthy"`
	Warning        int `json:"warning"`
	Critical       int `json:"critical"`
	Expired        int `json:"expired"`
	NoRefreshToken int `json:"no_refresh_token"`
	RequiresReauth int `json:"requires_reauth"`
}

// Report is the output of one health pass.
type Report struct {
	GeneratedAtMs int64           `json:"generated_at"`
	Accounts      []AccountHealth `json:"accounts"`
	Summary       Summary         `json:"summary"`
}

// Classify computes the health band for one account at the given time.
func Classify(account *store.Account, now time.Time, cfg Config) AccountHealth {
	h := AccountHealth{
		AccountID: account.ID,
		Name:      account.Name,
	}

	if account.IsAPIKey() {
		h.Status = StatusNoRefreshToken
		h.Message = "API key account, no refresh token lifecycle"
		return h
	}

	if account.RefreshToken == "" {
		h.Status = StatusNoRefreshToken
		h.RequiresReauth = true
		h.Message = "no refresh token, re-authentication required"
		return h
	}

	if account.CreatedAtMs == 0 {
		h.Status = StatusWarning
		h.RequiresReauth = true
		h.Message = "refresh token age unknown, re-authentication recommended"
		return h
	}

	age := now.Sub(time.UnixMilli(account.CreatedAtMs))
	ageDays := int(age.Hours() / 24)
	h.AgeDays = &ageDays

	remaining := time.UnixMilli(account.CreatedAtMs).Add(cfg.MaxAge).Sub(now)
	daysLeft := int(math.Ceil(remaining.Hours() / 24))
	h.DaysUntilExpiration = &daysLeft

	switch {
	case remaining <= 0:
		h.Status = StatusExpired
		h.RequiresReauth = true
		h.Message = "refresh token expired, re-authentication required"
	case remaining <= cfg.CriticalAge:
		h.Status = StatusCritical
		h.RequiresReauth = true
		h.Message = fmt.Sprintf("refresh token expires in %d day(s)", daysLeft)
	case remaining <= cfg.WarningAge:
		h.Status = StatusWarning
		h.Message = fmt.Sprintf("refresh token expires in %d day(s)", daysLeft)
	case age > 60*24*time.Hour:
		h.Status = StatusWarning
		h.Message = fmt.Sprintf("refresh token is %d days old", ageDays)
	default:
		h.Status = StatusHealthy
		h.Message = "refresh token healthy"
	}

	return h
}

// AccountLister is the slice of the store the monitor reads.
type AccountLister interface {
	ListAccounts() []*store.Account
}

// Monitor periodically classifies every account and retains the last report.
type Monitor struct {
	config   Config
	accounts AccountLister

	mu     sync.RWMutex
	report *Report

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(config Config, accounts AccountLister) *Monitor {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 6 * time.Hour
	}
	return &Monitor{
		config:   config,
		accounts: accounts,
	}
}

// Start begins the periodic health pass.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	log.Info().Dur("interval", m.config.CheckInterval).Msg("health monitor started")
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	log.Info().Msg("health monitor stopped")
}

// RunNow computes a fresh report immediately. Invoked by the periodic
// driver and after each auto-refresh cycle.
func (m *Monitor) RunNow() *Report {
	now := time.Now()
	accounts := m.accounts.ListAccounts()

	report := &Report{
		GeneratedAtMs: now.UnixMilli(),
		Accounts:      make([]AccountHealth, 0, len(accounts)),
	}

	for _, account := range accounts {
		h := Classify(account, now, m.config)
		report.Accounts = append(report.Accounts, h)

		report.Summary.Total++
		switch h.Status {
		case StatusHealthy:
			report.Summary.Healthy++
		case StatusWarning:
			report.Summary.Warning++
		case StatusCritical:
			report.Summary.Critical++
		case StatusExpired:
			report.Summary.Expired++
		case StatusNoRefreshToken:
			report.Summary.NoRefreshToken++
		}
		if h.RequiresReauth {
			report.Summary.RequiresReauth++
		}
	}

	m.mu.Lock()
	m.report = report
	m.mu.Unlock()

	if report.Summary.RequiresReauth > 0 {
		log.Warn().
			Int("requires_reauth", report.Summary.RequiresReauth).
			Int("total", report.Summary.Total).
			Msg("accounts need re-authentication")
	}

	return report
}

// LastReport returns the most recent report, computing one on first use.
func (m *Monitor) LastReport() *Report {
	m.mu.RLock()
	report := m.report
	m.mu.RUnlock()
	if report == nil {
		return m.RunNow()
	}
	return report
}

func (m *Monitor) run() {
	defer m.wg.Done()

	m.RunNow()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunNow()
		case <-m.ctx.Done():
			return
		}
	}
}
