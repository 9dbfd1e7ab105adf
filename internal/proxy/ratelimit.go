package proxy

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"ccflare/internal/provider"
	"ccflare/internal/store"
)

// defaultRateLimitWindow is assumed when a provider rejects without saying
// when the window resets.
const defaultRateLimitWindow = 5 * time.Hour

// limiterStore is the slice of the account store the analyzer writes.
type limiterStore interface {
	MarkRateLimited(id string, untilMs int64)
	ClearRateLimitedIfExpired(id string)
	UpdateRateLimitMeta(id, status string, resetMs int64, remaining *int64)
	UpdateTier(id, tier string)
}

// analyzeRateLimit reads the quota state off a response, persists it, and
// reports whether the dispatcher should fail over. errBody is the buffered
// body of an error response, when the dispatcher has it.
//
// This is the single place that clears an expired rate-limit marker.
func analyzeRateLimit(s limiterStore, adapter provider.Adapter, account *store.Account, resp *http.Response, errBody []byte) (bool, int64) {
	info := adapter.ParseRateLimit(resp)

	// Some providers only say when the window resets inside the 429 body.
	if info.IsRateLimited && info.ResetMs == 0 && len(errBody) > 0 {
		info.ResetMs = adapter.ParseRateLimitFromBody(errBody)
	}

	if info.StatusLabel != "" {
		s.UpdateRateLimitMeta(account.ID, info.StatusLabel, info.ResetMs, info.Remaining)
	}

	if tier := adapter.ExtractTierInfo(resp); tier != "" && tier != account.Tier {
		s.UpdateTier(account.ID, tier)
	}

	if !info.IsRateLimited {
		s.ClearRateLimitedIfExpired(account.ID)
		return false, 0
	}

	resetMs := info.ResetMs
	if resetMs == 0 {
		resetMs = time.Now().Add(defaultRateLimitWindow).UnixMilli()
	}
	s.MarkRateLimited(account.ID, resetMs)

	log.Warn().
		Str("account", account.Name).
		Time("until", time.UnixMilli(resetMs)).
		Str("status", info.StatusLabel).
		Msg("account rate limited")

	return true, resetMs
}
