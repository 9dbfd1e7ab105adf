package proxy

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"ccflare/internal/provider"
	"ccflare/internal/store"
)

type fakeLimiterStore struct {
	limited   map[string]int64
	cleared   []string
	metaCalls int
	status    string
	resetMs   int64
	remaining *int64
	tiers     map[string]string
}

func newFakeLimiterStore() *fakeLimiterStore {
	return &fakeLimiterStore{limited: make(map[string]int64), tiers: make(map[string]string)}
}

func (f *fakeLimiterStore) MarkRateLimited(id string, untilMs int64) { f.limited[id] = untilMs }
func (f *fakeLimiterStore) ClearRateLimitedIfExpired(id string)     { f.cleared = append(f.cleared, id) }
func (f *fakeLimiterStore) UpdateRateLimitMeta(id, status string, resetMs int64, remaining *int64) {
	f.metaCalls++
	f.status = status
	f.resetMs = resetMs
	f.remaining = remaining
}
func (f *fakeLimiterStore) UpdateTier(id, tier string) { f.tiers[id] = tier }

func respWithHeaders(status int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: status, Header: h}
}

func TestAnalyzeRateLimitFromHeaders(t *testing.T) {
	adapter := provider.NewAnthropic("https://api.example.com", "")
	account := &store.Account{ID: "a", Name: "alpha", Provider: store.ProviderAnthropic}
	fs := newFakeLimiterStore()

	resetSec := time.Now().Add(time.Hour).Unix()
	resp := respWithHeaders(429, map[string]string{
		"anthropic-ratelimit-unified-status":    "rejected",
		"anthropic-ratelimit-unified-reset":     "0",
		"anthropic-ratelimit-unified-remaining": "0",
	})
	resp.Header.Set("anthropic-ratelimit-unified-reset", timestampStr(resetSec))

	limited, resetMs := analyzeRateLimit(fs, adapter, account, resp, nil)
	if !limited {
		t.Fatal("not flagged as limited")
	}
	if resetMs != resetSec*1000 {
		t.Errorf("resetMs = %d, want %d", resetMs, resetSec*1000)
	}
	if fs.limited["a"] != resetSec*1000 {
		t.Errorf("persisted until = %d", fs.limited["a"])
	}
	if fs.status != "rejected" || fs.remaining == nil || *fs.remaining != 0 {
		t.Errorf("meta not recorded: status=%q remaining=%v", fs.status, fs.remaining)
	}
}

func TestAnalyzeRateLimitZaiBodyFallback(t *testing.T) {
	adapter := provider.NewZai("https://api.z.ai/api/anthropic")
	account := &store.Account{ID: "z", Name: "zai", Provider: store.ProviderZai}
	fs := newFakeLimiterStore()

	resetSec := time.Now().Add(2 * time.Hour).Unix()
	body := []byte(`{"error":{"details":{"reset_time":` + timestampStr(resetSec) + `}}}`)

	limited, resetMs := analyzeRateLimit(fs, adapter, account, respWithHeaders(429, nil), body)
	if !limited {
		t.Fatal("not flagged as limited")
	}
	if resetMs != resetSec*1000 {
		t.Errorf("resetMs = %d, want %d (from body)", resetMs, resetSec*1000)
	}
}

func TestAnalyzeRateLimitDefaultWindow(t *testing.T) {
	adapter := provider.NewZai("https://api.z.ai/api/anthropic")
	account := &store.Account{ID: "z", Name: "zai", Provider: store.ProviderZai}
	fs := newFakeLimiterStore()

	before := time.Now().Add(defaultRateLimitWindow).UnixMilli()
	limited, resetMs := analyzeRateLimit(fs, adapter, account, respWithHeaders(429, nil), []byte(`{}`))
	after := time.Now().Add(defaultRateLimitWindow).UnixMilli()

	if !limited {
		t.Fatal("not flagged as limited")
	}
	if resetMs < before || resetMs > after {
		t.Errorf("resetMs = %d, want now+5h", resetMs)
	}
}

func TestAnalyzeRateLimitClearsExpiredOnSuccess(t *testing.T) {
	adapter := provider.NewAnthropic("https://api.example.com", "")
	account := &store.Account{ID: "a", Name: "alpha", Provider: store.ProviderAnthropic}
	fs := newFakeLimiterStore()

	limited, _ := analyzeRateLimit(fs, adapter, account, respWithHeaders(200, nil), nil)
	if limited {
		t.Fatal("success flagged as limited")
	}
	if len(fs.cleared) != 1 || fs.cleared[0] != "a" {
		t.Errorf("expired marker not cleared: %v", fs.cleared)
	}
	if fs.metaCalls != 0 {
		t.Errorf("meta written without a status label")
	}
}

func TestAnalyzeRateLimitTierUpdate(t *testing.T) {
	adapter := provider.NewAnthropic("https://api.example.com", "")
	account := &store.Account{ID: "a", Name: "alpha", Provider: store.ProviderAnthropic, Tier: "default"}
	fs := newFakeLimiterStore()

	resp := respWithHeaders(200, map[string]string{"anthropic-ratelimit-unified-tier": "max_5x"})
	analyzeRateLimit(fs, adapter, account, resp, nil)
	if fs.tiers["a"] != "max_5x" {
		t.Errorf("tier = %q, want max_5x", fs.tiers["a"])
	}
}

func timestampStr(sec int64) string {
	return strconv.FormatInt(sec, 10)
}
