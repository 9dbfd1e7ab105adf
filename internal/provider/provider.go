package provider

import (
	"context"
	"net/http"
	"sync"

	"ccflare/internal/store"
)

// RateLimitInfo is what an adapter can tell about a response's quota state.
type RateLimitInfo struct {
	IsRateLimited bool
	StatusLabel   string
	ResetMs       int64 // 0 when the provider did not report a reset
	Remaining     *int64
}

// TokenResult is the outcome of an OAuth refresh.
type TokenResult struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresAtMs  int64
}

// Adapter abstracts one upstream provider family.
type Adapter interface {
	Name() string

	// CanHandle reports whether the adapter serves the given request path.
	CanHandle(path string) bool

	// BuildURL resolves the upstream URL, honoring a per-account custom
	// endpoint when set.
	BuildURL(path, rawQuery string, account *store.Account) string

	// PrepareHeaders attaches authentication to sanitized request headers.
	PrepareHeaders(h http.Header, accessToken, apiKey string)

	// ParseRateLimit extracts the quota state from response headers.
	ParseRateLimit(resp *http.Response) RateLimitInfo

	// IsStreamingResponse reports whether the body is an SSE stream.
	IsStreamingResponse(resp *http.Response) bool

	// ExtractTierInfo returns the subscription tier reported on the
	// response, or "".
	ExtractTierInfo(resp *http.Response) string

	// ExtractUsageInfo parses token usage out of a buffered non-streaming
	// response body. Returns nil when the body carries no usage.
	ExtractUsageInfo(body []byte) *store.Usage

	// TransformRequestBody rewrites the outgoing body for this provider.
	// Returns the input unchanged when no transform applies.
	TransformRequestBody(body []byte, account *store.Account) []byte

	// RefreshToken exchanges the account's refresh token for a new access
	// token.
	RefreshToken(ctx context.Context, account *store.Account, clientID string) (*TokenResult, error)

	// ParseRateLimitFromBody recovers a reset time from a rate-limited
	// response body. Returns 0 when none is present.
	ParseRateLimitFromBody(body []byte) int64
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Adapter)
)

// Register adds an adapter under its name. Later registrations replace
// earlier ones.
func Register(a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[a.Name()] = a
}

// Get returns the adapter registered under name.
func Get(name string) (Adapter, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := registry[name]
	return a, ok
}

// Default returns the adapter used when an account carries no provider tag.
func Default() Adapter {
	a, _ := Get(store.ProviderAnthropic)
	return a
}

// ForAccount resolves the adapter for an account, falling back to the
// default provider.
func ForAccount(account *store.Account) Adapter {
	if account != nil {
		if a, ok := Get(account.Provider); ok {
			return a
		}
	}
	return Default()
}
