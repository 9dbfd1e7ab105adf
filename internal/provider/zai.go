package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"ccflare/internal/store"
)

// Zai serves Zai accounts. These authenticate with a static API key (often
// stored in the refresh-token slot) and are never OAuth-refreshed.
type Zai struct {
	baseURL string
}

func NewZai(baseURL string) *Zai {
	return &Zai{baseURL: baseURL}
}

func (p *Zai) Name() string { return store.ProviderZai }

func (p *Zai) CanHandle(path string) bool {
	return strings.HasPrefix(path, "/v1/")
}

func (p *Zai) BuildURL(path, rawQuery string, account *store.Account) string {
	base := p.baseURL
	if account != nil && account.CustomEndpoint != "" {
		base = strings.TrimSuffix(account.CustomEndpoint, "/")
	}
	if rawQuery != "" {
		return base + path + "?" + rawQuery
	}
	return base + path
}

func (p *Zai) PrepareHeaders(h http.Header, accessToken, apiKey string) {
	h.Del("x-api-key")
	key := apiKey
	if key == "" {
		key = accessToken
	}
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", anthropicVersion)
	}
}

func (p *Zai) ParseRateLimit(resp *http.Response) RateLimitInfo {
	info := RateLimitInfo{}

	if v := resp.Header.Get("x-ratelimit-reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.ResetMs = sec * 1000
		}
	}
	if v := resp.Header.Get("x-ratelimit-remaining"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.Remaining = &n
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		info.IsRateLimited = true
		info.StatusLabel = "rejected"
	}

	return info
}

func (p *Zai) IsStreamingResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

func (p *Zai) ExtractTierInfo(resp *http.Response) string { return "" }

func (p *Zai) ExtractUsageInfo(body []byte) *store.Usage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return nil
	}
	u := &store.Usage{
		Model:        gjson.GetBytes(body, "model").String(),
		InputTokens:  usage.Get("input_tokens").Int(),
		OutputTokens: usage.Get("output_tokens").Int(),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

func (p *Zai) TransformRequestBody(body []byte, account *store.Account) []byte {
	return body
}

func (p *Zai) RefreshToken(ctx context.Context, account *store.Account, clientID string) (*TokenResult, error) {
	return nil, fmt.Errorf("provider %s does not support token refresh", p.Name())
}

// ParseRateLimitFromBody digs a reset time out of a 429 body. Zai reports
// either an absolute reset_time (epoch seconds) or a relative retry_after.
func (p *Zai) ParseRateLimitFromBody(body []byte) int64 {
	if v := gjson.GetBytes(body, "error.details.reset_time"); v.Exists() {
		if sec := v.Int(); sec > 0 {
			return sec * 1000
		}
	}
	if v := gjson.GetBytes(body, "error.retry_after"); v.Exists() {
		if sec := v.Int(); sec > 0 {
			return time.Now().Add(time.Duration(sec) * time.Second).UnixMilli()
		}
	}
	return 0
}
