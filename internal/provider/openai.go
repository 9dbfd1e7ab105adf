package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"ccflare/internal/store"
)

// OpenAICompatible proxies accounts on OpenAI-style endpoints. API-key only.
type OpenAICompatible struct {
	baseURL string
}

func NewOpenAICompatible(baseURL string) *OpenAICompatible {
	return &OpenAICompatible{baseURL: baseURL}
}

func (p *OpenAICompatible) Name() string { return store.ProviderOpenAICompatible }

func (p *OpenAICompatible) CanHandle(path string) bool {
	return strings.HasPrefix(path, "/v1/")
}

func (p *OpenAICompatible) BuildURL(path, rawQuery string, account *store.Account) string {
	base := p.baseURL
	if account != nil && account.CustomEndpoint != "" {
		base = strings.TrimSuffix(account.CustomEndpoint, "/")
	}
	if rawQuery != "" {
		return base + path + "?" + rawQuery
	}
	return base + path
}

func (p *OpenAICompatible) PrepareHeaders(h http.Header, accessToken, apiKey string) {
	h.Del("x-api-key")
	key := apiKey
	if key == "" {
		key = accessToken
	}
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
}

func (p *OpenAICompatible) ParseRateLimit(resp *http.Response) RateLimitInfo {
	info := RateLimitInfo{}
	if resp.StatusCode == http.StatusTooManyRequests {
		info.IsRateLimited = true
		info.StatusLabel = "rejected"
	}
	return info
}

func (p *OpenAICompatible) IsStreamingResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

func (p *OpenAICompatible) ExtractTierInfo(resp *http.Response) string { return "" }

func (p *OpenAICompatible) ExtractUsageInfo(body []byte) *store.Usage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return nil
	}
	u := &store.Usage{
		Model:        gjson.GetBytes(body, "model").String(),
		InputTokens:  usage.Get("prompt_tokens").Int(),
		OutputTokens: usage.Get("completion_tokens").Int(),
	}
	u.TotalTokens = usage.Get("total_tokens").Int()
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

func (p *OpenAICompatible) TransformRequestBody(body []byte, account *store.Account) []byte {
	return body
}

func (p *OpenAICompatible) RefreshToken(ctx context.Context, account *store.Account, clientID string) (*TokenResult, error) {
	return nil, fmt.Errorf("provider %s does not support token refresh", p.Name())
}

func (p *OpenAICompatible) ParseRateLimitFromBody(body []byte) int64 { return 0 }
