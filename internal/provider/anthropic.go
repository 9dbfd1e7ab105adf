package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"ccflare/internal/httpclient"
	"ccflare/internal/store"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicOAuthBeta = "oauth-2025-04-20"

	headerUnifiedStatus    = "anthropic-ratelimit-unified-status"
	headerUnifiedReset     = "anthropic-ratelimit-unified-reset"
	headerUnifiedRemaining = "anthropic-ratelimit-unified-remaining"
	headerUnifiedTier      = "anthropic-ratelimit-unified-tier"
)

// Anthropic talks to the native Anthropic API (OAuth or API key accounts).
type Anthropic struct {
	baseURL  string
	tokenURL string
}

func NewAnthropic(baseURL, tokenURL string) *Anthropic {
	return &Anthropic{baseURL: baseURL, tokenURL: tokenURL}
}

func (p *Anthropic) Name() string { return store.ProviderAnthropic }

func (p *Anthropic) CanHandle(path string) bool {
	return strings.HasPrefix(path, "/v1/") ||
		strings.HasPrefix(path, "/api/") ||
		strings.HasPrefix(path, "/.well-known/")
}

func (p *Anthropic) BuildURL(path, rawQuery string, account *store.Account) string {
	base := p.baseURL
	if account != nil && account.CustomEndpoint != "" {
		base = strings.TrimSuffix(account.CustomEndpoint, "/")
	}
	if rawQuery != "" {
		return base + path + "?" + rawQuery
	}
	return base + path
}

func (p *Anthropic) PrepareHeaders(h http.Header, accessToken, apiKey string) {
	h.Del("Authorization")
	h.Del("x-api-key")
	if accessToken != "" {
		h.Set("Authorization", "Bearer "+accessToken)
		if beta := h.Get("anthropic-beta"); beta != "" {
			if !strings.Contains(beta, anthropicOAuthBeta) {
				h.Set("anthropic-beta", anthropicOAuthBeta+","+beta)
			}
		} else {
			h.Set("anthropic-beta", anthropicOAuthBeta)
		}
	} else if apiKey != "" {
		h.Set("x-api-key", apiKey)
	}
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", anthropicVersion)
	}
}

func (p *Anthropic) ParseRateLimit(resp *http.Response) RateLimitInfo {
	info := RateLimitInfo{
		StatusLabel: resp.Header.Get(headerUnifiedStatus),
	}

	if v := resp.Header.Get(headerUnifiedReset); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.ResetMs = sec * 1000
		}
	}
	if v := resp.Header.Get(headerUnifiedRemaining); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.Remaining = &n
		}
	}

	info.IsRateLimited = resp.StatusCode == http.StatusTooManyRequests ||
		strings.HasPrefix(info.StatusLabel, "rejected")

	return info
}

func (p *Anthropic) IsStreamingResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

func (p *Anthropic) ExtractTierInfo(resp *http.Response) string {
	return resp.Header.Get(headerUnifiedTier)
}

func (p *Anthropic) ExtractUsageInfo(body []byte) *store.Usage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return nil
	}
	u := &store.Usage{
		Model:                    gjson.GetBytes(body, "model").String(),
		InputTokens:              usage.Get("input_tokens").Int(),
		CacheReadInputTokens:     usage.Get("cache_read_input_tokens").Int(),
		CacheCreationInputTokens: usage.Get("cache_creation_input_tokens").Int(),
		OutputTokens:             usage.Get("output_tokens").Int(),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
	return u
}

// TransformRequestBody applies the account's model mappings, if any.
func (p *Anthropic) TransformRequestBody(body []byte, account *store.Account) []byte {
	if account == nil || account.ModelMappings == "" {
		return body
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return body
	}
	mapped := gjson.Get(account.ModelMappings, model).String()
	if mapped == "" {
		return body
	}
	out, err := sjson.SetBytes(body, "model", mapped)
	if err != nil {
		return body
	}
	return out
}

func (p *Anthropic) RefreshToken(ctx context.Context, account *store.Account, clientID string) (*TokenResult, error) {
	if account.RefreshToken == "" {
		return nil, fmt.Errorf("account %s has no refresh token", account.ID)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}

	resp, err := httpclient.GetClient().R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBodyJsonMarshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": account.RefreshToken,
			"client_id":     clientID,
		}).
		SetSuccessResult(&tokenResp).
		Post(p.tokenURL)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("token refresh failed: status %d, body: %s", resp.StatusCode, resp.String())
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token refresh returned empty access token")
	}

	return &TokenResult{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAtMs:  time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

func (p *Anthropic) ParseRateLimitFromBody(body []byte) int64 {
	return 0
}
