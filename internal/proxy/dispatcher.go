package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ccflare/internal/logging"
	"ccflare/internal/provider"
	"ccflare/internal/store"
	"ccflare/internal/strategy"
	"ccflare/internal/token"
)

const maxErrorBodyBytes = 1 << 20

// Dispatcher orchestrates one client request: validate, select accounts,
// attempt each in order, fail over on rate limit, and hand the winning
// response to the forwarder.
type Dispatcher struct {
	store     *store.Store
	tokens    *token.Manager
	strategy  strategy.Strategy
	forwarder *Forwarder
	agents    *AgentInterceptor
	client    *http.Client
}

func NewDispatcher(st *store.Store, tm *token.Manager, strat strategy.Strategy, fw *Forwarder, agents *AgentInterceptor) *Dispatcher {
	return &Dispatcher{
		store:     st,
		tokens:    tm,
		strategy:  strat,
		forwarder: fw,
		agents:    agents,
		client: &http.Client{
			// No client timeout: streaming responses stay open as long as
			// the upstream keeps sending.
			Transport: &http.Transport{
				DisableCompression:  true,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Handle serves one proxied request.
func (d *Dispatcher) Handle(c *gin.Context) {
	requestID := uuid.New().String()
	method := c.Request.Method
	path := c.Request.URL.Path
	rawQuery := c.Request.URL.RawQuery

	adapter := provider.Default()
	if adapter == nil || !adapter.CanHandle(path) {
		d.writeError(c, &ValidationError{Message: "path not handled: " + path})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		d.writeError(c, &ValidationError{Message: "failed to read request body"})
		return
	}

	body, agentUsed := d.agents.Intercept(body)

	headers := SanitizeRequestHeaders(c.Request.Header)
	bypassSession := c.GetHeader(HeaderBypassSession) == "true"
	forcedID := c.GetHeader(HeaderAccountID)

	meta := ForwardMeta{
		RequestID:     requestID,
		Method:        method,
		Path:          path,
		AgentUsed:     agentUsed,
		BypassSession: bypassSession,
		ReqHeaders:    headerJSON(headers),
		ReqBodyB64:    base64.StdEncoding.EncodeToString(body),
	}

	candidates := d.selectAccounts(forcedID)
	if forcedID != "" && len(candidates) == 0 {
		d.writeError(c, &ValidationError{Message: "unknown account id in " + HeaderAccountID})
		return
	}
	if len(candidates) == 0 {
		d.forwardUnauthenticated(c, adapter, method, path, rawQuery, headers, body, meta)
		return
	}

	ctx := c.Request.Context()
	attempts := 0
	for _, account := range candidates {
		attempts++
		resp, adapterFor, err := d.attempt(ctx, account, method, path, rawQuery, headers, body)
		if err != nil {
			var rl *rateLimitedError
			if errors.As(err, &rl) {
				log.Info().Str("account", account.Name).Int("attempt", attempts).Msg("failing over to next account")
				continue
			}
			log.Error().
				Str("account", account.Name).
				Int("attempt", attempts).
				Str("error", logging.RedactError(err)).
				Msg("account attempt failed")
			continue
		}

		m := meta
		m.AccountID = account.ID
		m.AccountName = account.Name
		m.Provider = adapterFor.Name()
		m.Attempts = attempts - 1
		d.forwarder.Forward(c.Writer, resp, adapterFor, m)
		return
	}

	d.writeError(c, &ServiceUnavailableError{Attempts: attempts})
}

// selectAccounts returns the ordered accounts to try. A forced id bypasses
// the strategy entirely.
func (d *Dispatcher) selectAccounts(forcedID string) []*store.Account {
	if forcedID != "" {
		if a := d.store.GetAccount(forcedID); a != nil {
			return []*store.Account{a}
		}
		return nil
	}

	now := time.Now().UnixMilli()
	var candidates []*store.Account
	for _, a := range d.store.ListAccounts() {
		if a.Paused || a.IsRateLimited(now) {
			continue
		}
		candidates = append(candidates, a)
	}
	return d.strategy.Order(candidates, now)
}

// attempt issues one upstream request on behalf of account. A rate-limited
// response comes back as *rateLimitedError after persisting the window.
func (d *Dispatcher) attempt(ctx context.Context, account *store.Account, method, path, rawQuery string, headers http.Header, body []byte) (*http.Response, provider.Adapter, error) {
	secret, err := d.tokens.GetValidAccessToken(ctx, account)
	if err != nil {
		return nil, nil, err
	}

	adapter := provider.ForAccount(account)
	reqBody := adapter.TransformRequestBody(body, account)
	upstreamURL := adapter.BuildURL(path, rawQuery, account)

	h := headers.Clone()
	if account.Provider == store.ProviderAnthropic && !account.IsAPIKey() {
		adapter.PrepareHeaders(h, secret, "")
	} else {
		adapter.PrepareHeaders(h, "", secret)
	}

	resp, err := d.do(ctx, method, upstreamURL, h, reqBody)
	if err != nil {
		return nil, nil, &ProviderError{Message: "upstream request failed", Err: err}
	}

	// One retry when the upstream rejects stale thinking blocks.
	if account.Provider == store.ProviderAnthropic && resp.StatusCode == 400 {
		resp, err = d.maybeRetryWithoutThinking(ctx, resp, method, upstreamURL, h, reqBody)
		if err != nil {
			return nil, nil, err
		}
	}

	var errBody []byte
	if resp.StatusCode == http.StatusTooManyRequests {
		if errBody, err = bufferResponseBody(resp); err != nil {
			resp.Body.Close()
			return nil, nil, &ProviderError{Message: "failed to read rate limit body", Err: err}
		}
	}

	if limited, resetMs := analyzeRateLimit(d.store, adapter, account, resp, errBody); limited {
		resp.Body.Close()
		return nil, nil, &rateLimitedError{AccountID: account.ID, ResetMs: resetMs}
	}

	return resp, adapter, nil
}

// maybeRetryWithoutThinking re-issues the request once with thinking blocks
// stripped when the 400 body names a thinking-block problem. Never retries
// more than once.
func (d *Dispatcher) maybeRetryWithoutThinking(ctx context.Context, resp *http.Response, method, upstreamURL string, h http.Header, reqBody []byte) (*http.Response, error) {
	errBody, err := bufferResponseBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, &ProviderError{Message: "failed to read error body", Err: err}
	}
	if !isThinkingBlockError(resp.StatusCode, errBody) {
		return resp, nil
	}

	stripped := stripThinkingBlocks(reqBody)
	if bytes.Equal(stripped, reqBody) {
		return resp, nil
	}

	log.Info().Msg("retrying without thinking blocks")
	resp.Body.Close()

	retried, err := d.do(ctx, method, upstreamURL, h, stripped)
	if err != nil {
		return nil, &ProviderError{Message: "thinking retry failed", Err: err}
	}
	return retried, nil
}

// forwardUnauthenticated passes the request straight through with no
// credentials attached. Used when no account is available.
func (d *Dispatcher) forwardUnauthenticated(c *gin.Context, adapter provider.Adapter, method, path, rawQuery string, headers http.Header, body []byte, meta ForwardMeta) {
	log.Warn().Str("path", path).Msg("no usable account, forwarding unauthenticated")

	upstreamURL := adapter.BuildURL(path, rawQuery, nil)
	resp, err := d.do(c.Request.Context(), method, upstreamURL, headers, body)
	if err != nil {
		d.writeError(c, &ProviderError{Message: "unauthenticated forward failed", Err: err})
		return
	}

	meta.Provider = adapter.Name()
	d.forwarder.Forward(c.Writer, resp, adapter, meta)
}

func (d *Dispatcher) do(ctx context.Context, method, url string, h http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = h.Clone()
	req.ContentLength = int64(len(body))
	return d.client.Do(req)
}

// bufferResponseBody drains the body so it can be inspected and still
// forwarded.
func bufferResponseBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func (d *Dispatcher) writeError(c *gin.Context, err error) {
	var (
		status  int
		kind    string
		valErr  *ValidationError
		provErr *ProviderError
		unavail *ServiceUnavailableError
	)
	switch {
	case errors.As(err, &valErr):
		status, kind = http.StatusBadRequest, "invalid_request_error"
	case errors.As(err, &provErr):
		status, kind = http.StatusBadGateway, "api_error"
	case errors.As(err, &unavail):
		status, kind = http.StatusServiceUnavailable, "overloaded_error"
	default:
		status, kind = http.StatusInternalServerError, "api_error"
	}

	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    kind,
			"message": logging.RedactError(err),
		},
	})
}
