package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ccflare/internal/httpclient"
	"ccflare/internal/store"
)

// Authorization modes.
const (
	ModeClaudeOAuth = "claude-oauth"
	ModeConsole     = "console"
)

const oauthScopes = "org:create_api_key user:profile user:inference"

// Config holds the provider endpoints for the interactive flow.
type Config struct {
	AuthorizeURL string
	ConsoleURL   string
	TokenURL     string
	ClientID     string
	RedirectURI  string
	SessionTTL   time.Duration
	StateWindow  time.Duration
}

func DefaultConfig() Config {
	return Config{
		AuthorizeURL: "https://claude.ai/oauth/authorize",
		ConsoleURL:   "https://console.anthropic.com/oauth/authorize",
		TokenURL:     "https://console.anthropic.com/v1/oauth/token",
		RedirectURI:  "https://console.anthropic.com/oauth/code/callback",
		SessionTTL:   10 * time.Minute,
		StateWindow:  5 * time.Minute,
	}
}

// Sessions is the slice of the store the flow uses.
type Sessions interface {
	CreateOAuthSession(sess *store.OAuthSession) error
	GetOAuthSession(id string) (*store.OAuthSession, error)
	DeleteOAuthSession(id string) error
	PurgeOAuthSessions(cutoffMs int64) (int64, error)
	CreateAccount(a *store.Account) error
}

// statePayload is the CSRF state carried through the authorization URL.
type statePayload struct {
	CSRFToken   string `json:"csrfToken"`
	TimestampMs int64  `json:"timestampMs"`
}

// Flow runs the PKCE authorization dance and turns the callback code into
// a stored account.
type Flow struct {
	config   Config
	sessions Sessions
}

func NewFlow(config Config, sessions Sessions) *Flow {
	if config.SessionTTL <= 0 {
		config.SessionTTL = 10 * time.Minute
	}
	if config.StateWindow <= 0 {
		config.StateWindow = 5 * time.Minute
	}
	return &Flow{config: config, sessions: sessions}
}

// Begin creates an authorization session and returns the URL to open in a
// browser. The PKCE verifier stays server side; only the S256 challenge
// travels.
func (f *Flow) Begin(accountName, mode string) (authURL string, sessionID string, err error) {
	if mode != ModeClaudeOAuth && mode != ModeConsole {
		return "", "", fmt.Errorf("unknown oauth mode %q", mode)
	}

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", "", err
	}

	sess := &store.OAuthSession{
		ID:           state,
		AccountName:  accountName,
		Mode:         mode,
		CodeVerifier: verifier,
		Challenge:    challenge,
	}
	if err := f.sessions.CreateOAuthSession(sess); err != nil {
		return "", "", fmt.Errorf("failed to persist oauth session: %w", err)
	}

	base := f.config.AuthorizeURL
	if mode == ModeConsole {
		base = f.config.ConsoleURL
	}

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", f.config.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", f.config.RedirectURI)
	q.Set("scope", oauthScopes)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)

	return base + "?" + q.Encode(), state, nil
}

// Complete validates the state, exchanges the code, and stores the new
// account. The session is consumed either way.
func (f *Flow) Complete(ctx context.Context, sessionID, code string) (*store.Account, error) {
	if err := ValidateState(sessionID, f.config.StateWindow); err != nil {
		return nil, err
	}

	sess, err := f.sessions.GetOAuthSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("unknown or expired oauth session")
	}
	defer func() {
		if err := f.sessions.DeleteOAuthSession(sessionID); err != nil {
			log.Warn().Err(err).Msg("failed to delete oauth session")
		}
	}()

	if time.Now().UnixMilli()-sess.CreatedAtMs > f.config.SessionTTL.Milliseconds() {
		return nil, fmt.Errorf("oauth session expired")
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
			"grant_type":    "authorization_code",
			"code":          code,
			"state":         sessionID,
			"client_id":     f.config.ClientID,
			"redirect_uri":  f.config.RedirectURI,
			"code_verifier": sess.CodeVerifier,
		}).
		SetSuccessResult(&tokenResp).
		Post(f.config.TokenURL)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("token exchange failed: status %d", resp.StatusCode)
	}
	if tokenResp.RefreshToken == "" {
		return nil, fmt.Errorf("token exchange returned no refresh token")
	}

	account := &store.Account{
		ID:           uuid.New().String(),
		Name:         sess.AccountName,
		Provider:     store.ProviderAnthropic,
		RefreshToken: tokenResp.RefreshToken,
		AccessToken:  tokenResp.AccessToken,
		ExpiresAtMs:  time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli(),
	}
	if err := f.sessions.CreateAccount(account); err != nil {
		return nil, fmt.Errorf("failed to store account: %w", err)
	}

	log.Info().Str("account", account.Name).Str("mode", sess.Mode).Msg("account authorized")
	return account, nil
}

// Purge removes authorization sessions past their TTL.
func (f *Flow) Purge() {
	cutoff := time.Now().Add(-f.config.SessionTTL).UnixMilli()
	if n, err := f.sessions.PurgeOAuthSessions(cutoff); err == nil && n > 0 {
		log.Debug().Int64("purged", n).Msg("expired oauth sessions removed")
	}
}

// GenerateState builds the CSRF state: base64url of a JSON object holding
// a 32-byte hex token and the creation timestamp.
func GenerateState() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	payload, err := json.Marshal(statePayload{
		CSRFToken:   hex.EncodeToString(raw),
		TimestampMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// ValidateState accepts a state iff its embedded timestamp lies within the
// last window.
func ValidateState(state string, window time.Duration) error {
	payload, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return fmt.Errorf("malformed state: %w", err)
	}
	var p statePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed state: %w", err)
	}
	if len(p.CSRFToken) != 64 {
		return fmt.Errorf("malformed state: bad csrf token")
	}

	now := time.Now().UnixMilli()
	if p.TimestampMs > now {
		return fmt.Errorf("state timestamp in the future")
	}
	if now-p.TimestampMs > window.Milliseconds() {
		return fmt.Errorf("state expired")
	}
	return nil
}

// generatePKCE returns a verifier and its S256 challenge.
func generatePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}
