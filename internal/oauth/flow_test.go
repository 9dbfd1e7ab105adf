package oauth

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"ccflare/internal/store"
)

func TestGenerateStateShape(t *testing.T) {
	state, err := GenerateState()
	if err != nil {
		t.Fatal(err)
	}

	payload, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		t.Fatalf("state is not base64url: %v", err)
	}

	var p statePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("state is not json: %v", err)
	}
	if len(p.CSRFToken) != 64 {
		t.Errorf("csrf token length = %d, want 64 hex chars", len(p.CSRFToken))
	}
	if p.TimestampMs == 0 {
		t.Error("timestamp missing")
	}
}

func TestValidateStateWindow(t *testing.T) {
	window := 5 * time.Minute

	makeState := func(ageMs int64) string {
		payload, _ := json.Marshal(statePayload{
			CSRFToken:   strings.Repeat("ab", 32),
			TimestampMs: time.Now().UnixMilli() - ageMs,
		})
		return base64.RawURLEncoding.EncodeToString(payload)
	}

	if err := ValidateState(makeState(0), window); err != nil {
		t.Errorf("fresh state rejected: %v", err)
	}
	if err := ValidateState(makeState(4*60*1000), window); err != nil {
		t.Errorf("state inside window rejected: %v", err)
	}
	if err := ValidateState(makeState(6*60*1000), window); err == nil {
		t.Error("expired state accepted")
	}
	if err := ValidateState(makeState(-60*1000), window); err == nil {
		t.Error("future-dated state accepted")
	}
	if err := ValidateState("not base64!", window); err == nil {
		t.Error("malformed state accepted")
	}
}

func TestPKCEChallenge(t *testing.T) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		t.Fatal(err)
	}
	if verifier == "" || challenge == "" || verifier == challenge {
		t.Fatalf("bad pkce pair: %q / %q", verifier, challenge)
	}

	v2, c2, _ := generatePKCE()
	if v2 == verifier || c2 == challenge {
		t.Error("pkce values repeat")
	}
}

// captureSessions records the last persisted session.
type captureSessions struct {
	last *store.OAuthSession
}

func (c *captureSessions) CreateOAuthSession(sess *store.OAuthSession) error {
	c.last = sess
	return nil
}

func (c *captureSessions) GetOAuthSession(id string) (*store.OAuthSession, error) {
	if c.last != nil && c.last.ID == id {
		return c.last, nil
	}
	return nil, nil
}

func (c *captureSessions) DeleteOAuthSession(id string) error            { return nil }
func (c *captureSessions) PurgeOAuthSessions(cutoffMs int64) (int64, error) { return 0, nil }
func (c *captureSessions) CreateAccount(a *store.Account) error          { return nil }

func TestBeginURLOmitsVerifier(t *testing.T) {
	// Begin must never leak the verifier into the authorization URL.
	cfg := DefaultConfig()
	cfg.ClientID = "client-123"

	sessions := &captureSessions{}
	f := NewFlow(cfg, sessions)
	authURL, state, err := f.Begin("work", ModeClaudeOAuth)
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()

	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("challenge method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") == "" {
		t.Error("challenge missing from url")
	}
	if q.Get("state") != state {
		t.Error("state mismatch")
	}

	if sessions.last == nil {
		t.Fatal("session not persisted")
	}
	verifier := sessions.last.CodeVerifier
	if verifier == "" {
		t.Fatal("verifier not persisted")
	}
	if strings.Contains(authURL, verifier) {
		t.Error("verifier leaked into the authorization url")
	}

	if err := ValidateState(state, cfg.StateWindow); err != nil {
		t.Errorf("generated state fails validation: %v", err)
	}
}

func TestBeginRejectsUnknownMode(t *testing.T) {
	f := NewFlow(DefaultConfig(), &captureSessions{})
	if _, _, err := f.Begin("work", "implicit"); err == nil {
		t.Error("unknown mode accepted")
	}
}
