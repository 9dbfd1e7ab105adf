package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, sessionDuration time.Duration) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), Options{
		SessionDuration: sessionDuration,
		QueueSize:       64,
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestStore(t, 0)

	accounts := []*Account{
		{ID: "a", Name: "bravo", Provider: ProviderAnthropic, Priority: 0},
		{ID: "b", Name: "alpha", Provider: ProviderAnthropic, Priority: 0},
		{ID: "c", Name: "charlie", Provider: ProviderZai, Priority: 10},
	}
	for _, a := range accounts {
		if err := s.CreateAccount(a); err != nil {
			t.Fatalf("create %s: %v", a.ID, err)
		}
	}

	// Higher priority first, then name.
	got := s.ListAccounts()
	wantOrder := []string{"c", "b", "a"}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}

	// Reads hand out copies.
	clone := s.GetAccount("a")
	clone.Name = "mutated"
	if s.GetAccount("a").Name != "bravo" {
		t.Fatal("GetAccount leaked internal state")
	}

	if err := s.DeleteAccount("b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.GetAccount("b") != nil {
		t.Fatal("deleted account still readable")
	}
}

func TestUpdateTokensPersists(t *testing.T) {
	s := newTestStore(t, 0)
	if err := s.CreateAccount(&Account{ID: "a", Name: "n", Provider: ProviderAnthropic, RefreshToken: "rt-old"}); err != nil {
		t.Fatal(err)
	}

	expires := time.Now().Add(time.Hour).UnixMilli()
	s.UpdateTokens("a", "at-new", expires, "rt-new")

	// In-memory view updates synchronously.
	a := s.GetAccount("a")
	if a.AccessToken != "at-new" || a.RefreshToken != "rt-new" || a.ExpiresAtMs != expires {
		t.Fatalf("in-memory account not updated: %+v", a)
	}

	// The row catches up once the writer drains.
	s.Flush()
	row, err := s.ReloadAccount("a")
	if err != nil {
		t.Fatal(err)
	}
	if row.AccessToken != "at-new" || row.RefreshToken != "rt-new" {
		t.Fatalf("persisted row not updated: %+v", row)
	}

	// An empty refresh token keeps the stored one.
	s.UpdateTokens("a", "at-newer", expires, "")
	if got := s.GetAccount("a"); got.RefreshToken != "rt-new" {
		t.Fatalf("refresh token overwritten with empty value: %q", got.RefreshToken)
	}
}

func TestSessionRollover(t *testing.T) {
	s := newTestStore(t, 50*time.Millisecond)
	if err := s.CreateAccount(&Account{ID: "a", Name: "n", Provider: ProviderAnthropic}); err != nil {
		t.Fatal(err)
	}

	s.UpdateSessionSafe("a", false)
	s.UpdateSessionSafe("a", false)

	a := s.GetAccount("a")
	if a.SessionRequestCount != 2 || a.SessionStartMs == 0 {
		t.Fatalf("session not tracking: %+v", a)
	}
	firstStart := a.SessionStartMs

	time.Sleep(60 * time.Millisecond)
	s.UpdateSessionSafe("a", false)

	a = s.GetAccount("a")
	if a.SessionRequestCount != 1 {
		t.Fatalf("session did not roll over, count = %d", a.SessionRequestCount)
	}
	if a.SessionStartMs <= firstStart {
		t.Fatal("session start not advanced on rollover")
	}
	if a.RequestCount != 3 || a.TotalRequests != 3 {
		t.Fatalf("request counters wrong: %+v", a)
	}
}

func TestSessionBypassCountsWithoutTouchingSession(t *testing.T) {
	s := newTestStore(t, time.Hour)
	if err := s.CreateAccount(&Account{ID: "a", Name: "n", Provider: ProviderAnthropic}); err != nil {
		t.Fatal(err)
	}

	s.UpdateSessionSafe("a", true)

	a := s.GetAccount("a")
	if a.RequestCount != 1 || a.TotalRequests != 1 {
		t.Fatalf("bypass did not count the request: %+v", a)
	}
	if a.SessionStartMs != 0 || a.SessionRequestCount != 0 {
		t.Fatalf("bypass touched session fields: %+v", a)
	}
}

func TestClearRateLimitedIfExpired(t *testing.T) {
	s := newTestStore(t, 0)
	if err := s.CreateAccount(&Account{ID: "a", Name: "n", Provider: ProviderAnthropic}); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour).UnixMilli()
	s.MarkRateLimited("a", future)
	if !s.GetAccount("a").IsRateLimited(time.Now().UnixMilli()) {
		t.Fatal("account not rate limited after mark")
	}

	// A live window is left alone.
	s.ClearRateLimitedIfExpired("a")
	if s.GetAccount("a").RateLimitedUntilMs != future {
		t.Fatal("live rate-limit window was cleared")
	}

	past := time.Now().Add(-time.Minute).UnixMilli()
	s.MarkRateLimited("a", past)
	s.ClearRateLimitedIfExpired("a")
	if s.GetAccount("a").RateLimitedUntilMs != 0 {
		t.Fatal("expired rate-limit window not cleared")
	}

	s.Flush()
	row, err := s.ReloadAccount("a")
	if err != nil {
		t.Fatal(err)
	}
	if row.RateLimitedUntilMs != 0 {
		t.Fatalf("persisted window not cleared: %d", row.RateLimitedUntilMs)
	}
}

func TestRateLimitMetaAndWindow(t *testing.T) {
	s := newTestStore(t, 0)
	if err := s.CreateAccount(&Account{ID: "a", Name: "n", Provider: ProviderAnthropic}); err != nil {
		t.Fatal(err)
	}

	reset := time.Now().Add(2 * time.Hour).UnixMilli()
	remaining := int64(42)
	s.UpdateRateLimitMeta("a", "allowed_warning", reset, &remaining)

	a := s.GetAccount("a")
	if a.RateLimitStatus != "allowed_warning" || a.RateLimitResetMs != reset {
		t.Fatalf("meta not stored: %+v", a)
	}
	if a.RateLimitRemaining == nil || *a.RateLimitRemaining != 42 {
		t.Fatalf("remaining not stored: %+v", a.RateLimitRemaining)
	}

	s.MarkRateLimited("a", reset)
	newReset := time.Now().Add(5 * time.Hour).UnixMilli()
	s.ClearRateLimitWindow("a", newReset)

	a = s.GetAccount("a")
	if a.RateLimitedUntilMs != 0 {
		t.Fatal("window not cleared")
	}
	if a.RateLimitResetMs != newReset {
		t.Fatalf("reset = %d, want %d", a.RateLimitResetMs, newReset)
	}
}

func TestReloadAccountBypassesCache(t *testing.T) {
	s := newTestStore(t, 0)
	if err := s.CreateAccount(&Account{ID: "a", Name: "n", Provider: ProviderAnthropic, AccessToken: "at-1"}); err != nil {
		t.Fatal(err)
	}

	// Simulate another process refreshing the token behind our back.
	if _, err := s.GetDB().Exec(`UPDATE accounts SET access_token = 'at-2' WHERE id = 'a'`); err != nil {
		t.Fatal(err)
	}

	if s.GetAccount("a").AccessToken != "at-1" {
		t.Fatal("cached view unexpectedly changed")
	}
	row, err := s.ReloadAccount("a")
	if err != nil {
		t.Fatal(err)
	}
	if row.AccessToken != "at-2" {
		t.Fatalf("reload returned %q, want the persisted token", row.AccessToken)
	}

	if missing, err := s.ReloadAccount("nope"); err != nil || missing != nil {
		t.Fatalf("unknown id: row=%v err=%v", missing, err)
	}
}

func TestOAuthSessionLifecycle(t *testing.T) {
	s := newTestStore(t, 0)

	sess := &OAuthSession{ID: "state-1", AccountName: "work", Mode: "claude-oauth", CodeVerifier: "ver", Challenge: "chal"}
	if err := s.CreateOAuthSession(sess); err != nil {
		t.Fatal(err)
	}
	if sess.CreatedAtMs == 0 {
		t.Fatal("created_at not stamped")
	}

	got, err := s.GetOAuthSession("state-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.CodeVerifier != "ver" || got.Mode != "claude-oauth" {
		t.Fatalf("session mismatch: %+v", got)
	}

	// Purge spares fresh sessions and removes stale ones.
	stale := &OAuthSession{ID: "state-2", AccountName: "old", Mode: "console", CodeVerifier: "v2",
		CreatedAtMs: time.Now().Add(-time.Hour).UnixMilli()}
	if err := s.CreateOAuthSession(stale); err != nil {
		t.Fatal(err)
	}
	n, err := s.PurgeOAuthSessions(time.Now().Add(-10 * time.Minute).UnixMilli())
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}

	if err := s.DeleteOAuthSession("state-1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetOAuthSession("state-1"); got != nil {
		t.Fatal("deleted session still readable")
	}
}

func TestRequestLogRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)

	s.InsertRequestMeta(&RequestRow{
		ID: "req-1", AccountID: "a", Method: "POST", Path: "/v1/messages",
		TimestampMs: time.Now().UnixMilli(), IsStream: true, Provider: ProviderAnthropic,
		AgentUsed: "reviewer", FailoverAttempts: 2,
	})
	s.UpdateRequestUsage("req-1", Usage{Model: "claude-sonnet-4", InputTokens: 100, OutputTokens: 20, TotalTokens: 120})
	s.FinalizeRequest("req-1", true, "", Usage{Model: "claude-sonnet-4", InputTokens: 100, OutputTokens: 40, TotalTokens: 140, CostUSD: 0.0009})
	s.SaveRequestPayload(&RequestPayload{ID: "req-1", RequestBody: "e30=", ResponseStatus: 200})
	s.Flush()

	row, err := s.GetRequest("req-1")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("request not found after flush")
	}
	if !row.Success || row.Usage.OutputTokens != 40 || row.Usage.TotalTokens != 140 {
		t.Fatalf("finalized state wrong: %+v", row)
	}
	if row.AgentUsed != "reviewer" || row.FailoverAttempts != 2 || !row.IsStream {
		t.Fatalf("meta lost: %+v", row)
	}

	rows, err := s.ListRequests(10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("list: n=%d err=%v", len(rows), err)
	}

	if missing, err := s.GetRequest("nope"); err != nil || missing != nil {
		t.Fatalf("unknown id: row=%v err=%v", missing, err)
	}
}
