package autorefresh

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"ccflare/internal/events"
	"ccflare/internal/provider"
	"ccflare/internal/store"
)

func TestMain(m *testing.M) {
	provider.Register(provider.NewAnthropic("https://api.anthropic.com", "https://console.anthropic.com/v1/oauth/token"))
	os.Exit(m.Run())
}

func TestShouldRefresh(t *testing.T) {
	now := time.Now().UnixMilli()
	hour := int64(3600 * 1000)

	tests := []struct {
		name          string
		resetMs       int64
		marker        int64
		everRefreshed bool
		want          bool
	}{
		{"never refreshed", now + hour, 0, false, true},
		{"no reset known", 0, now, true, false},
		{"window closed", now - 1000, now - 2*hour, true, true},
		{"externally renewed window", now + hour, now + hour/2, true, true},
		{"stale reset", now - 25*hour, now - 25*hour, true, true},
		{"steady future window already refreshed", now + hour, now + hour, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shouldRefresh(tt.resetMs, tt.marker, tt.everRefreshed, now)
			if got != tt.want {
				t.Errorf("shouldRefresh(%d, %d, %v) = %v, want %v", tt.resetMs, tt.marker, tt.everRefreshed, got, tt.want)
			}
		})
	}
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts []*store.Account
	cleared  map[string]int64
	disabled []string
	status   string
}

func newFakeAccounts(accounts ...*store.Account) *fakeAccounts {
	return &fakeAccounts{accounts: accounts, cleared: make(map[string]int64)}
}

func (f *fakeAccounts) ListAccounts() []*store.Account { return f.accounts }

func (f *fakeAccounts) SetAutoRefresh(id string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !enabled {
		f.disabled = append(f.disabled, id)
	}
	for _, a := range f.accounts {
		if a.ID == id {
			a.AutoRefreshEnabled = enabled
		}
	}
}

func (f *fakeAccounts) ClearRateLimitWindow(id string, resetMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared[id] = resetMs
}

func (f *fakeAccounts) UpdateRateLimitMeta(id, status string, resetMs int64, remaining *int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func warmableAccount(id string) *store.Account {
	return &store.Account{
		ID: id, Name: id, Provider: store.ProviderAnthropic,
		AutoRefreshEnabled: true,
		RefreshToken:       "rt",
		RateLimitResetMs:   time.Now().Add(-time.Second).UnixMilli(),
	}
}

func TestWarmUpCycle(t *testing.T) {
	newResetSec := time.Now().Add(5 * time.Hour).Unix()
	var calls int
	var gotAccountID, gotBypass string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotAccountID = r.Header.Get("x-better-ccflare-account-id")
		gotBypass = r.Header.Get("x-better-ccflare-bypass-session")
		w.Header().Set("anthropic-ratelimit-unified-status", "allowed")
		w.Header().Set("anthropic-ratelimit-unified-reset", strconv.FormatInt(newResetSec, 10))
		w.Write([]byte(`{"id":"msg_warm"}`))
	}))
	defer srv.Close()

	accounts := newFakeAccounts(warmableAccount("a"))
	s := NewScheduler(Config{ProxyURL: srv.URL, FailureThreshold: 5}, accounts, events.NewBus())
	s.lastRefreshed["a"] = time.Now().Add(-2 * time.Hour).UnixMilli()

	s.RunCycle()

	if calls != 1 {
		t.Fatalf("warm-up calls = %d, want 1", calls)
	}
	if gotAccountID != "a" || gotBypass != "true" {
		t.Errorf("internal headers = (%q, %q)", gotAccountID, gotBypass)
	}
	if accounts.cleared["a"] != newResetSec*1000 {
		t.Errorf("cleared reset = %d, want %d", accounts.cleared["a"], newResetSec*1000)
	}
	if accounts.status != "allowed" {
		t.Errorf("status = %q, want allowed", accounts.status)
	}
	if s.lastRefreshed["a"] != newResetSec*1000 {
		t.Errorf("marker = %d, want %d", s.lastRefreshed["a"], newResetSec*1000)
	}
	if s.FailureCount("a") != 0 {
		t.Errorf("failures = %d, want 0", s.FailureCount("a"))
	}

	// A second cycle with the same future reset must not warm up again.
	s.accounts.(*fakeAccounts).accounts[0].RateLimitResetMs = newResetSec * 1000
	s.RunCycle()
	if calls != 1 {
		t.Errorf("second cycle warmed up again (calls = %d)", calls)
	}
}

func TestWarmUp401DisablesAutoRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	accounts := newFakeAccounts(warmableAccount("a"))
	s := NewScheduler(Config{ProxyURL: srv.URL}, accounts, events.NewBus())

	s.RunCycle()

	if len(accounts.disabled) != 1 || accounts.disabled[0] != "a" {
		t.Fatalf("auto-refresh not disabled: %v", accounts.disabled)
	}
}

func TestWarmUpModelFallbackOn404(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(models) == 0 {
			models = append(models, "first")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		models = append(models, "second")
		w.Header().Set("anthropic-ratelimit-unified-reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	accounts := newFakeAccounts(warmableAccount("a"))
	s := NewScheduler(Config{ProxyURL: srv.URL}, accounts, events.NewBus())

	s.RunCycle()

	if len(models) != 2 {
		t.Fatalf("attempts = %d, want fallback to second model", len(models))
	}
	if _, ok := accounts.cleared["a"]; !ok {
		t.Error("window not cleared after fallback success")
	}
}

func TestGarbageCollection(t *testing.T) {
	accounts := newFakeAccounts()
	s := NewScheduler(Config{ProxyURL: "http://127.0.0.1:0"}, accounts, events.NewBus())
	s.lastRefreshed["gone"] = 1
	s.failures["gone"] = 3

	s.RunCycle()

	if _, ok := s.lastRefreshed["gone"]; ok {
		t.Error("stale marker survived gc")
	}
	if _, ok := s.failures["gone"]; ok {
		t.Error("stale failure counter survived gc")
	}
}
