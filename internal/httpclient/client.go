package httpclient

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
)

var (
	defaultClient *req.Client
	once          sync.Once
)

// GetClient returns the shared client used for token refresh, warm-up and
// usage fetches. Chrome TLS fingerprint keeps the OAuth endpoints from
// rejecting us at the CDN layer.
func GetClient() *req.Client {
	once.Do(func() {
		defaultClient = NewClient("")
	})
	return defaultClient
}

// NewClient creates an HTTP client with Chrome TLS fingerprint.
// proxyURL: optional proxy URL, if empty uses system proxy.
func NewClient(proxyURL string) *req.Client {
	client := req.C().
		SetTimeout(2 * time.Minute).
		ImpersonateChrome().
		SetCookieJar(nil) // Don't persist cookies between requests

	proxy := strings.TrimSpace(proxyURL)
	if proxy == "" {
		proxy = GetSystemProxy()
	}
	if proxy != "" {
		client.SetProxyURL(proxy)
	}

	return client
}

// GetSystemProxy returns the system proxy URL from environment variables
func GetSystemProxy() string {
	envVars := []string{
		"HTTPS_PROXY", "https_proxy",
		"HTTP_PROXY", "http_proxy",
		"ALL_PROXY", "all_proxy",
	}
	for _, env := range envVars {
		if proxy := os.Getenv(env); proxy != "" {
			return proxy
		}
	}
	return ""
}
