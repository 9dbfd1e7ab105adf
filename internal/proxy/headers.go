package proxy

import "net/http"

// Internal request headers recognized by the dispatcher. Both are stripped
// before the request leaves the proxy.
const (
	HeaderAccountID     = "x-better-ccflare-account-id"
	HeaderBypassSession = "x-better-ccflare-bypass-session"
)

// Stripped on the way upstream: the proxy re-frames the body itself and
// must not advertise compression it will not decode for the sink.
var strippedRequestHeaders = []string{
	"Accept-Encoding",
	"Content-Encoding",
	"Content-Length",
	"Transfer-Encoding",
	"Host",
	HeaderAccountID,
	HeaderBypassSession,
}

// Stripped on the way back down: the transport has already decompressed
// and re-framed the body.
var strippedResponseHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
}

// SanitizeRequestHeaders copies client headers, dropping framing,
// compression and internal routing headers.
func SanitizeRequestHeaders(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, vs := range src {
		out[k] = append([]string(nil), vs...)
	}
	for _, k := range strippedRequestHeaders {
		out.Del(k)
	}
	return out
}

// CopySanitizedResponseHeaders writes upstream response headers to the
// client, dropping framing and compression headers.
func CopySanitizedResponseHeaders(dst http.Header, src http.Header) {
	for k, vs := range src {
		if strippedResponseHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
