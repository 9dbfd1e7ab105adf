package proxy

import "fmt"

// ValidationError rejects a request before any upstream attempt. Surfaces
// as HTTP 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ProviderError is an upstream or transport failure. Surfaces as HTTP 502.
type ProviderError struct {
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ServiceUnavailableError means every selected account failed or was in
// refresh backoff. Surfaces as HTTP 503.
type ServiceUnavailableError struct {
	Attempts int
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("no account could serve the request after %d attempt(s)", e.Attempts)
}

// rateLimitedError signals the account loop to move on. Never leaves the
// dispatcher.
type rateLimitedError struct {
	AccountID string
	ResetMs   int64
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("account %s rate limited until %d", e.AccountID, e.ResetMs)
}
