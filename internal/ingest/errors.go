package ingest

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError signals the provider refused the request for quota
// reasons. Depending on the regime, the caller either queues the request
// for a later cycle or lets cache staleness decay naturally.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s rate limited (retry after %v)", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s rate limited", e.Provider)
}

// TransientError signals a retryable provider failure (timeouts, 5xx).
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider %s transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRateLimit reports whether the error chain contains a rate limit.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsTransient reports whether the error chain contains a transient
// provider failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
