package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen short-circuits a send with no network call.
	ErrCircuitOpen = errors.New("dispatch skipped: circuit breaker open")

	// ErrSizeExceeded rejects an artifact over the destination's byte limit
	// before any network I/O. The caller decides a fallback.
	ErrSizeExceeded = errors.New("artifact exceeds destination size limit")

	// ErrDispatchFailed wraps the last underlying error once retries are
	// exhausted.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrRateLimitStall means the destination kept rate-limiting past the
	// hard cap on same-attempt 429 retries.
	ErrRateLimitStall = errors.New("destination rate limiting persisted past retry cap")
)

// ClientError is a permanent (non-429) 4xx rejection. Never retried.
type ClientError struct {
	Status int
	Body   string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("destination rejected request: status %d: %s", e.Status, e.Body)
}

// TransientError marks network failures and 5xx responses as retryable.
type TransientError struct {
	Status int // 0 for transport errors
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient destination error: status %d", e.Status)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
