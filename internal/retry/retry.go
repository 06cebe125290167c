package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy parameterizes retry behavior.
//
// The same policy type drives both the dispatch client's send retries and the
// worker pool's re-enqueue delays, so backoff tuning lives in one place.
type Policy struct {
	MaxAttempts int           // total attempts, including the first; <=0 means 1
	BaseDelay   time.Duration // first retry delay; doubled each retry
	MaxDelay    time.Duration // cap for the computed delay
	Jitter      float64       // 0.2 = +/-20%
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// NoRetry marks an error as non-retryable.
//
// Callers wrap validation errors or other permanent failures with NoRetry so
// Do won't waste attempts on them.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before retrying.
//
// This is useful when the downstream system returns a Retry-After value
// (e.g., HTTP 429). Delay computation respects the hint (bounded by
// Policy.MaxDelay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// AfterHinter is implemented by errors that carry an explicit retry delay.
type AfterHinter interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Backoff computes the delay before retry number `retry` (1-based: the delay
// taken after the first failed attempt is retry=1).
//
// If err carries a RetryAfter hint, the hint wins (capped and jittered).
func Backoff(p Policy, retry int, err error, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	var hint AfterHinter
	if err != nil && errors.As(err, &hint) {
		d := hint.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return applyJitter(d, p, rng)
	}

	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return applyJitter(d, p, rng)
}

func applyJitter(d time.Duration, p Policy, rng *rand.Rand) time.Duration {
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn up to p.MaxAttempts times, sleeping Backoff between attempts.
//
// NoRetry-wrapped errors stop immediately (unwrapped). Context cancellation
// during a backoff sleep returns ctx.Err().
func Do(ctx context.Context, p Policy, rng *rand.Rand, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return nr.err
		}
		if attempt >= p.MaxAttempts {
			break
		}

		delay := Backoff(p, attempt, err, rng)
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return ctx.Err()
			case <-tmr.C:
			}
		}
	}
	return err
}
