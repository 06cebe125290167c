package dispatch

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// rateWindow tracks a destination's own rate-limit feedback. It is derived
// purely from response headers/bodies, never guessed locally; the baseline
// x/time limiter handles local pacing.
type rateWindow struct {
	remaining     int
	hasRemaining  bool
	windowResetAt time.Time
	retryAfter    time.Duration
	lastRequestAt time.Time
}

// waitFor reports how long a caller must sleep before the next attempt.
// Zero means the window permits an attempt now.
func (w *rateWindow) waitFor(now time.Time) time.Duration {
	if w.hasRemaining && w.remaining == 0 && now.Before(w.windowResetAt) {
		return w.windowResetAt.Sub(now)
	}
	return 0
}

// observe folds one response's feedback into the window.
func (w *rateWindow) observe(now time.Time, status int, header http.Header, body []byte) {
	w.lastRequestAt = now

	if v := header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			w.remaining = n
			w.hasRemaining = true
		}
	}
	if v := header.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && secs >= 0 {
			w.windowResetAt = now.Add(time.Duration(secs * float64(time.Second)))
		}
	}

	if status == http.StatusTooManyRequests {
		ra := retryAfterFrom(header, body)
		if ra <= 0 {
			ra = time.Second
		}
		w.retryAfter = ra
		// A 429 means the window is spent regardless of what headers said.
		w.remaining = 0
		w.hasRemaining = true
		if until := now.Add(ra); until.After(w.windowResetAt) {
			w.windowResetAt = until
		}
	} else {
		w.retryAfter = 0
	}
}

// retryAfterFrom extracts a retry delay from the Retry-After header or a
// JSON body carrying retry_after (seconds, possibly fractional).
func retryAfterFrom(header http.Header, body []byte) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if len(body) > 0 {
		var payload struct {
			RetryAfter float64 `json:"retry_after"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
			return time.Duration(payload.RetryAfter * float64(time.Second))
		}
	}
	return 0
}
