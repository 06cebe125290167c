package dispatch

import (
	"context"
	"net/http"
	"testing"
	"time"

	logx "mediarelay/pkg/logx"
)

func TestWindowWaitsWhenExhausted(t *testing.T) {
	var w rateWindow
	now := time.Now()

	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset-After", "2.5")
	w.observe(now, http.StatusOK, h, nil)

	wait := w.waitFor(now)
	if wait < 2*time.Second || wait > 3*time.Second {
		t.Fatalf("wait = %v, want about 2.5s", wait)
	}
	if w.waitFor(now.Add(3 * time.Second)) != 0 {
		t.Fatalf("window must clear after reset")
	}
}

func TestWindowNoWaitWithBudget(t *testing.T) {
	var w rateWindow
	now := time.Now()

	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "4")
	h.Set("X-RateLimit-Reset-After", "10")
	w.observe(now, http.StatusOK, h, nil)

	if wait := w.waitFor(now); wait != 0 {
		t.Fatalf("wait = %v, want 0 while budget remains", wait)
	}
}

func TestObserve429HeaderRetryAfter(t *testing.T) {
	var w rateWindow
	now := time.Now()

	h := http.Header{}
	h.Set("Retry-After", "3")
	w.observe(now, http.StatusTooManyRequests, h, nil)

	if w.retryAfter != 3*time.Second {
		t.Fatalf("retryAfter = %v, want 3s", w.retryAfter)
	}
	if w.waitFor(now) < 2*time.Second {
		t.Fatalf("429 must exhaust the window")
	}
}

func TestObserve429JSONBody(t *testing.T) {
	var w rateWindow
	now := time.Now()

	body := []byte(`{"message": "You are being rate limited.", "retry_after": 1.5, "global": false}`)
	w.observe(now, http.StatusTooManyRequests, http.Header{}, body)

	if w.retryAfter != 1500*time.Millisecond {
		t.Fatalf("retryAfter = %v, want 1.5s", w.retryAfter)
	}
}

func TestObserve429DefaultsToOneSecond(t *testing.T) {
	var w rateWindow
	w.observe(time.Now(), http.StatusTooManyRequests, http.Header{}, nil)
	if w.retryAfter != time.Second {
		t.Fatalf("retryAfter = %v, want 1s default", w.retryAfter)
	}
}

func TestAwaitWindowRechecksAfterSleep(t *testing.T) {
	c := New(Options{}, logx.Nop(), nil)
	st := &destState{}

	now := time.Now()
	h := http.Header{}
	h.Set("Retry-After", "0.04")
	st.mu.Lock()
	st.window.observe(now, http.StatusTooManyRequests, h, nil)
	st.mu.Unlock()

	// While the first wait sleeps, a concurrent send observes another 429
	// that pushes the reset further out. The wait must cover it too.
	go func() {
		time.Sleep(15 * time.Millisecond)
		h := http.Header{}
		h.Set("Retry-After", "0.1")
		st.mu.Lock()
		st.window.observe(time.Now(), http.StatusTooManyRequests, h, nil)
		st.mu.Unlock()
	}()

	start := time.Now()
	if err := c.awaitWindow(context.Background(), st); err != nil {
		t.Fatalf("awaitWindow: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned after %v, before the extended window cleared", elapsed)
	}
	st.mu.Lock()
	wait := st.window.waitFor(time.Now())
	st.mu.Unlock()
	if wait != 0 {
		t.Fatalf("window still demands %v after awaitWindow returned", wait)
	}
}

func TestAwaitWindowCancel(t *testing.T) {
	c := New(Options{}, logx.Nop(), nil)
	st := &destState{}

	h := http.Header{}
	h.Set("Retry-After", "30")
	st.mu.Lock()
	st.window.observe(time.Now(), http.StatusTooManyRequests, h, nil)
	st.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.awaitWindow(ctx, st); err == nil {
		t.Fatalf("awaitWindow must surface context cancellation")
	}
}

func TestObserveSuccessClearsRetryAfter(t *testing.T) {
	var w rateWindow
	now := time.Now()
	w.observe(now, http.StatusTooManyRequests, http.Header{}, nil)
	w.observe(now.Add(2*time.Second), http.StatusOK, http.Header{}, nil)
	if w.retryAfter != 0 {
		t.Fatalf("retryAfter = %v, want cleared after success", w.retryAfter)
	}
}
