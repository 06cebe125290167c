package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mediarelay/internal/eventbus"
	"mediarelay/internal/retry"
	logx "mediarelay/pkg/logx"
)

// Target identifies one webhook destination plus its resilience settings.
// Targets are read-only; they come from configuration.
type Target struct {
	ID  string
	URL string

	Username string

	// RatePerSec/Burst drive the baseline local limiter; 0 disables it.
	RatePerSec float64
	Burst      int

	Breaker BreakerConfig

	// MaxArtifactBytes rejects larger artifacts before any network call.
	// 0 applies the 8 MiB default.
	MaxArtifactBytes int64
}

const defaultMaxArtifactBytes = 8 << 20

type Options struct {
	MaxRetries     int // retries after the first attempt
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration

	// RateLimitRetryCap bounds how many consecutive 429 responses a single
	// attempt will absorb before giving up.
	RateLimitRetryCap int
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 15 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.RateLimitRetryCap <= 0 {
		o.RateLimitRetryCap = 5
	}
	return o
}

// destState carries everything mutable about one destination. Each has its
// own lock so unrelated destinations never serialize on each other.
type destState struct {
	mu      sync.Mutex
	breaker breakerCore
	window  rateWindow
	limiter *rate.Limiter
	rng     *rand.Rand

	sent       uint64
	failed     uint64
	latencySum time.Duration
	latencyMax time.Duration
}

// DestSnapshot is a diagnostics view of one destination's state.
type DestSnapshot struct {
	ID                  string        `json:"id"`
	Breaker             string        `json:"breaker"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Sent                uint64        `json:"sent"`
	Failed              uint64        `json:"failed"`
	AvgLatency          time.Duration `json:"avg_latency"`
	MaxLatency          time.Duration `json:"max_latency"`
}

// Client sends payloads to webhook destinations with per-destination circuit
// breaking, feedback-driven rate limiting, and retry with capped backoff.
type Client struct {
	opts Options
	http *http.Client
	log  logx.Logger
	bus  eventbus.Bus

	mu    sync.RWMutex
	dests map[string]*destState
}

func New(opts Options, log logx.Logger, bus eventbus.Bus) *Client {
	opts = opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		opts:  opts,
		http:  &http.Client{Timeout: opts.RequestTimeout},
		log:   log,
		bus:   bus,
		dests: map[string]*destState{},
	}
}

// state returns the per-destination state, creating it lazily. State lives
// for the process lifetime once created.
func (c *Client) state(t Target) *destState {
	c.mu.RLock()
	st := c.dests[t.ID]
	c.mu.RUnlock()
	if st != nil {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st = c.dests[t.ID]; st != nil {
		return st
	}
	st = &destState{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if t.RatePerSec > 0 {
		burst := t.Burst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(t.RatePerSec), burst)
	}
	c.dests[t.ID] = st
	return st
}

// Send delivers one payload, blocking through rate-limit waits and retry
// backoff. It returns nil on success, ErrCircuitOpen / ErrSizeExceeded for
// pre-flight rejections, a *ClientError for permanent rejections, and
// ErrDispatchFailed (wrapped) when retries are exhausted.
func (c *Client) Send(ctx context.Context, t Target, p Payload) error {
	limit := t.MaxArtifactBytes
	if limit <= 0 {
		limit = defaultMaxArtifactBytes
	}
	if int64(len(p.Artifact)) > limit {
		return fmt.Errorf("%w: %d bytes > %d", ErrSizeExceeded, len(p.Artifact), limit)
	}

	st := c.state(t)
	policy := retry.Policy{
		MaxAttempts: 1 + c.opts.MaxRetries,
		BaseDelay:   c.opts.BaseDelay,
		MaxDelay:    c.opts.MaxDelay,
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			st.mu.Lock()
			delay := retry.Backoff(policy, attempt, lastErr, st.rng)
			st.mu.Unlock()
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}

		err := c.attempt(ctx, t, st, p)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			// Pre-flight rejections and permanent 4xx surface as-is.
			return err
		}
		lastErr = err
		c.log.Debug("dispatch attempt failed",
			logx.String("destination", t.ID), logx.Int("attempt", attempt+1), logx.Err(err))
	}

	// Exhausted retries are what the breaker counts as a destination failure.
	now := time.Now()
	st.mu.Lock()
	st.breaker.step(evFailure, now, t.Breaker)
	st.failed++
	breakerState := st.breaker.state
	st.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFailed, Time: now, Data: t.ID})
	}
	c.log.Warn("dispatch failed after retries",
		logx.String("destination", t.ID), logx.String("breaker", breakerState.String()), logx.Err(lastErr))
	return fmt.Errorf("%w: %v", ErrDispatchFailed, lastErr)
}

// attempt performs one logical send attempt: breaker check, rate waits, one
// or more HTTP calls when the destination answers 429.
func (c *Client) attempt(ctx context.Context, t Target, st *destState, p Payload) error {
	now := time.Now()

	st.mu.Lock()
	allowed := st.breaker.step(evCheck, now, t.Breaker)
	st.mu.Unlock()
	if !allowed {
		return ErrCircuitOpen
	}

	// 429 responses retry the same attempt; they never count against the
	// outer retry budget, only against the hard cap below.
	for rlRetries := 0; ; rlRetries++ {
		if st.limiter != nil {
			if err := st.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := c.awaitWindow(ctx, st); err != nil {
			return err
		}

		status, header, body, latency, err := c.post(ctx, t, p)
		now = time.Now()

		st.mu.Lock()
		if err == nil {
			st.window.observe(now, status, header, body)
		}

		switch {
		case err != nil:
			st.mu.Unlock()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransientError{Err: err}

		case status == http.StatusOK || status == http.StatusNoContent:
			st.breaker.step(evSuccess, now, t.Breaker)
			st.sent++
			st.latencySum += latency
			if latency > st.latencyMax {
				st.latencyMax = latency
			}
			st.mu.Unlock()
			if c.bus != nil {
				c.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchOK, Time: now, Data: t.ID})
			}
			return nil

		case status == http.StatusTooManyRequests:
			ra := st.window.retryAfter
			st.mu.Unlock()
			if rlRetries+1 >= c.opts.RateLimitRetryCap {
				// Expected backpressure, so no breaker failure; but we cannot
				// stall this attempt forever either.
				return fmt.Errorf("%w: %v", ErrDispatchFailed, ErrRateLimitStall)
			}
			c.log.Debug("destination rate limited",
				logx.String("destination", t.ID), logx.Duration("retry_after", ra))
			if err := sleepCtx(ctx, ra); err != nil {
				return err
			}
			continue

		case status >= 500:
			st.mu.Unlock()
			return &TransientError{Status: status}

		default:
			// Non-429 4xx: the destination is alive but rejects this request.
			// That resolves a half-open probe as a success; the payload itself
			// is a lost cause.
			st.breaker.step(evSuccess, now, t.Breaker)
			st.mu.Unlock()
			return &ClientError{Status: status, Body: truncateContent(string(body))}
		}
	}
}

// awaitWindow blocks until the destination's feedback window permits a
// request. The wait is recomputed after every sleep: a concurrent send to the
// same destination may observe fresh 429 feedback while this one sleeps, and
// no request may go out while the window is spent.
func (c *Client) awaitWindow(ctx context.Context, st *destState) error {
	for {
		st.mu.Lock()
		wait := st.window.waitFor(time.Now())
		st.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) post(ctx context.Context, t Target, p Payload) (status int, header http.Header, body []byte, latency time.Duration, err error) {
	p.Username = firstNonEmpty(p.Username, t.Username)

	var reqBody []byte
	var contentType string
	if len(p.Artifact) > 0 {
		reqBody, contentType, err = encodeMultipart(p)
	} else {
		reqBody, contentType, err = encodeJSON(p)
	}
	if err != nil {
		return 0, nil, nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(reqBody))
	if err != nil {
		return 0, nil, nil, 0, err
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.http.Do(req)
	latency = time.Since(start)
	if err != nil {
		return 0, nil, nil, latency, err
	}
	defer resp.Body.Close()

	// Bodies are small (error details, rate-limit JSON); cap reads anyway.
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, resp.Header, b, latency, nil
}

// Snapshot reports per-destination diagnostics.
func (c *Client) Snapshot() []DestSnapshot {
	c.mu.RLock()
	ids := make([]string, 0, len(c.dests))
	states := make([]*destState, 0, len(c.dests))
	for id, st := range c.dests {
		ids = append(ids, id)
		states = append(states, st)
	}
	c.mu.RUnlock()

	out := make([]DestSnapshot, 0, len(ids))
	for i, st := range states {
		st.mu.Lock()
		snap := DestSnapshot{
			ID:                  ids[i],
			Breaker:             st.breaker.state.String(),
			ConsecutiveFailures: st.breaker.consecutiveFailures,
			Sent:                st.sent,
			Failed:              st.failed,
			MaxLatency:          st.latencyMax,
		}
		if st.sent > 0 {
			snap.AvgLatency = st.latencySum / time.Duration(st.sent)
		}
		st.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
