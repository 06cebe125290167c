package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediarelay/internal/cache"
	"mediarelay/internal/dispatch"
	"mediarelay/internal/queue"
	"mediarelay/internal/retry"
	"mediarelay/internal/runtime/supervisor"
	"mediarelay/internal/transform"
	"mediarelay/internal/worker"
	logx "mediarelay/pkg/logx"
)

type fakeTransform struct {
	fn func(ctx context.Context, in transform.Input) (transform.Output, error)
}

func (f *fakeTransform) Name() string { return "image/fake" }
func (f *fakeTransform) Apply(ctx context.Context, in transform.Input) (transform.Output, error) {
	return f.fn(ctx, in)
}

// webhook records what the pipeline delivers.
type webhook struct {
	mu       sync.Mutex
	requests []webhookReq
}

type webhookReq struct {
	contentType string
	content     string
	filename    string
	fileBytes   int
}

func (w *webhook) handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		req := webhookReq{contentType: r.Header.Get("Content-Type")}
		if strings.HasPrefix(req.contentType, "multipart/form-data") {
			_ = r.ParseMultipartForm(32 << 20)
			req.content = r.FormValue("content")
			if f, hdr, err := r.FormFile("file"); err == nil {
				req.filename = hdr.Filename
				buf := make([]byte, 1<<20)
				n, _ := f.Read(buf)
				req.fileBytes = n
				f.Close()
			}
		} else {
			body := make([]byte, 1<<16)
			n, _ := r.Body.Read(body)
			req.content = string(body[:n])
		}
		w.mu.Lock()
		w.requests = append(w.requests, req)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	})
}

func (w *webhook) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

func (w *webhook) last() webhookReq {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.requests) == 0 {
		return webhookReq{}
	}
	return w.requests[len(w.requests)-1]
}

type pipeline struct {
	orch  *Orchestrator
	queue *queue.Queue
	cache *cache.Cache
	hook  *webhook // destination "dest"
	hook2 *webhook // destination "dest2"
}

func newPipeline(t *testing.T, opts Options, maxArtifactBytes int64, fn func(ctx context.Context, in transform.Input) (transform.Output, error)) *pipeline {
	t.Helper()
	dir := t.TempDir()

	hook := &webhook{}
	srv := httptest.NewServer(hook.handler())
	t.Cleanup(srv.Close)

	hook2 := &webhook{}
	srv2 := httptest.NewServer(hook2.handler())
	t.Cleanup(srv2.Close)

	q, err := queue.Open(queue.Config{Path: filepath.Join(dir, "jobs.db"), MaxAttempts: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	c, err := cache.Open(cache.Config{Dir: filepath.Join(dir, "cache")}, logx.Nop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	client := dispatch.New(dispatch.Options{
		MaxRetries: 1, BaseDelay: time.Millisecond, RequestTimeout: 2 * time.Second,
	}, logx.Nop(), nil)
	targets := []dispatch.Target{
		{ID: "dest", URL: srv.URL, MaxArtifactBytes: maxArtifactBytes},
		{ID: "dest2", URL: srv2.URL, MaxArtifactBytes: maxArtifactBytes},
	}

	orch := New(opts, q, c, client, targets, logx.Nop(), nil)

	reg := transform.NewRegistry()
	reg.Register(transform.KindImage, &fakeTransform{fn: fn})

	pool := worker.NewPool(worker.Config{
		Count:       2,
		TaskTimeout: 2 * time.Second,
		Retry:       retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, q, c, reg, logx.Nop(), nil, orch.HandleOutcome)

	sup := supervisor.New(context.Background())
	pool.Start(sup)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(stopCtx)
	})

	return &pipeline{orch: orch, queue: q, cache: c, hook: hook, hook2: hook2}
}

func TestSubmitEndToEnd(t *testing.T) {
	p := newPipeline(t, Options{MaxInflight: 4}, 0, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		return transform.Output{
			Artifact: []byte("transformed"),
			Metadata: map[string]string{"format": "jpeg"},
		}, nil
	})

	res, err := p.orch.Submit(context.Background(), Request{
		DestinationID: "dest",
		Kind:          transform.KindImage,
		Payload:       []byte("raw image"),
		Filename:      "photo.png",
		Caption:       "look",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("relay failed: %v", res.Err)
	}
	if res.FromCache || res.JobID == "" {
		t.Fatalf("result = %+v, want fresh job", res)
	}

	req := p.hook.last()
	if req.content != "look" || req.filename != "photo.jpg" || req.fileBytes != len("transformed") {
		t.Fatalf("delivered = %+v", req)
	}
}

func TestSecondSubmitHitsCache(t *testing.T) {
	var applies atomic.Int32
	p := newPipeline(t, Options{MaxInflight: 4}, 0, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		applies.Add(1)
		return transform.Output{Artifact: []byte("artifact")}, nil
	})

	req := Request{
		DestinationID: "dest",
		Kind:          transform.KindImage,
		Payload:       []byte("same content"),
		Filename:      "a.png",
	}
	if res, err := p.orch.Submit(context.Background(), req); err != nil || res.Err != nil {
		t.Fatalf("first submit: %v / %v", err, res.Err)
	}
	res, err := p.orch.Submit(context.Background(), req)
	if err != nil || res.Err != nil {
		t.Fatalf("second submit: %v / %v", err, res.Err)
	}
	if !res.FromCache {
		t.Fatalf("second identical submission must hit the cache")
	}
	if applies.Load() != 1 {
		t.Fatalf("transform ran %d times, want 1", applies.Load())
	}
	if p.hook.count() != 2 {
		t.Fatalf("dispatches = %d, want 2 (one per submission)", p.hook.count())
	}
}

func TestConcurrentIdenticalSubmissionsShareOneJob(t *testing.T) {
	gate := make(chan struct{})
	var applies atomic.Int32
	p := newPipeline(t, Options{MaxInflight: 8}, 0, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		applies.Add(1)
		<-gate
		return transform.Output{Artifact: []byte("shared")}, nil
	})

	const n = 5
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.orch.Submit(context.Background(), Request{
				DestinationID: "dest",
				Kind:          transform.KindImage,
				Payload:       []byte("identical payload"),
				Filename:      "x.png",
			})
		}(i)
	}

	// Let every submission reach the pipeline before releasing the transform.
	deadline := time.Now().Add(2 * time.Second)
	for applies.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	var jobID string
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if results[i].Err != nil {
			t.Fatalf("submit %d relay err: %v", i, results[i].Err)
		}
		if results[i].Fingerprint == "" {
			t.Fatalf("submit %d has no fingerprint", i)
		}
		if results[i].JobID != "" {
			if jobID != "" && results[i].JobID != jobID {
				t.Fatalf("multiple jobs created: %s vs %s", jobID, results[i].JobID)
			}
			jobID = results[i].JobID
		}
	}
	if got := applies.Load(); got != 1 {
		t.Fatalf("transform ran %d times, want 1", got)
	}
	if p.hook.count() != 1 {
		t.Fatalf("dispatches = %d, want 1 for the shared flight", p.hook.count())
	}
}

func TestDedupDeliversToEveryDestination(t *testing.T) {
	gate := make(chan struct{})
	var applies atomic.Int32
	p := newPipeline(t, Options{MaxInflight: 8}, 0, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		applies.Add(1)
		<-gate
		return transform.Output{Artifact: []byte("shared artifact")}, nil
	})

	payload := []byte("same bytes, two destinations")
	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i, dest := range []string{"dest", "dest2"} {
		wg.Add(1)
		go func(i int, dest string) {
			defer wg.Done()
			results[i], errs[i] = p.orch.Submit(context.Background(), Request{
				DestinationID: dest,
				Kind:          transform.KindImage,
				Payload:       payload,
				Filename:      "x.png",
			})
		}(i, dest)
	}

	// Hold the transform until both submissions have attached to the flight.
	deadline := time.Now().Add(2 * time.Second)
	for applies.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if results[i].Err != nil {
			t.Fatalf("submit %d relay err: %v", i, results[i].Err)
		}
	}
	if got := applies.Load(); got != 1 {
		t.Fatalf("transform ran %d times, want 1 for identical content", got)
	}
	if p.hook.count() != 1 || p.hook2.count() != 1 {
		t.Fatalf("deliveries = %d/%d, want one per destination", p.hook.count(), p.hook2.count())
	}
	if got := p.hook2.last(); got.fileBytes != len("shared artifact") {
		t.Fatalf("dest2 delivery = %+v, want the shared artifact", got)
	}
}

func TestClaimFlightJoinsLiveFlight(t *testing.T) {
	p := newPipeline(t, Options{MaxInflight: 4}, 0, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		return transform.Output{}, nil
	})
	o := p.orch

	wA := waiter{ch: make(chan Result, 1), destID: "dest"}
	fA, created := o.claimFlight("fp", wA)
	if !created {
		t.Fatalf("first claim must create the flight")
	}

	wB := waiter{ch: make(chan Result, 1), destID: "dest2"}
	fB, created := o.claimFlight("fp", wB)
	if created {
		t.Fatalf("second claim must join, not replace")
	}
	if fB != fA {
		t.Fatalf("second claim attached to a different flight")
	}
	if len(fA.waiters) != 2 {
		t.Fatalf("waiters = %d, want both submissions attached", len(fA.waiters))
	}
	if o.Inflight() != 1 {
		t.Fatalf("flights = %d, want 1", o.Inflight())
	}
	o.dropFlight("fp", fA, nil)
	if o.Inflight() != 0 {
		t.Fatalf("dropped flight still live")
	}
}

func TestResourceExhausted(t *testing.T) {
	gate := make(chan struct{})
	p := newPipeline(t, Options{MaxInflight: 1, OverflowQueue: 0}, 0, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		<-gate
		return transform.Output{Artifact: []byte("x")}, nil
	})
	defer close(gate)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = p.orch.Submit(context.Background(), Request{
			DestinationID: "dest", Kind: transform.KindImage,
			Payload: []byte("first"), Filename: "a.png",
		})
	}()
	<-started

	// Wait for the first submission to own the only slot.
	deadline := time.Now().Add(2 * time.Second)
	for p.orch.Inflight() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, err := p.orch.Submit(context.Background(), Request{
		DestinationID: "dest", Kind: transform.KindImage,
		Payload: []byte("second, different"), Filename: "b.png",
	})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
}

func TestTextOnlySubmission(t *testing.T) {
	p := newPipeline(t, Options{MaxInflight: 4}, 0, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		return transform.Output{}, nil
	})

	res, err := p.orch.Submit(context.Background(), Request{
		DestinationID: "dest",
		Caption:       "just words",
	})
	if err != nil || res.Err != nil {
		t.Fatalf("submit: %v / %v", err, res.Err)
	}
	req := p.hook.last()
	if !strings.Contains(req.content, "just words") {
		t.Fatalf("delivered = %+v", req)
	}
}

func TestOversizedArtifactFallsBackToNotice(t *testing.T) {
	p := newPipeline(t, Options{MaxInflight: 4}, 16, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		return transform.Output{Artifact: make([]byte, 64)}, nil
	})

	res, err := p.orch.Submit(context.Background(), Request{
		DestinationID: "dest",
		Kind:          transform.KindImage,
		Payload:       []byte("big source"),
		Filename:      "huge.png",
		Caption:       "check this",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("notice fallback should succeed, got %v", res.Err)
	}
	req := p.hook.last()
	if req.fileBytes != 0 {
		t.Fatalf("oversized artifact must not be attached")
	}
	if !strings.Contains(req.content, "omitted") || !strings.Contains(req.content, "check this") {
		t.Fatalf("notice content = %q", req.content)
	}
}

func TestUnknownDestinationRejected(t *testing.T) {
	p := newPipeline(t, Options{MaxInflight: 4}, 0, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		return transform.Output{}, nil
	})
	_, err := p.orch.Submit(context.Background(), Request{DestinationID: "nope", Caption: "hi"})
	if !errors.Is(err, ErrUnknownDestination) {
		t.Fatalf("err = %v, want ErrUnknownDestination", err)
	}
}

func TestHighWatermarkAdmission(t *testing.T) {
	gate := make(chan struct{})
	var gateOnce sync.Once
	release := func() { gateOnce.Do(func() { close(gate) }) }
	p := newPipeline(t, Options{MaxInflight: 8, HighWatermark: 1}, 0, func(ctx context.Context, in transform.Input) (transform.Output, error) {
		<-gate
		return transform.Output{Artifact: []byte("x")}, nil
	})
	defer release()

	// Occupy the backlog: a worker claims this job and blocks on the gate,
	// holding depth at the watermark.
	ref, err := p.queue.StagePayload("parked", []byte("parked"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := p.queue.Enqueue(context.Background(), queue.Job{
		ContentHash: "parked", Operation: "image",
		SourceType: transform.KindImage, PayloadRef: ref, DestinationID: "dest",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, err = p.orch.Submit(context.Background(), Request{
		DestinationID: "dest", Kind: transform.KindImage,
		Payload: []byte("normal"), Filename: "n.png",
	})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull for normal priority", err)
	}

	// High priority bypasses the watermark. Give it time to pass admission,
	// then release the workers so it can finish.
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := p.orch.Submit(context.Background(), Request{
			DestinationID: "dest", Kind: transform.KindImage,
			Payload: []byte("urgent"), Filename: "u.png",
			Priority: queue.PriorityHigh,
		})
		if err != nil || res.Err != nil {
			t.Errorf("high priority submit: %v / %v", err, res.Err)
		}
	}()
	time.Sleep(100 * time.Millisecond)
	release()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("high priority submission did not complete")
	}
}
