package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediarelay/internal/cache"
	"mediarelay/internal/dispatch"
	"mediarelay/internal/eventbus"
	"mediarelay/internal/queue"
	"mediarelay/internal/transform"
	"mediarelay/internal/worker"
	logx "mediarelay/pkg/logx"
)

type Options struct {
	// MaxInflight bounds concurrently in-flight media relays.
	MaxInflight int
	// OverflowQueue bounds submissions allowed to wait for a slot.
	OverflowQueue int
	// HighWatermark pauses normal-priority admission when the queue depth
	// reaches it; 0 disables the check.
	HighWatermark int
}

func (o Options) withDefaults() Options {
	if o.MaxInflight <= 0 {
		o.MaxInflight = 32
	}
	if o.OverflowQueue < 0 {
		o.OverflowQueue = 0
	}
	return o
}

// waiter is one submission attached to a flight. The destination travels with
// it: submissions for different destinations can share one transform job, and
// completion must deliver to each of them.
type waiter struct {
	ch       chan Result
	destID   string
	filename string
	caption  string
}

// flight is one live (fingerprint -> job) entry. Every submission for the same
// fingerprint while it lives attaches a waiter instead of enqueuing again.
type flight struct {
	// holdsSlot is false for jobs recovered from the queue at startup; their
	// completion must not release a slot nobody acquired.
	holdsSlot bool

	waiters []waiter
}

// Orchestrator ties the pipeline together. Submissions flow cache-first, then
// through dedup and admission control into the durable queue; worker outcomes
// come back through HandleOutcome, which dispatches and resolves waiters.
type Orchestrator struct {
	opts    Options
	log     logx.Logger
	bus     eventbus.Bus
	queue   *queue.Queue
	cache   *cache.Cache
	client  *dispatch.Client
	targets map[string]dispatch.Target

	sem chan struct{}

	mu      sync.Mutex
	waiting int
	flights map[string]*flight
}

func New(opts Options, q *queue.Queue, c *cache.Cache, client *dispatch.Client, targets []dispatch.Target, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	opts = opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	tm := make(map[string]dispatch.Target, len(targets))
	for _, t := range targets {
		tm[t.ID] = t
	}
	return &Orchestrator{
		opts:    opts,
		log:     log,
		bus:     bus,
		queue:   q,
		cache:   c,
		client:  client,
		targets: tm,
		sem:     make(chan struct{}, opts.MaxInflight),
		flights: map[string]*flight{},
	}
}

// Submit relays one request and blocks until it concludes.
//
// The returned error covers rejections (validation, capacity, admission) and
// context cancellation; processing failures arrive in Result.Err so callers
// can distinguish "never admitted" from "admitted but failed".
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Result, error) {
	target, ok := o.targets[req.DestinationID]
	if !ok {
		o.reject()
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownDestination, req.DestinationID)
	}
	o.publish(eventbus.TypeRelayReceived, req.DestinationID)

	// Text-only submissions skip the transform pipeline entirely.
	if req.Kind == "" {
		return Result{Err: o.sendText(ctx, target, req.Caption)}, nil
	}

	if _, err := transform.ParseKind(string(req.Kind)); err != nil {
		o.reject()
		return Result{}, err
	}
	if len(req.Payload) == 0 {
		o.reject()
		return Result{}, ErrEmptyPayload
	}

	operation := string(req.Kind)
	contentHash := cache.HashBytes(req.Payload)
	fingerprint := cache.Key(contentHash, operation)
	log := o.log.With(logx.String("fingerprint", fingerprint), logx.String("destination", req.DestinationID))

	// Cache hit: dispatch the stored artifact, no job.
	if res, artifact, hit := o.cache.Get(fingerprint); hit {
		o.publish(eventbus.TypeCacheHit, fingerprint)
		log.Debug("cache hit")
		sendErr := o.sendArtifact(ctx, target, dispatchFilename(req.Filename, req.Kind, res), req.Caption, res, artifact)
		return Result{Fingerprint: fingerprint, FromCache: true, Metadata: res.Metadata, Err: sendErr}, nil
	}

	w := waiter{
		ch:       make(chan Result, 1),
		destID:   req.DestinationID,
		filename: req.Filename,
		caption:  req.Caption,
	}

	// Join an in-flight job for the same fingerprint when one exists.
	if o.join(fingerprint, w) {
		o.publish(eventbus.TypeJobDeduped, fingerprint)
		log.Debug("joined in-flight job")
		res, err := o.await(ctx, w.ch)
		res.Deduped = true
		return res, err
	}

	if err := o.acquireSlot(ctx); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			o.reject()
		}
		return Result{}, err
	}

	// The slot wait may have raced another submission for the same content.
	// A finished flight shows up in the cache; a live one is joined inside
	// claimFlight, which never replaces an existing entry.
	if res, artifact, hit := o.cache.Get(fingerprint); hit {
		o.releaseSlot()
		o.publish(eventbus.TypeCacheHit, fingerprint)
		sendErr := o.sendArtifact(ctx, target, dispatchFilename(req.Filename, req.Kind, res), req.Caption, res, artifact)
		return Result{Fingerprint: fingerprint, FromCache: true, Metadata: res.Metadata, Err: sendErr}, nil
	}
	f, created := o.claimFlight(fingerprint, w)
	if !created {
		o.releaseSlot()
		o.publish(eventbus.TypeJobDeduped, fingerprint)
		log.Debug("joined in-flight job")
		res, err := o.await(ctx, w.ch)
		res.Deduped = true
		return res, err
	}

	jobID, err := o.admit(ctx, req, contentHash, operation, fingerprint)
	if err != nil {
		o.dropFlight(fingerprint, f, err)
		if errors.Is(err, ErrQueueFull) {
			o.reject()
		}
		return Result{}, err
	}

	log.Debug("job admitted", logx.String("job", jobID))
	res, err := o.await(ctx, w.ch)
	res.JobID = jobID
	return res, err
}

// admit applies watermark admission control, stages the payload, and enqueues
// the job. Returns the job id, which may belong to a pre-existing live job
// when the durable uniqueness check fires.
func (o *Orchestrator) admit(ctx context.Context, req Request, contentHash, operation, fingerprint string) (string, error) {
	if o.opts.HighWatermark > 0 && req.Priority < queue.PriorityHigh {
		depth, err := o.queue.Depth(ctx)
		if err != nil {
			return "", err
		}
		if depth >= o.opts.HighWatermark {
			return "", fmt.Errorf("%w: depth %d", ErrQueueFull, depth)
		}
	}

	id := uuid.NewString()
	ref, err := o.queue.StagePayload(id, req.Payload)
	if err != nil {
		return "", err
	}
	jobID, err := o.queue.Enqueue(ctx, queue.Job{
		ID:            id,
		ContentHash:   contentHash,
		Operation:     operation,
		SourceType:    req.Kind,
		FileName:      req.Filename,
		Caption:       req.Caption,
		PayloadRef:    ref,
		DestinationID: req.DestinationID,
		Priority:      req.Priority,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		// A live job already covers this content (typically recovered from a
		// previous run). Attach to it and discard our staged copy.
		o.queue.DiscardPayload(ref)
		o.publish(eventbus.TypeJobDeduped, fingerprint)
		return jobID, nil
	}
	if err != nil {
		return "", err
	}
	o.publish(eventbus.TypeJobEnqueued, jobID)
	return jobID, nil
}

// HandleOutcome is the worker pool's completion callback. On success it
// dispatches the artifact once per distinct destination attached to the
// flight (the job's own plus any joined submissions'), then resolves every
// waiter with its own destination's dispatch error. Late arrivals find the
// result in the cache: workers populate it before completing the job.
func (o *Orchestrator) HandleOutcome(ctx context.Context, out worker.Outcome) {
	o.mu.Lock()
	f := o.flights[out.Fingerprint]
	delete(o.flights, out.Fingerprint)
	o.mu.Unlock()

	sendErrs := map[string]error{}
	if out.Err == nil {
		send := func(destID, filename, caption string) {
			if _, done := sendErrs[destID]; done {
				return
			}
			target, ok := o.targets[destID]
			if !ok {
				sendErrs[destID] = fmt.Errorf("%w: %q", ErrUnknownDestination, destID)
				return
			}
			name := dispatchFilename(filename, out.Job.SourceType, out.Result)
			sendErrs[destID] = o.sendArtifact(ctx, target, name, caption, out.Result, out.Artifact)
		}
		send(out.Job.DestinationID, out.Job.FileName, out.Job.Caption)
		if f != nil {
			for _, w := range f.waiters {
				send(w.destID, w.filename, w.caption)
			}
		}
	}

	if f == nil {
		// Recovered job with no attached submission; nothing to resolve.
		err := out.Err
		if err == nil {
			err = sendErrs[out.Job.DestinationID]
		}
		if err != nil {
			o.log.Warn("recovered job concluded with error",
				logx.String("job", out.Job.ID), logx.Err(err))
		}
		return
	}
	for _, w := range f.waiters {
		res := Result{
			Fingerprint: out.Fingerprint,
			JobID:       out.Job.ID,
			Metadata:    out.Result.Metadata,
			Err:         out.Err,
		}
		if out.Err == nil {
			res.Err = sendErrs[w.destID]
		}
		select {
		case w.ch <- res:
		default:
		}
	}
	if f.holdsSlot {
		o.releaseSlot()
	}
}

// sendArtifact dispatches a transform result. Oversized artifacts fall back to
// a metadata-only notice so the destination still learns about the content.
func (o *Orchestrator) sendArtifact(ctx context.Context, target dispatch.Target, filename, caption string, res cache.Result, artifact []byte) error {
	err := o.client.Send(ctx, target, dispatch.Payload{
		Content:  caption,
		Filename: filename,
		Artifact: artifact,
	})
	if errors.Is(err, dispatch.ErrSizeExceeded) {
		notice := fmt.Sprintf("[%s omitted: %d bytes exceeds destination limit]", filename, len(artifact))
		if caption != "" {
			notice = caption + "\n" + notice
		}
		return o.client.Send(ctx, target, dispatch.Payload{Content: notice})
	}
	return err
}

func (o *Orchestrator) sendText(ctx context.Context, target dispatch.Target, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPayload
	}
	return o.client.Send(ctx, target, dispatch.Payload{Content: text})
}

// join attaches a waiter to an existing flight.
func (o *Orchestrator) join(fingerprint string, w waiter) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.flights[fingerprint]
	if !ok {
		return false
	}
	f.waiters = append(f.waiters, w)
	return true
}

// claimFlight joins the live flight for fingerprint or, when none exists,
// installs a fresh one owning the caller's slot. Join-or-create is a single
// critical section: replacing a live entry would strand its waiters and leak
// its slot.
func (o *Orchestrator) claimFlight(fingerprint string, w waiter) (*flight, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flights[fingerprint]; ok {
		f.waiters = append(f.waiters, w)
		return f, false
	}
	f := &flight{holdsSlot: true, waiters: []waiter{w}}
	o.flights[fingerprint] = f
	return f, true
}

func (o *Orchestrator) await(ctx context.Context, ch chan Result) (Result, error) {
	select {
	case <-ctx.Done():
		// The flight keeps running; this caller just stops waiting for it.
		return Result{}, ctx.Err()
	case res := <-ch:
		return res, nil
	}
}

// acquireSlot takes an in-flight slot, waiting in the bounded overflow room
// when none is free.
func (o *Orchestrator) acquireSlot(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	default:
	}

	o.mu.Lock()
	if o.waiting >= o.opts.OverflowQueue {
		o.mu.Unlock()
		return ErrResourceExhausted
	}
	o.waiting++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.waiting--
		o.mu.Unlock()
	}()

	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) releaseSlot() {
	select {
	case <-o.sem:
	default:
	}
}

// dropFlight removes a flight that never became a job, resolving any waiter
// that attached before the removal.
func (o *Orchestrator) dropFlight(fingerprint string, f *flight, err error) {
	o.mu.Lock()
	if o.flights[fingerprint] == f {
		delete(o.flights, fingerprint)
	}
	waiters := f.waiters
	o.mu.Unlock()
	for _, w := range waiters {
		select {
		case w.ch <- Result{Fingerprint: fingerprint, Err: err}:
		default:
		}
	}
	if f.holdsSlot {
		o.releaseSlot()
	}
}

func (o *Orchestrator) reject() {
	o.publish(eventbus.TypeRelayRejected, nil)
}

func (o *Orchestrator) publish(eventType string, data any) {
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: data})
	}
}

// Inflight reports live flight count, for diagnostics.
func (o *Orchestrator) Inflight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.flights)
}

// dispatchFilename names the outgoing artifact. Transforms may re-encode, so
// the extension follows what was actually produced.
func dispatchFilename(original string, kind transform.Kind, res cache.Result) string {
	base := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))
	if base == "" || base == "." {
		base = "attachment"
	}
	switch kind {
	case transform.KindImage:
		return base + ".jpg"
	case transform.KindVideo:
		if res.Metadata["transcoded"] == "true" {
			return base + ".mp4"
		}
	case transform.KindAudio:
		if res.Metadata["transcoded"] == "true" {
			return base + ".mp3"
		}
	}
	if ext := filepath.Ext(original); ext != "" {
		return base + ext
	}
	return base + ".bin"
}
