// Package worker runs the transform stage: it drains the durable job queue,
// applies the transform registered for each job's source type, and caches the
// outcome before handing it to the completion callback.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"mediarelay/internal/cache"
	"mediarelay/internal/eventbus"
	"mediarelay/internal/queue"
	"mediarelay/internal/retry"
	"mediarelay/internal/runtime/supervisor"
	"mediarelay/internal/transform"
	logx "mediarelay/pkg/logx"
)

// Outcome is what a finished job hands to the completion callback. Exactly one
// of Success/Terminal holds; retried jobs do not produce an Outcome.
type Outcome struct {
	Job         queue.Job
	Fingerprint string

	Result   cache.Result
	Artifact []byte

	Err error
}

func (o Outcome) Success() bool { return o.Err == nil }

type Config struct {
	Count       int
	TaskTimeout time.Duration

	// Retry shapes the re-enqueue delay after a failed attempt.
	Retry retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	return c
}

// Pool drives cfg.Count workers over the queue. Each worker owns one job at a
// time from Dequeue until Complete/Fail.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	cache    *cache.Cache
	registry *transform.Registry
	log      logx.Logger
	bus      eventbus.Bus

	// onDone receives terminal outcomes (success or exhausted/permanent
	// failure). Retried jobs stay inside the queue and are not reported.
	onDone func(ctx context.Context, o Outcome)

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewPool(cfg Config, q *queue.Queue, c *cache.Cache, reg *transform.Registry, log logx.Logger, bus eventbus.Bus, onDone func(ctx context.Context, o Outcome)) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		cache:    c,
		registry: reg,
		log:      log,
		bus:      bus,
		onDone:   onDone,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the workers on the supervisor. Workers exit when the
// supervisor context is canceled or the queue closes.
func (p *Pool) Start(sup *supervisor.Supervisor) {
	for i := 0; i < p.cfg.Count; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, p.run)
	}
}

func (p *Pool) run(ctx context.Context) error {
	for {
		j, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || err == queue.ErrClosed {
				return nil
			}
			return err
		}
		p.process(ctx, j)
	}
}

func (p *Pool) process(ctx context.Context, j *queue.Job) {
	log := p.log.With(
		logx.String("job", j.ID),
		logx.String("kind", string(j.SourceType)),
		logx.Int("attempt", j.Attempt),
	)

	payload, err := p.queue.Payload(j)
	if err != nil {
		// No payload means no attempt can ever succeed.
		p.finishFailed(ctx, j, fmt.Errorf("payload unreadable: %w", err), true, log)
		return
	}

	out, err := p.apply(ctx, j, payload)
	if err != nil {
		terminal := retry.IsNoRetry(err)
		p.finishFailed(ctx, j, err, terminal, log)
		return
	}

	fingerprint := cache.Key(j.ContentHash, j.Operation)
	res := cache.Result{Success: true, Metadata: out.Metadata}
	if err := p.cache.Put(fingerprint, res, out.Artifact, 0); err != nil {
		// A cache write failure only costs a future hit; the job still
		// completed.
		log.Warn("cache store failed", logx.Err(err))
	}

	if err := p.queue.Complete(ctx, j.ID); err != nil {
		log.Warn("job complete mark failed", logx.Err(err))
	}
	j.Status = queue.StatusCompleted

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeJobCompleted, Time: time.Now(), Data: j.ID})
	}
	log.Debug("job completed", logx.Int("artifact_bytes", len(out.Artifact)))

	if p.onDone != nil {
		p.onDone(ctx, Outcome{
			Job:         *j,
			Fingerprint: fingerprint,
			Result:      res,
			Artifact:    out.Artifact,
		})
	}
}

// apply runs the transform under the task timeout with a panic guard. A panic
// spends the attempt like any other failure instead of killing the worker.
func (p *Pool) apply(ctx context.Context, j *queue.Job, payload []byte) (out transform.Output, err error) {
	tr, ok := p.registry.Resolve(j.SourceType)
	if !ok {
		return transform.Output{}, retry.NoRetry(fmt.Errorf("no transform registered for source type %q", j.SourceType))
	}

	tctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("transform panicked",
				logx.String("job", j.ID),
				logx.String("transform", tr.Name()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			out = transform.Output{}
			err = fmt.Errorf("transform %s panicked: %v", tr.Name(), r)
		}
	}()

	out, err = tr.Apply(tctx, transform.Input{Payload: payload, Filename: filenameFor(j)})
	if err != nil && tctx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("transform %s timed out after %s: %w", tr.Name(), p.cfg.TaskTimeout, err)
	}
	return out, err
}

func (p *Pool) finishFailed(ctx context.Context, j *queue.Job, jobErr error, terminal bool, log logx.Logger) {
	retried := false
	var failErr error
	if terminal {
		failErr = p.queue.FailTerminal(ctx, j.ID, jobErr)
	} else {
		p.rngMu.Lock()
		delay := retry.Backoff(p.cfg.Retry, j.Attempt, jobErr, p.rng)
		p.rngMu.Unlock()
		retried, failErr = p.queue.Fail(ctx, j.ID, jobErr, delay)
	}
	if failErr != nil {
		log.Warn("job fail mark failed", logx.Err(failErr))
	}

	if retried {
		log.Debug("job attempt failed, retrying", logx.Err(jobErr))
		return
	}

	log.Warn("job failed", logx.Err(jobErr))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Time: time.Now(), Data: j.ID})
	}
	j.Status = queue.StatusFailed
	if p.onDone != nil {
		p.onDone(ctx, Outcome{
			Job:         *j,
			Fingerprint: cache.Key(j.ContentHash, j.Operation),
			Result:      cache.Result{ErrorKind: jobErr.Error()},
			Err:         jobErr,
		})
	}
}

func filenameFor(j *queue.Job) string {
	if j.FileName != "" {
		return j.FileName
	}
	return j.ID + "." + string(j.SourceType)
}
