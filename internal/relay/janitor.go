package relay

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"mediarelay/internal/cache"
	"mediarelay/internal/eventbus"
	"mediarelay/internal/queue"
	"mediarelay/internal/stats"
	logx "mediarelay/pkg/logx"
)

// JanitorConfig holds cron specs ("@every 5m", standard cron lines both work).
// An empty spec disables that duty.
type JanitorConfig struct {
	CachePrune    string
	JobExpiry     string
	StatsInterval string

	// JobTTL is the age past which live jobs are force-failed. 0 disables
	// expiry even when JobExpiry is scheduled.
	JobTTL time.Duration
}

// Janitor runs periodic maintenance: cache pruning, job expiry, and a stats
// snapshot log line.
type Janitor struct {
	cron  *cron.Cron
	log   logx.Logger
	bus   eventbus.Bus
	cache *cache.Cache
	queue *queue.Queue
	stats *stats.Collector
	cfg   JanitorConfig
}

func NewJanitor(cfg JanitorConfig, c *cache.Cache, q *queue.Queue, col *stats.Collector, log logx.Logger, bus eventbus.Bus) (*Janitor, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Janitor{
		cron:  cron.New(),
		log:   log,
		bus:   bus,
		cache: c,
		queue: q,
		stats: col,
		cfg:   cfg,
	}

	if cfg.CachePrune != "" {
		if _, err := j.cron.AddFunc(cfg.CachePrune, j.pruneCache); err != nil {
			return nil, err
		}
	}
	if cfg.JobExpiry != "" && cfg.JobTTL > 0 {
		if _, err := j.cron.AddFunc(cfg.JobExpiry, j.expireJobs); err != nil {
			return nil, err
		}
	}
	if cfg.StatsInterval != "" && col != nil {
		if _, err := j.cron.AddFunc(cfg.StatsInterval, j.logStats); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop halts scheduling and waits for running duties to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) pruneCache() {
	removed := j.cache.Prune()
	if removed > 0 {
		j.log.Info("cache pruned",
			logx.Int("removed", removed),
			logx.Int("entries", j.cache.Len()),
			logx.Int64("usage_bytes", j.cache.Usage()))
	}
}

func (j *Janitor) expireJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-j.cfg.JobTTL)
	expired, err := j.queue.ExpireBefore(ctx, cutoff)
	if err != nil {
		j.log.Warn("job expiry sweep failed", logx.Err(err))
		return
	}
	if len(expired) == 0 {
		return
	}
	j.log.Info("expired stale jobs", logx.Int("count", len(expired)))
	if j.bus != nil {
		for _, job := range expired {
			j.bus.Publish(eventbus.Event{Type: eventbus.TypeJobExpired, Time: time.Now(), Data: job.ID})
		}
	}
}

func (j *Janitor) logStats() {
	s := j.stats.Snapshot()
	j.log.Info("pipeline stats",
		logx.Uint64("received", s.Received),
		logx.Uint64("rejected", s.Rejected),
		logx.Uint64("cache_hits", s.CacheHits),
		logx.Uint64("enqueued", s.Enqueued),
		logx.Uint64("deduped", s.Deduped),
		logx.Uint64("completed", s.Completed),
		logx.Uint64("failed", s.Failed),
		logx.Uint64("expired", s.Expired),
		logx.Uint64("dispatched", s.Dispatched),
		logx.Uint64("dispatch_failed", s.DispatchFailed))
}
