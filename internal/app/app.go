// Package app wires the relay pipeline together from configuration and owns
// its lifecycle. main stays thin; everything testable lives here or below.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mediarelay/internal/cache"
	"mediarelay/internal/config"
	"mediarelay/internal/dispatch"
	"mediarelay/internal/eventbus"
	"mediarelay/internal/ingest"
	"mediarelay/internal/ingest/telegram"
	"mediarelay/internal/queue"
	"mediarelay/internal/relay"
	"mediarelay/internal/runtime/supervisor"
	"mediarelay/internal/stats"
	"mediarelay/internal/transform"
	"mediarelay/internal/worker"
	logx "mediarelay/pkg/logx"
)

type App struct {
	cfgPath string
	cfgMgr  *config.Manager

	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	cache  *cache.Cache
	queue  *queue.Queue
	client *dispatch.Client
	orch   *relay.Orchestrator
	pool   *worker.Pool
	col    *stats.Collector
	jan    *relay.Janitor
	source ingest.Source

	sup *supervisor.Supervisor
}

// New loads configuration and constructs every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File:    logFileFrom(cfg.Logging),
	})

	bus := eventbus.New()
	col := stats.NewCollector()

	c, err := cache.Open(cache.Config{
		Dir:           cfg.Cache.Dir,
		CapacityBytes: cfg.Cache.CapacityBytes,
		DefaultTTL:    cfg.Cache.TTL(24 * time.Hour),
	}, log.With(logx.String("comp", "cache")))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	q, err := queue.Open(queue.Config{
		Path:        cfg.Queue.Path,
		SpoolDir:    cfg.Queue.SpoolDir,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, log.With(logx.String("comp", "queue")))
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	client := dispatch.New(dispatch.Options{
		MaxRetries:        cfg.Dispatch.MaxRetries,
		BaseDelay:         duration(cfg.Dispatch.BaseDelay),
		MaxDelay:          duration(cfg.Dispatch.MaxDelay),
		RequestTimeout:    duration(cfg.Dispatch.RequestTimeout),
		RateLimitRetryCap: cfg.Dispatch.RateLimitRetryCap,
	}, log.With(logx.String("comp", "dispatch")), bus)

	targets := make([]dispatch.Target, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		targets = append(targets, dispatch.Target{
			ID:         d.ID,
			URL:        d.URL,
			Username:   d.Username,
			RatePerSec: d.RatePerSec,
			Burst:      d.Burst,
			Breaker: dispatch.BreakerConfig{
				Threshold:       d.CircuitThreshold,
				RecoveryTimeout: duration(d.RecoveryTimeout),
			},
			MaxArtifactBytes: d.MaxArtifactBytes,
		})
	}

	orch := relay.New(relay.Options{
		MaxInflight:   cfg.Pipeline.MaxInflight,
		OverflowQueue: cfg.Pipeline.OverflowQueue,
		HighWatermark: cfg.Queue.HighWatermark,
	}, q, c, client, targets, log.With(logx.String("comp", "relay")), bus)

	registry := transform.Default(transform.Config{}, log.With(logx.String("comp", "transform")))

	pool := worker.NewPool(worker.Config{
		Count:       cfg.Workers.Count,
		TaskTimeout: cfg.Workers.Timeout(2 * time.Minute),
	}, q, c, registry, log.With(logx.String("comp", "worker")), bus, orch.HandleOutcome)

	jan, err := relay.NewJanitor(relay.JanitorConfig{
		CachePrune:    cfg.Janitor.CachePrune,
		JobExpiry:     cfg.Janitor.JobExpiry,
		StatsInterval: cfg.Janitor.StatsInterval,
		JobTTL:        cfg.Queue.TTL(),
	}, c, q, col, log.With(logx.String("comp", "janitor")), bus)
	if err != nil {
		_ = q.Close()
		_ = c.Close()
		return nil, fmt.Errorf("janitor schedule: %w", err)
	}

	a := &App{
		cfgPath: cfgPath,
		logSvc:  logSvc,
		log:     log,
		bus:     bus,
		cache:   c,
		queue:   q,
		client:  client,
		orch:    orch,
		pool:    pool,
		col:     col,
		jan:     jan,
	}

	if tg := cfg.Telegram; tg != nil && tg.Enabled {
		destID := tg.DestinationID
		if destID == "" {
			destID = cfg.Destinations[0].ID
		}
		src, err := telegram.New(telegram.Config{
			Token:         tg.Token,
			PollTimeout:   duration(tg.PollTimeout),
			DestinationID: destID,
		}, orch, log.With(logx.String("comp", "ingest")))
		if err != nil {
			_ = q.Close()
			_ = c.Close()
			return nil, fmt.Errorf("telegram source: %w", err)
		}
		a.source = src
	}

	a.cfgMgr = config.NewManager(cfgPath, cfg, log.With(logx.String("comp", "config")))
	a.cfgMgr.OnReload(func(next config.Config) {
		// Only the log level applies live; structural changes need a restart.
		logSvc.Apply(logx.Config{
			Level:   next.Logging.Level,
			Console: next.Logging.ConsoleEnabled(),
			File:    logFileFrom(next.Logging),
		})
		log.Info("configuration reloaded", logx.String("level", next.Logging.Level))
	})

	return a, nil
}

// Submitter exposes the pipeline entry point for embedding callers.
func (a *App) Submitter() ingest.Submitter { return a.orch }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.sup.Go("stats.collect", func(c context.Context) error {
		return a.col.Run(c, a.bus)
	})
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)

	a.pool.Start(a.sup)
	a.jan.Start()

	if a.source != nil {
		if err := a.source.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start %s source: %w", a.source.Name(), err)
		}
	}

	// Best-effort; a no-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("relay started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("relay stopping")

	var errs []error
	if a.source != nil {
		if err := a.source.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.jan.Stop()

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if err := a.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("relay stopped")
	_ = a.logSvc.Close()
	return errors.Join(errs...)
}

func logFileFrom(cfg config.LoggingConfig) logx.FileConfig {
	return logx.FileConfig{Enabled: cfg.File.Enabled, Path: cfg.File.Path}
}

// duration parses validated duration strings; Validate already rejected bad
// values, so errors here collapse to zero (caller defaults apply).
func duration(s string) time.Duration {
	d, err := config.ParseDurationField("", s)
	if err != nil {
		return 0
	}
	return d
}
