package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the full relayd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Cache    CacheConfig    `json:"cache"`
	Queue    QueueConfig    `json:"queue"`
	Workers  WorkersConfig  `json:"workers"`
	Pipeline PipelineConfig `json:"pipeline"`
	Dispatch DispatchConfig `json:"dispatch"`

	Destinations []DestinationConfig `json:"destinations"`

	// Telegram enables the optional ingestion adapter. The relay core never
	// touches this block; it only matters to cmd/relayd wiring.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Janitor JanitorConfig `json:"janitor,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// ConsoleEnabled defaults to true when omitted.
func (l LoggingConfig) ConsoleEnabled() bool { return l.Console == nil || *l.Console }

type CacheConfig struct {
	Dir           string `json:"dir"`
	CapacityBytes int64  `json:"capacity_bytes,omitempty"`
	DefaultTTL    string `json:"default_ttl,omitempty"`
}

type QueueConfig struct {
	Path        string `json:"path"`
	SpoolDir    string `json:"spool_dir,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`

	// HighWatermark is the queue depth above which normal-priority admission
	// is paused (high-priority work is still admitted).
	HighWatermark int `json:"high_watermark,omitempty"`

	// JobTTL force-fails jobs older than this. "0s" disables expiry.
	JobTTL string `json:"job_ttl,omitempty"`
}

type WorkersConfig struct {
	Count int `json:"count,omitempty"`

	// TaskTimeout bounds a single transform invocation.
	TaskTimeout string `json:"task_timeout,omitempty"`
}

type PipelineConfig struct {
	// MaxInflight bounds concurrently in-flight end-to-end relays.
	MaxInflight int `json:"max_inflight,omitempty"`

	// OverflowQueue bounds how many submissions may wait for an in-flight
	// slot before new ones are rejected.
	OverflowQueue int `json:"overflow_queue,omitempty"`
}

type DispatchConfig struct {
	MaxRetries        int    `json:"max_retries,omitempty"`
	BaseDelay         string `json:"base_delay,omitempty"`
	MaxDelay          string `json:"max_delay,omitempty"`
	RequestTimeout    string `json:"request_timeout,omitempty"`
	RateLimitRetryCap int    `json:"rate_limit_retry_cap,omitempty"`
}

// DestinationConfig describes one webhook-style destination.
type DestinationConfig struct {
	ID  string `json:"id"`
	URL string `json:"url"`

	// Username is attached to text payloads when set.
	Username string `json:"username,omitempty"`

	// RatePerSec/Burst feed the baseline local limiter. The destination's own
	// 429 feedback always wins over these.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	CircuitThreshold int    `json:"circuit_threshold,omitempty"`
	RecoveryTimeout  string `json:"recovery_timeout,omitempty"`

	MaxArtifactBytes int64 `json:"max_artifact_bytes,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// DestinationID routes relayed messages; empty means the first configured
	// destination.
	DestinationID string `json:"destination_id,omitempty"`
}

type JanitorConfig struct {
	// Cron specs (robfig/cron, e.g. "@every 5m").
	CachePrune    string `json:"cache_prune,omitempty"`
	JobExpiry     string `json:"job_expiry,omitempty"`
	StatsInterval string `json:"stats_interval,omitempty"`
}

// Load reads, strictly decodes, and validates a config file.
// YAML and JSON are both accepted; unknown fields are rejected.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	jsonBytes, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return cfg, err
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode %s config: %w", format, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that strict decoding can't express.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Cache.Dir) == "" {
		return errors.New("cache.dir is required")
	}
	if strings.TrimSpace(c.Queue.Path) == "" {
		return errors.New("queue.path is required")
	}
	if len(c.Destinations) == 0 {
		return errors.New("at least one destination is required")
	}
	seen := map[string]bool{}
	for i, d := range c.Destinations {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return fmt.Errorf("destinations[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("destinations[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if strings.TrimSpace(d.URL) == "" {
			return fmt.Errorf("destinations[%d] (%s): url is required", i, id)
		}
		if _, err := ParseDurationField(fmt.Sprintf("destinations[%d].recovery_timeout", i), d.RecoveryTimeout); err != nil {
			return err
		}
	}
	durFields := []struct {
		path string
		raw  string
	}{
		{"cache.default_ttl", c.Cache.DefaultTTL},
		{"queue.job_ttl", c.Queue.JobTTL},
		{"workers.task_timeout", c.Workers.TaskTimeout},
		{"dispatch.base_delay", c.Dispatch.BaseDelay},
		{"dispatch.max_delay", c.Dispatch.MaxDelay},
		{"dispatch.request_timeout", c.Dispatch.RequestTimeout},
	}
	for _, f := range durFields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Telegram != nil && c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required when telegram.enabled")
	}
	return nil
}

// Duration helpers used by wiring code; invalid values were already rejected
// by Validate, so these only apply defaults.

func (c CacheConfig) TTL(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("cache.default_ttl", c.DefaultTTL, def)
	if err != nil {
		return def
	}
	return d
}

func (q QueueConfig) TTL() time.Duration {
	d, _ := ParseDurationField("queue.job_ttl", q.JobTTL)
	return d
}

func (w WorkersConfig) Timeout(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("workers.task_timeout", w.TaskTimeout, def)
	if err != nil {
		return def
	}
	return d
}
