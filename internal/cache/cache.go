package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "mediarelay/pkg/logx"
)

// evictTargetRatio is the fill level eviction drives usage down to once
// capacity is exceeded.
const evictTargetRatio = 0.8

// Result is the outcome of processing one (content, operation) pair.
// Artifact bytes are stored separately on disk.
type Result struct {
	Success   bool              `json:"success"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
}

// Key derives the canonical cache fingerprint for a content hash and an
// operation name. Identical content processed by different operations must
// never collide.
func Key(contentHash, operation string) string {
	h := sha256.New()
	h.Write([]byte(contentHash))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes fingerprints raw payload bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type Config struct {
	Dir           string
	CapacityBytes int64
	DefaultTTL    time.Duration
}

type entry struct {
	Artifact     string    `json:"artifact,omitempty"` // file name inside dir
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	TTLMillis    int64     `json:"ttl_ms"`
	Result       Result    `json:"result"`
}

func (e *entry) expired(now time.Time) bool {
	if e.TTLMillis <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > time.Duration(e.TTLMillis)*time.Millisecond
}

// Cache is a content-addressable result cache with disk-backed artifacts.
//
// Eviction is TTL-first, then least-recently-accessed until usage drops to
// evictTargetRatio of capacity. All operations are safe for concurrent use.
type Cache struct {
	log logx.Logger

	mu      sync.Mutex
	dir     string
	cap     int64
	ttl     time.Duration
	entries map[string]*entry
	usage   int64

	now func() time.Time // test hook
}

// Open loads the persisted index if present. A corrupt or unreadable index is
// discarded and the cache starts empty; this is never fatal.
func Open(cfg Config, log logx.Logger) (*Cache, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	capacity := cfg.CapacityBytes
	if capacity <= 0 {
		capacity = 256 << 20
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	c := &Cache{
		log:     log,
		dir:     dir,
		cap:     capacity,
		ttl:     ttl,
		entries: map[string]*entry{},
		now:     time.Now,
	}

	entries, err := loadIndex(indexPath(dir))
	if err != nil {
		log.Warn("cache index unreadable, starting empty", logx.Err(err))
	} else {
		for k, e := range entries {
			// Entries whose artifact vanished are kept only if they never had one.
			if e.Artifact != "" {
				if _, statErr := os.Stat(filepath.Join(dir, e.Artifact)); statErr != nil {
					continue
				}
			}
			c.entries[k] = e
			c.usage += e.Size
		}
	}
	return c, nil
}

// DefaultTTL reports the TTL applied when Put receives ttl <= 0.
func (c *Cache) DefaultTTL() time.Duration { return c.ttl }

// Get returns the cached result and artifact for a fingerprint.
// Expired or unreadable entries are removed and reported as misses.
// A hit refreshes the entry's last-accessed time.
func (c *Cache) Get(fingerprint string) (Result, []byte, bool) {
	now := c.nowFn()

	c.mu.Lock()
	e, ok := c.entries[fingerprint]
	if !ok {
		c.mu.Unlock()
		return Result{}, nil, false
	}
	if e.expired(now) {
		c.removeLocked(fingerprint, e)
		c.persistLocked()
		c.mu.Unlock()
		return Result{}, nil, false
	}
	e.LastAccessed = now
	res := e.Result
	artifact := e.Artifact
	c.mu.Unlock()

	if artifact == "" {
		return res, nil, true
	}
	data, err := os.ReadFile(filepath.Join(c.dir, artifact))
	if err != nil {
		// Corrupt or missing artifact: treat as a miss and drop the entry.
		c.mu.Lock()
		if cur, ok := c.entries[fingerprint]; ok && cur.Artifact == artifact {
			c.removeLocked(fingerprint, cur)
			c.persistLocked()
		}
		c.mu.Unlock()
		c.log.Warn("cache artifact unreadable, dropped entry", logx.String("key", fingerprint), logx.Err(err))
		return Result{}, nil, false
	}
	return res, data, true
}

// Put stores a result (last-write-wins per key) and evicts until usage fits
// the capacity bound. ttl <= 0 uses the cache default.
func (c *Cache) Put(fingerprint string, res Result, artifact []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.nowFn()

	name := ""
	size := int64(0)
	if len(artifact) > 0 {
		// Oversized artifacts are kept as metadata-only entries rather than
		// wiping the whole cache to make room.
		if int64(len(artifact)) > c.cap {
			c.log.Warn("artifact larger than cache capacity, storing result only",
				logx.String("key", fingerprint), logx.Int("size", len(artifact)))
		} else {
			name = fingerprint + ".bin"
			if err := writeFileAtomic(filepath.Join(c.dir, name), artifact); err != nil {
				return err
			}
			size = int64(len(artifact))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[fingerprint]; ok {
		c.removeLocked(fingerprint, old)
	}
	c.entries[fingerprint] = &entry{
		Artifact:     name,
		Size:         size,
		CreatedAt:    now,
		LastAccessed: now,
		TTLMillis:    ttl.Milliseconds(),
		Result:       res,
	}
	c.usage += size

	if c.usage > c.cap {
		c.evictLocked(now)
	}
	c.persistLocked()
	return nil
}

// Prune removes expired entries and reports how many were dropped.
func (c *Cache) Prune() int {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(k, e)
			removed++
		}
	}
	if removed > 0 {
		c.persistLocked()
	}
	return removed
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Usage reports total artifact bytes currently held.
func (c *Cache) Usage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Close persists the index.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return persistIndex(indexPath(c.dir), c.entries)
}

// evictLocked drops expired entries first, then least-recently-accessed
// entries, until usage is at or below evictTargetRatio of capacity.
func (c *Cache) evictLocked(now time.Time) {
	target := int64(float64(c.cap) * evictTargetRatio)

	for k, e := range c.entries {
		if c.usage <= target {
			return
		}
		if e.expired(now) {
			c.removeLocked(k, e)
		}
	}
	if c.usage <= target {
		return
	}

	type cand struct {
		key string
		e   *entry
	}
	cands := make([]cand, 0, len(c.entries))
	for k, e := range c.entries {
		cands = append(cands, cand{k, e})
	}
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].e.LastAccessed.Before(cands[j].e.LastAccessed)
	})
	for _, cd := range cands {
		if c.usage <= target {
			return
		}
		c.removeLocked(cd.key, cd.e)
	}
}

func (c *Cache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	c.usage -= e.Size
	if c.usage < 0 {
		c.usage = 0
	}
	if e.Artifact != "" {
		_ = os.Remove(filepath.Join(c.dir, e.Artifact))
	}
}

func (c *Cache) persistLocked() {
	if err := persistIndex(indexPath(c.dir), c.entries); err != nil {
		c.log.Warn("cache index persist failed", logx.Err(err))
	}
}

func (c *Cache) nowFn() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
