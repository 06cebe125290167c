package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "mediarelay/pkg/logx"
)

func openTest(t *testing.T, dir string, capacity int64, ttl time.Duration) *Cache {
	t.Helper()
	c, err := Open(Config{Dir: dir, CapacityBytes: capacity, DefaultTTL: ttl}, logx.Nop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	return c
}

func TestKeySeparatesOperations(t *testing.T) {
	hash := HashBytes([]byte("payload"))
	if Key(hash, "image") == Key(hash, "video") {
		t.Fatalf("same content under different operations must not collide")
	}
	if Key(hash, "image") != Key(hash, "image") {
		t.Fatalf("key derivation must be deterministic")
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	c := openTest(t, t.TempDir(), 1<<20, time.Hour)
	defer c.Close()

	res := Result{Success: true, Metadata: map[string]string{"format": "jpeg"}}
	artifact := []byte("compressed bytes")
	if err := c.Put("k1", res, artifact, 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, data, ok := c.Get("k1")
	if !ok {
		t.Fatalf("expected hit")
	}
	if !got.Success || got.Metadata["format"] != "jpeg" {
		t.Fatalf("result mismatch: %+v", got)
	}
	if !bytes.Equal(data, artifact) {
		t.Fatalf("artifact mismatch")
	}
	if _, _, ok := c.Get("absent"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestTTLExpiryIsAMiss(t *testing.T) {
	c := openTest(t, t.TempDir(), 1<<20, time.Hour)
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }
	if err := c.Put("k", Result{Success: true}, []byte("x"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, _, ok := c.Get("k"); ok {
		t.Fatalf("expired entry must be a miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry must be removed, len=%d", c.Len())
	}
}

func TestEvictionTTLFirstThenLRU(t *testing.T) {
	c := openTest(t, t.TempDir(), 1000, time.Hour)
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	// One short-TTL entry and three fresh ones, 300 bytes each.
	blob := bytes.Repeat([]byte("a"), 300)
	if err := c.Put("expiring", Result{Success: true}, blob, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 2; i++ {
		now = now.Add(time.Second)
		if err := c.Put(fmt.Sprintf("fresh%d", i), Result{Success: true}, blob, time.Hour); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	// Refresh fresh0 so fresh1 becomes the LRU candidate.
	now = now.Add(time.Second)
	if _, _, ok := c.Get("fresh0"); !ok {
		t.Fatalf("fresh0 should be cached")
	}

	// Push past capacity after the short TTL lapsed: the expired entry must go
	// first, then LRU until usage <= 80% of capacity.
	now = now.Add(2 * time.Minute)
	if err := c.Put("newest", Result{Success: true}, blob, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, _, ok := c.Get("expiring"); ok {
		t.Fatalf("expired entry should have been evicted first")
	}
	if c.Usage() > 800 {
		t.Fatalf("usage = %d, want <= 800 (80%% of capacity)", c.Usage())
	}
	if _, _, ok := c.Get("newest"); !ok {
		t.Fatalf("newest entry must survive its own insert")
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	c := openTest(t, dir, 1<<20, time.Hour)
	if err := c.Put("persist", Result{Success: true, Metadata: map[string]string{"n": "1"}}, []byte("data"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c2 := openTest(t, dir, 1<<20, time.Hour)
	defer c2.Close()
	res, data, ok := c2.Get("persist")
	if !ok {
		t.Fatalf("expected entry to survive reopen")
	}
	if res.Metadata["n"] != "1" || string(data) != "data" {
		t.Fatalf("reloaded entry mismatch: %+v %q", res, data)
	}
}

func TestCorruptIndexStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(indexPath(dir), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt index: %v", err)
	}

	c := openTest(t, dir, 1<<20, time.Hour)
	defer c.Close()
	if c.Len() != 0 {
		t.Fatalf("corrupt index must yield an empty cache, len=%d", c.Len())
	}
	if err := c.Put("k", Result{Success: true}, []byte("x"), 0); err != nil {
		t.Fatalf("cache must stay usable after corrupt index: %v", err)
	}
}

func TestMissingArtifactDropsEntry(t *testing.T) {
	dir := t.TempDir()
	c := openTest(t, dir, 1<<20, time.Hour)
	defer c.Close()

	if err := c.Put("k", Result{Success: true}, []byte("x"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "k.bin")); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	if _, _, ok := c.Get("k"); ok {
		t.Fatalf("unreadable artifact must be a miss")
	}
	if c.Len() != 0 {
		t.Fatalf("entry should be dropped after artifact loss")
	}
}

func TestOversizedArtifactKeepsResultOnly(t *testing.T) {
	c := openTest(t, t.TempDir(), 100, time.Hour)
	defer c.Close()

	big := bytes.Repeat([]byte("x"), 500)
	if err := c.Put("big", Result{Success: true, Metadata: map[string]string{"bytes": "500"}}, big, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, data, ok := c.Get("big")
	if !ok {
		t.Fatalf("metadata-only entry should hit")
	}
	if len(data) != 0 {
		t.Fatalf("oversized artifact must not be stored, got %d bytes", len(data))
	}
	if res.Metadata["bytes"] != "500" {
		t.Fatalf("metadata lost: %+v", res)
	}
}
