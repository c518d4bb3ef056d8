// Package embed resolves texts to embedding vectors through a persistent
// content-hash cache, with a synchronous lane for small batches and a
// deferred bulk lane for large ones.
package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/episcope/episcope/internal/log"
)

// Key returns the cache key for a text: its SHA-256 hex digest. Identical
// chunk texts always share one cache entry across snapshots.
func Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Cache is a content-addressed embedding cache persisted as a JSON file.
// The file is shared advisory-locked with flock against sibling processes;
// in-process access is guarded by the mutex. Persistence failures are never
// fatal: the cache degrades to memory-only.
type Cache struct {
	path   string
	fl     *flock.Flock
	logger log.Logger

	mu      sync.RWMutex
	entries map[string][]float32
}

// NewCache opens (or initializes) the cache file at path. A corrupt or
// missing file starts an empty cache rather than failing.
func NewCache(path string, logger log.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	c := &Cache{
		path:    path,
		fl:      flock.New(path + ".lock"),
		logger:  logger,
		entries: make(map[string][]float32),
	}
	c.load()
	return c, nil
}

func (c *Cache) load() {
	if err := c.fl.RLock(); err != nil {
		c.logger.Warn("cache file lock failed, starting empty", "path", c.path, "error", err)
		return
	}
	defer func() {
		if err := c.fl.Unlock(); err != nil {
			c.logger.Warn("cache file unlock failed", "error", err)
		}
	}()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("cache file unreadable, starting empty", "path", c.path, "error", err)
		}
		return
	}

	var entries map[string][]float32
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("cache file corrupt, starting empty", "path", c.path, "error", err)
		return
	}

	c.entries = entries
	c.logger.Debug("embedding cache loaded", "entries", len(entries))
}

// Get returns the cached vector for a text, if present.
func (c *Cache) Get(text string) ([]float32, bool) {
	return c.GetByKey(Key(text))
}

// GetByKey returns the cached vector for a precomputed key.
func (c *Cache) GetByKey(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.entries[key]
	return vec, ok
}

// Put stores a vector for a text in memory. Call Save to persist.
func (c *Cache) Put(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[Key(text)] = vector
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Save persists the cache to disk atomically (temp file + rename) under the
// file lock. Callers treat failures as non-fatal and log them.
func (c *Cache) Save() error {
	c.mu.RLock()
	data, err := json.Marshal(c.entries)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}

	if err := c.fl.Lock(); err != nil {
		return fmt.Errorf("locking cache file: %w", err)
	}
	defer func() {
		if err := c.fl.Unlock(); err != nil {
			c.logger.Warn("cache file unlock failed", "error", err)
		}
	}()

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing cache temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replacing cache file: %w", err)
	}
	return nil
}
