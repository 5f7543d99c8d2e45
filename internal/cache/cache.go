// Package cache implements a disk-backed LRU cache of page images keyed by
// their source URL.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/metrics"
)

// ErrEmptyPayload is returned by Put when the reader yielded no bytes.
var ErrEmptyPayload = errors.New("no data received")

const (
	indexFile  = "index.json"
	maxEntries = 1 << 20
)

// Options configures a PageCache. Capacity is FreeSpaceFraction of the free
// space on the cache volume, clamped to [MinSize, MaxSize] bytes.
type Options struct {
	Dir               string
	FreeSpaceFraction float64
	MinSize           int64
	MaxSize           int64
}

type indexEntry struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// PageCache stores page bytes on disk and evicts the least recently used
// entries once the total size exceeds its capacity.
type PageCache struct {
	dir      string
	mu       sync.Mutex
	entries  *lru.Cache[string, int64]
	size     int64
	capacity int64
	log      zerolog.Logger
}

// New opens the cache in opts.Dir. A missing or unreadable index does not
// fail: the cache starts empty and stale files are removed.
func New(opts Options, logger zerolog.Logger) (*PageCache, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	c := &PageCache{
		dir: opts.Dir,
		log: logger.With().Str("component", "page-cache").Logger(),
	}
	entries, err := lru.NewWithEvict[string, int64](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	c.capacity = Capacity(opts)

	if err := c.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Err(err).Msg("Page cache index unusable, rebuilding from empty")
		}
		if err := c.reset(); err != nil {
			return nil, err
		}
	}
	c.log.Info().Int64("capacity", c.capacity).Int("entries", c.entries.Len()).Msg("Page cache ready")
	return c, nil
}

// Capacity computes the byte capacity for opts from the current free space.
func Capacity(opts Options) int64 {
	capacity := opts.MinSize
	if free, err := freeSpace(opts.Dir); err == nil {
		capacity = int64(float64(free) * opts.FreeSpaceFraction)
	}
	if opts.MaxSize > 0 && capacity > opts.MaxSize {
		capacity = opts.MaxSize
	}
	if capacity < opts.MinSize {
		capacity = opts.MinSize
	}
	return capacity
}

// onEvict runs with c.mu held, from inside the lru calls below.
func (c *PageCache) onEvict(key string, size int64) {
	c.size -= size
	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not remove evicted page")
	}
}

func (c *PageCache) path(key string) string {
	return filepath.Join(c.dir, key)
}

// Key returns the file name used for url.
func Key(url string) string {
	return strconv.FormatUint(xxhash.Sum64String(url), 16)
}

// Get returns the path of the cached file for url.
func (c *PageCache) Get(url string) (string, bool) {
	key := Key(url)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries.Get(key); !ok {
		metrics.PageCacheMisses.Inc()
		return "", false
	}
	p := c.path(key)
	if _, err := os.Stat(p); err != nil {
		c.entries.Remove(key)
		metrics.PageCacheMisses.Inc()
		return "", false
	}
	metrics.PageCacheHits.Inc()
	return p, true
}

// Put stores the content of r under url and returns the cached file path.
// The bytes are written to a scratch file which is then moved into place,
// so a failed write never leaves a registered entry behind.
func (c *PageCache) Put(url string, r io.Reader) (string, error) {
	scratch, err := os.CreateTemp(c.dir, ".scratch-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(scratch.Name())

	n, err := io.Copy(scratch, r)
	if cerr := scratch.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrEmptyPayload
	}

	key := Key(url)
	p := c.path(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Rename(scratch.Name(), p); err != nil {
		return "", err
	}
	if old, ok := c.entries.Peek(key); ok {
		c.size -= old
	}
	c.entries.Add(key, n)
	c.size += n
	c.trimLocked()
	return p, nil
}

// Trim evicts entries until the cache fits its capacity.
func (c *PageCache) Trim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimLocked()
}

func (c *PageCache) trimLocked() {
	for c.size > c.capacity && c.entries.Len() > 0 {
		c.entries.RemoveOldest()
	}
}

// Size returns the total number of bytes held.
func (c *PageCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of cached pages.
func (c *PageCache) Len() int {
	return c.entries.Len()
}

// Capacity returns the byte capacity.
func (c *PageCache) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Clear drops every entry.
func (c *PageCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset()
}

// Flush persists the index, oldest entry first.
func (c *PageCache) Flush() error {
	c.mu.Lock()
	keys := c.entries.Keys()
	index := make([]indexEntry, 0, len(keys))
	for _, k := range keys {
		if size, ok := c.entries.Peek(k); ok {
			index = append(index, indexEntry{Key: k, Size: size})
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(index)
	if err != nil {
		return err
	}
	tmp := filepath.Join(c.dir, indexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(c.dir, indexFile))
}

// Close persists the index.
func (c *PageCache) Close() error {
	return c.Flush()
}

func (c *PageCache) load() error {
	data, err := os.ReadFile(filepath.Join(c.dir, indexFile))
	if err != nil {
		return err
	}
	var index []indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range index {
		info, err := os.Stat(c.path(e.Key))
		if err != nil || info.Size() != e.Size {
			continue
		}
		c.entries.Add(e.Key, e.Size)
		c.size += e.Size
	}
	c.trimLocked()
	return nil
}

// reset removes all files and empties the index. Caller holds c.mu or owns c.
func (c *PageCache) reset() error {
	c.entries.Purge()
	c.size = 0
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.RemoveAll(filepath.Join(c.dir, f.Name())); err != nil {
			return err
		}
	}
	return nil
}
