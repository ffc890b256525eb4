// Package cache implements a persistent cache of compiled programs.
//
// Entries are opaque byte blobs keyed by a content hash (see MakeKey). They are kept in memory and, if a directory
// is given, also on disk so they survive the process. Concurrent requests for the same missing key are merged:
// the value is computed at most once per key.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// FileExtension of the cache entries stored on disk.
const FileExtension = ".xrtc"

// DirEnvVar is the environment variable with the default cache directory.
const DirEnvVar = "XRT_CACHE_DIR"

// Cache of compiled programs. Safe for concurrent use.
type Cache struct {
	dir string

	mu      sync.RWMutex
	entries map[string][]byte

	group singleflight.Group
}

// New returns a cache. If dir is empty, entries are only kept in memory.
func New(dir string) (*Cache, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create cache directory %q", dir)
		}
	}
	return &Cache{dir: dir, entries: make(map[string][]byte)}, nil
}

// Dir returns the cache directory, empty if the cache is in-memory only.
func (c *Cache) Dir() string { return c.dir }

// MakeKey returns a key that hashes all the given parts. Parts are length prefixed, so their boundaries matter.
func MakeKey(parts ...[]byte) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, part := range parts {
		n := uint64(len(part))
		for ii := range lenBuf {
			lenBuf[ii] = byte(n >> (8 * ii))
		}
		h.Write(lenBuf[:])
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+FileExtension)
}

// Get returns the value stored under key, looking on disk if not in memory.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	value, found := c.entries[key]
	c.mu.RUnlock()
	if found {
		return value, true
	}
	if c.dir == "" {
		return nil, false
	}
	value, err := os.ReadFile(c.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			klog.Warningf("cache: failed to read entry %s: %v", key, err)
		}
		return nil, false
	}
	c.mu.Lock()
	c.entries[key] = value
	c.mu.Unlock()
	return value, true
}

// Put stores value under key. Disk write failures are returned, but the value is still kept in memory.
func (c *Cache) Put(key string, value []byte) error {
	c.mu.Lock()
	c.entries[key] = value
	c.mu.Unlock()
	if c.dir == "" {
		return nil
	}
	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "cache: failed to write entry %s", key)
	}
	_, err = tmp.Write(value)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), c.path(key))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "cache: failed to write entry %s", key)
	}
	return nil
}

// GetOrCompute returns the value stored under key, or calls compute and stores its result.
// Concurrent calls for the same key wait for a single compute. hit reports whether the value was found without
// calling compute in this call or in a call it waited for.
func (c *Cache) GetOrCompute(key string, compute func() ([]byte, error)) (value []byte, hit bool, err error) {
	if value, found := c.Get(key); found {
		return value, true, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another call may have stored it while we were checking.
		if value, found := c.Get(key); found {
			return value, nil
		}
		value, err := compute()
		if err != nil {
			return nil, err
		}
		if err := c.Put(key, value); err != nil {
			klog.Warningf("%v", err)
		}
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// Len returns the number of entries kept in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
