// Package hashcache implements the Hash Cache: a bounded LRU mapping
// (mount-ns, path, inode, size, mtime) to computed file digests, computing
// on miss inside the file's owning mount namespace.
package hashcache

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/watchtower-sec/watchtower/internal/events"
	"github.com/watchtower-sec/watchtower/internal/nsswitch"
	"github.com/watchtower-sec/watchtower/internal/seclog"
)

// DefaultCapacity is the default bounded entry count.
const DefaultCapacity = 10000

// Key is the Hash Cache's identity tuple: a cache hit requires every field
// to match exactly, so any file change forces recomputation.
type Key struct {
	MountNS uint32
	Path    string
	Inode   uint64
	Size    int64
	MtimeNS int64
}

// Cache is the Consumer-owned LRU hash cache. It is not safe for
// cross-thread use; the Consumer is its sole owner.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache[Key, events.Hashes]
	executor *nsswitch.Executor
	nsPid    map[uint32]uint32
}

// New builds a Cache bounded to capacity entries, using executor to enter
// target mount namespaces on miss.
func New(capacity int, executor *nsswitch.Executor) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[Key, events.Hashes](capacity)
	if err != nil {
		return nil, errors.Wrap(err, "building lru hash cache")
	}
	return &Cache{lru: l, executor: executor, nsPid: make(map[uint32]uint32)}, nil
}

// CacheNS records pid as living in mntNS, giving the cache a namespace
// entry point to use for subsequent lookups against that namespace.
func (c *Cache) CacheNS(pid, mntNS uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nsPid[mntNS] = pid
}

func (c *Cache) entryPoint(mntNS uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pid, ok := c.nsPid[mntNS]
	return pid, ok
}

// GetOrCacheInNS returns the cached hashes for path as seen from mntNS,
// computing and inserting them on miss. I/O errors produce a Hashes value
// with Error set; errored results are never inserted, so the next call
// retries.
func (c *Cache) GetOrCacheInNS(mntNS uint32, path string) events.Hashes {
	pid, ok := c.entryPoint(mntNS)
	if !ok {
		return events.Hashes{Path: path, Error: "no namespace entry point known for this mount namespace"}
	}

	var result events.Hashes
	nsPath := nsswitch.MountNSPath(pid)
	err := c.executor.RunInNamespace(nsPath, func() error {
		result = c.statAndHash(mntNS, path)
		return nil
	})
	if err != nil {
		return events.Hashes{Path: path, Error: err.Error()}
	}
	return result
}

func (c *Cache) statAndHash(mntNS uint32, path string) events.Hashes {
	fi, err := os.Stat(path)
	if err != nil {
		return events.Hashes{Path: path, Error: err.Error()}
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return events.Hashes{Path: path, Error: "could not read inode metadata"}
	}

	key := Key{
		MountNS: mntNS,
		Path:    path,
		Inode:   st.Ino,
		Size:    fi.Size(),
		MtimeNS: fi.ModTime().UnixNano(),
	}

	if cached, hit := c.lru.Get(key); hit {
		return cached
	}

	h, err := computeHashes(path, uint64(fi.Size()))
	if err != nil {
		seclog.Warnf("hash computation failed for %s: %v", path, err)
		return events.Hashes{Path: path, Size: uint64(fi.Size()), Error: err.Error()}
	}
	c.lru.Add(key, h)
	return h
}

func computeHashes(path string, size uint64) (events.Hashes, error) {
	f, err := os.Open(path)
	if err != nil {
		return events.Hashes{}, errors.Wrap(err, "opening file")
	}
	defer f.Close()

	md5h, sha1h, sha256h, sha512h := md5.New(), sha1.New(), sha256.New(), sha512.New()
	w := io.MultiWriter(md5h, sha1h, sha256h, sha512h)
	if _, err := io.Copy(w, f); err != nil {
		return events.Hashes{}, errors.Wrap(err, "streaming file")
	}

	return events.Hashes{
		MD5:    hex.EncodeToString(md5h.Sum(nil)),
		SHA1:   hex.EncodeToString(sha1h.Sum(nil)),
		SHA256: hex.EncodeToString(sha256h.Sum(nil)),
		SHA512: hex.EncodeToString(sha512h.Sum(nil)),
		Size:   size,
		Path:   path,
	}, nil
}

// Len reports the current number of cached entries, for tests and
// observability.
func (c *Cache) Len() int {
	return c.lru.Len()
}
