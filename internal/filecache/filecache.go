// Package filecache keeps small package file bodies in memory.
//
// Keys carry the package content hash, so a reload that changes a package
// naturally misses instead of serving stale bytes.
package filecache

import (
	"io"
	"io/fs"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/capsium/reactor/internal/xerrors"
)

// Key identifies one file of one package revision.
type Key struct {
	ContentHash string
	File        string
}

type Entry struct {
	Body    []byte
	ModTime time.Time
}

// Observer receives hit/miss notifications.
type Observer interface {
	IncFileCache(result string)
}

type Cache struct {
	lru      *expirable.LRU[Key, Entry]
	maxBytes int64
	obs      Observer
}

// New returns a cache of at most entries bodies, each no larger than
// maxFileBytes, expiring after ttl (0 = never). entries <= 0 returns nil,
// which is a valid, always-missing cache.
func New(entries int, ttl time.Duration, maxFileBytes int64, obs Observer) *Cache {
	if entries <= 0 {
		return nil
	}
	return &Cache{
		lru:      expirable.NewLRU[Key, Entry](entries, nil, ttl),
		maxBytes: maxFileBytes,
		obs:      obs,
	}
}

func (c *Cache) Get(k Key) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	e, ok := c.lru.Get(k)
	if c.obs != nil {
		if ok {
			c.obs.IncFileCache("hit")
		} else {
			c.obs.IncFileCache("miss")
		}
	}
	return e, ok
}

// Add stores e unless it is over the per-file limit.
func (c *Cache) Add(k Key, e Entry) bool {
	if c == nil || int64(len(e.Body)) > c.maxBytes {
		return false
	}
	c.lru.Add(k, e)
	return true
}

// Load returns the body of name in fsys, going through the cache. Files
// larger than the per-file limit are read but not kept.
func (c *Cache) Load(k Key, fsys fs.FS) (Entry, error) {
	if e, ok := c.Get(k); ok {
		return e, nil
	}
	f, err := fsys.Open(k.File)
	if err != nil {
		return Entry{}, xerrors.Wrapf(err, "open %s", k.File)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Entry{}, xerrors.Wrapf(err, "stat %s", k.File)
	}
	if st.IsDir() {
		return Entry{}, xerrors.Newf("%s is a directory", k.File)
	}
	body, err := io.ReadAll(f)
	if err != nil {
		return Entry{}, xerrors.Wrapf(err, "read %s", k.File)
	}
	e := Entry{Body: body, ModTime: st.ModTime()}
	c.Add(k, e)
	return e, nil
}

// Fits reports whether a body of size bytes would be kept.
func (c *Cache) Fits(size int64) bool {
	return c != nil && size <= c.maxBytes
}

func (c *Cache) Purge() {
	if c != nil {
		c.lru.Purge()
	}
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
