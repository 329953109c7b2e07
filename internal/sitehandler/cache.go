package sitehandler

import (
	"strconv"
	"time"

	"github.com/capsium/reactor/internal/content"
	"github.com/capsium/reactor/internal/mount"
)

// cacheControlFor derives the package response policy: the mount's TTL, or
// the global cache_ttl, while cache_enabled is on.
func cacheControlFor(snap *content.Snapshot, m *mount.Mount) string {
	c := snap.Config
	if c == nil || !c.CacheEnabled {
		return "no-cache"
	}
	ttl := c.CacheTTL
	if m != nil && m.CacheTTL > 0 {
		ttl = m.CacheTTL
	}
	if ttl < time.Second {
		return "no-cache"
	}
	return "public, max-age=" + strconv.FormatInt(int64(ttl/time.Second), 10)
}

func cacheEnabled(snap *content.Snapshot) bool {
	return snap.Config != nil && snap.Config.CacheEnabled
}
