package activitypub

import (
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/charmbracelet/log"
)

// HandleCache remembers WebFinger results so repeated lookups of the same
// handle skip the network.
type HandleCache interface {
	Get(handle string) (string, bool)
	Set(handle, actorURI string)
}

const handleCacheTTL = 1800 // 30 minutes

// MemcacheHandleCache stores handle to actor URI mappings in memcached.
type MemcacheHandleCache struct {
	mc *memcache.Client
}

func NewMemcacheHandleCache(addr string) *MemcacheHandleCache {
	return &MemcacheHandleCache{mc: memcache.New(addr)}
}

func (c *MemcacheHandleCache) Get(handle string) (string, bool) {
	key, ok := handleCacheKey(handle)
	if !ok {
		return "", false
	}
	item, err := c.mc.Get(key)
	if err != nil {
		if err != memcache.ErrCacheMiss {
			log.Debugf("HandleCache: get %s failed: %v", handle, err)
		}
		return "", false
	}
	return string(item.Value), true
}

func (c *MemcacheHandleCache) Set(handle, actorURI string) {
	key, ok := handleCacheKey(handle)
	if !ok {
		return
	}
	err := c.mc.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(actorURI),
		Expiration: handleCacheTTL,
	})
	if err != nil {
		log.Debugf("HandleCache: set %s failed: %v", handle, err)
	}
}

// memcached keys are limited to 250 bytes without spaces or control chars
func handleCacheKey(handle string) (string, bool) {
	key := "webfinger:" + handle
	if len(key) > 250 {
		return "", false
	}
	for _, r := range key {
		if r <= ' ' || r == 0x7f {
			return "", false
		}
	}
	return key, true
}
