package region

import (
	"sync"
	"unsafe"
)

// RCache avoids re-pinning identical application buffers across repeated
// sends from the same address range, grounded on the retrieval pack's
// omx_rcache.c (a tree of previously pinned virtual-address ranges keyed
// by address and consulted before issuing a fresh pin).
//
// Go gives no stable virtual address for a byte slice's backing array
// short of its first element's pointer, so that pointer plus length
// stands in for the C implementation's address range key. The registry
// holds a copy rather than the caller's memory, so a reuse copies the
// segments' current bytes into the cached region before returning it.
type RCache struct {
	mu       sync.Mutex
	registry *Registry
	max      int
	entries  map[cacheKey]uint32
}

type cacheKey struct {
	addr   uintptr
	length uint64
}

// NewRCache bounds the cache at max entries (OMX_RCACHE); max<=0 disables
// caching entirely, so RegisterOrReuse always falls through to a fresh
// Register.
func NewRCache(registry *Registry, max int) *RCache {
	return &RCache{registry: registry, max: max, entries: make(map[cacheKey]uint32)}
}

func keyOf(segments [][]byte, length uint64) (cacheKey, bool) {
	for _, seg := range segments {
		if len(seg) > 0 {
			return cacheKey{addr: uintptr(unsafe.Pointer(&seg[0])), length: length}, true
		}
	}
	return cacheKey{}, false
}

// RegisterOrReuse returns a region id for segments, acquiring a fresh
// reference on a cached region when the address range was seen before
// instead of re-registering it.
func (c *RCache) RegisterOrReuse(segments [][]byte, length uint64) (id uint32, reused bool, err error) {
	key, cacheable := keyOf(segments, length)
	cacheable = cacheable && c.max > 0
	if cacheable {
		c.mu.Lock()
		if cached, ok := c.entries[key]; ok {
			if r, acquireErr := c.registry.Acquire(cached); acquireErr == nil {
				c.mu.Unlock()
				var off uint64
				for _, seg := range segments {
					off += uint64(copy(r.pages[off:], seg))
				}
				return cached, true, nil
			}
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}

	id, err = c.registry.Register(segments, length)
	if err != nil {
		return 0, false, err
	}
	if cacheable {
		c.mu.Lock()
		if len(c.entries) >= c.max {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
		c.entries[key] = id
		c.mu.Unlock()
	}
	return id, false, nil
}

// Forget drops any cache entry pointing at id, called once the caller
// knows the region's last reference is gone.
func (c *RCache) Forget(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.entries {
		if v == id {
			delete(c.entries, k)
		}
	}
}
