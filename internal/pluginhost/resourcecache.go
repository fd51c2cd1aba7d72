package pluginhost

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// resourceEntry is one cached, reference-counted resource. A plugin's
// "compute a key from params, reuse whatever's already loaded under it"
// contract lets an expensive model load happen exactly once no matter how
// many node instances request the same configuration.
type resourceEntry struct {
	value   any
	closer  func(any)
	refs    int
	evicted bool
}

// ResourceCache is the process-wide cache of plugin-owned expensive
// resources (typically ML models), keyed by a plugin-computed string.
// GetOrCreate runs the supplied factory at most once per key; Release drops
// one reference, running closer only once nothing else holds the resource
// and the LRU has evicted it.
type ResourceCache struct {
	mu      sync.Mutex
	entries map[string]*resourceEntry
	lru     *lru.Cache[string, struct{}]
	log     *slog.Logger
}

// NewResourceCache builds a cache that evicts the least-recently-used key
// once more than maxEntries distinct resources are cached. maxEntries <= 0
// disables eviction (every loaded resource lives until the process exits).
func NewResourceCache(maxEntries int, log *slog.Logger) *ResourceCache {
	if log == nil {
		log = slog.Default()
	}
	c := &ResourceCache{entries: make(map[string]*resourceEntry), log: log}
	if maxEntries > 0 {
		c.lru, _ = lru.NewWithEvict(maxEntries, c.onEvicted)
	}
	return c
}

// onEvicted runs with c.mu NOT held — the lru package calls this
// synchronously from Add, which GetOrCreate calls only after releasing
// c.mu, so it acquires the lock itself.
func (c *ResourceCache) onEvicted(key string, _ struct{}) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry.evicted = true
	shouldClose := entry.refs == 0
	if shouldClose {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if shouldClose && entry.closer != nil {
		c.log.Info("resource cache evicted unused entry", "key", key)
		entry.closer(entry.value)
	}
}

// GetOrCreate returns the resource cached under key, calling init to build
// it on a miss. The caller receives one reference and must call Release
// exactly once when done with it. closer (optional) runs when the last
// reference is released after the entry has been evicted.
func (c *ResourceCache) GetOrCreate(key string, init func() (any, error), closer func(any)) (any, bool, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && !entry.evicted {
		entry.refs++
		c.mu.Unlock()
		c.log.Debug("resource cache hit", "key", key)
		return entry.value, true, nil
	}
	c.mu.Unlock()

	value, err := init()
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && !entry.evicted {
		// Lost a race against a concurrent initializer; keep theirs, close ours.
		entry.refs++
		existing := entry.value
		c.mu.Unlock()
		if closer != nil {
			closer(value)
		}
		return existing, true, nil
	}
	c.entries[key] = &resourceEntry{value: value, closer: closer, refs: 1}
	c.mu.Unlock()
	if c.lru != nil {
		c.lru.Add(key, struct{}{})
	}
	return value, false, nil
}

// Release drops one reference to key. Once the refcount reaches zero and
// the entry has already been evicted by the LRU, its closer runs.
func (c *ResourceCache) Release(key string) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry.refs--
	shouldClose := entry.refs <= 0 && entry.evicted
	if shouldClose {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if shouldClose && entry.closer != nil {
		entry.closer(entry.value)
	}
}

// Len returns the number of distinct resources currently cached.
func (c *ResourceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
