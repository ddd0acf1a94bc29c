// Package cache provides the read-through document cache that sits in front
// of the file store.
//
// Entries are only removed by Invalidate, which the transaction manager calls
// after a commit's writes are confirmed on disk. An optional capacity enables
// LRU eviction; eviction only forces a re-read and never yields stale data.
package cache

import (
	"bytes"
	"container/list"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/taskvault/internal/clock"
	"github.com/randalmurphal/taskvault/internal/filestore"
)

// Loader fetches a document's bytes on a cache miss. A nil slice with a nil
// error means the document is absent; that outcome is cached too.
type Loader func() ([]byte, error)

// Entry is a cached document.
type Entry struct {
	Key        string
	Value      []byte // nil when the document is absent
	InsertedAt time.Time
	Checksum   uint64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries       int   `json:"entries"`
	Capacity      int   `json:"capacity"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`
}

// Cache is a read-through cache keyed by document path.
// All methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int // 0 means unbounded
	items    map[string]*list.Element
	order    *list.List
	gens     map[string]uint64 // only for keys with a load in flight
	loading  map[string]int
	group    singleflight.Group
	clock    clock.Clock

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity bounds the number of entries; least recently used entries
// are evicted first. Zero or negative means unbounded.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithClock sets the clock used for insertion timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clock.OrReal(clk)
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		gens:    make(map[string]uint64),
		loading: make(map[string]int),
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, or calls load, caches its result
// (including absence) and returns it. Concurrent misses for the same key
// share one load. The returned slice is a copy and may be modified.
func (c *Cache) Get(key string, load Loader) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		c.hits++
		value := bytes.Clone(el.Value.(*Entry).Value)
		c.mu.Unlock()
		return value, nil
	}
	c.misses++
	gen := c.gens[key]
	c.loading[key]++
	c.mu.Unlock()
	defer c.loadDone(key)

	// The flight key carries the generation so a caller arriving after an
	// invalidation never joins a load that started before it.
	flight := key + "@" + strconv.FormatUint(gen, 10)
	result, err, _ := c.group.Do(flight, func() (any, error) {
		value, err := load()
		if err != nil {
			return nil, err
		}
		c.store(key, gen, value)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(result.([]byte)), nil
}

// loadDone drops the generation of key once no load for it remains.
func (c *Cache) loadDone(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loading[key]--
	if c.loading[key] <= 0 {
		delete(c.loading, key)
		delete(c.gens, key)
	}
}

// store inserts a loaded value unless key was invalidated since the load
// began.
func (c *Cache) store(key string, gen uint64, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key] != gen {
		return
	}

	entry := &Entry{
		Key:        key,
		Value:      bytes.Clone(value),
		InsertedAt: c.clock.Now(),
	}
	if value != nil {
		entry.Checksum = filestore.Checksum(value)
	}

	if el, ok := c.items[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}

	if c.capacity > 0 && c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*Entry).Key)
			c.evictions++
		}
	}
	c.items[key] = c.order.PushFront(entry)
}

// Invalidate removes the given keys. Only the transaction manager calls this,
// after the corresponding writes are durable.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if c.loading[key] > 0 {
			c.gens[key]++
		}
		if el, ok := c.items[key]; ok {
			c.order.Remove(el)
			delete(c.items, key)
		}
		c.invalidations++
	}
}

// Peek returns the entry for key without loading or touching LRU order.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	e := *el.Value.(*Entry)
	e.Value = bytes.Clone(e.Value)
	return e, true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:       c.order.Len(),
		Capacity:      c.capacity,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
	}
}
