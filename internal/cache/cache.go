// Package cache keeps rendered previews within a memory budget.
//
// Values are keyed by the source identity, its modification signature and a
// size bucket. A lookup whose signature no longer matches the stored one is
// a miss and drops every bucket cached for that identity.
package cache

import (
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
)

// Signature is the cheap fingerprint of a source used to detect staleness.
type Signature struct {
	ModTime time.Time
	Size    int64
}

func (s Signature) Equal(o Signature) bool {
	return s.Size == o.Size && s.ModTime.Equal(o.ModTime)
}

type Key struct {
	Identity  string
	Signature Signature
	Bucket    int
}

const minBucket = 16

// BucketFor maps a requested bounding box to its size bucket: the next
// power of two of the larger side, at least 16.
func BucketFor(w, h int) int {
	m := max(w, h, minBucket)
	return 1 << bits.Len(uint(m-1))
}

type slot struct {
	identity string
	bucket   int
}

type entry[V any] struct {
	value    V
	sig      Signature
	cost     int64
	inserted time.Time
	accessed time.Time
}

type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
	Entries       int
	Bytes         int64
	Budget        int64
}

type Options[V any] struct {
	// Budget is the total cost the cache may hold.
	Budget int64
	// Cost reports the memory a value occupies.
	Cost func(V) int64
	Log  zerolog.Logger
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	budget     int64
	used       int64
	cost       func(V) int64
	lru        *simplelru.LRU[slot, *entry[V]]
	byIdentity map[string]map[int]struct{}
	stats      Stats
	log        zerolog.Logger
	now        func() time.Time
}

func New[V any](opts Options[V]) *Cache[V] {
	c := &Cache[V]{
		budget:     opts.Budget,
		cost:       opts.Cost,
		byIdentity: make(map[string]map[int]struct{}),
		log:        opts.Log,
		now:        time.Now,
	}
	if c.cost == nil {
		c.cost = func(V) int64 { return 1 }
	}
	// The budget, not the entry count, bounds the cache.
	lru, err := simplelru.NewLRU[slot, *entry[V]](math.MaxInt, c.onRemove)
	if err != nil {
		panic(err)
	}
	c.lru = lru
	return c
}

func (c *Cache[V]) onRemove(s slot, e *entry[V]) {
	c.used -= e.cost
	if b := c.byIdentity[s.identity]; b != nil {
		delete(b, s.bucket)
		if len(b) == 0 {
			delete(c.byIdentity, s.identity)
		}
	}
}

// Get returns the value stored for k. A stored value with a different
// signature invalidates the identity and reports a miss.
func (c *Cache[V]) Get(k Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.lru.Get(slot{identity: k.Identity, bucket: k.Bucket})
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if !e.sig.Equal(k.Signature) {
		c.invalidateLocked(k.Identity)
		c.stats.Misses++
		return zero, false
	}
	e.accessed = c.now()
	c.stats.Hits++
	return e.value, true
}

// Put stores v under k and reports whether it was stored. When a value with
// the same signature is already present it is kept and Put returns false,
// so concurrent puts of one key leave the first writer in place. Values
// larger than the whole budget are not stored.
func (c *Cache[V]) Put(k Key, v V) bool {
	cost := c.cost(v)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cost > c.budget {
		c.log.Debug().Str("identity", k.Identity).Int64("cost", cost).Msg("preview larger than cache budget")
		return false
	}
	s := slot{identity: k.Identity, bucket: k.Bucket}
	if prev, ok := c.lru.Peek(s); ok {
		if prev.sig.Equal(k.Signature) {
			return false
		}
		c.lru.Remove(s)
	}
	now := c.now()
	c.lru.Add(s, &entry[V]{value: v, sig: k.Signature, cost: cost, inserted: now, accessed: now})
	c.used += cost
	b := c.byIdentity[k.Identity]
	if b == nil {
		b = make(map[int]struct{})
		c.byIdentity[k.Identity] = b
	}
	b[k.Bucket] = struct{}{}

	for c.used > c.budget {
		old, e, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.stats.Evictions++
		c.log.Debug().Str("identity", old.identity).Int("bucket", old.bucket).Dur("age", now.Sub(e.inserted)).Msg("preview evicted")
	}
	return true
}

// Invalidate drops every cached bucket of identity and returns how many
// values were removed.
func (c *Cache[V]) Invalidate(identity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateLocked(identity)
}

func (c *Cache[V]) invalidateLocked(identity string) int {
	buckets := c.byIdentity[identity]
	if len(buckets) == 0 {
		return 0
	}
	slots := make([]slot, 0, len(buckets))
	for b := range buckets {
		slots = append(slots, slot{identity: identity, bucket: b})
	}
	for _, s := range slots {
		c.lru.Remove(s)
	}
	c.stats.Invalidations++
	return len(slots)
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	s.Bytes = c.used
	s.Budget = c.budget
	return s
}
