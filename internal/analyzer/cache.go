package analyzer

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const cacheShards = 16

// Cache is a sharded LRU of analysis results keyed by token address, with a
// per-entry TTL. Shards are locked independently so lookups on different
// tokens do not contend.
type Cache struct {
	shards   [cacheShards]*cacheShard
	ttl      time.Duration
	perShard int
	now      func() time.Time
}

type cacheShard struct {
	mu    sync.Mutex
	items map[common.Address]*list.Element
	order *list.List // front = most recently used
}

type cacheEntry struct {
	key      common.Address
	result   *Result
	storedAt time.Time
	lastUsed time.Time
}

// NewCache creates a cache holding about size entries in total.
func NewCache(size int, ttl time.Duration) *Cache {
	if size < cacheShards {
		size = cacheShards
	}
	c := &Cache{ttl: ttl, perShard: (size + cacheShards - 1) / cacheShards, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &cacheShard{items: make(map[common.Address]*list.Element), order: list.New()}
	}
	return c
}

func (c *Cache) shard(addr common.Address) *cacheShard {
	return c.shards[addr[common.AddressLength-1]%cacheShards]
}

// Get returns a copy of the cached result, dropping it if expired.
func (c *Cache) Get(addr common.Address) (*Result, bool) {
	s := c.shard(addr)
	now := c.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[addr]
	if !ok {
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	if c.ttl > 0 && now.Sub(e.storedAt) >= c.ttl {
		s.order.Remove(el)
		delete(s.items, addr)
		return nil, false
	}
	e.lastUsed = now
	s.order.MoveToFront(el)
	return e.result.clone(), true
}

// Put stores r, evicting the shard's least recently used entry when full.
func (c *Cache) Put(r *Result) {
	c.put(r, c.now())
}

func (c *Cache) put(r *Result, storedAt time.Time) {
	s := c.shard(r.Address)
	now := c.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[r.Address]; ok {
		e := el.Value.(*cacheEntry)
		e.result, e.storedAt, e.lastUsed = r.clone(), storedAt, now
		s.order.MoveToFront(el)
		return
	}
	s.items[r.Address] = s.order.PushFront(&cacheEntry{key: r.Address, result: r.clone(), storedAt: storedAt, lastUsed: now})
	for s.order.Len() > c.perShard {
		last := s.order.Back()
		s.order.Remove(last)
		delete(s.items, last.Value.(*cacheEntry).key)
	}
}

// Delete removes addr.
func (c *Cache) Delete(addr common.Address) {
	s := c.shard(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[addr]; ok {
		s.order.Remove(el)
		delete(s.items, addr)
	}
}

// EvictLRU removes the n least recently used entries across all shards and
// returns how many were removed.
func (c *Cache) EvictLRU(n int) int {
	if n <= 0 {
		return 0
	}
	type cand struct {
		key      common.Address
		lastUsed time.Time
	}
	var all []cand
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.order.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*cacheEntry)
			all = append(all, cand{e.key, e.lastUsed})
		}
		s.mu.Unlock()
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].lastUsed.Before(all[j].lastUsed) })
	if n > len(all) {
		n = len(all)
	}

	removed := 0
	for _, cd := range all[:n] {
		s := c.shard(cd.key)
		s.mu.Lock()
		if el, ok := s.items[cd.key]; ok && !el.Value.(*cacheEntry).lastUsed.After(cd.lastUsed) {
			s.order.Remove(el)
			delete(s.items, cd.key)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// PurgeExpired drops every entry older than the TTL.
func (c *Cache) PurgeExpired() int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, el := range s.items {
			if now.Sub(el.Value.(*cacheEntry).storedAt) >= c.ttl {
				s.order.Remove(el)
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// EstimatedBytes approximates the memory held by cached results.
func (c *Cache) EstimatedBytes() int64 {
	const entryOverhead = 96
	var total int64
	for _, s := range c.shards {
		s.mu.Lock()
		for _, el := range s.items {
			total += entryOverhead + el.Value.(*cacheEntry).result.estimatedSize()
		}
		s.mu.Unlock()
	}
	return total
}
