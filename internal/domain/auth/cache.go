package auth

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
)

const (
	cacheShards = 16
	// minShardCapacity keeps small caches in a single shard so the configured
	// capacity is never split into unusable fragments.
	minShardCapacity = 8
)

// CacheConfig bounds the decision cache.
type CacheConfig struct {
	// MaxEntries caps the number of cached decisions.
	MaxEntries int
	// PositiveTTL is how long an Accepted decision is kept.
	PositiveTTL time.Duration
	// NegativeTTL is how long MissingCredential and UnknownClient are kept.
	NegativeTTL time.Duration
	// MaxAcceptedTTL is a hard ceiling for Accepted entries, applied even when
	// a longer TTL is requested. It bounds how long a revoked key keeps working.
	MaxAcceptedTTL time.Duration
}

// DefaultCacheConfig returns the configuration used when nothing is set.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:     10000,
		PositiveTTL:    30 * time.Second,
		NegativeTTL:    5 * time.Second,
		MaxAcceptedTTL: time.Minute,
	}
}

// Validate checks the configuration for impossible values.
func (c CacheConfig) Validate() error {
	if c.MaxEntries <= 0 {
		return errors.Errorf("cache max entries must be positive, got %d", c.MaxEntries)
	}
	if c.PositiveTTL < 0 || c.NegativeTTL < 0 {
		return errors.New("cache TTLs must not be negative")
	}
	if c.MaxAcceptedTTL <= 0 {
		return errors.Errorf("max accepted TTL must be positive, got %s", c.MaxAcceptedTTL)
	}
	return nil
}

// TTLFor returns the TTL to cache d with.
func (c CacheConfig) TTLFor(d Decision) time.Duration {
	if d == Accepted {
		return min(c.PositiveTTL, c.MaxAcceptedTTL)
	}
	return c.NegativeTTL
}

// CacheKey identifies a cached decision. It always carries the digest of the
// credential the decision was computed from.
type CacheKey struct {
	Identity ClientIdentity
	Digest   Digest
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type cacheEntry struct {
	key      CacheKey
	decision Decision
	// resolved is the client a key-only entry was resolved to, if any.
	resolved  ClientIdentity
	expiresAt time.Time
}

// cacheShard is an LRU list plus index guarded by one mutex. The front of
// the list is the most recently used entry.
type cacheShard struct {
	mu       sync.Mutex
	items    map[CacheKey]*list.Element
	lru      *list.List
	capacity int
}

// DecisionCache memoizes decisions with TTL expiry and LRU eviction. Keys are
// spread over independent shards by digest so lookups of unrelated keys rarely
// touch the same lock.
type DecisionCache struct {
	cfg    CacheConfig
	shards []*cacheShard
	now    func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewDecisionCache creates a cache bounded by cfg.
func NewDecisionCache(cfg CacheConfig) (*DecisionCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "cache config")
	}

	n := cacheShards
	if cfg.MaxEntries < cacheShards*minShardCapacity {
		n = 1
	}

	c := &DecisionCache{
		cfg:    cfg,
		shards: make([]*cacheShard, n),
		now:    time.Now,
	}
	base, extra := cfg.MaxEntries/n, cfg.MaxEntries%n
	for i := range c.shards {
		capacity := base
		if i < extra {
			capacity++
		}
		c.shards[i] = &cacheShard{
			items:    make(map[CacheKey]*list.Element),
			lru:      list.New(),
			capacity: capacity,
		}
	}
	return c, nil
}

// Config returns the configuration the cache was built with.
func (c *DecisionCache) Config() CacheConfig {
	return c.cfg
}

// TTLFor is a shorthand for c.Config().TTLFor(d).
func (c *DecisionCache) TTLFor(d Decision) time.Duration {
	return c.cfg.TTLFor(d)
}

func (c *DecisionCache) shard(key CacheKey) *cacheShard {
	return c.shards[int(key.Digest[0])%len(c.shards)]
}

// Get returns the cached decision for key. Expired entries are dropped and
// reported as a miss.
func (c *DecisionCache) Get(key CacheKey) (Decision, bool) {
	_, d, ok := c.get(key)
	return d, ok
}

// GetResolved returns the decision cached by PutResolved for a credential
// presented without an identity, together with the client it resolved to.
func (c *DecisionCache) GetResolved(d Digest) (ClientIdentity, Decision, bool) {
	return c.get(CacheKey{Digest: d})
}

func (c *DecisionCache) get(key CacheKey) (ClientIdentity, Decision, bool) {
	s := c.shard(key)
	now := c.now()

	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return "", "", false
	}
	e := el.Value.(*cacheEntry)
	if !now.Before(e.expiresAt) {
		s.remove(el)
		s.mu.Unlock()
		c.misses.Add(1)
		return "", "", false
	}
	s.lru.MoveToFront(el)
	id, d := e.resolved, e.decision
	s.mu.Unlock()

	c.hits.Add(1)
	return id, d, true
}

// Put stores d under key for ttl. A non-positive ttl stores nothing. Accepted
// decisions never outlive MaxAcceptedTTL.
func (c *DecisionCache) Put(key CacheKey, d Decision, ttl time.Duration) {
	c.put(key, "", d, ttl)
}

// PutResolved stores the outcome of a credential presented without an
// identity: the client its digest resolved to (empty when none) and the
// decision. The same TTL rules as Put apply.
func (c *DecisionCache) PutResolved(digest Digest, id ClientIdentity, d Decision, ttl time.Duration) {
	c.put(CacheKey{Digest: digest}, id, d, ttl)
}

func (c *DecisionCache) put(key CacheKey, id ClientIdentity, d Decision, ttl time.Duration) {
	if d == Accepted && ttl > c.cfg.MaxAcceptedTTL {
		ttl = c.cfg.MaxAcceptedTTL
	}
	if ttl <= 0 || !d.Valid() {
		return
	}

	s := c.shard(key)
	expiresAt := c.now().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		e := el.Value.(*cacheEntry)
		e.decision = d
		e.resolved = id
		e.expiresAt = expiresAt
		s.lru.MoveToFront(el)
		return
	}

	for s.lru.Len() >= s.capacity {
		s.remove(s.lru.Back())
		c.evictions.Add(1)
	}
	s.items[key] = s.lru.PushFront(&cacheEntry{key: key, decision: d, resolved: id, expiresAt: expiresAt})
}

// Delete drops a single entry.
func (c *DecisionCache) Delete(key CacheKey) {
	s := c.shard(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		s.remove(el)
	}
	s.mu.Unlock()
}

// Purge drops every entry. It is called when the registry contents change
// wholesale, for example after a reload.
func (c *DecisionCache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[CacheKey]*list.Element)
		s.lru.Init()
		s.mu.Unlock()
	}
}

// DeleteExpired removes every entry that has expired and returns how many
// were removed.
func (c *DecisionCache) DeleteExpired() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.lru.Back(); el != nil; {
			prev := el.Prev()
			if !now.Before(el.Value.(*cacheEntry).expiresAt) {
				s.remove(el)
				removed++
			}
			el = prev
		}
		s.mu.Unlock()
	}
	return removed
}

// StartJanitor periodically sweeps expired entries until ctx is cancelled.
func (c *DecisionCache) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.DeleteExpired()
			}
		}
	}()
}

// Len returns the number of stored entries, expired ones included.
func (c *DecisionCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Stats returns the current counters.
func (c *DecisionCache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// remove unlinks el. The caller must hold s.mu.
func (s *cacheShard) remove(el *list.Element) {
	e := el.Value.(*cacheEntry)
	delete(s.items, e.key)
	s.lru.Remove(el)
}
