package shardis

import (
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/unkn0wn-root/shardis/internal/mathutil"
)

const (
	maxLookupShards = 64
	lookupShardMult = 2
)

// lookupEntry is a node in a shard's intrusive LRU list.
type lookupEntry struct {
	key  string
	host string
	prev *lookupEntry
	next *lookupEntry
}

type lookupShard struct {
	mu    sync.Mutex
	data  map[string]*lookupEntry
	head  *lookupEntry // sentinel; head.next is most recent
	tail  *lookupEntry // sentinel; tail.prev is least recent
	limit int
}

// lookupCache memoizes ring lookups. It is sharded by key hash to keep lock
// hold times short under many concurrent dispatchers.
type lookupCache struct {
	shards []*lookupShard
	mask   uint64
}

// newLookupCache returns nil when size <= 0; a nil cache is a valid no-op.
func newLookupCache(size int) *lookupCache {
	if size <= 0 {
		return nil
	}
	n := mathutil.NextPowerOf2(mathutil.Clamp(runtime.NumCPU()*lookupShardMult, 1, maxLookupShards))
	// every shard must be able to hold at least one entry
	for n > 1 && size/n == 0 {
		n >>= 1
	}

	c := &lookupCache{shards: make([]*lookupShard, n), mask: uint64(n - 1)}
	per := size / n
	for i := range c.shards {
		s := &lookupShard{
			data:  make(map[string]*lookupEntry),
			head:  &lookupEntry{},
			tail:  &lookupEntry{},
			limit: per,
		}
		s.head.next = s.tail
		s.tail.prev = s.head
		c.shards[i] = s
	}
	return c
}

func (c *lookupCache) shard(key string) *lookupShard {
	return c.shards[xxhash.Sum64String(key)&c.mask]
}

func (c *lookupCache) get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return "", false
	}
	s.moveToHead(e)
	return e.host, true
}

func (c *lookupCache) set(key, host string) {
	if c == nil {
		return
	}
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[key]; ok {
		e.host = host
		s.moveToHead(e)
		return
	}
	if len(s.data) >= s.limit {
		victim := s.tail.prev
		s.unlink(victim)
		delete(s.data, victim.key)
	}
	e := &lookupEntry{key: key, host: host}
	s.data[key] = e
	s.pushHead(e)
}

// clear drops every entry; called on each ring membership change.
func (c *lookupCache) clear() {
	if c == nil {
		return
	}
	for _, s := range c.shards {
		s.mu.Lock()
		s.data = make(map[string]*lookupEntry)
		s.head.next = s.tail
		s.tail.prev = s.head
		s.mu.Unlock()
	}
}

func (c *lookupCache) len() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.data)
		s.mu.Unlock()
	}
	return n
}

func (s *lookupShard) pushHead(e *lookupEntry) {
	e.prev = s.head
	e.next = s.head.next
	s.head.next.prev = e
	s.head.next = e
}

func (s *lookupShard) unlink(e *lookupEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (s *lookupShard) moveToHead(e *lookupEntry) {
	if s.head.next == e {
		return
	}
	s.unlink(e)
	s.pushHead(e)
}
