package shardis

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type ringPoint struct {
	hash uint64
	key  string // member identity (Host.String())
}

// Ring is a weighted consistent-hash ring. Each member owns weight*replicas
// points placed at xxhash("{key}-{n}"); a lookup walks clockwise to the first
// point at or after the key's hash.
type Ring struct {
	mu       sync.RWMutex
	points   []ringPoint // sorted by hash, then key
	weights  map[string]int
	former   map[string]struct{} // members that left; they may not rejoin
	order    []string            // members in admission order; a replacement keeps its slot
	replicas int
	cache    *lookupCache
}

// NewRing builds an empty ring. replicas is the number of points per unit of
// weight; cacheSize <= 0 disables the lookup cache.
func NewRing(replicas, cacheSize int) *Ring {
	if replicas <= 0 {
		replicas = 1
	}
	return &Ring{
		weights:  make(map[string]int),
		former:   make(map[string]struct{}),
		replicas: replicas,
		cache:    newLookupCache(cacheSize),
	}
}

func hashPoint(key string, n int) uint64 {
	var buf [64]byte
	b := append(buf[:0], key...)
	b = append(b, '-')
	b = strconv.AppendInt(b, int64(n), 10)
	return xxhash.Sum64(b)
}

func (r *Ring) sortLocked() {
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].key < r.points[j].key
	})
}

// Add inserts a member and reports whether it was added. Adding a current
// member is a no-op, and so is adding one that left: a replacement may still
// own points hashed from its key.
func (r *Ring) Add(key string, weight int) bool {
	if weight <= 0 {
		weight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.admissibleLocked(key) {
		return false
	}
	n := weight * r.replicas
	for i := 0; i < n; i++ {
		r.points = append(r.points, ringPoint{hash: hashPoint(key, i), key: key})
	}
	r.weights[key] = weight
	r.order = append(r.order, key)
	r.sortLocked()
	r.cache.clear()
	return true
}

func (r *Ring) admissibleLocked(key string) bool {
	if _, ok := r.weights[key]; ok {
		return false
	}
	_, left := r.former[key]
	return !left
}

// Remove deletes a member and its points. It reports whether key was present.
func (r *Ring) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.weights[key]; !ok {
		return false
	}
	kept := r.points[:0]
	for _, p := range r.points {
		if p.key != key {
			kept = append(kept, p)
		}
	}
	// release the tail so dropped keys are not retained
	for i := len(kept); i < len(r.points); i++ {
		r.points[i] = ringPoint{}
	}
	r.points = kept
	delete(r.weights, key)
	r.former[key] = struct{}{}
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.cache.clear()
	return true
}

// Replace hands every point of old to newKey in one step, so the newcomer
// serves exactly the keys old served and nothing else moves. weight is
// recorded for newKey but does not change the inherited placement. newKey
// must never have been a member.
func (r *Ring) Replace(old, newKey string, weight int) bool {
	if weight <= 0 {
		weight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.weights[old]; !ok {
		return false
	}
	if !r.admissibleLocked(newKey) {
		return false
	}
	for i := range r.points {
		if r.points[i].key == old {
			r.points[i].key = newKey
		}
	}
	r.sortLocked()
	delete(r.weights, old)
	r.former[old] = struct{}{}
	r.weights[newKey] = weight
	for i, k := range r.order {
		if k == old {
			r.order[i] = newKey
			break
		}
	}
	r.cache.clear()
	return true
}

// Lookup returns the member serving key. key is hashed as given; hash tags
// are the caller's concern.
func (r *Ring) Lookup(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return "", false
	}
	if host, ok := r.cache.get(key); ok {
		return host, true
	}

	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if i == len(r.points) {
		i = 0
	}
	host := r.points[i].key
	r.cache.set(key, host)
	return host, true
}

// Members returns member keys in admission order.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of members.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Has reports whether key is a current member.
func (r *Ring) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.weights[key]
	return ok
}
