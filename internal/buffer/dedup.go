package buffer

import "sync"

const (
	// dedupCapacity is how many event ids are remembered for duplicate
	// suppression. Dedup is in-process only; sinks carry their own
	// idempotency keyed on event id.
	dedupCapacity = 10_000

	// dedupEvictDivisor sets the eviction batch: the oldest tenth of the
	// cache is dropped when it fills.
	dedupEvictDivisor = 10
)

// dedupCache remembers recently buffered event ids in insertion order.
// Safe for concurrent use.
type dedupCache struct {
	mu       sync.Mutex
	ids      map[string]struct{}
	order    []string
	capacity int
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = dedupCapacity
	}
	return &dedupCache{
		ids:      make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// Has reports whether id is in the cache.
func (d *dedupCache) Has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ids[id]
	return ok
}

// Add records id, evicting the oldest tenth of the cache when it is full.
func (d *dedupCache) Add(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[id]; ok {
		return
	}
	if len(d.order) >= d.capacity {
		n := d.capacity / dedupEvictDivisor
		if n < 1 {
			n = 1
		}
		for _, old := range d.order[:n] {
			delete(d.ids, old)
		}
		d.order = append(d.order[:0:0], d.order[n:]...)
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
}

// Clear empties the cache.
func (d *dedupCache) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = make(map[string]struct{}, d.capacity)
	d.order = d.order[:0]
}

// Len returns the number of cached ids.
func (d *dedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ids)
}
