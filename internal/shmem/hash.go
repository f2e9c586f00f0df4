package shmem

import "sync"

// Action selects the operation DynHash.Access performs: the
// HASH_FIND / HASH_ENTER / HASH_REMOVE vocabulary of a shared dynamic hash
// table.
type Action int

const (
	HashFind Action = iota
	HashEnter
	HashRemove
)

type bucketEntry[K comparable, V any] struct {
	key  K
	val  V
	next int // not read or set: a segment's slice is its collision chain
}

// DynHash is a chained hash table over power-of-two segment counts, sized
// to resemble the shared dynamic hash tables used for the buffer lookup
// table and the lock hash: a fixed hash function, one slice per segment
// as its collision chain, and an Access entry point that reports whether
// the key was already present alongside the value, so callers that want HASH_ENTER semantics ("give me the slot whether or
// not it already existed") get the same entry either way.
type DynHash[K comparable, V any] struct {
	mu       sync.RWMutex
	hash     func(K) uint64
	segments [][]bucketEntry[K, V]
	segMask  uint64
	count    int
}

// NewDynHash creates a table with 2^segBits segments. hash must be a
// stable hash function over K.
func NewDynHash[K comparable, V any](segBits uint, hash func(K) uint64) *DynHash[K, V] {
	n := uint64(1) << segBits
	h := &DynHash[K, V]{
		hash:     hash,
		segments: make([][]bucketEntry[K, V], n),
		segMask:  n - 1,
	}
	return h
}

func (h *DynHash[K, V]) segFor(k K) uint64 {
	return h.hash(k) & h.segMask
}

// Access is the single-entry-point form of the table's operations: it
// performs act on k and reports the resulting value plus whether the key
// was already present — the foundPtr out-parameter of a shared hash
// table. v is consulted only by HashEnter.
func (h *DynHash[K, V]) Access(act Action, k K, v V) (val V, found bool) {
	switch act {
	case HashEnter:
		actual, created := h.Enter(k, v)
		return actual, !created
	case HashRemove:
		var zero V
		return zero, h.Remove(k)
	default:
		return h.Find(k)
	}
}

// Find returns the value for k and whether it was present (HASH_FIND).
func (h *DynHash[K, V]) Find(k K) (V, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seg := h.segments[h.segFor(k)]
	for i := range seg {
		if seg[i].key == k {
			return seg[i].val, true
		}
	}
	var zero V
	return zero, false
}

// Enter inserts k/v if absent, or returns the existing value unchanged if
// present, reporting whether the entry was newly created (HASH_ENTER,
// with foundPtr as the inverse of the returned bool).
func (h *DynHash[K, V]) Enter(k K, v V) (actual V, created bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.segFor(k)
	seg := h.segments[idx]
	for i := range seg {
		if seg[i].key == k {
			return seg[i].val, false
		}
	}
	h.segments[idx] = append(seg, bucketEntry[K, V]{key: k, val: v})
	h.count++
	return v, true
}

// Upsert always stores v for k, whether or not it existed, and reports
// whether an existing entry was replaced.
func (h *DynHash[K, V]) Upsert(k K, v V) (replaced bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.segFor(k)
	seg := h.segments[idx]
	for i := range seg {
		if seg[i].key == k {
			seg[i].val = v
			return true
		}
	}
	h.segments[idx] = append(seg, bucketEntry[K, V]{key: k, val: v})
	h.count++
	return false
}

// Remove deletes k if present (HASH_REMOVE), reporting whether it was
// found.
func (h *DynHash[K, V]) Remove(k K) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.segFor(k)
	seg := h.segments[idx]
	for i := range seg {
		if seg[i].key == k {
			seg[i] = seg[len(seg)-1]
			h.segments[idx] = seg[:len(seg)-1]
			h.count--
			return true
		}
	}
	return false
}

// Len returns the number of live entries.
func (h *DynHash[K, V]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cursor walks every live entry at the time of each Next call. Because it
// re-reads each segment lazily rather than pinning a snapshot, deleting
// the entry most recently returned by Next is safe and does not disturb
// the rest of the scan.
type Cursor[K comparable, V any] struct {
	h       *DynHash[K, V]
	segIdx  int
	entIdx  int
	lastKey K
	started bool
}

// NewCursor returns a cursor positioned before the first entry.
func (h *DynHash[K, V]) NewCursor() *Cursor[K, V] {
	return &Cursor[K, V]{h: h}
}

// Next advances the cursor and returns the next live key/value pair. ok is
// false once the scan is exhausted.
func (c *Cursor[K, V]) Next() (key K, val V, ok bool) {
	h := c.h
	h.mu.RLock()
	defer h.mu.RUnlock()

	if c.started {
		// Re-locate the last returned key so a concurrent removal of it
		// doesn't shift c.entIdx onto an unrelated entry.
		seg := h.segments[c.segIdx]
		found := -1
		for i := range seg {
			if seg[i].key == c.lastKey {
				found = i
				break
			}
		}
		if found >= 0 {
			c.entIdx = found + 1
		}
		// If the last key is gone, entIdx already points at the entry
		// that slid into its place (Remove swaps with the tail), so we
		// leave it as-is.
	} else {
		c.started = true
	}

	for c.segIdx < len(h.segments) {
		seg := h.segments[c.segIdx]
		if c.entIdx < len(seg) {
			e := seg[c.entIdx]
			c.lastKey = e.key
			return e.key, e.val, true
		}
		c.segIdx++
		c.entIdx = 0
	}
	var zk K
	var zv V
	return zk, zv, false
}
