// Package sinval implements the shared cache-invalidation bus: a
// fixed-size ring of catalog-cache invalidation messages broadcast to
// every worker thread, with per-thread read cursors and a
// garbage-collected low-water mark. A ring every reader scans
// independently — rather than a channel readers would compete over —
// lets a slow or late-joining reader never miss a message.
package sinval

import (
	"sync"
)

// RingSize bounds the number of in-flight invalidation messages before
// a publish forces a full reset rather than growing unboundedly.
const RingSize = 4096

// wrapAt is a large multiple of RingSize; sequence numbers wrap modulo
// this value rather than modulo RingSize itself so a reader that has
// fallen arbitrarily far behind can still be detected and reset instead
// of silently reading stale slots.
const wrapAt = RingSize * 1 << 20

// Data is one invalidation message: a specific cache line to drop.
type Data struct {
	CacheID   uint32
	HashIndex uint32
	TID       uint64
}

// Reset sentinels, published in place of a Data message when a reader
// cannot be caught up incrementally.
const (
	sentinelNone uint8 = iota
	sentinelRelcache
	sentinelCatalog
)

type slot struct {
	kind uint8
	data Data
}

// Bus is the shared invalidation ring. One Bus is created at process
// start and shared by every worker thread.
type Bus struct {
	mu        sync.Mutex
	ring      [RingSize]slot
	minMsgNum uint64
	maxMsgNum uint64
	cursors   map[uint64]uint64 // tid -> nextMsgNum
}

// NewBus returns an empty invalidation bus.
func NewBus() *Bus {
	return &Bus{cursors: make(map[uint64]uint64)}
}

// Register gives tid a cursor starting at the current write position,
// so it only observes messages published after registration.
func (b *Bus) Register(tid uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors[tid] = b.maxMsgNum
}

// Unregister drops tid's cursor, e.g. when its thread slot is released.
func (b *Bus) Unregister(tid uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cursors, tid)
	b.gcLocked()
}

// Publish inserts msg and advances the write cursor. If the ring is
// full — the slowest reader has not caught up within RingSize messages
// — every cursor is first snapped forward to a relcache-reset
// sentinel, since readers that far behind must invalidate wholesale
// rather than replay individual messages; msg is then published after
// the sentinel.
func (b *Bus) Publish(msg Data) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxMsgNum-b.minMsgNum >= RingSize {
		b.forceResetLocked(sentinelRelcache)
	}

	idx := b.maxMsgNum % RingSize
	b.ring[idx] = slot{kind: sentinelNone, data: msg}
	b.maxMsgNum++
	b.maybeWrapLocked()
}

// PublishCatalogReset forces every reader to drop its entire
// system-catalog cache, the bus's second sentinel, used for DDL that
// cannot be expressed as individual cache-line invalidations.
func (b *Bus) PublishCatalogReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forceResetLocked(sentinelCatalog)
}

func (b *Bus) forceResetLocked(kind uint8) {
	idx := b.maxMsgNum % RingSize
	b.ring[idx] = slot{kind: kind}
	b.maxMsgNum++
	for tid := range b.cursors {
		b.cursors[tid] = b.maxMsgNum - 1
	}
	b.maybeWrapLocked()
}

// maybeWrapLocked applies the modular reset once minMsgNum has grown
// past a multiple of the ring size large enough that the raw counters
// risk overflow in a long-running process.
func (b *Bus) maybeWrapLocked() {
	if b.minMsgNum < wrapAt {
		return
	}
	shift := b.minMsgNum - (b.minMsgNum % RingSize)
	b.minMsgNum -= shift
	b.maxMsgNum -= shift
	for tid, n := range b.cursors {
		if n >= shift {
			b.cursors[tid] = n - shift
		} else {
			b.cursors[tid] = 0
		}
	}
}

// Consumed carries every message tid had not yet seen, or a ResetKind
// other than ResetNone when the caller must invalidate its cache
// wholesale instead of trusting individual entries.
type Consumed struct {
	Messages []Data
	Reset    ResetKind
}

// ResetKind tells a consumer whether to apply individual invalidation
// messages or drop its cache wholesale.
type ResetKind uint8

const (
	ResetNone ResetKind = iota
	ResetRelcache
	ResetCatalog
)

// Consume reads every message published since tid's last Consume call.
func (b *Bus) Consume(tid uint64) Consumed {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, ok := b.cursors[tid]
	if !ok {
		next = b.minMsgNum
	}
	if next < b.minMsgNum {
		// This reader fell behind the garbage collector's low-water
		// mark; the messages it missed are gone, so it must reset.
		b.cursors[tid] = b.maxMsgNum
		b.gcLocked()
		return Consumed{Reset: ResetRelcache}
	}

	var out Consumed
	for n := next; n < b.maxMsgNum; n++ {
		s := b.ring[n%RingSize]
		switch s.kind {
		case sentinelRelcache:
			out = Consumed{Reset: ResetRelcache}
		case sentinelCatalog:
			out = Consumed{Reset: ResetCatalog}
		default:
			if out.Reset == ResetNone {
				out.Messages = append(out.Messages, s.data)
			}
		}
	}
	b.cursors[tid] = b.maxMsgNum
	b.gcLocked()
	return out
}

// gcLocked advances minMsgNum to the slowest remaining reader, freeing
// ring slots no live cursor still needs. Caller holds b.mu.
func (b *Bus) gcLocked() {
	slowest := b.maxMsgNum
	for _, n := range b.cursors {
		if n < slowest {
			slowest = n
		}
	}
	if slowest > b.minMsgNum {
		b.minMsgNum = slowest
	}
}

// Watermarks reports the bus's current low/high message numbers, for
// the admin introspection surface.
type Watermarks struct {
	MinMsgNum uint64
	MaxMsgNum uint64
	Readers   int
}

// Watermarks returns the bus's current occupancy.
func (b *Bus) Watermarks() Watermarks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Watermarks{MinMsgNum: b.minMsgNum, MaxMsgNum: b.maxMsgNum, Readers: len(b.cursors)}
}
