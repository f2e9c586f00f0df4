// Package buffer implements the shared buffer cache: a fixed array of
// page-sized frames plus a parallel array of buffer descriptors carrying
// pin counts, content-latch state, an I/O-in-progress barrier, and a
// sequential-scan "bias" hint, evicted LRU-first with pinned frames
// skipped.
package buffer

import (
	"fmt"
	"sync"

	"github.com/weaverdb/weaverdb-sub002/internal/page"
	"github.com/weaverdb/weaverdb-sub002/internal/shmem"
	"github.com/weaverdb/weaverdb-sub002/internal/smgr"
)

// Tag identifies one cached page: a relation plus a block number, scoped
// to a storage-manager namespace.
type Tag struct {
	Rel         smgr.RelTag
	BlockNumber uint32
}

// locflags bits carried by each descriptor.
type locflags uint8

const (
	flagFree locflags = 1 << iota
	flagIOInProgress
	flagDirty
	flagReaped
	flagValid
)

// descriptor is one buffer descriptor. The content latch is a classic
// Go RWMutex; the I/O-in-progress barrier is a dedicated mutex + cond so
// waiters for I/O completion are distinguishable from ordinary content
// readers.
type descriptor struct {
	tag      Tag
	data     []byte
	refCount int32
	flags    locflags
	bias     int32 // sequential-scan hint; higher survives eviction longer

	latchMu sync.RWMutex // content latch
	ioMu    sync.Mutex
	ioCond  *sync.Cond

	prev, next int // LRU links, -1 terminates
}

// tagHash feeds the buffer lookup table's DynHash, mixing the relation's
// database/relation ids with the block number.
func tagHash(t Tag) uint64 {
	return uint64(t.Rel.DatabaseID)<<40 ^ t.Rel.RelID<<20 ^ uint64(t.BlockNumber)
}

// segBitsFor picks a DynHash segment count proportional to the pool size
// so the lookup table's collision chains stay short without the caller
// having to reason about hashing directly.
func segBitsFor(nframes int) uint {
	bits := uint(4)
	for (1 << bits) < nframes {
		bits++
	}
	return bits
}

// ReadTrigger is a per-relation callback the pool invokes on each
// successful read through ReadBufferTriggered, while holding a shared
// content latch on the frame. Delegated scans register one to publish
// tuple identifiers as pages stream through the cache.
type ReadTrigger func(tag Tag, page []byte)

// Pool is the shared buffer cache.
type Pool struct {
	mu       sync.Mutex
	sm       smgr.Manager
	descs    []*descriptor
	byTag    *shmem.DynHash[Tag, int]
	freeList []int
	head     int // most-recently-used index, -1 if empty
	tail     int // least-recently-used index, -1 if empty

	triggerMu    sync.RWMutex
	readTriggers map[smgr.RelTag]ReadTrigger
}

// New creates a buffer cache of nframes page-sized frames backed by sm.
func New(sm smgr.Manager, nframes int) *Pool {
	p := &Pool{
		sm:           sm,
		byTag:        shmem.NewDynHash[Tag, int](segBitsFor(nframes), tagHash),
		head:         -1,
		tail:         -1,
		readTriggers: make(map[smgr.RelTag]ReadTrigger),
	}
	p.descs = make([]*descriptor, nframes)
	for i := 0; i < nframes; i++ {
		d := &descriptor{data: make([]byte, smgr.PageSize), flags: flagFree, prev: -1, next: -1}
		d.ioCond = sync.NewCond(&d.ioMu)
		p.descs[i] = d
		p.freeList = append(p.freeList, i)
	}
	return p
}

// ErrNoBuffers is returned when every frame is pinned and none can be
// evicted.
var ErrNoBuffers = fmt.Errorf("buffer: no unpinned frames available")

func (p *Pool) unlink(i int) {
	d := p.descs[i]
	if d.prev >= 0 {
		p.descs[d.prev].next = d.next
	} else {
		p.head = d.next
	}
	if d.next >= 0 {
		p.descs[d.next].prev = d.prev
	} else {
		p.tail = d.prev
	}
	d.prev, d.next = -1, -1
}

func (p *Pool) pushFront(i int) {
	d := p.descs[i]
	d.next = p.head
	d.prev = -1
	if p.head >= 0 {
		p.descs[p.head].prev = i
	}
	p.head = i
	if p.tail < 0 {
		p.tail = i
	}
}

func (p *Pool) moveToFront(i int) {
	p.unlink(i)
	p.pushFront(i)
}

// evictOne scans from the LRU tail for the first unpinned, non-IO frame,
// skipping frames whose bias hint is still positive (decrementing it
// instead), mirroring "a bias hint used by sequential scanners to avoid
// evicting prefetched pages".
func (p *Pool) evictOne() (int, bool) {
	for i := p.tail; i >= 0; i = p.descs[i].prev {
		d := p.descs[i]
		if d.refCount != 0 || d.flags&flagIOInProgress != 0 {
			continue
		}
		if d.bias > 0 {
			d.bias--
			continue
		}
		return i, true
	}
	// Second pass: ignore bias if nothing else was evictable.
	for i := p.tail; i >= 0; i = p.descs[i].prev {
		d := p.descs[i]
		if d.refCount == 0 && d.flags&flagIOInProgress == 0 {
			return i, true
		}
	}
	return 0, false
}

func (p *Pool) flushIfDirty(i int) error {
	d := p.descs[i]
	if d.flags&flagDirty == 0 {
		return nil
	}
	d.flags |= flagIOInProgress
	err := p.sm.WriteBlock(d.tag.Rel, d.tag.BlockNumber, d.data)
	d.flags &^= flagDirty
	d.flags &^= flagIOInProgress
	d.ioCond.Broadcast()
	return err
}

// RegisterReadTrigger installs fn as rel's read trigger, replacing any
// previous one, and returns a func that removes it again. A nil fn just
// removes the current trigger.
func (p *Pool) RegisterReadTrigger(rel smgr.RelTag, fn ReadTrigger) (unregister func()) {
	p.triggerMu.Lock()
	if fn == nil {
		delete(p.readTriggers, rel)
	} else {
		p.readTriggers[rel] = fn
	}
	p.triggerMu.Unlock()
	return func() {
		p.triggerMu.Lock()
		delete(p.readTriggers, rel)
		p.triggerMu.Unlock()
	}
}

// fireReadTrigger runs rel's trigger, if any, against the frame at idx
// under a shared content latch.
func (p *Pool) fireReadTrigger(tag Tag, idx int) {
	p.triggerMu.RLock()
	fn := p.readTriggers[tag.Rel]
	p.triggerMu.RUnlock()
	if fn == nil {
		return
	}
	d := p.descs[idx]
	d.latchMu.RLock()
	fn(tag, d.data)
	d.latchMu.RUnlock()
}

// ReadBuffer pins the page for (rel, blockNumber), loading it from the
// storage manager on a cache miss, and returns its descriptor index.
// Callers release the pin with ReleaseBuffer.
func (p *Pool) ReadBuffer(tag Tag) (int, error) {
	p.mu.Lock()
	if idx, ok := p.byTag.Find(tag); ok {
		d := p.descs[idx]
		d.refCount++
		p.moveToFront(idx)
		p.mu.Unlock()
		return idx, nil
	}

	idx, ok := p.allocFrame()
	if !ok {
		p.mu.Unlock()
		return 0, ErrNoBuffers
	}
	d := p.descs[idx]
	d.flags |= flagIOInProgress
	d.tag = tag
	p.mu.Unlock()

	if err := p.sm.ReadBlock(tag.Rel, tag.BlockNumber, d.data); err != nil {
		p.mu.Lock()
		d.flags &^= flagIOInProgress
		d.flags |= flagFree
		p.freeList = append(p.freeList, idx)
		p.unlink(idx)
		p.mu.Unlock()
		return 0, fmt.Errorf("buffer: read miss: %w", err)
	}
	if err := page.Validate(d.data); err != nil {
		p.mu.Lock()
		d.flags &^= flagIOInProgress
		p.mu.Unlock()
		return 0, fmt.Errorf("buffer: %w", err)
	}

	p.mu.Lock()
	d.flags &^= flagIOInProgress
	d.flags |= flagValid
	d.refCount = 1
	p.byTag.Upsert(tag, idx)
	p.mu.Unlock()
	return idx, nil
}

// ReadBufferTriggered is ReadBuffer plus the relation's TRIGGER_READ
// hook: after a successful read it invokes the relation's registered
// read trigger, if any, under a shared content latch. Only access paths
// that opt in — the delegated scan's producer — read through this entry
// point; plain ReadBuffer callers never fire triggers.
func (p *Pool) ReadBufferTriggered(tag Tag) (int, error) {
	idx, err := p.ReadBuffer(tag)
	if err != nil {
		return idx, err
	}
	p.fireReadTrigger(tag, idx)
	return idx, nil
}

// allocFrame returns a frame index ready to be (re)used, evicting the LRU
// unpinned frame if the free list is empty. Caller holds p.mu.
func (p *Pool) allocFrame() (int, bool) {
	if len(p.freeList) > 0 {
		idx := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		p.pushFront(idx)
		p.descs[idx].flags &^= flagFree
		return idx, true
	}
	idx, ok := p.evictOne()
	if !ok {
		return 0, false
	}
	d := p.descs[idx]
	if err := p.flushIfDirty(idx); err != nil {
		return 0, false
	}
	p.byTag.Remove(d.tag)
	p.moveToFront(idx)
	return idx, true
}

// ReleaseBuffer decrements the pin count for idx.
func (p *Pool) ReleaseBuffer(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.descs[idx]
	if d.refCount > 0 {
		d.refCount--
	}
}

// LockMode selects the content-latch discipline for LockBuffer.
type LockMode int

const (
	LockShare LockMode = iota
	LockExclusive
)

// LockBuffer takes the frame's content latch. IO_IN_PROGRESS is not
// checked here because Go's RWMutex already serializes readers/writers;
// WaitIO below is the explicit barrier for callers that must not proceed
// while a physical I/O is outstanding.
func (p *Pool) LockBuffer(idx int, mode LockMode) {
	d := p.descs[idx]
	if mode == LockShare {
		d.latchMu.RLock()
	} else {
		d.latchMu.Lock()
	}
}

// UnlockBuffer releases the content latch taken by LockBuffer.
func (p *Pool) UnlockBuffer(idx int, mode LockMode) {
	d := p.descs[idx]
	if mode == LockShare {
		d.latchMu.RUnlock()
	} else {
		d.latchMu.Unlock()
	}
}

// WaitIO blocks until any in-progress I/O on idx completes.
func (p *Pool) WaitIO(idx int) {
	d := p.descs[idx]
	d.ioMu.Lock()
	for d.flags&flagIOInProgress != 0 {
		d.ioCond.Wait()
	}
	d.ioMu.Unlock()
}

// Page returns the frame's page buffer. Callers must hold a content
// latch (LockBuffer) before reading or writing through it.
func (p *Pool) Page(idx int) []byte { return p.descs[idx].data }

// MarkDirty flags the frame as dirty; WriteBuffer in spec terms is
// "mark dirty then release the exclusive latch", which callers express
// as MarkDirty followed by UnlockBuffer.
func (p *Pool) MarkDirty(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.descs[idx].flags |= flagDirty
}

// SetBias sets the sequential-scan eviction-avoidance hint on idx.
func (p *Pool) SetBias(idx int, bias int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.descs[idx].bias = bias
}

// AllocateMoreSpace extends the relation by one page, initializes it via
// initFn (a caller-provided special-area prototype), and returns it
// pinned under an exclusive latch.
func (p *Pool) AllocateMoreSpace(rel smgr.RelTag, initFn func([]byte)) (Tag, int, error) {
	blockNumber, err := p.sm.Extend(rel)
	if err != nil {
		return Tag{}, 0, fmt.Errorf("buffer: extend: %w", err)
	}
	tag := Tag{Rel: rel, BlockNumber: blockNumber}

	p.mu.Lock()
	idx, ok := p.allocFrame()
	if !ok {
		p.mu.Unlock()
		return Tag{}, 0, ErrNoBuffers
	}
	d := p.descs[idx]
	d.tag = tag
	d.refCount = 1
	d.flags |= flagValid
	d.flags &^= flagFree
	p.byTag.Upsert(tag, idx)
	p.mu.Unlock()

	d.latchMu.Lock()
	initFn(d.data)
	if err := p.sm.WriteBlock(rel, blockNumber, d.data); err != nil {
		d.latchMu.Unlock()
		return Tag{}, 0, fmt.Errorf("buffer: write new page: %w", err)
	}
	return tag, idx, nil
}

// FlushAll writes every dirty frame through the storage manager, the
// buffer-pool half of a checkpoint. It does not evict or unpin anything;
// frames remain cache-resident.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.descs {
		if err := p.flushIfDirty(i); err != nil {
			return fmt.Errorf("buffer: checkpoint flush frame %d: %w", i, err)
		}
	}
	return nil
}

// Stats summarizes current pool occupancy for the admin surface.
type Stats struct {
	Frames int
	InUse  int
	Pinned int
	Dirty  int
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Frames: len(p.descs)}
	for _, d := range p.descs {
		if d.flags&flagFree == 0 {
			st.InUse++
		}
		if d.refCount > 0 {
			st.Pinned++
		}
		if d.flags&flagDirty != 0 {
			st.Dirty++
		}
	}
	return st
}
