// Package lock implements the lock manager: eight PostgreSQL-style lock
// modes, their conflict matrix, per-lockable-object holder bookkeeping,
// and FIFO wait queues with a deadlock-avoidance enqueue order. Waiting
// is expressed with per-waiter channels rather than a condvar, but keeps
// the classic "wake on a ~2s cycle and re-check cancellation" shape of a
// timed condvar wait.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weaverdb/weaverdb-sub002/internal/shmem"
)

// Mode is one of the eight standard lock modes, 1-indexed so that mode 0
// is never a valid request (it plays the role of "no lock").
type Mode uint8

const (
	_ Mode = iota
	AccessShare
	RowShare
	RowExclusive
	ShareUpdateExclusive
	Share
	ShareRowExclusive
	Exclusive
	AccessExclusive

	numModes = 8
)

func (m Mode) String() string {
	names := [...]string{"", "AccessShare", "RowShare", "RowExclusive",
		"ShareUpdateExclusive", "Share", "ShareRowExclusive", "Exclusive", "AccessExclusive"}
	if int(m) < len(names) {
		return names[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func bit(m Mode) uint16 { return 1 << uint(m) }

// conflictTab[requested] is the bitmask of modes that conflict with
// `requested` when currently held by another holder — the standard
// PostgreSQL two-phase-locking conflict table.
var conflictTab = [numModes + 1]uint16{
	0,
	bit(AccessExclusive),                  // AccessShare
	bit(Exclusive) | bit(AccessExclusive), // RowShare
	bit(Share) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),                                    // RowExclusive
	bit(ShareUpdateExclusive) | bit(Share) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),        // ShareUpdateExclusive
	bit(RowExclusive) | bit(ShareUpdateExclusive) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive), // Share
	bit(RowExclusive) | bit(ShareUpdateExclusive) | bit(Share) | bit(ShareRowExclusive) |
		bit(Exclusive) | bit(AccessExclusive), // ShareRowExclusive
	bit(RowShare) | bit(RowExclusive) | bit(ShareUpdateExclusive) | bit(Share) |
		bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive), // Exclusive
	bit(AccessShare) | bit(RowShare) | bit(RowExclusive) | bit(ShareUpdateExclusive) |
		bit(Share) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive), // AccessExclusive
}

// Conflicts reports whether requesting `req` conflicts with a lock
// currently held in mode `held`.
func Conflicts(req, held Mode) bool {
	return conflictTab[req]&bit(held) != 0
}

// priority is the tiebreak vector used only to order waiters requesting
// different, mutually-compatible modes; higher values are served first.
var priority = [numModes + 1]int{0, 1, 2, 3, 3, 4, 5, 6, 7}

// Method selects an independent lock table. Method 1 and 2 (heap, index)
// are internal; method 3 is a caller-exposed advisory space.
type Method uint8

const (
	MethodHeap Method = iota + 1
	MethodIndex
	MethodUser
)

// Tag identifies one lockable object.
type Tag struct {
	Method     Method
	RelID      uint64
	DatabaseID uint32
	BlockOrXid uint64
	Offset     uint16
}

// ThreadID identifies the requesting backend; it is the same value as
// proc.Slot.TID, kept untyped here to avoid an import cycle.
type ThreadID = uint64

// XID is the requesting transaction id, untyped for the same reason as
// ThreadID.
type XID = uint64

type holderKey struct {
	tid ThreadID
	xid XID
}

// Holder records per-mode grant counts for one (lock, thread, xid)
// triple so release semantics are symmetric with acquisition. Holder
// rows live in the manager's shared arena and are addressed by Ref:
// allocated on first need, freed when every count returns to zero.
type Holder struct {
	counts [numModes + 1]int32
}

func (h Holder) empty() bool {
	for _, c := range h.counts {
		if c != 0 {
			return false
		}
	}
	return true
}

type waiter struct {
	key      holderKey
	mode     Mode
	holdMask uint16 // modes this same thread already holds on this row, for deadlock checks
	granted  chan struct{}
	failed   chan error
}

type row struct {
	mu            sync.Mutex
	tag           Tag
	holders       [numModes + 1]int32 // total demand per mode (granted + queued)
	activeHolders [numModes + 1]int32 // actually granted per mode
	waitMask      uint16
	nHolding      int32
	nActive       int32
	queue         []*waiter
	byHolder      map[holderKey]shmem.Ref
}

// heldMask returns the bitmask of modes this holder currently has
// actively granted on the row.
func (h Holder) heldMask() uint16 {
	var mask uint16
	for m := Mode(1); m <= numModes; m++ {
		if h.counts[m] > 0 {
			mask |= bit(m)
		}
	}
	return mask
}

// ErrDeadlock is returned when enqueuing would create a wait-for cycle
// detectable against the current queue: a prior waiter requests a mode
// conflicting with a mode we already hold, while we request a mode
// conflicting with what it holds.
var ErrDeadlock = fmt.Errorf("lock: deadlock detected")

// ErrSelfConflict is returned when the requester already holds, under a
// different xid on the same thread, a mode that conflicts with the one
// requested.
var ErrSelfConflict = fmt.Errorf("lock: self-conflicting lock request")

// ErrCancelled is returned when a waiter's context is cancelled, or its
// cancel flag observed set, before the lock was granted.
var ErrCancelled = fmt.Errorf("lock: wait cancelled")

// pollInterval is how often a blocked waiter re-checks cancellation.
var pollInterval = 2 * time.Second

// Manager owns every lockable object's row, partitioned across a fixed
// number of lock-table partitions so unrelated objects don't contend on
// one mutex. Holder rows for every partition live in one shared arena,
// addressed by shmem.Ref rather than pointers.
type Manager struct {
	partitions  []*partition
	mask        uint64
	holderArena *shmem.Arena[Holder]
}

type partition struct {
	mu   sync.Mutex
	rows map[Tag]*row
}

// NewManager creates a lock manager with numberOfLockTables partitions
// (rounded up to a power of two, minimum 1).
func NewManager(numberOfLockTables int) *Manager {
	if numberOfLockTables < 1 {
		numberOfLockTables = 1
	}
	n := 1
	for n < numberOfLockTables {
		n <<= 1
	}
	m := &Manager{
		partitions:  make([]*partition, n),
		mask:        uint64(n - 1),
		holderArena: shmem.NewArena[Holder](64),
	}
	for i := range m.partitions {
		m.partitions[i] = &partition{rows: make(map[Tag]*row)}
	}
	return m
}

func (m *Manager) partitionFor(tag Tag) *partition {
	h := uint64(tag.Method)<<48 ^ tag.RelID ^ uint64(tag.DatabaseID)<<32 ^ tag.BlockOrXid ^ uint64(tag.Offset)
	return m.partitions[h&m.mask]
}

func (m *Manager) getRow(tag Tag) *row {
	p := m.partitionFor(tag)
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rows[tag]
	if !ok {
		r = &row{tag: tag}
		p.rows[tag] = r
	}
	return r
}

// maybeEvict removes a row from its partition map once nothing holds or
// waits on it, returning its holder rows to the arena, so idle lockable
// objects don't accumulate forever.
func (m *Manager) maybeEvict(r *row) {
	p := m.partitionFor(r.tag)
	p.mu.Lock()
	defer p.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nHolding == 0 && len(r.queue) == 0 {
		for _, ref := range r.byHolder {
			m.holderArena.Free(ref)
		}
		r.byHolder = nil
		delete(p.rows, r.tag)
	}
}

// holderRef returns the arena ref of k's holder row on r, allocating a
// zeroed row on first need. Caller holds r.mu.
func (m *Manager) holderRef(r *row, k holderKey) shmem.Ref {
	if r.byHolder == nil {
		r.byHolder = make(map[holderKey]shmem.Ref)
	}
	ref, ok := r.byHolder[k]
	if !ok {
		ref = m.holderArena.Alloc()
		r.byHolder[k] = ref
	}
	return ref
}

// holderAt reads the holder row addressed by ref; an invalid ref reads
// as an empty row.
func (m *Manager) holderAt(ref shmem.Ref) Holder {
	h, err := m.holderArena.Get(ref)
	if err != nil {
		return Holder{}
	}
	return h
}

// dropHolder unlinks k's holder row from r and returns it to the arena.
// Caller holds r.mu.
func (m *Manager) dropHolder(r *row, k holderKey) {
	if ref, ok := r.byHolder[k]; ok {
		delete(r.byHolder, k)
		m.holderArena.Free(ref)
	}
}

// Acquire requests mode on tag for (tid, xid). It blocks until granted,
// refused (ErrSelfConflict/ErrDeadlock), or cancelled. cancelFlag, when
// non-nil, is polled every pollInterval while waiting — the per-thread
// cancel flag a backend checks on every timed wake.
func (m *Manager) Acquire(ctx context.Context, tag Tag, tid ThreadID, xid XID, mode Mode, cancelFlag func() bool) error {
	if mode < 1 || mode > numModes {
		return fmt.Errorf("lock: invalid mode %d", mode)
	}
	r := m.getRow(tag)
	r.mu.Lock()

	k := holderKey{tid: tid, xid: xid}
	mineRef := m.holderRef(r, k)
	mine := m.holderAt(mineRef)

	// Step 3: self-conflict against this thread's own other xid holder
	// rows on the same object.
	for hk, ref := range r.byHolder {
		if hk.tid == tid && hk.xid != xid {
			if conflictTab[mode]&m.holderAt(ref).heldMask() != 0 {
				if mine.empty() {
					m.dropHolder(r, k)
				}
				r.mu.Unlock()
				m.maybeEvict(r)
				return ErrSelfConflict
			}
		}
	}

	otherActive := func(mm Mode) int32 { return r.activeHolders[mm] - mine.counts[mm] }

	conflict := false
	for held := Mode(1); held <= numModes; held++ {
		if otherActive(held) > 0 && Conflicts(mode, held) {
			conflict = true
			break
		}
	}

	if !conflict {
		r.holders[mode]++
		r.activeHolders[mode]++
		r.nHolding++
		r.nActive++
		m.holderArena.Mutate(mineRef, func(h *Holder) { h.counts[mode]++ })
		r.mu.Unlock()
		return nil
	}

	// Deadlock check against queued waiters: if some prior waiter already
	// holds (via its own holder row) a mode we want, and simultaneously
	// wants a mode we already hold, that's a cycle.
	for _, w := range r.queue {
		if w.key == k {
			continue
		}
		var otherHeld uint16
		if ref, ok := r.byHolder[w.key]; ok {
			otherHeld = m.holderAt(ref).heldMask()
		}
		if conflictTab[mode]&otherHeld != 0 && conflictTab[w.mode]&mine.heldMask() != 0 {
			if mine.empty() {
				m.dropHolder(r, k)
			}
			r.mu.Unlock()
			m.maybeEvict(r)
			return ErrDeadlock
		}
	}

	w := &waiter{key: k, mode: mode, holdMask: mine.heldMask(), granted: make(chan struct{}), failed: make(chan error, 1)}
	insertWaiter(r, w)
	r.holders[mode]++
	r.nHolding++
	r.waitMask |= bit(mode)
	r.mu.Unlock()

	return m.waitForGrant(ctx, r, w, mode, cancelFlag)
}

// insertWaiter enqueues w using the scan-from-tail heuristic: walk back
// past waiters whose mode neither conflicts with w's nor outranks it in
// the priority vector (letting compatible modes coalesce, stronger
// requests first), stopping at the first conflicting or equal-priority
// one and inserting just after it — which preserves FIFO order per
// conflicting class, since two waiters of the same mode always share a
// priority.
func insertWaiter(r *row, w *waiter) {
	i := len(r.queue)
	for i > 0 {
		prev := r.queue[i-1]
		if Conflicts(w.mode, prev.mode) || Conflicts(prev.mode, w.mode) {
			break
		}
		if priority[prev.mode] >= priority[w.mode] {
			break
		}
		i--
	}
	r.queue = append(r.queue, nil)
	copy(r.queue[i+1:], r.queue[i:])
	r.queue[i] = w
}

func (m *Manager) waitForGrant(ctx context.Context, r *row, w *waiter, mode Mode, cancelFlag func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.granted:
			return nil
		case err := <-w.failed:
			return err
		case <-ctx.Done():
			if !m.cancelWait(r, w, mode) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if cancelFlag != nil && cancelFlag() {
				if !m.cancelWait(r, w, mode) {
					return nil
				}
				return ErrCancelled
			}
		}
	}
}

// cancelWait dequeues w and undoes its demand counters. It reports false
// when the grant raced the cancellation and won; the caller then owns
// the lock and must report success, not error.
func (m *Manager) cancelWait(r *row, w *waiter, mode Mode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-w.granted:
		return false
	default:
	}
	for i, q := range r.queue {
		if q == w {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.holders[mode]--
			r.nHolding--
			if r.holders[mode] == 0 {
				r.waitMask &^= bit(mode)
			}
			return true
		}
	}
	return true
}

// Release decrements the per-mode holder count for (tid, xid) on tag and
// wakes any now-compatible waiters.
func (m *Manager) Release(tag Tag, tid ThreadID, xid XID, mode Mode) error {
	r := m.getRow(tag)
	defer m.maybeEvict(r)

	r.mu.Lock()
	k := holderKey{tid: tid, xid: xid}
	ref, ok := r.byHolder[k]
	if !ok || m.holderAt(ref).counts[mode] == 0 {
		r.mu.Unlock()
		return fmt.Errorf("lock: release of mode %s not held by (%d,%d)", mode, tid, xid)
	}
	m.holderArena.Mutate(ref, func(h *Holder) { h.counts[mode]-- })
	r.activeHolders[mode]--
	r.holders[mode]--
	r.nActive--
	r.nHolding--
	if r.activeHolders[mode] == r.holders[mode] {
		r.waitMask &^= bit(mode)
	}
	if m.holderAt(ref).empty() {
		m.dropHolder(r, k)
	}
	m.wakeup(r)
	r.mu.Unlock()
	return nil
}

// wakeup walks the queue from the tail granting waiters whose mode is
// compatible with the current active-holder set, stopping at the first
// still-blocked waiter.
func (m *Manager) wakeup(r *row) {
	for i := len(r.queue) - 1; i >= 0; i-- {
		w := r.queue[i]
		blocked := false
		var mineCounts [numModes + 1]int32
		if ref, ok := r.byHolder[w.key]; ok {
			mineCounts = m.holderAt(ref).counts
		}
		for held := Mode(1); held <= numModes; held++ {
			if r.activeHolders[held]-mineCounts[held] > 0 && Conflicts(w.mode, held) {
				blocked = true
				break
			}
		}
		if blocked {
			break
		}
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		ref := m.holderRef(r, w.key)
		m.holderArena.Mutate(ref, func(h *Holder) { h.counts[w.mode]++ })
		r.activeHolders[w.mode]++
		r.nActive++
		if r.holders[w.mode] == r.activeHolders[w.mode] {
			r.waitMask &^= bit(w.mode)
		}
		close(w.granted)
	}
}

// ReleaseAll releases every mode tid/xid holds on tag, the step
// "dropping all locks of a xact" performs for one lockable object.
func (m *Manager) ReleaseAll(tag Tag, tid ThreadID, xid XID) {
	r := m.getRow(tag)
	defer m.maybeEvict(r)
	r.mu.Lock()
	k := holderKey{tid: tid, xid: xid}
	ref, ok := r.byHolder[k]
	if !ok {
		r.mu.Unlock()
		return
	}
	h := m.holderAt(ref)
	for mode := Mode(1); mode <= numModes; mode++ {
		for h.counts[mode] > 0 {
			h.counts[mode]--
			r.activeHolders[mode]--
			r.holders[mode]--
			r.nActive--
			r.nHolding--
			if r.activeHolders[mode] == r.holders[mode] {
				r.waitMask &^= bit(mode)
			}
		}
	}
	m.dropHolder(r, k)
	m.wakeup(r)
	r.mu.Unlock()
}

// deadlockEdge is one "waiter is blocked on holder" dependency found
// while scanning a lock row, carrying enough state to abort the waiter
// if it turns out to close a cycle.
type deadlockEdge struct {
	waiter *waiter
	row    *row
	to     ThreadID
}

// snapshotWaitGraph walks every row of every partition once, recording a
// deadlockEdge from each queued waiter to each active holder whose mode
// conflicts with it. The per-row enqueue-time check in Acquire only sees
// the row being acquired, so it catches a cycle solely when both
// transactions contend on the same lockable object; this builds the
// wait-for graph across every object a transaction holds or waits on,
// the cross-resource case the enqueue-time check cannot see.
func (m *Manager) snapshotWaitGraph() map[ThreadID][]deadlockEdge {
	edges := make(map[ThreadID][]deadlockEdge)
	for _, p := range m.partitions {
		p.mu.Lock()
		rows := make([]*row, 0, len(p.rows))
		for _, r := range p.rows {
			rows = append(rows, r)
		}
		p.mu.Unlock()

		for _, r := range rows {
			r.mu.Lock()
			for _, w := range r.queue {
				for hk, ref := range r.byHolder {
					if hk.tid == w.key.tid {
						continue
					}
					if conflictTab[w.mode]&m.holderAt(ref).heldMask() != 0 {
						edges[w.key.tid] = append(edges[w.key.tid], deadlockEdge{waiter: w, row: r, to: hk.tid})
					}
				}
			}
			r.mu.Unlock()
		}
	}
	return edges
}

// findCycle runs a colored DFS over the wait-for graph and returns the
// edge that closes the first cycle found, or nil if the graph is
// acyclic.
func findCycle(edges map[ThreadID][]deadlockEdge) *deadlockEdge {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[ThreadID]int, len(edges))
	var found *deadlockEdge

	var visit func(tid ThreadID) bool
	visit = func(tid ThreadID) bool {
		color[tid] = gray
		for i := range edges[tid] {
			e := &edges[tid][i]
			switch color[e.to] {
			case gray:
				found = e
				return true
			case white:
				if visit(e.to) {
					return true
				}
			}
		}
		color[tid] = black
		return false
	}

	for tid := range edges {
		if color[tid] == white && visit(tid) {
			return found
		}
	}
	return nil
}

// breakDeadlock dequeues e's waiter from its row and fails it with
// ErrDeadlock, the same outcome Acquire's same-row check produces, but
// reached via the cross-row graph scan instead.
func (m *Manager) breakDeadlock(e *deadlockEdge) {
	r := e.row
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.queue {
		if q != e.waiter {
			continue
		}
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		r.holders[e.waiter.mode]--
		r.nHolding--
		if r.holders[e.waiter.mode] == 0 {
			r.waitMask &^= bit(e.waiter.mode)
		}
		select {
		case e.waiter.failed <- ErrDeadlock:
		default:
		}
		return
	}
}

// DetectDeadlocks builds the current cross-row wait-for graph and, if it
// finds a cycle, aborts one waiter on it with ErrDeadlock so the others
// can make progress. It resolves at most one cycle per call; a periodic
// caller (see StartDeadlockDetector) converges on a deadlock-free graph
// over successive calls the way PostgreSQL's SIGALRM-driven checker
// reruns until its own wait resolves. Returns the thread id aborted, or
// 0 if no cycle was found.
func (m *Manager) DetectDeadlocks() ThreadID {
	e := findCycle(m.snapshotWaitGraph())
	if e == nil {
		return 0
	}
	m.breakDeadlock(e)
	return e.waiter.key.tid
}

// StartDeadlockDetector runs DetectDeadlocks every interval until ctx is
// cancelled.
func (m *Manager) StartDeadlockDetector(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.DetectDeadlocks()
			}
		}
	}()
}

// Stats reports live demand on a lockable object, used by the admin
// introspection surface.
type Stats struct {
	Holders  [numModes + 1]int32
	Active   [numModes + 1]int32
	WaitMask uint16
	Queued   int
}

func (m *Manager) Stats(tag Tag) Stats {
	r := m.getRow(tag)
	defer m.maybeEvict(r)
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Holders: r.holders, Active: r.activeHolders, WaitMask: r.waitMask, Queued: len(r.queue)}
}
