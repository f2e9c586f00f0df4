// Package mvcc implements snapshot-based tuple visibility: a tuple
// header carrying xmin/xmax/cmin/cmax and a hint-bit flag word, a
// transaction-outcome log those hint bits cache, snapshots acquired by
// walking the thread registry, and the visibility predicates tuple
// access goes through — one per caller class, since an ordinary read, an
// UPDATE's conflict check, a uniqueness probe, and a vacuum sweep each
// need a differently shaped answer.
package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/weaverdb/weaverdb-sub002/internal/page"
	"github.com/weaverdb/weaverdb-sub002/internal/proc"
)

// Infomask bits, a cache of transaction outcome over a tuple's inserter
// and deleter. Bits are monotonic and idempotent: once set, a bit is
// never cleared, so no latch guards them.
type Infomask uint32

const (
	XminCommitted Infomask = 1 << iota
	XminInvalid
	XmaxCommitted
	XmaxInvalid
	MovedIn
	MovedOut
	MarkedForUpdate
)

// TupleHeader is the MVCC metadata carried by every heap tuple.
type TupleHeader struct {
	Xmin, Xmax uint64
	Cmin, Cmax uint32
	Ctid       page.ItemPointer

	infomask atomic.Uint32
}

// NewTupleHeader builds a tuple header for a freshly inserted or
// recovered tuple, with the given initial hint-bit word (0 for a tuple
// whose inserter's outcome is not yet cached).
func NewTupleHeader(xmin, xmax uint64, cmin, cmax uint32, ctid page.ItemPointer, infomask Infomask) *TupleHeader {
	h := &TupleHeader{Xmin: xmin, Xmax: xmax, Cmin: cmin, Cmax: cmax, Ctid: ctid}
	h.infomask.Store(uint32(infomask))
	return h
}

// Infomask returns the current hint-bit word.
func (h *TupleHeader) Infomask() Infomask { return Infomask(h.infomask.Load()) }

// setHint ORs bit into the header's hint-bit word. Lock-free: a racing
// writer can only ever add the same or another monotonic bit, so lost
// updates self-correct on the next read.
func (h *TupleHeader) setHint(bit Infomask) {
	for {
		old := h.infomask.Load()
		n := old | uint32(bit)
		if n == old || h.infomask.CompareAndSwap(old, n) {
			return
		}
	}
}

func (h *TupleHeader) hasHint(bit Infomask) bool { return Infomask(h.infomask.Load())&bit != 0 }

// Status is a transaction's recorded outcome in the log.
type Status uint8

const (
	StatusInProgress Status = iota
	StatusCommitted
	StatusAborted
)

// Log is the transaction-outcome log (a minimal clog): the ground truth
// hint bits cache. A transient crashed transaction is recorded aborted
// by whatever recovery path detects the crash; Log itself never infers
// that from silence.
type Log struct {
	mu       sync.RWMutex
	statuses map[uint64]Status
}

// NewLog returns an empty transaction log.
func NewLog() *Log {
	return &Log{statuses: make(map[uint64]Status)}
}

// SetCommitted records xid as committed.
func (l *Log) SetCommitted(xid uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[xid] = StatusCommitted
}

// SetAborted records xid as aborted.
func (l *Log) SetAborted(xid uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[xid] = StatusAborted
}

// Status reports xid's recorded outcome. Unknown transactions are
// reported in progress.
func (l *Log) Status(xid uint64) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.statuses[xid]; ok {
		return s
	}
	return StatusInProgress
}

// Snapshot fixes the visible state of the database at one instant:
// xmin is the lowest still-in-progress xid at snapshot time, xmax is
// the next xid to be assigned, and xip is the set of xids in progress
// between xmin and xmax.
type Snapshot struct {
	Xmin uint64
	Xmax uint64
	Xip  map[uint64]struct{}
}

// activeDuringSnapshot reports whether xid was in progress (from this
// snapshot's point of view) when the snapshot was taken.
func (s Snapshot) activeDuringSnapshot(xid uint64) bool {
	if xid >= s.Xmax {
		return true
	}
	if xid < s.Xmin {
		return false
	}
	_, ok := s.Xip[xid]
	return ok
}

// AcquireSnapshot walks the thread registry's live, non-internal,
// non-self threads, collecting the xmin of each and the set of xids
// currently in TRANS_START or TRANS_COMMIT. nextXID supplies the next
// xid to be assigned (xmax); callers typically read this under the same
// invalidation-bus lock used to register the acquiring thread, so that
// xmax is always >= every xid any concurrent snapshot has already
// observed in progress.
func AcquireSnapshot(reg *proc.Registry, selfTID uint64, nextXID uint64) Snapshot {
	live := reg.LiveThreads(selfTID)
	snap := Snapshot{Xmin: nextXID, Xmax: nextXID, Xip: make(map[uint64]struct{})}
	for _, t := range live {
		if t.XID == proc.InvalidXID {
			continue
		}
		xid := uint64(t.XID)
		if uint64(t.Xmin) != 0 && uint64(t.Xmin) < snap.Xmin {
			snap.Xmin = uint64(t.Xmin)
		}
		if xid < snap.Xmin {
			snap.Xmin = xid
		}
		if t.State == proc.StateStart || t.State == proc.StateCommit {
			snap.Xip[xid] = struct{}{}
		}
	}
	return snap
}

func committed(log *Log, xid uint64) bool { return log.Status(xid) == StatusCommitted }
func aborted(log *Log, xid uint64) bool   { return log.Status(xid) == StatusAborted }

// visibleToSelf implements the "inserted/deleted by this very
// transaction" base case SatisfiesUpdate starts from: a row this transaction itself inserted is visible unless this
// same transaction also deleted it.
func visibleToSelf(h *TupleHeader, xid uint64) (visible, applies bool) {
	if h.Xmin == xid {
		return h.Xmax == 0 || h.Xmax != xid, true
	}
	return false, false
}

// SatisfiesSelf is the base visibility rule with no command-id boundary:
// a row this transaction inserted is visible unless this same
// transaction deleted it; otherwise the inserter must have committed and
// the deleter be invalid or aborted.
func SatisfiesSelf(log *Log, h *TupleHeader, xid uint64) bool {
	if h.Xmin == xid {
		if h.Xmax == 0 {
			return true
		}
		if h.Xmax == xid {
			return false
		}
		return !resolveDeleter(log, h)
	}
	if !resolveInserter(log, h) {
		return false
	}
	if h.Xmax == 0 {
		return true
	}
	return !resolveDeleter(log, h)
}

// SatisfiesNow is the "current command" predicate: as self-visibility,
// but an insert by the current transaction is only visible once
// cmin < currentCmd, and a delete by the current transaction keeps the
// row visible while cmax >= currentCmd — so a statement does not see
// rows it is itself inserting, and still sees rows it is itself
// deleting; later commands see neither.
func SatisfiesNow(log *Log, h *TupleHeader, xid uint64, currentCmd uint32) bool {
	if h.Xmin == xid {
		if h.Cmin >= currentCmd {
			return false
		}
		if h.Xmax == xid {
			return h.Cmax >= currentCmd
		}
		return h.Xmax == 0 || !committed(log, h.Xmax)
	}
	if !resolveInserter(log, h) {
		return false
	}
	if h.Xmax == 0 {
		return true
	}
	if h.Xmax == xid {
		return h.Cmax >= currentCmd
	}
	return !resolveDeleter(log, h)
}

// resolveInserter reports whether the tuple's inserter is visible as
// committed, consulting the hint bit first and falling back to, then
// caching into, the transaction log.
func resolveInserter(log *Log, h *TupleHeader) bool {
	if h.hasHint(XminCommitted) {
		return true
	}
	if h.hasHint(XminInvalid) {
		return false
	}
	if committed(log, h.Xmin) {
		h.setHint(XminCommitted)
		return true
	}
	if aborted(log, h.Xmin) {
		h.setHint(XminInvalid)
		return false
	}
	return false
}

// resolveDeleter mirrors resolveInserter for the Xmax side. A zero Xmax
// (never deleted) is handled by callers before reaching here.
func resolveDeleter(log *Log, h *TupleHeader) bool {
	if h.hasHint(XmaxInvalid) {
		return false
	}
	if h.hasHint(XmaxCommitted) {
		return true
	}
	if aborted(log, h.Xmax) {
		h.setHint(XmaxInvalid)
		return false
	}
	if committed(log, h.Xmax) {
		h.setHint(XmaxCommitted)
		return true
	}
	return false
}

// SatisfiesSnapshot is the predicate ordinary reads use: the inserter
// must have committed and not been active (from the snapshot's point of
// view) at snapshot time, and the deleter must be invalid, aborted, or
// active at snapshot time.
func SatisfiesSnapshot(log *Log, h *TupleHeader, snap Snapshot) bool {
	if !resolveInserter(log, h) {
		return false
	}
	if snap.activeDuringSnapshot(h.Xmin) {
		return false
	}
	if h.Xmax == 0 {
		return true
	}
	if h.hasHint(XmaxInvalid) {
		return true
	}
	if !resolveDeleter(log, h) {
		return true
	}
	return snap.activeDuringSnapshot(h.Xmax)
}

// DirtySnapshot carries the side-channel xid SatisfiesDirty publishes
// when it finds a live inserter or deleter, so the caller's lock-wait
// logic knows which transaction to wait behind.
type DirtySnapshot struct {
	XminRunning uint64
	XmaxRunning uint64
}

// SatisfiesDirty is SatisfiesNow's uncommitted-read cousin: if the
// inserter or deleter is still running, the tuple is reported visible
// and the running xid is published into dirty rather than resolved
// further, the way a caller implementing SELECT FOR UPDATE/lock
// acquisition needs to know who to wait on.
func SatisfiesDirty(log *Log, h *TupleHeader, xid uint64, currentCmd uint32, dirty *DirtySnapshot) bool {
	if h.Xmin == xid {
		if h.Cmin >= currentCmd {
			return false
		}
	} else if !h.hasHint(XminCommitted) && !h.hasHint(XminInvalid) {
		st := log.Status(h.Xmin)
		switch st {
		case StatusInProgress:
			dirty.XminRunning = h.Xmin
			return true
		case StatusAborted:
			h.setHint(XminInvalid)
			return false
		case StatusCommitted:
			h.setHint(XminCommitted)
		}
	} else if h.hasHint(XminInvalid) {
		return false
	}

	if h.Xmax == 0 {
		return true
	}
	if h.Xmax == xid {
		return h.Cmax >= currentCmd
	}
	if h.hasHint(XmaxInvalid) {
		return true
	}
	if !h.hasHint(XmaxCommitted) {
		st := log.Status(h.Xmax)
		switch st {
		case StatusInProgress:
			dirty.XmaxRunning = h.Xmax
			return true
		case StatusAborted:
			h.setHint(XmaxInvalid)
			return true
		case StatusCommitted:
			h.setHint(XmaxCommitted)
		}
	}
	return false
}

// VacuumState classifies a tuple's reclaimability for a vacuum/GC pass.
type VacuumState uint8

const (
	Live VacuumState = iota
	RecentlyDead
	Dead
	InsertInProgress
	DeleteInProgress
	Stillborn
)

// SatisfiesVacuum classifies h relative to oldestXmin, the xid below
// which no snapshot can still be looking: Dead requires the deleter to
// have committed strictly before oldestXmin.
func SatisfiesVacuum(log *Log, h *TupleHeader, oldestXmin uint64) VacuumState {
	if !h.hasHint(XminCommitted) && !h.hasHint(XminInvalid) {
		switch log.Status(h.Xmin) {
		case StatusInProgress:
			return InsertInProgress
		case StatusAborted:
			h.setHint(XminInvalid)
			return Stillborn
		case StatusCommitted:
			h.setHint(XminCommitted)
		}
	} else if h.hasHint(XminInvalid) {
		return Stillborn
	}

	if h.Xmax == 0 {
		return Live
	}
	if h.hasHint(XmaxInvalid) {
		return Live
	}
	if !h.hasHint(XmaxCommitted) {
		switch log.Status(h.Xmax) {
		case StatusInProgress:
			return DeleteInProgress
		case StatusAborted:
			h.setHint(XmaxInvalid)
			return Live
		case StatusCommitted:
			h.setHint(XmaxCommitted)
		}
	}
	if h.Xmax < oldestXmin {
		return Dead
	}
	return RecentlyDead
}

// UpdateOutcome is the result SatisfiesUpdate hands to a caller
// implementing UPDATE/DELETE write-write conflict handling.
type UpdateOutcome uint8

const (
	Invisible UpdateOutcome = iota
	MayBeUpdated
	SelfUpdated
	BeingUpdated
	Updated
)

// SatisfiesUpdate decides whether xid may update/delete h, the
// write-write conflict check UPDATE and DELETE run before modifying a
// tuple.
func SatisfiesUpdate(log *Log, h *TupleHeader, xid uint64, currentCmd uint32) UpdateOutcome {
	if ok, applies := visibleToSelf(h, xid); applies && !ok {
		return Invisible
	}
	if !resolveInserter(log, h) {
		if h.Xmin == xid {
			// fallthrough: self-inserted, handled below
		} else {
			return Invisible
		}
	}
	if h.Xmin == xid && h.Cmin >= currentCmd {
		return Invisible
	}
	if h.Xmax == 0 {
		return MayBeUpdated
	}
	if h.Xmax == xid {
		if h.Cmax >= currentCmd {
			return MayBeUpdated
		}
		return SelfUpdated
	}
	if h.hasHint(XmaxInvalid) {
		return MayBeUpdated
	}
	if h.hasHint(XmaxCommitted) {
		return Updated
	}
	switch log.Status(h.Xmax) {
	case StatusInProgress:
		return BeingUpdated
	case StatusAborted:
		h.setHint(XmaxInvalid)
		return MayBeUpdated
	default:
		h.setHint(XmaxCommitted)
		return Updated
	}
}
