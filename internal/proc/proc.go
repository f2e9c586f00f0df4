// Package proc implements the thread (process) registry: a fixed-size
// table of worker slots tying each backend goroutine to its transaction
// id, xmin watermark, current state, and lock-wait pointer. Slots are
// preallocated and reused so snapshot acquisition can walk the table
// directly without chasing a growing structure.
package proc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// XID is a 64-bit transaction identifier. XID 0 never denotes a valid
// transaction.
type XID uint64

// InvalidXID is the sentinel for "no transaction assigned".
const InvalidXID XID = 0

// State is a thread's transaction-visible state.
type State uint8

const (
	// StateDefault is a slot not currently running a transaction.
	StateDefault State = iota
	// StateStart marks a transaction that has begun but not committed.
	StateStart
	// StateCommit marks a transaction's commit record as written.
	StateCommit
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateStart:
		return "start"
	case StateCommit:
		return "commit"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ThreadType distinguishes ordinary backends from internal helper
// threads (e.g. the delegated-scan producer), which snapshot acquisition
// skips.
type ThreadType uint8

const (
	ThreadBackend ThreadType = iota
	ThreadInternal
)

// WaitPointer records what a blocked thread is waiting on: a lock
// identity plus the mode requested and the holder row it's queued
// behind. LockID/HolderID are opaque to this package; lock defines them.
type WaitPointer struct {
	LockID   uint64
	Mode     uint8
	HolderID uint64
}

// Slot is one row of the thread registry.
type Slot struct {
	TID        uint64 // thread/slot identifier, stable for the slot's lifetime
	SessionID  uuid.UUID
	Type       ThreadType
	DatabaseID uint32
	XID        XID
	Xmin       XID
	State      State
	Wait       WaitPointer
	Waiting    bool
	Locked     bool // true while the thread holds its own slot mutex (diagnostic)
	CancelFlag atomic.Bool

	spinCount atomic.Int32
	mu        sync.Mutex
	active    bool
}

// Registry is the fixed-size thread table. Process start allocates every
// slot up front; InitThread claims one, ReleaseThread returns it.
type Registry struct {
	mu      sync.Mutex
	slots   []*Slot
	free    []int
	nextTID uint64
}

// NewRegistry allocates a registry with capacity slots, all initially
// free.
func NewRegistry(capacity int) *Registry {
	r := &Registry{slots: make([]*Slot, capacity)}
	for i := range r.slots {
		r.slots[i] = &Slot{}
		r.free = append(r.free, i)
	}
	return r
}

// ErrNoFreeSlots is returned by InitThread when the registry is full.
var ErrNoFreeSlots = fmt.Errorf("proc: no free thread slots")

// InitThread claims a free slot, assigns it a new TID and session id, and
// clears its spinlock count.
func (r *Registry) InitThread(ttype ThreadType, databaseID uint32) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return nil, ErrNoFreeSlots
	}
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	r.nextTID++
	s := r.slots[idx]
	*s = Slot{
		TID:        r.nextTID,
		SessionID:  uuid.New(),
		Type:       ttype,
		DatabaseID: databaseID,
		State:      StateDefault,
		active:     true,
	}
	return s, nil
}

// ReleaseThread returns a slot to the free pool. The caller must have
// already rolled back any open transaction (see Tx.Commit and Tx.Abort in
// the txsystem package).
func (r *Registry) ReleaseThread(s *Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, slot := range r.slots {
		if slot == s {
			slot.mu.Lock()
			slot.active = false
			slot.mu.Unlock()
			r.free = append(r.free, i)
			return
		}
	}
}

// BeginTransaction assigns a fresh XID to the slot and moves it to
// StateStart. xmin is the watermark to record, typically the oldest
// observed xid across the registry at begin time.
func (r *Registry) BeginTransaction(s *Slot, xid XID, xmin XID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.XID = xid
	s.Xmin = xmin
	s.State = StateStart
}

// CommitTransaction marks the slot's transaction committed. The caller
// is responsible for writing the WAL commit record first.
func (r *Registry) CommitTransaction(s *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateCommit
}

// ResetTransaction clears a slot's xid/xmin/state, the cleanup step an
// ERROR path performs after rollback.
func (r *Registry) ResetTransaction(s *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.XID = InvalidXID
	s.Xmin = InvalidXID
	s.State = StateDefault
	s.Waiting = false
	s.Wait = WaitPointer{}
	s.CancelFlag.Store(false)
}

// SetWait records that s is blocked on a lock, and ClearWait records that
// it has been granted or has given up waiting.
func (r *Registry) SetWait(s *Slot, w WaitPointer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Wait = w
	s.Waiting = true
}

func (r *Registry) ClearWait(s *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Waiting = false
	s.Wait = WaitPointer{}
}

// AcquireSpin increments a slot's held-spinlock counter; ReleaseSpins
// zeroes it. Counting (rather than a boolean) lets ReleaseSpins
// idempotently release nested acquisitions on an error path.
func (r *Registry) AcquireSpin(s *Slot) { s.spinCount.Add(1) }

// ReleaseSpins unconditionally zeroes the slot's spin count and returns
// how many were outstanding.
func (r *Registry) ReleaseSpins(s *Slot) int32 {
	return s.spinCount.Swap(0)
}

// ThreadSnapshot describes the live-thread state at one instant.
type ThreadSnapshot struct {
	TID   uint64
	XID   XID
	Xmin  XID
	State State
}

// LiveThreads returns a snapshot of every active, non-internal slot,
// the raw material snapshot acquisition (mvcc.AcquireSnapshot) walks to
// compute xmin/xmax/xip. Internal helper threads never carry a
// transaction of their own, so they are skipped.
func (r *Registry) LiveThreads(excludeTID uint64) []ThreadSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ThreadSnapshot, 0, len(r.slots))
	for _, s := range r.slots {
		s.mu.Lock()
		if s.active && s.Type != ThreadInternal && s.TID != excludeTID {
			out = append(out, ThreadSnapshot{TID: s.TID, XID: s.XID, Xmin: s.Xmin, State: s.State})
		}
		s.mu.Unlock()
	}
	return out
}

// Capacity returns the total number of slots in the registry.
func (r *Registry) Capacity() int { return len(r.slots) }

// ActiveCount returns the number of currently claimed slots.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) - len(r.free)
}
