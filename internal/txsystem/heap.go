package txsystem

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/weaverdb/weaverdb-sub002/internal/buffer"
	"github.com/weaverdb/weaverdb-sub002/internal/lock"
	"github.com/weaverdb/weaverdb-sub002/internal/memctx"
	"github.com/weaverdb/weaverdb-sub002/internal/mvcc"
	"github.com/weaverdb/weaverdb-sub002/internal/page"
	"github.com/weaverdb/weaverdb-sub002/internal/proc"
	"github.com/weaverdb/weaverdb-sub002/internal/scan"
	"github.com/weaverdb/weaverdb-sub002/internal/smgr"
	"github.com/weaverdb/weaverdb-sub002/internal/walcore"
)

// Tx is one worker's view of a transaction in progress: its thread-
// registry slot, its xid, the locks it has acquired, and the per-
// transaction memory-context child that Commit/Abort tear down.
type Tx struct {
	sys       *System
	slot      *proc.Slot
	xid       uint64
	cmdID     uint32
	memCtx    *memctx.Context
	heldLocks map[lock.Tag]struct{}
	snapshot  *mvcc.Snapshot
	finished  bool
}

// XID returns the transaction's assigned id.
func (tx *Tx) XID() uint64 { return tx.xid }

// MemCtx exposes the transaction's scoped allocation context, e.g. for a
// caller building up intermediate result buffers that should vanish on
// abort without individual frees.
func (tx *Tx) MemCtx() *memctx.Context { return tx.memCtx }

// ensureSnapshot lazily acquires (and caches) this transaction's
// snapshot; statements within one transaction running under the same
// isolation level reuse it rather than re-walking the thread registry.
func (tx *Tx) ensureSnapshot() *mvcc.Snapshot {
	if tx.snapshot == nil {
		snap := mvcc.AcquireSnapshot(tx.sys.procs, tx.slot.TID, tx.sys.peekNextXID())
		tx.snapshot = &snap
	}
	return tx.snapshot
}

// peekNextXID reads the control block's xid counter without allocating a
// new one, used to seed a snapshot's xmax.
func (s *System) peekNextXID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control.NextXID + 1
}

// NextCommand advances the transaction's command id, the boundary
// SatisfiesNow uses to decide whether a row inserted or deleted earlier
// in the same transaction is visible to the next statement.
func (tx *Tx) NextCommand() { tx.cmdID++ }

// AcquireLock requests mode on tag for this transaction, blocking (up to
// defaultLockWait, or ctx's own deadline if sooner) until granted,
// refused, or cancelled. A granted lock is tracked so Commit/Abort
// release it automatically.
func (tx *Tx) AcquireLock(ctx context.Context, tag lock.Tag, mode lock.Mode) error {
	waitCtx, cancel := context.WithTimeout(ctx, defaultLockWait)
	defer cancel()

	tx.sys.procs.SetWait(tx.slot, proc.WaitPointer{LockID: tagDigest(tag), Mode: uint8(mode)})
	err := tx.sys.locks.Acquire(waitCtx, tag, tx.slot.TID, tx.xid, mode, func() bool { return tx.slot.CancelFlag.Load() })
	tx.sys.procs.ClearWait(tx.slot)
	if err != nil {
		return fmt.Errorf("txsystem: acquire %s on %+v: %w", mode, tag, err)
	}
	tx.heldLocks[tag] = struct{}{}
	return nil
}

// tagDigest folds a lock.Tag into a single uint64 for the thread
// registry's diagnostic WaitPointer.LockID field.
func tagDigest(t lock.Tag) uint64 {
	return uint64(t.Method)<<56 ^ t.RelID<<16 ^ uint64(t.DatabaseID)<<48 ^ t.BlockOrXid ^ uint64(t.Offset)
}

// Commit writes the transaction's commit record, flushes the WAL,
// records the outcome in the transaction log, and releases every lock
// and memory-context resource the transaction acquired. The commit
// becomes visible to concurrent snapshots only once the WAL commit
// record is durable and the thread-registry state reads COMMIT.
func (tx *Tx) Commit() error {
	if tx.finished {
		return fmt.Errorf("txsystem: commit of already-finished tx %d", tx.xid)
	}
	if _, err := tx.sys.wal.Append(walcore.Record{XID: tx.xid, Kind: walcore.RecCommit}); err != nil {
		return &FatalError{Op: "commit wal append", Cause: err}
	}
	if err := tx.sys.wal.Sync(); err != nil {
		return &FatalError{Op: "commit wal sync", Cause: err}
	}

	tx.sys.txlog.SetCommitted(tx.xid)
	tx.sys.procs.CommitTransaction(tx.slot)
	tx.releaseAndClose()
	return nil
}

// Abort performs the ERROR-path cleanup in its fixed order: release
// spinlocks, release every lock this transaction holds, roll back its
// memory-context subtree, and reset its thread-registry entry. cause is
// the triggering error, carried on the returned AbortError.
func (tx *Tx) Abort(cause error) *AbortError {
	if tx.finished {
		return &AbortError{Op: "abort", Cause: fmt.Errorf("txsystem: tx %d already finished", tx.xid)}
	}
	spins := tx.sys.procs.ReleaseSpins(tx.slot)

	if _, err := tx.sys.wal.Append(walcore.Record{XID: tx.xid, Kind: walcore.RecAbort}); err == nil {
		_ = tx.sys.wal.Sync()
	}
	tx.sys.txlog.SetAborted(tx.xid)
	tx.releaseAndClose()

	return &AbortError{Op: "abort", Cause: cause, SpinsFreed: spins, LocksFreed: true, ContextReset: true}
}

// releaseAndClose is the shared tail of Commit and Abort: release every
// tracked lock, tear down the transaction's memory context, reset and
// return its thread-registry slot.
func (tx *Tx) releaseAndClose() {
	for tag := range tx.heldLocks {
		tx.sys.locks.ReleaseAll(tag, tx.slot.TID, tx.xid)
	}
	tx.heldLocks = nil
	tx.memCtx.Delete()
	tx.sys.bus.Unregister(tx.slot.TID)
	tx.sys.procs.ResetTransaction(tx.slot)
	tx.sys.procs.ReleaseThread(tx.slot)
	tx.finished = true
}

// ─── tuple encoding ──────────────────────────────────────────────────────

// tupleHdrSize is the on-page size of an encoded MVCC tuple header:
// Xmin(8) Xmax(8) Cmin(4) Cmax(4) CtidBlock(4) CtidOffset(2) Infomask(4).
const tupleHdrSize = 34

// encodeTuple packs h and payload into one slotted-page item.
func encodeTuple(h *mvcc.TupleHeader, payload []byte) []byte {
	buf := make([]byte, tupleHdrSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], h.Xmin)
	binary.LittleEndian.PutUint64(buf[8:16], h.Xmax)
	binary.LittleEndian.PutUint32(buf[16:20], h.Cmin)
	binary.LittleEndian.PutUint32(buf[20:24], h.Cmax)
	binary.LittleEndian.PutUint32(buf[24:28], h.Ctid.Block)
	binary.LittleEndian.PutUint16(buf[28:30], h.Ctid.Offset)
	binary.LittleEndian.PutUint32(buf[30:34], uint32(h.Infomask()))
	copy(buf[tupleHdrSize:], payload)
	return buf
}

// decodeTuple reverses encodeTuple.
func decodeTuple(buf []byte) (*mvcc.TupleHeader, []byte, error) {
	if len(buf) < tupleHdrSize {
		return nil, nil, fmt.Errorf("txsystem: truncated tuple header (%d bytes)", len(buf))
	}
	ctid := page.ItemPointer{
		Block:  binary.LittleEndian.Uint32(buf[24:28]),
		Offset: binary.LittleEndian.Uint16(buf[28:30]),
	}
	h := mvcc.NewTupleHeader(
		binary.LittleEndian.Uint64(buf[0:8]),
		binary.LittleEndian.Uint64(buf[8:16]),
		binary.LittleEndian.Uint32(buf[16:20]),
		binary.LittleEndian.Uint32(buf[20:24]),
		ctid,
		mvcc.Infomask(binary.LittleEndian.Uint32(buf[30:34])),
	)
	payload := append([]byte(nil), buf[tupleHdrSize:]...)
	return h, payload, nil
}

// InsertTuple appends payload as a new tuple version owned by tx,
// extending rel with a fresh page if the last one lacks room. The
// returned pointer addresses the new tuple's slot.
func (tx *Tx) InsertTuple(rel smgr.RelTag, payload []byte) (page.ItemPointer, error) {
	encoded := encodeTuple(mvcc.NewTupleHeader(tx.xid, 0, tx.cmdID, 0, page.ItemPointer{}, 0), payload)
	need := len(encoded)

	nblocks, err := tx.sys.sm.NBlocks(rel)
	if err != nil {
		return page.ItemPointer{}, fmt.Errorf("txsystem: insert: nblocks: %w", err)
	}

	if nblocks > 0 {
		block := nblocks - 1
		idx, err := tx.sys.buffers.ReadBuffer(buffer.Tag{Rel: rel, BlockNumber: block})
		if err != nil {
			return page.ItemPointer{}, fmt.Errorf("txsystem: insert: read last block: %w", err)
		}
		tx.sys.buffers.LockBuffer(idx, buffer.LockExclusive)
		buf := tx.sys.buffers.Page(idx)
		if page.FreeSpace(buf, true) >= need {
			off, err := page.AddItem(buf, encoded, 0, page.ModeAppend)
			if err != nil {
				tx.sys.buffers.UnlockBuffer(idx, buffer.LockExclusive)
				tx.sys.buffers.ReleaseBuffer(idx)
				return page.ItemPointer{}, fmt.Errorf("txsystem: insert: add item: %w", err)
			}
			tx.sys.buffers.MarkDirty(idx)
			tx.sys.buffers.UnlockBuffer(idx, buffer.LockExclusive)
			tx.sys.buffers.ReleaseBuffer(idx)
			tid := page.ItemPointer{Block: block, Offset: off}
			tx.logInsert(rel, tid)
			return tid, nil
		}
		tx.sys.buffers.UnlockBuffer(idx, buffer.LockExclusive)
		tx.sys.buffers.ReleaseBuffer(idx)
	}

	tag, idx, err := tx.sys.buffers.AllocateMoreSpace(rel, func(b []byte) { _ = page.Init(b, 0) })
	if err != nil {
		return page.ItemPointer{}, fmt.Errorf("txsystem: insert: extend: %w", err)
	}
	buf := tx.sys.buffers.Page(idx)
	off, err := page.AddItem(buf, encoded, 0, page.ModeAppend)
	tx.sys.buffers.MarkDirty(idx)
	tx.sys.buffers.UnlockBuffer(idx, buffer.LockExclusive)
	tx.sys.buffers.ReleaseBuffer(idx)
	if err != nil {
		return page.ItemPointer{}, fmt.Errorf("txsystem: insert into new page: %w", err)
	}
	tid := page.ItemPointer{Block: tag.BlockNumber, Offset: off}
	tx.logInsert(rel, tid)
	return tid, nil
}

func (tx *Tx) logInsert(rel smgr.RelTag, tid page.ItemPointer) {
	data := make([]byte, 18)
	binary.LittleEndian.PutUint32(data[0:4], rel.DatabaseID)
	binary.LittleEndian.PutUint64(data[4:12], rel.RelID)
	binary.LittleEndian.PutUint32(data[12:16], tid.Block)
	binary.LittleEndian.PutUint16(data[16:18], tid.Offset)
	_, _ = tx.sys.wal.Append(walcore.Record{XID: tx.xid, Kind: walcore.RecInsert, Data: data})
}

// FetchTuple reads the tuple at tid in rel and reports its payload and
// its visibility to tx: SatisfiesSelf for a tuple tx itself inserted,
// otherwise SatisfiesSnapshot against tx's snapshot, the ordinary MVCC
// read path.
func (tx *Tx) FetchTuple(rel smgr.RelTag, tid page.ItemPointer) ([]byte, bool, error) {
	idx, err := tx.sys.buffers.ReadBuffer(buffer.Tag{Rel: rel, BlockNumber: tid.Block})
	if err != nil {
		return nil, false, fmt.Errorf("txsystem: fetch: read block: %w", err)
	}
	defer tx.sys.buffers.ReleaseBuffer(idx)
	tx.sys.buffers.LockBuffer(idx, buffer.LockShare)
	defer tx.sys.buffers.UnlockBuffer(idx, buffer.LockShare)

	raw, err := page.GetItem(tx.sys.buffers.Page(idx), tid.Offset)
	if err != nil {
		return nil, false, fmt.Errorf("txsystem: fetch: get item: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}
	h, payload, err := decodeTuple(raw)
	if err != nil {
		return nil, false, err
	}
	var visible bool
	if h.Xmin == tx.xid {
		visible = mvcc.SatisfiesSelf(tx.sys.txlog, h, tx.xid)
	} else {
		visible = mvcc.SatisfiesSnapshot(tx.sys.txlog, h, *tx.ensureSnapshot())
	}
	return payload, visible, nil
}

// DeleteTuple marks the tuple at tid as deleted by tx (sets Xmax/Cmax);
// the slot is not reclaimed until a later vacuum sweep confirms it is
// dead.
func (tx *Tx) DeleteTuple(rel smgr.RelTag, tid page.ItemPointer) error {
	idx, err := tx.sys.buffers.ReadBuffer(buffer.Tag{Rel: rel, BlockNumber: tid.Block})
	if err != nil {
		return fmt.Errorf("txsystem: delete: read block: %w", err)
	}
	defer tx.sys.buffers.ReleaseBuffer(idx)
	tx.sys.buffers.LockBuffer(idx, buffer.LockExclusive)
	defer tx.sys.buffers.UnlockBuffer(idx, buffer.LockExclusive)

	buf := tx.sys.buffers.Page(idx)
	raw, err := page.GetItem(buf, tid.Offset)
	if err != nil {
		return fmt.Errorf("txsystem: delete: get item: %w", err)
	}
	h, payload, err := decodeTuple(raw)
	if err != nil {
		return err
	}
	h.Xmax = tx.xid
	h.Cmax = tx.cmdID
	encoded := encodeTuple(h, payload)
	if _, err := page.AddItem(buf, encoded, tid.Offset, page.ModeOverwrite); err != nil {
		return fmt.Errorf("txsystem: delete: overwrite: %w", err)
	}
	tx.sys.buffers.MarkDirty(idx)

	data := make([]byte, 18)
	binary.LittleEndian.PutUint32(data[0:4], rel.DatabaseID)
	binary.LittleEndian.PutUint64(data[4:12], rel.RelID)
	binary.LittleEndian.PutUint32(data[12:16], tid.Block)
	binary.LittleEndian.PutUint16(data[16:18], tid.Offset)
	_, _ = tx.sys.wal.Append(walcore.Record{XID: tx.xid, Kind: walcore.RecDelete, Data: data})
	return nil
}

// relScanSource adapts a relation's block count and buffer tags to
// scan.SequentialScan's Source interface.
type relScanSource struct {
	sys *System
	rel smgr.RelTag
}

func (r relScanSource) NBlocks() (uint32, error) { return r.sys.sm.NBlocks(r.rel) }

func (r relScanSource) Tag(block uint32) buffer.Tag {
	return buffer.Tag{Rel: r.rel, BlockNumber: block}
}

// ScanRelation runs a delegated sequential scan over rel on a helper
// goroutine and returns the payload of every tuple visible to tx's
// snapshot, the bulk-read counterpart to FetchTuple's single-tid path.
func (tx *Tx) ScanRelation(ctx context.Context, rel smgr.RelTag) ([][]byte, error) {
	src := relScanSource{sys: tx.sys, rel: rel}
	d := scan.Start(ctx, tx.sys.buffers, scan.SequentialScan(src, 0), 4)

	var out [][]byte
	for {
		tid, ok := d.Next()
		if !ok {
			break
		}
		payload, visible, err := tx.FetchTuple(rel, tid)
		if err != nil {
			_ = d.End()
			return out, err
		}
		if visible {
			out = append(out, payload)
		}
	}
	return out, d.End()
}

// VacuumAll sweeps every relation in the directory; see VacuumRelation.
func (s *System) VacuumAll() (int, error) {
	total := 0
	for _, name := range s.RelationNames() {
		tag, ok := s.LookupRelation(name)
		if !ok {
			continue
		}
		n, err := s.VacuumRelation(tag)
		if err != nil {
			return total, fmt.Errorf("txsystem: vacuum %s: %w", name, err)
		}
		total += n
	}
	return total, nil
}

// oldestXmin computes the xid below which no live snapshot can still be
// looking, the watermark SatisfiesVacuum classifies dead tuples against.
func (s *System) oldestXmin() uint64 {
	live := s.procs.LiveThreads(0)
	oldest := s.peekNextXID()
	for _, t := range live {
		if t.Xmin != proc.InvalidXID && uint64(t.Xmin) < oldest {
			oldest = uint64(t.Xmin)
		}
	}
	return oldest
}

// VacuumRelation walks every page of rel, reclaiming (via page.Delete,
// not IndexTupleDelete — the heap never renumbers live slots) any tuple
// SatisfiesVacuum classifies Dead relative to the current oldest xmin.
// It returns the number of slots reclaimed.
func (s *System) VacuumRelation(rel smgr.RelTag) (int, error) {
	nblocks, err := s.sm.NBlocks(rel)
	if err != nil {
		return 0, fmt.Errorf("txsystem: vacuum: nblocks: %w", err)
	}
	oldestXmin := s.oldestXmin()
	reclaimed := 0

	for b := uint32(0); b < nblocks; b++ {
		idx, err := s.buffers.ReadBuffer(buffer.Tag{Rel: rel, BlockNumber: b})
		if err != nil {
			return reclaimed, fmt.Errorf("txsystem: vacuum: read block %d: %w", b, err)
		}
		s.buffers.LockBuffer(idx, buffer.LockExclusive)
		buf := s.buffers.Page(idx)
		max := page.MaxOffsetNumber(buf)
		dirty := false
		for off := uint16(1); off <= max; off++ {
			raw, err := page.GetItem(buf, off)
			if err != nil || raw == nil {
				continue
			}
			h, _, err := decodeTuple(raw)
			if err != nil {
				continue
			}
			if mvcc.SatisfiesVacuum(s.txlog, h, oldestXmin) == mvcc.Dead {
				if err := page.Delete(buf, off); err == nil {
					reclaimed++
					dirty = true
				}
			}
		}
		if dirty {
			s.buffers.MarkDirty(idx)
		}
		s.buffers.UnlockBuffer(idx, buffer.LockExclusive)
		s.buffers.ReleaseBuffer(idx)
	}
	return reclaimed, nil
}
