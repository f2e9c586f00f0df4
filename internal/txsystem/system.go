// Package txsystem wires the storage/concurrency/transaction core into a
// single process-wide value: one buffer pool, one lock manager, one
// thread registry, one WAL writer, one invalidation bus, and one
// transaction log, all owned by System and shared under interior
// mutability rather than package-level globals.
package txsystem

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weaverdb/weaverdb-sub002/internal/buffer"
	"github.com/weaverdb/weaverdb-sub002/internal/lock"
	"github.com/weaverdb/weaverdb-sub002/internal/memctx"
	"github.com/weaverdb/weaverdb-sub002/internal/mvcc"
	"github.com/weaverdb/weaverdb-sub002/internal/proc"
	"github.com/weaverdb/weaverdb-sub002/internal/sinval"
	"github.com/weaverdb/weaverdb-sub002/internal/smgr"
	"github.com/weaverdb/weaverdb-sub002/internal/walcore"
)

// System is the top-level value a process creates once at startup and
// shares across every worker goroutine.
type System struct {
	cfg Config

	sm      smgr.Manager
	buffers *buffer.Pool
	locks   *lock.Manager
	procs   *proc.Registry
	txlog   *mvcc.Log
	wal     *walcore.Writer
	bus     *sinval.Bus
	topCtx  *memctx.Context

	controlPath string
	pidPath     string

	mu      sync.Mutex
	control *walcore.Control
	rels    map[string]smgr.RelTag
	nextRel uint64

	cron   *cron.Cron
	logger *log.Logger
}

// Open initializes (or reopens) a System rooted at cfg.DataDir: creates
// the data directory layout if absent, opens the file-backed storage
// manager, the WAL, and the control file, and allocates the shared
// buffer pool, lock manager, thread registry, and invalidation bus.
func Open(cfg Config) (*System, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("txsystem: create data dir %s: %w", cfg.DataDir, err)
	}

	sm, err := smgr.NewFileManager(filepath.Join(cfg.DataDir, "base"))
	if err != nil {
		return nil, fmt.Errorf("txsystem: open storage manager: %w", err)
	}

	walDir := filepath.Join(cfg.DataDir, "pg_wal")
	wal, err := walcore.Open(walDir)
	if err != nil {
		return nil, &FatalError{Op: "open wal", Cause: err}
	}

	controlPath := filepath.Join(cfg.DataDir, "pg_control")
	control, err := walcore.ReadControl(controlPath)
	if err != nil {
		control = walcore.NewControl(smgr.PageSize)
		if err := walcore.WriteControl(controlPath, control); err != nil {
			return nil, &FatalError{Op: "init control file", Cause: err}
		}
	}

	s := &System{
		cfg:         cfg,
		sm:          sm,
		buffers:     buffer.New(sm, cfg.BufferFrames),
		locks:       lock.NewManager(cfg.LockTables),
		procs:       proc.NewRegistry(cfg.MaxThreads),
		txlog:       mvcc.NewLog(),
		wal:         wal,
		bus:         sinval.NewBus(),
		topCtx:      memctx.NewTopContext("system"),
		controlPath: controlPath,
		control:     control,
		rels:        make(map[string]smgr.RelTag),
		pidPath:     filepath.Join(cfg.DataDir, "txcore.pid"),
		logger:      log.New(os.Stderr, "txcore: ", log.LstdFlags),
	}

	if err := s.recoverWAL(); err != nil {
		return nil, &FatalError{Op: "wal recovery", Cause: err}
	}

	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("txsystem: write pid file: %w", err)
	}
	return s, nil
}

// recoverWAL replays every surviving WAL record's transaction outcome
// into the in-memory transaction log: commits are marked committed,
// explicit aborts aborted, and any transaction that began but never
// resolved before the crash is treated as aborted. It also advances the
// control block's xid generator past the highest xid the log has seen,
// since the control file is only rewritten at checkpoints.
func (s *System) recoverWAL() error {
	began := make(map[uint64]bool)
	var maxXID uint64
	for _, path := range s.wal.SegmentPaths() {
		recs, err := walcore.ReadSegment(path)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", path, err)
		}
		for _, rec := range recs {
			if rec.XID > maxXID {
				maxXID = rec.XID
			}
			switch rec.Kind {
			case walcore.RecBegin:
				began[rec.XID] = true
			case walcore.RecCommit:
				s.txlog.SetCommitted(rec.XID)
				delete(began, rec.XID)
			case walcore.RecAbort:
				s.txlog.SetAborted(rec.XID)
				delete(began, rec.XID)
			}
		}
	}
	for xid := range began {
		s.txlog.SetAborted(xid)
	}
	if maxXID > s.control.NextXID {
		s.control.NextXID = maxXID
	}
	return nil
}

// Close flushes and releases every resource System owns. It does not
// roll back in-flight transactions; callers must Commit or Abort them
// first.
func (s *System) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	if err := s.buffers.FlushAll(); err != nil {
		return err
	}
	if err := s.sm.Sync(); err != nil {
		return fmt.Errorf("txsystem: sync storage manager: %w", err)
	}
	if err := s.wal.Close(); err != nil {
		return fmt.Errorf("txsystem: close wal: %w", err)
	}
	if err := s.sm.Close(); err != nil {
		return err
	}
	return os.Remove(s.pidPath)
}

// StartScheduler launches the background checkpoint, vacuum, and
// deadlock-detection jobs on their cfg cron expressions.
func (s *System) StartScheduler() error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("txsystem: scheduler already started")
	}
	c := cron.New(cron.WithSeconds(), cron.WithParser(
		cron.NewParser(cron.Second|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor),
	))
	s.cron = c
	s.mu.Unlock()

	if _, err := c.AddFunc(s.cfg.CheckpointCron, func() {
		if err := s.Checkpoint(); err != nil {
			s.logger.Printf("checkpoint failed: %v", err)
		} else {
			s.logger.Printf("checkpoint complete at LSN %d", s.wal.NextLSN())
		}
	}); err != nil {
		return fmt.Errorf("txsystem: schedule checkpoint: %w", err)
	}

	if _, err := c.AddFunc(s.cfg.VacuumCron, func() {
		n, err := s.VacuumAll()
		if err != nil {
			s.logger.Printf("vacuum sweep failed: %v", err)
		} else {
			s.logger.Printf("vacuum sweep reclaimed %d tuples", n)
		}
	}); err != nil {
		return fmt.Errorf("txsystem: schedule vacuum: %w", err)
	}

	if _, err := c.AddFunc(s.cfg.DeadlockCron, func() {
		if tid := s.locks.DetectDeadlocks(); tid != 0 {
			s.logger.Printf("deadlock detected, aborted waiter on thread %d", tid)
		}
	}); err != nil {
		return fmt.Errorf("txsystem: schedule deadlock detector: %w", err)
	}

	c.Start()
	return nil
}

// StopScheduler halts the background checkpoint/vacuum jobs, if running.
func (s *System) StopScheduler() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		ctx := c.Stop()
		<-ctx.Done()
	}
}

// Checkpoint flushes every dirty buffer through the storage manager,
// fsyncs it, records the current WAL position as the checkpoint LSN, and
// durably rewrites the control file. It does not advance REDO/UNDO
// pointers or truncate WAL segments.
func (s *System) Checkpoint() error {
	if err := s.buffers.FlushAll(); err != nil {
		return fmt.Errorf("txsystem: checkpoint flush: %w", err)
	}
	if err := s.sm.Sync(); err != nil {
		return fmt.Errorf("txsystem: checkpoint sync: %w", err)
	}
	if err := s.wal.Sync(); err != nil {
		return fmt.Errorf("txsystem: checkpoint wal sync: %w", err)
	}

	s.mu.Lock()
	s.control.CheckpointLSN = s.wal.NextLSN()
	snapshot := *s.control
	s.mu.Unlock()

	if err := walcore.WriteControl(s.controlPath, &snapshot); err != nil {
		return &FatalError{Op: "write control file", Cause: err}
	}
	return nil
}

// CreateRelation assigns a fresh RelTag to name and records it in the
// System's relation directory, the minimal stand-in this core keeps for
// the catalog bootstrap the outer SQL layer owns.
func (s *System) CreateRelation(name string, databaseID uint32) (smgr.RelTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rels[name]; ok {
		return smgr.RelTag{}, fmt.Errorf("txsystem: relation %q already exists", name)
	}
	s.nextRel++
	tag := smgr.RelTag{DatabaseID: databaseID, RelID: s.nextRel}
	s.rels[name] = tag
	return tag, nil
}

// LookupRelation returns the RelTag previously assigned to name.
func (s *System) LookupRelation(name string) (smgr.RelTag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.rels[name]
	return tag, ok
}

// RelationNames lists every relation name known to the directory, for
// the admin introspection surface and txcorectl dump.
func (s *System) RelationNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rels))
	for name := range s.rels {
		out = append(out, name)
	}
	return out
}

func (s *System) allocXID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control.NextXID++
	return s.control.NextXID
}

// Buffers, Locks, Procs, Bus, and WAL expose the owned subsystems
// read-only for the admin introspection surface; System itself remains
// the only writer to each.
func (s *System) Buffers() *buffer.Pool { return s.buffers }
func (s *System) Locks() *lock.Manager  { return s.locks }
func (s *System) Procs() *proc.Registry { return s.procs }
func (s *System) Bus() *sinval.Bus      { return s.bus }
func (s *System) WAL() *walcore.Writer  { return s.wal }
func (s *System) TxLog() *mvcc.Log      { return s.txlog }

// defaultLockWait bounds how long Tx.AcquireLock blocks before the
// caller's context is cancelled: the ~2s cancellation poll cycle scaled
// up to a whole-request deadline.
const defaultLockWait = 30 * time.Second

// BeginTx claims a thread-registry slot, mints a fresh transaction id,
// and opens a per-transaction memory-context child.
func (s *System) BeginTx(ctx context.Context) (*Tx, error) {
	slot, err := s.procs.InitThread(proc.ThreadBackend, 0)
	if err != nil {
		return nil, fmt.Errorf("txsystem: begin tx: %w", err)
	}
	s.bus.Register(slot.TID)

	xid := s.allocXID()
	snap := mvcc.AcquireSnapshot(s.procs, slot.TID, xid)
	s.procs.BeginTransaction(slot, proc.XID(xid), proc.XID(snap.Xmin))

	tx := &Tx{
		sys:       s,
		slot:      slot,
		xid:       xid,
		memCtx:    s.topCtx.NewChild(fmt.Sprintf("tx-%d", xid)),
		heldLocks: make(map[lock.Tag]struct{}),
	}

	if _, err := s.wal.Append(walcore.Record{XID: xid, Kind: walcore.RecBegin}); err != nil {
		s.cleanupFailedBegin(tx)
		return nil, &FatalError{Op: "begin tx wal append", Cause: err}
	}
	return tx, nil
}

func (s *System) cleanupFailedBegin(tx *Tx) {
	s.bus.Unregister(tx.slot.TID)
	s.procs.ResetTransaction(tx.slot)
	s.procs.ReleaseThread(tx.slot)
	tx.memCtx.Delete()
}
