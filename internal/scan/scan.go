// Package scan implements the delegated scan: a helper goroutine reads
// a relation through the buffer cache and streams batches of tuple
// identifiers to the executing thread over a bounded channel, so a long
// sequential scan can be offloaded to a dedicated producer while the
// issuing thread consumes results one tuple at a time.
package scan

import (
	"context"
	"fmt"
	"sync"

	"github.com/weaverdb/weaverdb-sub002/internal/buffer"
	"github.com/weaverdb/weaverdb-sub002/internal/page"
)

// DefaultBatchCap is the default bound on a single transferred batch.
const DefaultBatchCap = 16384

// ScanFunc is the producer's body: it reads a relation through pool,
// publishing batches of tuple identifiers via transfer, and returns
// when the scan completes or ctx is cancelled.
type ScanFunc func(ctx context.Context, pool *buffer.Pool, transfer func([]page.ItemPointer) bool) error

// Delegate runs one delegated scan: a producer goroutine executing a
// ScanFunc and a consumer-facing Next/End API.
type Delegate struct {
	cancel context.CancelFunc
	batch  chan []page.ItemPointer
	err    chan error

	mu      sync.Mutex
	current []page.ItemPointer
	pos     int
	done    bool
	joinErr error
}

// Start launches a helper goroutine running fn against pool, bounding
// in-flight batches to bufferedBatches (the channel capacity; 1 keeps
// the producer in lock-step, higher values let it run further ahead).
func Start(parent context.Context, pool *buffer.Pool, fn ScanFunc, bufferedBatches int) *Delegate {
	ctx, cancel := context.WithCancel(parent)
	d := &Delegate{
		cancel: cancel,
		batch:  make(chan []page.ItemPointer, bufferedBatches),
		err:    make(chan error, 1),
	}

	transfer := func(items []page.ItemPointer) bool {
		cp := append([]page.ItemPointer(nil), items...)
		select {
		case d.batch <- cp:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(d.batch)
		err := fn(ctx, pool, transfer)
		d.err <- err
	}()

	return d
}

// Next pops one tuple identifier, refilling its local batch from the
// producer's channel when exhausted. The second return is false once
// the producer has finished and every transferred batch has been
// drained, mirroring DelegatedScanNext's sentinel return.
func (d *Delegate) Next() (page.ItemPointer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.pos >= len(d.current) {
		if d.done {
			return page.ItemPointer{}, false
		}
		batch, ok := <-d.batch
		if !ok {
			d.done = true
			return page.ItemPointer{}, false
		}
		d.current = batch
		d.pos = 0
	}
	tid := d.current[d.pos]
	d.pos++
	return tid, true
}

// End cancels the scan (if still running) and waits for the producer
// goroutine to terminate, draining any in-flight batches so it is never
// left blocked sending on a full channel. Safe to call more than once.
func (d *Delegate) End() error {
	d.cancel()
	for range d.batch {
		// Drain so a producer blocked on transfer can observe ctx.Done
		// and return instead of leaking.
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.done {
		d.joinErr = <-d.err
		d.done = true
	}
	return d.joinErr
}

// Source adapts one relation to the pool's buffer-tag namespace for a
// sequential scan.
type Source interface {
	NBlocks() (uint32, error)
	Tag(block uint32) buffer.Tag
}

// SequentialScan is a ready-made ScanFunc that registers a read trigger
// on rel's relation and walks every block in order: the trigger harvests
// the tuple identifiers of each page as the buffer manager reads it
// (under the shared latch ReadBufferTriggered holds), and the scan ships
// them in batches of at most batchSize. Each visited page also gets a
// sequential-scan bias hint so it survives eviction long enough to be
// drained by the consumer.
func SequentialScan(rel Source, batchSize int) ScanFunc {
	if batchSize <= 0 {
		batchSize = DefaultBatchCap
	}
	return func(ctx context.Context, pool *buffer.Pool, transfer func([]page.ItemPointer) bool) error {
		n, err := rel.NBlocks()
		if err != nil {
			return fmt.Errorf("scan: NBlocks: %w", err)
		}

		var batch []page.ItemPointer
		unregister := pool.RegisterReadTrigger(rel.Tag(0).Rel, func(tag buffer.Tag, buf []byte) {
			max := page.MaxOffsetNumber(buf)
			for off := uint16(1); off <= max; off++ {
				if item, err := page.GetItem(buf, off); err == nil && item != nil {
					batch = append(batch, page.ItemPointer{Block: tag.BlockNumber, Offset: off})
				}
			}
		})
		defer unregister()

		for b := uint32(0); b < n; b++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			idx, err := pool.ReadBufferTriggered(rel.Tag(b))
			if err != nil {
				return fmt.Errorf("scan: read block %d: %w", b, err)
			}
			pool.SetBias(idx, 1)
			pool.ReleaseBuffer(idx)

			for len(batch) >= batchSize {
				if !transfer(batch[:batchSize]) {
					return ctx.Err()
				}
				batch = append([]page.ItemPointer(nil), batch[batchSize:]...)
			}
		}
		if len(batch) > 0 && !transfer(batch) {
			return ctx.Err()
		}
		return nil
	}
}
