package scan

import (
	"context"
	"testing"

	"github.com/weaverdb/weaverdb-sub002/internal/buffer"
	"github.com/weaverdb/weaverdb-sub002/internal/page"
	"github.com/weaverdb/weaverdb-sub002/internal/smgr"
)

func tid(block uint32, offset uint16) page.ItemPointer {
	return page.ItemPointer{Block: block, Offset: offset}
}

func TestDelegateStreamsBatchesInOrder(t *testing.T) {
	d := startTestDelegate(t, func(ctx context.Context, transfer func([]page.ItemPointer) bool) error {
		if !transfer([]page.ItemPointer{tid(1, 1), tid(1, 2)}) {
			return ctx.Err()
		}
		if !transfer([]page.ItemPointer{tid(2, 1)}) {
			return ctx.Err()
		}
		return nil
	})

	want := []page.ItemPointer{tid(1, 1), tid(1, 2), tid(2, 1)}
	for i, w := range want {
		got, ok := d.Next()
		if !ok {
			t.Fatalf("Next() #%d: ok=false, want tid %v", i, w)
		}
		if got != w {
			t.Fatalf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if _, ok := d.Next(); ok {
		t.Fatal("Next() after producer finished should return ok=false")
	}
	if err := d.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestDelegateEndCancelsBlockedProducer(t *testing.T) {
	started := make(chan struct{})
	d := startTestDelegate(t, func(ctx context.Context, transfer func([]page.ItemPointer) bool) error {
		close(started)
		// Keep transferring until cancellation is observed; with a
		// zero-buffered channel and no consumer draining, this blocks
		// until End() cancels the context.
		for {
			if !transfer([]page.ItemPointer{tid(0, 1)}) {
				return ctx.Err()
			}
		}
	})
	<-started
	if err := d.End(); err != context.Canceled {
		t.Fatalf("End() = %v, want context.Canceled", err)
	}
}

func TestDelegateWithNoBatchesEndsImmediately(t *testing.T) {
	d := startTestDelegate(t, func(ctx context.Context, transfer func([]page.ItemPointer) bool) error {
		return nil
	})
	if _, ok := d.Next(); ok {
		t.Fatal("Next() on an empty scan should return ok=false")
	}
	if err := d.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

type poolSource struct {
	sm  smgr.Manager
	rel smgr.RelTag
}

func (s poolSource) NBlocks() (uint32, error) { return s.sm.NBlocks(s.rel) }

func (s poolSource) Tag(block uint32) buffer.Tag {
	return buffer.Tag{Rel: s.rel, BlockNumber: block}
}

func TestSequentialScanStreamsTidsInPageOrder(t *testing.T) {
	sm := smgr.NewMemoryManager()
	rel := smgr.RelTag{DatabaseID: 1, RelID: 11}
	pool := buffer.New(sm, 4)

	// Two pages: two items on block 0, one on block 1.
	addPage := func(items ...string) {
		_, idx, err := pool.AllocateMoreSpace(rel, func(buf []byte) { page.Init(buf, 0) })
		if err != nil {
			t.Fatalf("AllocateMoreSpace: %v", err)
		}
		for _, it := range items {
			if _, err := page.AddItem(pool.Page(idx), []byte(it), 0, page.ModeAppend); err != nil {
				t.Fatalf("AddItem(%s): %v", it, err)
			}
		}
		pool.MarkDirty(idx)
		pool.UnlockBuffer(idx, buffer.LockExclusive)
		pool.ReleaseBuffer(idx)
	}
	addPage("a", "b")
	addPage("c")

	d := Start(context.Background(), pool, SequentialScan(poolSource{sm: sm, rel: rel}, 0), 2)
	want := []page.ItemPointer{tid(0, 1), tid(0, 2), tid(1, 1)}
	for i, w := range want {
		got, ok := d.Next()
		if !ok || got != w {
			t.Fatalf("Next() #%d = (%v, %v), want (%v, true)", i, got, ok, w)
		}
	}
	if _, ok := d.Next(); ok {
		t.Fatal("Next() past the last tid should report ok=false")
	}
	if err := d.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

// startTestDelegate builds a Delegate directly from the package's
// internal plumbing without requiring a real buffer.Pool, exercising
// the producer/consumer channel machinery in isolation the way
// SequentialScan exercises it against a live pool.
func startTestDelegate(t *testing.T, fn func(ctx context.Context, transfer func([]page.ItemPointer) bool) error) *Delegate {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Delegate{
		cancel: cancel,
		batch:  make(chan []page.ItemPointer),
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
		d.err <- fn(ctx, transfer)
	}()
	return d
}
