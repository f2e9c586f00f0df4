package buffer

import (
	"bytes"
	"testing"

	"github.com/weaverdb/weaverdb-sub002/internal/page"
	"github.com/weaverdb/weaverdb-sub002/internal/smgr"
)

func newTestPool(t *testing.T, nframes int) (*Pool, smgr.RelTag) {
	t.Helper()
	sm := smgr.NewMemoryManager()
	rel := smgr.RelTag{DatabaseID: 1, RelID: 7}
	return New(sm, nframes), rel
}

func TestAllocateMoreSpaceThenReadBuffer(t *testing.T) {
	p, rel := newTestPool(t, 4)

	tag, idx, err := p.AllocateMoreSpace(rel, func(buf []byte) {
		if err := page.Init(buf, 0); err != nil {
			t.Fatalf("page.Init: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("AllocateMoreSpace: %v", err)
	}
	p.UnlockBuffer(idx, LockExclusive)
	p.ReleaseBuffer(idx)

	idx2, err := p.ReadBuffer(tag)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	defer p.ReleaseBuffer(idx2)

	p.LockBuffer(idx2, LockShare)
	defer p.UnlockBuffer(idx2, LockShare)
	if err := page.Validate(p.Page(idx2)); err != nil {
		t.Fatalf("Validate re-read page: %v", err)
	}
}

func TestReadBufferCacheHitReturnsSameFrame(t *testing.T) {
	p, rel := newTestPool(t, 4)
	tag, idx, err := p.AllocateMoreSpace(rel, func(buf []byte) { page.Init(buf, 0) })
	if err != nil {
		t.Fatalf("AllocateMoreSpace: %v", err)
	}
	p.UnlockBuffer(idx, LockExclusive)
	p.ReleaseBuffer(idx)

	idxA, _ := p.ReadBuffer(tag)
	idxB, _ := p.ReadBuffer(tag)
	if idxA != idxB {
		t.Fatalf("ReadBuffer cache hit returned different frames: %d vs %d", idxA, idxB)
	}
	p.ReleaseBuffer(idxA)
	p.ReleaseBuffer(idxB)
}

func TestEvictionSkipsPinnedFrames(t *testing.T) {
	p, rel := newTestPool(t, 2)
	var tags []smgr.RelTag
	_ = tags

	tag0, idx0, _ := p.AllocateMoreSpace(rel, func(buf []byte) { page.Init(buf, 0) })
	p.UnlockBuffer(idx0, LockExclusive)
	// Keep tag0 pinned (don't release).

	tag1, idx1, _ := p.AllocateMoreSpace(rel, func(buf []byte) { page.Init(buf, 0) })
	p.UnlockBuffer(idx1, LockExclusive)
	p.ReleaseBuffer(idx1)

	// Both frames are now in the 2-frame pool (tag0 pinned, tag1 unpinned).
	// Allocating a third page must evict tag1, not tag0.
	tag2, idx2, err := p.AllocateMoreSpace(rel, func(buf []byte) { page.Init(buf, 0) })
	if err != nil {
		t.Fatalf("AllocateMoreSpace 3rd page: %v", err)
	}
	p.UnlockBuffer(idx2, LockExclusive)
	p.ReleaseBuffer(idx2)

	// tag0 should still be resolvable without a storage-manager re-read
	// miss (it was pinned, so it could not have been evicted).
	idx0b, err := p.ReadBuffer(tag0)
	if err != nil {
		t.Fatalf("ReadBuffer(tag0) after eviction round: %v", err)
	}
	if idx0b != idx0 {
		t.Fatalf("tag0 frame changed across eviction: %d -> %d", idx0, idx0b)
	}
	p.ReleaseBuffer(idx0b)
	p.ReleaseBuffer(idx0)

	_ = tag1
	_ = tag2
}

func TestMarkDirtyPersistsOnEviction(t *testing.T) {
	p, rel := newTestPool(t, 1)
	tag, idx, _ := p.AllocateMoreSpace(rel, func(buf []byte) { page.Init(buf, 0) })
	// AllocateMoreSpace returns the frame already under its exclusive latch.
	buf := p.Page(idx)
	if _, err := page.AddItem(buf, []byte("payload"), 0, page.ModeAppend); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	p.MarkDirty(idx)
	p.UnlockBuffer(idx, LockExclusive)
	p.ReleaseBuffer(idx)

	// Force eviction by allocating a second page in a 1-frame pool.
	rel2 := smgr.RelTag{DatabaseID: 1, RelID: 99}
	_, idx2, err := p.AllocateMoreSpace(rel2, func(buf []byte) { page.Init(buf, 0) })
	if err != nil {
		t.Fatalf("AllocateMoreSpace forcing eviction: %v", err)
	}
	p.UnlockBuffer(idx2, LockExclusive)
	p.ReleaseBuffer(idx2)

	idx3, err := p.ReadBuffer(tag)
	if err != nil {
		t.Fatalf("ReadBuffer after eviction: %v", err)
	}
	defer p.ReleaseBuffer(idx3)
	p.LockBuffer(idx3, LockShare)
	defer p.UnlockBuffer(idx3, LockShare)

	data, err := page.GetItem(p.Page(idx3), 1)
	if err != nil || !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("GetItem after eviction round-trip = %q, %v", data, err)
	}
}

func TestReadTriggerFiresOnTriggeredReadsOnly(t *testing.T) {
	p, rel := newTestPool(t, 4)
	tag, idx, _ := p.AllocateMoreSpace(rel, func(buf []byte) { page.Init(buf, 0) })
	// AllocateMoreSpace returns the frame already under its exclusive latch.
	if _, err := page.AddItem(p.Page(idx), []byte("row"), 0, page.ModeAppend); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	p.MarkDirty(idx)
	p.UnlockBuffer(idx, LockExclusive)
	p.ReleaseBuffer(idx)

	var fired []Tag
	unregister := p.RegisterReadTrigger(rel, func(tg Tag, buf []byte) {
		if got := page.MaxOffsetNumber(buf); got != 1 {
			t.Errorf("trigger saw MaxOffsetNumber %d, want 1", got)
		}
		fired = append(fired, tg)
	})

	idx2, err := p.ReadBuffer(tag)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	p.ReleaseBuffer(idx2)
	if len(fired) != 0 {
		t.Fatalf("plain ReadBuffer fired the trigger %d times, want 0", len(fired))
	}

	idx3, err := p.ReadBufferTriggered(tag)
	if err != nil {
		t.Fatalf("ReadBufferTriggered: %v", err)
	}
	p.ReleaseBuffer(idx3)
	if len(fired) != 1 || fired[0] != tag {
		t.Fatalf("triggered read fired %v, want exactly [%v]", fired, tag)
	}

	unregister()
	idx4, err := p.ReadBufferTriggered(tag)
	if err != nil {
		t.Fatalf("ReadBufferTriggered after unregister: %v", err)
	}
	p.ReleaseBuffer(idx4)
	if len(fired) != 1 {
		t.Fatalf("unregistered trigger still fired (%d total)", len(fired))
	}
}

func TestStatsReportsOccupancy(t *testing.T) {
	p, rel := newTestPool(t, 4)
	_, idx, _ := p.AllocateMoreSpace(rel, func(buf []byte) { page.Init(buf, 0) })
	p.UnlockBuffer(idx, LockExclusive)

	st := p.Stats()
	if st.Frames != 4 {
		t.Fatalf("Frames = %d, want 4", st.Frames)
	}
	if st.InUse != 1 {
		t.Fatalf("InUse = %d, want 1", st.InUse)
	}
	if st.Pinned != 1 {
		t.Fatalf("Pinned = %d, want 1", st.Pinned)
	}
	p.ReleaseBuffer(idx)
}
