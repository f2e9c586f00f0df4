package sinval

import "testing"

func TestPublishThenConsumeDeliversMessage(t *testing.T) {
	b := NewBus()
	b.Register(1)

	b.Publish(Data{CacheID: 7, HashIndex: 3, TID: 100})

	got := b.Consume(1)
	if got.Reset != ResetNone {
		t.Fatalf("unexpected reset kind %v", got.Reset)
	}
	if len(got.Messages) != 1 || got.Messages[0].CacheID != 7 {
		t.Fatalf("Consume returned %+v", got)
	}

	// A second Consume with nothing new published sees no messages.
	again := b.Consume(1)
	if len(again.Messages) != 0 || again.Reset != ResetNone {
		t.Fatalf("second Consume = %+v, want empty", again)
	}
}

func TestLateJoinerOnlySeesMessagesAfterRegister(t *testing.T) {
	b := NewBus()
	b.Publish(Data{CacheID: 1})
	b.Register(2)
	b.Publish(Data{CacheID: 2})

	got := b.Consume(2)
	if len(got.Messages) != 1 || got.Messages[0].CacheID != 2 {
		t.Fatalf("late joiner saw %+v, want only CacheID 2", got.Messages)
	}
}

func TestCatalogResetSentinelOverridesMessages(t *testing.T) {
	b := NewBus()
	b.Register(1)
	b.Publish(Data{CacheID: 1})
	b.PublishCatalogReset()
	b.Publish(Data{CacheID: 2})

	got := b.Consume(1)
	if got.Reset != ResetCatalog {
		t.Fatalf("Reset = %v, want ResetCatalog", got.Reset)
	}
	if len(got.Messages) != 0 {
		t.Fatalf("messages should be discarded once a reset sentinel is seen, got %+v", got.Messages)
	}
}

func TestPublishForcesResetWhenRingFills(t *testing.T) {
	b := NewBus()
	b.Register(1)
	for i := 0; i < RingSize+5; i++ {
		b.Publish(Data{CacheID: uint32(i)})
	}

	got := b.Consume(1)
	if got.Reset == ResetNone {
		t.Fatal("expected a forced reset once the ring overflowed an unconsumed reader")
	}
}

func TestGCAdvancesToSlowestReader(t *testing.T) {
	b := NewBus()
	b.Register(1)
	b.Register(2)
	b.Publish(Data{CacheID: 1})
	b.Publish(Data{CacheID: 2})

	b.Consume(1) // reader 1 catches up fully
	// reader 2 has not consumed yet

	w := b.Watermarks()
	if w.MinMsgNum != 0 {
		t.Fatalf("MinMsgNum = %d, want 0 while reader 2 is still behind", w.MinMsgNum)
	}

	b.Consume(2)
	w = b.Watermarks()
	if w.MinMsgNum != w.MaxMsgNum {
		t.Fatalf("MinMsgNum = %d, MaxMsgNum = %d, want equal once all readers caught up", w.MinMsgNum, w.MaxMsgNum)
	}
}

func TestUnregisterDropsCursorAndAllowsGCPastIt(t *testing.T) {
	b := NewBus()
	b.Register(1)
	b.Register(2)
	b.Publish(Data{CacheID: 1})
	b.Consume(1)

	b.Unregister(2)
	w := b.Watermarks()
	if w.Readers != 1 {
		t.Fatalf("Readers = %d, want 1 after Unregister", w.Readers)
	}
	if w.MinMsgNum != w.MaxMsgNum {
		t.Fatalf("MinMsgNum should catch up to MaxMsgNum once the only lagging reader is gone")
	}
}
