package shmem

import "testing"

func TestArenaAllocGetSet(t *testing.T) {
	a := NewArena[int](4)
	r1 := a.Alloc()
	r2 := a.Alloc()
	if r1 == NilRef || r2 == NilRef {
		t.Fatalf("Alloc returned NilRef: r1=%d r2=%d", r1, r2)
	}
	if r1 == r2 {
		t.Fatalf("Alloc returned duplicate refs: %d", r1)
	}
	if err := a.Set(r1, 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := a.Get(r1)
	if err != nil || v != 42 {
		t.Fatalf("Get(r1) = %d, %v, want 42, nil", v, err)
	}
}

func TestArenaFreeReusesSlot(t *testing.T) {
	a := NewArena[string](2)
	r1 := a.Alloc()
	a.Set(r1, "first")
	a.Free(r1)
	r2 := a.Alloc()
	if r2 != r1 {
		t.Fatalf("Alloc after Free = %d, want reused ref %d", r2, r1)
	}
	v, err := a.Get(r2)
	if err != nil || v != "" {
		t.Fatalf("Get(reused ref) = %q, %v, want zero value", v, err)
	}
}

func TestArenaGetOutOfRange(t *testing.T) {
	a := NewArena[int](1)
	if _, err := a.Get(99); err == nil {
		t.Fatal("Get(99): want error, got nil")
	}
	if _, err := a.Get(NilRef); err == nil {
		t.Fatal("Get(NilRef): want error, got nil")
	}
}

func TestArenaMutate(t *testing.T) {
	type counter struct{ n int }
	a := NewArena[counter](1)
	r := a.Alloc()
	for i := 0; i < 3; i++ {
		if err := a.Mutate(r, func(c *counter) { c.n++ }); err != nil {
			t.Fatalf("Mutate: %v", err)
		}
	}
	v, _ := a.Get(r)
	if v.n != 3 {
		t.Fatalf("counter.n = %d, want 3", v.n)
	}
}
