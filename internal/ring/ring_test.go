package ring

import (
	"errors"
	"testing"
)

func values(r *Ring[string], from Handle) []string {
	var out []string
	r.Do(from, func(_ Handle, v string) bool {
		out = append(out, v)
		return true
	})
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestInsert_SingleElementLinksToItself(t *testing.T) {
	r := New[string]()
	h := r.Insert("idle")

	next, ok := r.Next(h)
	if !ok || next != h {
		t.Errorf("Next(idle) = %v, %v; want idle", next, ok)
	}
	prev, ok := r.Prev(h)
	if !ok || prev != h {
		t.Errorf("Prev(idle) = %v, %v; want idle", prev, ok)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestInsertAfter_SplicesBetweenAnchorAndSuccessor(t *testing.T) {
	r := New[string]()
	a := r.Insert("a")
	r.Insert("b")

	if _, err := r.InsertAfter(a, "x"); err != nil {
		t.Fatalf("InsertAfter: %v", err)
	}

	got := values(r, a)
	want := []string{"a", "x", "b"}
	if !equal(got, want) {
		t.Errorf("ring = %v, want %v", got, want)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRemove_ReconnectsNeighbours(t *testing.T) {
	r := New[string]()
	a := r.Insert("a")
	b := r.Insert("b")
	r.Insert("c")

	v, ok := r.Remove(b)
	if !ok || v != "b" {
		t.Fatalf("Remove(b) = %q, %v", v, ok)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	if got := values(r, a); !equal(got, []string{"a", "c"}) {
		t.Errorf("ring = %v, want [a c]", got)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRemove_StaleHandle(t *testing.T) {
	r := New[string]()
	r.Insert("a")
	b := r.Insert("b")

	if _, ok := r.Remove(b); !ok {
		t.Fatal("first Remove failed")
	}
	if _, ok := r.Remove(b); ok {
		t.Error("second Remove of the same handle succeeded")
	}

	// The slot is reused, but the old handle must not resolve to the new value.
	c := r.Insert("c")
	if c.index != b.index {
		t.Fatalf("expected slot reuse, got %v after %v", c, b)
	}
	if _, ok := r.Get(b); ok {
		t.Error("stale handle resolved after slot reuse")
	}
	if v, ok := r.Get(c); !ok || v != "c" {
		t.Errorf("Get(c) = %q, %v", v, ok)
	}
}

func TestInsertAfter_StaleAnchor(t *testing.T) {
	r := New[string]()
	r.Insert("a")
	b := r.Insert("b")
	r.Remove(b)

	_, err := r.InsertAfter(b, "x")
	if !errors.Is(err, ErrStaleHandle) {
		t.Errorf("InsertAfter(stale) error = %v, want ErrStaleHandle", err)
	}
}

func TestRemove_DuringTraversal(t *testing.T) {
	r := New[string]()
	a := r.Insert("a")
	r.Insert("dead1")
	r.Insert("b")
	r.Insert("dead2")

	// Cursor-style walk that removes elements it passes, the way the
	// scheduler reclaims dead records while selecting.
	cur, _ := r.Next(a)
	for n := 0; n < 4; n++ {
		v, _ := r.Get(cur)
		next, _ := r.Next(cur)
		if v == "dead1" || v == "dead2" {
			r.Remove(cur)
		}
		cur = next
	}

	if got := values(r, a); !equal(got, []string{"a", "b"}) {
		t.Errorf("ring = %v, want [a b]", got)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRemove_LastElement(t *testing.T) {
	r := New[string]()
	a := r.Insert("a")
	r.Remove(a)
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	b := r.Insert("b")
	if next, _ := r.Next(b); next != b {
		t.Errorf("Next(b) = %v, want b", next)
	}
}

func TestFind(t *testing.T) {
	r := New[string]()
	a := r.Insert("a")
	r.Insert("b")
	c := r.Insert("c")

	h, ok := r.Find(c, func(v string) bool { return v == "b" })
	if !ok {
		t.Fatal("Find(b) not found")
	}
	if v, _ := r.Get(h); v != "b" {
		t.Errorf("Find returned %q", v)
	}

	if _, ok := r.Find(a, func(v string) bool { return v == "z" }); ok {
		t.Error("Find(z) found a match")
	}
}

func TestDo_StartsAtAnchorAndWraps(t *testing.T) {
	r := New[string]()
	r.Insert("a")
	b := r.Insert("b")
	r.Insert("c")

	if got := values(r, b); !equal(got, []string{"b", "c", "a"}) {
		t.Errorf("Do(b) = %v, want [b c a]", got)
	}
}

func TestValidate_DetectsBrokenLinks(t *testing.T) {
	r := New[string]()
	r.Insert("a")
	b := r.Insert("b")
	r.Insert("c")

	// Short-circuit b to itself: a -> b -> b.
	r.slots[b.index].next = b.index

	if err := r.Validate(); !errors.Is(err, ErrBroken) {
		t.Errorf("Validate() = %v, want ErrBroken", err)
	}
}

func TestRandomOperationsKeepSingleCycle(t *testing.T) {
	r := New[int]()
	var handles []Handle
	anchor := r.Insert(0)
	handles = append(handles, anchor)

	// Deterministic pseudo-random sequence of inserts and removes.
	seed := uint32(7)
	for step := 1; step < 500; step++ {
		seed = seed*1103515245 + 12345
		if seed%3 == 0 && len(handles) > 1 {
			k := 1 + int(seed>>8)%(len(handles)-1)
			if _, ok := r.Remove(handles[k]); !ok {
				t.Fatalf("step %d: remove of live handle failed", step)
			}
			handles = append(handles[:k], handles[k+1:]...)
		} else {
			at := handles[int(seed>>8)%len(handles)]
			h, err := r.InsertAfter(at, step)
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
			handles = append(handles, h)
		}
		if err := r.Validate(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if r.Len() != len(handles) {
			t.Fatalf("step %d: Len = %d, want %d", step, r.Len(), len(handles))
		}
	}
	if !r.Contains(anchor) {
		t.Error("anchor element was lost")
	}
}
