package cache

import "testing"

func TestHeatTracker_TouchAndCount(t *testing.T) {
	h := newHeatTracker(16)

	for i := 0; i < 5; i++ {
		h.touch("hot")
	}
	h.touch("warm")

	if n := h.count("hot"); n != 5 {
		t.Errorf("count(hot) = %d, want 5", n)
	}
	if n := h.count("warm"); n != 1 {
		t.Errorf("count(warm) = %d, want 1", n)
	}
	if n := h.count("unknown"); n != 0 {
		t.Errorf("count(unknown) = %d, want 0", n)
	}
}

func TestHeatTracker_Decay(t *testing.T) {
	h := newHeatTracker(16)
	for i := 0; i < 5; i++ {
		h.touch("k")
	}

	h.decay()
	if n := h.count("k"); n != 2 {
		t.Errorf("count after first decay = %d, want 2", n)
	}
	h.decay()
	if n := h.count("k"); n != 1 {
		t.Errorf("count after second decay = %d, want 1", n)
	}
	h.decay()
	if n := h.count("k"); n != 0 {
		t.Errorf("count after third decay = %d, want 0", n)
	}
	if h.size() != 0 {
		t.Errorf("size = %d, want 0 after count reached zero", h.size())
	}
}

func TestHeatTracker_Bounded(t *testing.T) {
	h := newHeatTracker(2)
	h.touch("a")
	h.touch("b")
	h.touch("c") // over the bound, not tracked

	if h.size() != 2 {
		t.Fatalf("size = %d, want 2", h.size())
	}
	if n := h.count("c"); n != 0 {
		t.Errorf("count(c) = %d, want 0 while tracker is full", n)
	}

	// Known keys keep counting even when the tracker is full.
	h.touch("a")
	if n := h.count("a"); n != 2 {
		t.Errorf("count(a) = %d, want 2", n)
	}

	// Decay drops cold keys and clears room for new ones.
	h.decay()
	h.touch("c")
	if n := h.count("c"); n != 1 {
		t.Errorf("count(c) = %d, want 1 after decay made room", n)
	}
}
