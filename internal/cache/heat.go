package cache

import "sync"

// heatTracker counts reads per key so AdaptiveTTL can tell hot keys from
// cold ones. Counts survive local-tier eviction, halve on every decay
// pass, and the tracked key set is bounded: once full, keys the tracker
// has never seen stay untracked until decay clears room. An untracked
// key reads as cold, which only shortens its TTL.
type heatTracker struct {
	mu     sync.Mutex
	counts map[string]uint64
	max    int
}

func newHeatTracker(max int) *heatTracker {
	return &heatTracker{
		counts: make(map[string]uint64),
		max:    max,
	}
}

func (h *heatTracker) touch(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.counts[key]; !ok && len(h.counts) >= h.max {
		return
	}
	h.counts[key]++
}

func (h *heatTracker) count(key string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[key]
}

// decay halves every count and drops the ones that reach zero.
func (h *heatTracker) decay() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, n := range h.counts {
		n /= 2
		if n == 0 {
			delete(h.counts, k)
			continue
		}
		h.counts[k] = n
	}
}

func (h *heatTracker) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.counts)
}
