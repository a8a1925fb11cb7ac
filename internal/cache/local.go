package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// entry is the unit stored in the local tier. Entries are replaced whole
// on Set and value bytes are never mutated in place, so a reader can keep
// a returned slice without holding the lock.
type entry struct {
	key          string
	value        []byte
	createdAt    time.Time
	expiresAt    time.Time
	accessCount  uint64
	lastAccessAt time.Time
}

// LocalTier is the in-process cache tier: a bounded map with strict
// least-recently-used eviction, lazy expiry on read, and a background
// sweep that clears expired entries between reads.
//
// The recency list keeps the most recently used element at the front. The
// element at the back is always the eviction candidate: the least
// recently used entry, and among entries never read since insertion, the
// earliest created.
type LocalTier struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	recency    *list.List
	maxEntries int
	defaultTTL time.Duration
	onEvict    func(key, reason string)
	stats      Stats

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once

	now func() time.Time // swapped in tests
}

// NewLocal creates a local tier bounded to maxEntries entries. defaultTTL
// applies when Set is called with ttl <= 0. The background sweep runs
// every sweepEvery; sweepEvery <= 0 disables it, leaving expiry to happen
// lazily on read.
func NewLocal(maxEntries int, defaultTTL, sweepEvery time.Duration) *LocalTier {
	t := &LocalTier{
		entries:    make(map[string]*list.Element),
		recency:    list.New(),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		sweepEvery: sweepEvery,
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	if sweepEvery > 0 {
		go t.sweepLoop()
	}
	return t
}

// OnEvict registers a callback invoked whenever an entry is removed, with
// the removed key and the reason (EvictCapacity, EvictExpired, or
// EvictInvalidated). Set it before the tier is shared between goroutines.
// The callback runs with the tier lock held and must not call back into
// the tier.
func (t *LocalTier) OnEvict(fn func(key, reason string)) {
	t.onEvict = fn
}

func (t *LocalTier) Name() string { return "local" }

// Get returns the live value stored under key. An expired entry behaves
// as a miss and is removed on the spot.
func (t *LocalTier) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[key]
	if !ok {
		t.stats.Misses++
		return nil, ErrMiss
	}
	e := el.Value.(*entry)
	if !e.expiresAt.After(t.now()) {
		t.removeLocked(el, EvictExpired)
		t.stats.Misses++
		return nil, ErrMiss
	}
	e.accessCount++
	e.lastAccessAt = t.now()
	t.recency.MoveToFront(el)
	t.stats.Hits++
	return e.value, nil
}

// Set stores value under key, replacing any previous entry whole. When
// the tier is at capacity the least recently used entry is evicted to
// make room.
func (t *LocalTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	now := t.now()
	e := &entry{
		key:          key,
		value:        value,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		lastAccessAt: now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.entries[key]; ok {
		el.Value = e
		t.recency.MoveToFront(el)
		t.stats.KeysAdded++
		return nil
	}
	for t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
		oldest := t.recency.Back()
		if oldest == nil {
			break
		}
		t.removeLocked(oldest, EvictCapacity)
	}
	t.entries[key] = t.recency.PushFront(e)
	t.stats.KeysAdded++
	return nil
}

// Delete removes key if present. An explicit removal reports
// EvictInvalidated to the eviction callback.
func (t *LocalTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.entries[key]; ok {
		t.removeLocked(el, EvictInvalidated)
	}
	return nil
}

// Clear removes all entries. Each removal reports EvictInvalidated.
func (t *LocalTier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var next *list.Element
	for el := t.recency.Front(); el != nil; el = next {
		next = el.Next()
		t.removeLocked(el, EvictInvalidated)
	}
}

// Len returns the current number of entries, live or not yet swept.
func (t *LocalTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stats returns a snapshot of tier statistics.
func (t *LocalTier) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Items = int64(len(t.entries))
	return s
}

// SweepExpired removes every entry whose TTL has elapsed and reports how
// many were removed. The background sweep calls this on its interval;
// it is exported for callers that drive sweeping themselves.
func (t *LocalTier) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	var next *list.Element
	for el := t.recency.Front(); el != nil; el = next {
		next = el.Next()
		if e := el.Value.(*entry); !e.expiresAt.After(now) {
			t.removeLocked(el, EvictExpired)
			removed++
		}
	}
	return removed
}

// Stop terminates the background sweep. Idempotent.
func (t *LocalTier) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *LocalTier) sweepLoop() {
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.SweepExpired()
		case <-t.stop:
			return
		}
	}
}

// removeLocked unlinks el and fires the eviction callback. Caller holds
// the tier lock.
func (t *LocalTier) removeLocked(el *list.Element, reason string) {
	e := el.Value.(*entry)
	delete(t.entries, e.key)
	t.recency.Remove(el)
	switch reason {
	case EvictCapacity:
		t.stats.Evictions++
	case EvictExpired:
		t.stats.Expired++
	case EvictInvalidated:
		t.stats.Invalidated++
	}
	if t.onEvict != nil {
		t.onEvict(e.key, reason)
	}
}
