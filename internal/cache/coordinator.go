package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/logger"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/metrics"
)

// ErrSharedWrite reports that a Write reached the local tier but not the
// shared one. It is advisory; the local instance is consistent and
// callers that only need local consistency may ignore it.
var ErrSharedWrite = errors.New("cache: shared tier write failed")

// ErrNoWarmer reports a WarmAsync call before a job engine was wired in
// with SetWarmer.
var ErrNoWarmer = errors.New("cache: no warmer wired")

// Options configures a Coordinator. Zero values pick the defaults noted
// per field.
type Options struct {
	// BaseTTL is the fallback TTL for writes and promotions that carry
	// none. Default 10m.
	BaseTTL time.Duration
	// AdaptiveMinFactor and AdaptiveMaxFactor bound AdaptiveTTL's scaling
	// of a base TTL. Defaults 0.5 and 3.0.
	AdaptiveMinFactor float64
	AdaptiveMaxFactor float64
	// AdaptiveHotCount is the read count at which a key earns the maximum
	// factor. Default 100.
	AdaptiveHotCount int
	// HeatMaxKeys bounds the number of keys tracked for adaptive TTL.
	// Default 4096.
	HeatMaxKeys int
	// HeatDecayEvery is the interval at which tracked read counts halve.
	// Default 5m.
	HeatDecayEvery time.Duration
}

// Coordinator unifies the local and shared tiers behind one read/write
// API: read-through with promotion, best-effort write-through, cross-tier
// invalidation, adaptive expiry, and asynchronous warming. Its methods
// never fail because of the shared tier; shared-tier trouble degrades to
// local-only behavior and is reported through logs and metrics.
//
// Construct with NewCoordinator and release background goroutines with
// Close.
type Coordinator struct {
	local  *LocalTier
	shared RemoteTier // nil means local-only operation
	opts   Options

	heat  *heatTracker
	group singleflight.Group

	warmMu sync.RWMutex
	warmer Warmer

	log      *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewCoordinator wires the tiers together. shared may be nil to run
// local-only, for example in tests or when the shared store is not
// configured.
func NewCoordinator(local *LocalTier, shared RemoteTier, opts Options) *Coordinator {
	if opts.BaseTTL <= 0 {
		opts.BaseTTL = 10 * time.Minute
	}
	if opts.AdaptiveMinFactor <= 0 {
		opts.AdaptiveMinFactor = 0.5
	}
	if opts.AdaptiveMaxFactor <= 0 {
		opts.AdaptiveMaxFactor = 3.0
	}
	if opts.AdaptiveHotCount <= 0 {
		opts.AdaptiveHotCount = 100
	}
	if opts.HeatMaxKeys <= 0 {
		opts.HeatMaxKeys = 4096
	}
	if opts.HeatDecayEvery <= 0 {
		opts.HeatDecayEvery = 5 * time.Minute
	}
	c := &Coordinator{
		local:  local,
		shared: shared,
		opts:   opts,
		heat:   newHeatTracker(opts.HeatMaxKeys),
		log:    logger.WithComponent("cache"),
		stop:   make(chan struct{}),
	}
	go c.decayLoop()
	return c
}

// SetWarmer wires the job engine in after construction. The Coordinator
// is built before the engine, which needs the Coordinator for its result
// store, so the warmer arrives late.
func (c *Coordinator) SetWarmer(w Warmer) {
	c.warmMu.Lock()
	c.warmer = w
	c.warmMu.Unlock()
}

// Read returns the value for key. The local tier answers first; on a
// local miss the shared tier is consulted within its call timeout and a
// hit is promoted into the local tier with the remaining TTL carried
// over, never extended. A shared-tier failure degrades the read to
// not-found rather than failing the caller.
func (c *Coordinator) Read(ctx context.Context, key string) ([]byte, bool) {
	c.heat.touch(key)

	if v, err := c.local.Get(ctx, key); err == nil {
		metrics.CacheHits.WithLabelValues("local").Inc()
		return v, true
	}
	metrics.CacheMisses.WithLabelValues("local").Inc()

	if c.shared == nil {
		return nil, false
	}
	v, ttl, err := c.shared.GetWithTTL(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, ErrMiss):
		metrics.CacheMisses.WithLabelValues("shared").Inc()
		return nil, false
	default:
		metrics.CacheSharedErrors.WithLabelValues("get").Inc()
		c.log.Warn("Shared tier unavailable on read", "key", key, "error", err)
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("shared").Inc()

	// A shared entry held without an expiry is promoted with the base
	// TTL; anything else keeps its remaining lifetime.
	if ttl <= 0 {
		ttl = c.opts.BaseTTL
	}
	_ = c.local.Set(ctx, key, v, ttl)
	metrics.CachePromotions.Inc()
	return v, true
}

// Write stores value in both tiers, local first. The local write always
// sticks, keeping this instance consistent even when the cluster is not.
// A shared-tier failure is reported through the returned error, which
// wraps ErrSharedWrite; treat it as a warning, not a hard failure.
func (c *Coordinator) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.BaseTTL
	}
	_ = c.local.Set(ctx, key, value, ttl)
	metrics.CacheWrites.WithLabelValues("local", "ok").Inc()

	if c.shared == nil {
		return nil
	}
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		metrics.CacheWrites.WithLabelValues("shared", "error").Inc()
		metrics.CacheSharedErrors.WithLabelValues("set").Inc()
		c.log.Warn("Shared tier write failed, local tier still updated", "key", key, "error", err)
		return fmt.Errorf("write %q: %w: %w", key, ErrSharedWrite, err)
	}
	metrics.CacheWrites.WithLabelValues("shared", "ok").Inc()
	return nil
}

// Invalidate removes key from both tiers unconditionally. Used when the
// underlying source data changes. Shared-tier failures are absorbed.
func (c *Coordinator) Invalidate(ctx context.Context, key string) {
	_ = c.local.Delete(ctx, key)
	metrics.CacheInvalidations.Inc()

	if c.shared == nil {
		return
	}
	if err := c.shared.Delete(ctx, key); err != nil {
		metrics.CacheSharedErrors.WithLabelValues("delete").Inc()
		c.log.Warn("Shared tier invalidate failed", "key", key, "error", err)
	}
}

// AdaptiveTTL scales base by the key's historical read demand: hot keys
// live up to AdaptiveMaxFactor times longer, cold keys as little as
// AdaptiveMinFactor. The factor is linear in the tracked read count,
// clamped to the configured bounds, and recomputed on every call. The
// caller always supplies the base; an explicit TTL is never overridden
// behind the caller's back.
func (c *Coordinator) AdaptiveTTL(key string, base time.Duration) time.Duration {
	if base <= 0 {
		base = c.opts.BaseTTL
	}
	n := float64(c.heat.count(key))
	hot := float64(c.opts.AdaptiveHotCount)
	f := c.opts.AdaptiveMinFactor + (c.opts.AdaptiveMaxFactor-c.opts.AdaptiveMinFactor)*math.Min(n, hot)/hot
	metrics.CacheAdaptiveFactor.Observe(f)
	return time.Duration(f * float64(base))
}

// WarmAsync requests background recomputation of key unless it is
// already cached, and returns without waiting for the job. The job is
// deduplicated on the cache key, so any number of callers racing on the
// same absent key produce at most one outstanding warming job. Reports
// whether a new job was queued; queue backpressure errors pass through
// for the caller to retry later.
func (c *Coordinator) WarmAsync(ctx context.Context, key string, load LoaderFunc) (bool, error) {
	c.warmMu.RLock()
	w := c.warmer
	c.warmMu.RUnlock()
	if w == nil {
		return false, ErrNoWarmer
	}

	if _, found := c.Read(ctx, key); found {
		metrics.CacheWarmRequests.WithLabelValues("present").Inc()
		return false, nil
	}
	queued, err := w.SubmitWarm(ctx, key, load)
	switch {
	case err != nil:
		metrics.CacheWarmRequests.WithLabelValues("rejected").Inc()
	case queued:
		metrics.CacheWarmRequests.WithLabelValues("queued").Inc()
	default:
		metrics.CacheWarmRequests.WithLabelValues("duplicate").Inc()
	}
	return queued, err
}

// GetOrLoad returns the cached value for key, or computes it with load,
// writes it through with an adaptive TTL derived from base, and returns
// it. Concurrent callers missing on the same key share a single load
// call.
func (c *Coordinator) GetOrLoad(ctx context.Context, key string, base time.Duration, load LoaderFunc) ([]byte, error) {
	if v, ok := c.Read(ctx, key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Read(ctx, key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.Write(ctx, key, v, c.AdaptiveTTL(key, base))
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// HeatKeys reports how many keys the adaptive-TTL tracker currently
// holds. Exposed for metrics collection.
func (c *Coordinator) HeatKeys() int {
	return c.heat.size()
}

// Close stops the Coordinator's background work: the heat decay loop and
// the local tier's expiry sweep.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.local.Stop()
}

func (c *Coordinator) decayLoop() {
	ticker := time.NewTicker(c.opts.HeatDecayEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.heat.decay()
		case <-c.stop:
			return
		}
	}
}
