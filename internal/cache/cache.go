package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports that a key is absent from a tier. A miss is the normal
// not-found signal, never a failure.
var ErrMiss = errors.New("cache: miss")

// ErrTierUnavailable reports that a tier could not answer at all, for
// example a network error or timeout against the shared store. Callers
// must treat it as "no information", never as confirmed absence.
var ErrTierUnavailable = errors.New("cache: tier unavailable")

// Tier is one layer of the cache. Implementations must be safe for
// concurrent use by multiple readers and writers.
type Tier interface {
	// Get retrieves the value stored under key.
	// Returns ErrMiss when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl. Every entry carries an expiry;
	// a ttl <= 0 falls back to the tier's default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Name identifies the tier in logs and metrics.
	Name() string
}

// RemoteTier is the shared-tier surface the Coordinator needs beyond Tier.
// *SharedTier implements it; tests substitute mocks.
type RemoteTier interface {
	Tier

	// GetWithTTL retrieves the value and its remaining TTL, used when
	// promoting a shared-tier hit into the local tier. A reported TTL of 0
	// means the shared store holds the key without an expiry.
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error)
}

// LoaderFunc computes the value for a key, typically by hitting the source
// of record. Used by warming jobs and synchronous read-through.
type LoaderFunc func(ctx context.Context) ([]byte, error)

// Warmer enqueues background recomputation for a key. Implemented by the
// job engine; wired into the Coordinator after both are constructed.
type Warmer interface {
	// SubmitWarm enqueues a job that computes key's value and writes it
	// back through the Coordinator. Returns false when a job for key is
	// already queued or running. Backpressure errors pass through.
	SubmitWarm(ctx context.Context, key string, load LoaderFunc) (bool, error)
}

// Eviction reasons passed to the local tier's eviction callback.
const (
	EvictCapacity    = "capacity"
	EvictExpired     = "expired"
	EvictInvalidated = "invalidated"
)

// Stats represents local tier statistics. Counters are cumulative since
// construction.
type Stats struct {
	Hits        uint64 // Reads that found a live entry
	Misses      uint64 // Reads that found nothing
	KeysAdded   uint64 // Total entries stored
	Evictions   uint64 // Entries removed to stay under capacity
	Expired     uint64 // Entries removed because their TTL elapsed
	Invalidated uint64 // Entries removed by explicit delete
	Items       int64  // Current number of live entries
}
