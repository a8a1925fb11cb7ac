package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/redis/go-redis/v9"
)

// Encoding markers at byte 0 of every shared-tier payload.
const (
	encRaw    byte = 0x00
	encBrotli byte = 0x01
)

const defaultCallTimeout = 250 * time.Millisecond

// SharedTier adapts a Redis-backed store shared by all process instances
// to the Tier interface. Every call carries a fixed short timeout so a
// slow shared store never blocks a caller indefinitely; transport
// failures surface as ErrTierUnavailable, distinct from a miss. The
// shared store manages its own capacity, so this tier defines no
// eviction policy.
//
// Payloads at or above CompressMin bytes are stored brotli-compressed
// behind a one-byte encoding header.
type SharedTier struct {
	client      *redis.Client
	prefix      string
	callTimeout time.Duration
	defaultTTL  time.Duration
	compressMin int
}

// SharedOptions configures a SharedTier.
type SharedOptions struct {
	// KeyPrefix namespaces every key written to the shared store.
	KeyPrefix string
	// CallTimeout bounds every shared-store call. Defaults to 250ms.
	CallTimeout time.Duration
	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration
	// CompressMin is the payload size in bytes at which values are
	// compressed; <= 0 disables compression.
	CompressMin int
}

// NewShared wraps an existing Redis client as the shared cache tier.
func NewShared(client *redis.Client, opts SharedOptions) *SharedTier {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &SharedTier{
		client:      client,
		prefix:      opts.KeyPrefix,
		callTimeout: opts.CallTimeout,
		defaultTTL:  opts.DefaultTTL,
		compressMin: opts.CompressMin,
	}
}

func (t *SharedTier) Name() string { return "shared" }

// Get retrieves the value stored under key.
func (t *SharedTier) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	raw, err := t.client.Get(ctx, t.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("shared get %q: %w: %w", key, ErrTierUnavailable, err)
	}
	val, err := decodeValue(raw)
	if err != nil {
		// A payload we cannot decode is useless. Drop it and report a
		// miss so the caller recomputes.
		_ = t.Delete(ctx, key)
		return nil, ErrMiss
	}
	return val, nil
}

// GetWithTTL retrieves the value and its remaining TTL in one round trip.
// A returned TTL of 0 means the store holds the key without an expiry.
func (t *SharedTier) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	pipe := t.client.Pipeline()
	getCmd := pipe.Get(ctx, t.prefix+key)
	ttlCmd := pipe.PTTL(ctx, t.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("shared get %q: %w: %w", key, ErrTierUnavailable, err)
	}
	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		return nil, 0, fmt.Errorf("shared get %q: %w: %w", key, ErrTierUnavailable, err)
	}
	val, err := decodeValue(raw)
	if err != nil {
		_ = t.Delete(ctx, key)
		return nil, 0, ErrMiss
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return val, ttl, nil
}

// Set stores value under key for ttl.
func (t *SharedTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	enc := t.encodeValue(value)

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	if err := t.client.Set(ctx, t.prefix+key, enc, ttl).Err(); err != nil {
		return fmt.Errorf("shared set %q: %w: %w", key, ErrTierUnavailable, err)
	}
	return nil
}

// Delete removes key from the shared store.
func (t *SharedTier) Delete(ctx context.Context, key string) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("shared delete %q: %w: %w", key, ErrTierUnavailable, err)
	}
	return nil
}

// Ping verifies connectivity to the shared store. Used by health checks.
func (t *SharedTier) Ping(ctx context.Context) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.client.Ping(ctx).Err()
}

// PoolStats exposes the client's connection pool counters for metrics
// collection.
func (t *SharedTier) PoolStats() *redis.PoolStats {
	return t.client.PoolStats()
}

func (t *SharedTier) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.callTimeout)
}

func (t *SharedTier) encodeValue(value []byte) []byte {
	if t.compressMin <= 0 || len(value) < t.compressMin {
		return append([]byte{encRaw}, value...)
	}
	var buf bytes.Buffer
	buf.WriteByte(encBrotli)
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(value); err == nil && w.Close() == nil && buf.Len() < len(value)+1 {
		return buf.Bytes()
	}
	return append([]byte{encRaw}, value...)
}

func decodeValue(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty shared payload")
	}
	switch raw[0] {
	case encRaw:
		return raw[1:], nil
	case encBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(raw[1:])))
	default:
		return nil, fmt.Errorf("unknown payload encoding 0x%02x", raw[0])
	}
}
