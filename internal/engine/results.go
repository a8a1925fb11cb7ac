package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/cache"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/logger"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/metrics"
)

// ErrAwaitTimeout is returned when a job does not reach a terminal
// result within the caller's wait window.
var ErrAwaitTimeout = errors.New("engine: await timed out")

// resultPrefix namespaces job results away from ordinary cached values.
const resultPrefix = "jobresult:"

// ResultStore keeps terminal job results in the cache under their own
// key namespace, so results ride the same tiers and expiry machinery as
// the values the jobs compute.
type ResultStore struct {
	coord *cache.Coordinator
	ttl   time.Duration
	poll  time.Duration
}

// NewResultStore builds a store writing through coord. Results expire
// after ttl.
func NewResultStore(coord *cache.Coordinator, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ResultStore{
		coord: coord,
		ttl:   ttl,
		poll:  100 * time.Millisecond,
	}
}

// Put records res under its job key. A shared tier outage degrades the
// write to local-only; the result stays readable from this process.
func (s *ResultStore) Put(ctx context.Context, res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result %q: %w", res.Key, err)
	}
	if err := s.coord.Write(ctx, resultKey(res.Key), raw, s.ttl); err != nil {
		logger.Warn("Job result stored locally only", "job_key", res.Key, "error", err)
	}
	metrics.JobResultsWritten.WithLabelValues(string(res.Status)).Inc()
	return nil
}

// Get returns the stored result for key. Results decode from JSON on
// every read, so callers always get their own copy.
func (s *ResultStore) Get(ctx context.Context, key string) (Result, bool) {
	raw, ok := s.coord.Read(ctx, resultKey(key))
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		logger.Warn("Dropping undecodable job result", "job_key", key, "error", err)
		s.coord.Invalidate(ctx, resultKey(key))
		return Result{}, false
	}
	return res, true
}

// Await blocks until key holds a terminal result, ctx ends, or timeout
// elapses. The caller inspects the result's Status; a failed job is a
// successful await.
func (s *ResultStore) Await(ctx context.Context, key string, timeout time.Duration) (Result, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		if res, ok := s.Get(ctx, key); ok {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			metrics.JobAwaitTimeouts.Inc()
			return Result{}, fmt.Errorf("await %q after %s: %w", key, timeout, ErrAwaitTimeout)
		case <-ticker.C:
		}
	}
}

func resultKey(key string) string {
	return resultPrefix + key
}
