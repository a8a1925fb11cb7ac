package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/cache"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/logger"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/metrics"
)

// Options configures the engine.
type Options struct {
	// QueueDepth bounds how many jobs may wait to run.
	QueueDepth int
	// Workers is the fixed pool size.
	Workers int
	// MaxAttempts is the total execution budget per job, first try
	// included.
	MaxAttempts int
	// BackoffBase and BackoffCap bound the retry delay curve.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// ResultTTL is how long terminal results stay readable.
	ResultTTL time.Duration
	// WarmTTL is the base TTL for values written by warm jobs; the
	// coordinator's adaptive policy scales it per key.
	WarmTTL time.Duration
	// StartRate and StartBurst gate job starts per second. Zero
	// StartRate disables the gate.
	StartRate  float64
	StartBurst int
}

// Engine fronts the queue, worker pool, and result store with the
// submission API. It also serves as the cache coordinator's warmer,
// turning warm requests into deduplicated background jobs.
type Engine struct {
	coord   *cache.Coordinator
	queue   *Queue
	results *ResultStore
	pool    *Pool
	opts    Options
}

var _ cache.Warmer = (*Engine)(nil)

// New builds an engine writing results through coord.
func New(coord *cache.Coordinator, opts Options) *Engine {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.WarmTTL <= 0 {
		opts.WarmTTL = 10 * time.Minute
	}

	queue := NewQueue(opts.QueueDepth)
	results := NewResultStore(coord, opts.ResultTTL)
	pool := NewPool(queue, results, PoolOptions{
		Workers:     opts.Workers,
		BackoffBase: opts.BackoffBase,
		BackoffCap:  opts.BackoffCap,
		StartRate:   opts.StartRate,
		StartBurst:  opts.StartBurst,
	})

	return &Engine{
		coord:   coord,
		queue:   queue,
		results: results,
		pool:    pool,
		opts:    opts,
	}
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.pool.Start(ctx)
}

// Stop closes the queue, wakes blocked workers, and waits for in-flight
// jobs to wind down. Queued jobs are dropped; the queue holds no
// durable state.
func (e *Engine) Stop() {
	e.queue.Close()
	e.pool.Stop()
}

// Submit enqueues body under key. It reports false with a nil error
// when a job for key is already queued or running, and false with
// ErrQueueFull when the queue is at depth.
func (e *Engine) Submit(ctx context.Context, key string, pri Priority, payload []byte, body JobBody) (bool, error) {
	job := NewJob(key, pri, payload, e.opts.MaxAttempts, body)

	accepted, err := e.queue.Submit(job)
	outcome := "queued"
	switch {
	case err != nil:
		outcome = "rejected"
	case !accepted:
		outcome = "duplicate"
	}
	metrics.JobsSubmitted.WithLabelValues(pri.String(), outcome).Inc()

	if err != nil {
		return false, fmt.Errorf("submit %q: %w", key, err)
	}
	if accepted {
		logger.InfoContext(ctx, "Job submitted", "job_id", job.ID, "job_key", key, "priority", pri.String())
	}
	return accepted, nil
}

// Cancel stops the job under key. Canceling a queued or retry-waiting
// job records its canceled result immediately; a running job is flagged
// and its worker records the result when the body returns. Returns
// false when no job holds the key.
func (e *Engine) Cancel(key string) bool {
	removed, found := e.queue.Cancel(key)
	if !found {
		return false
	}
	if removed != nil {
		metrics.JobsCompleted.WithLabelValues(string(StatusCanceled)).Inc()
		_ = e.results.Put(context.Background(), Result{
			Key:         key,
			Status:      StatusCanceled,
			Attempts:    removed.Attempt,
			CompletedAt: time.Now().UTC(),
		})
		logger.Info("Queued job canceled", "job_key", key)
	} else {
		logger.Info("Running job cancel requested", "job_key", key)
	}
	return true
}

// Result returns the terminal result recorded for key, if present.
func (e *Engine) Result(ctx context.Context, key string) (Result, bool) {
	return e.results.Get(ctx, key)
}

// Await blocks until key reaches a terminal result or timeout passes.
func (e *Engine) Await(ctx context.Context, key string, timeout time.Duration) (Result, error) {
	return e.results.Await(ctx, key, timeout)
}

// Stats exposes queue occupancy for health endpoints and the metrics
// collector.
func (e *Engine) Stats() QueueStats {
	return e.queue.Stats()
}

// SubmitWarm implements the coordinator's warmer. The loader runs as a
// normal-priority job keyed by the cache key itself, so concurrent warm
// requests for one key collapse into a single load. The loaded value is
// written back under an adaptive TTL.
func (e *Engine) SubmitWarm(ctx context.Context, key string, load cache.LoaderFunc) (bool, error) {
	body := BodyFunc(func(ctx context.Context) ([]byte, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		ttl := e.coord.AdaptiveTTL(key, e.opts.WarmTTL)
		if err := e.coord.Write(ctx, key, value, ttl); err != nil {
			logger.WarnContext(ctx, "Warmed value stored locally only", "cache_key", key, "error", err)
		}
		return value, nil
	})
	return e.Submit(ctx, key, PriorityNormal, nil, body)
}
