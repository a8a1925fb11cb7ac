package engine

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/errorreporting"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/logger"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/metrics"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PoolOptions configures the worker pool.
type PoolOptions struct {
	// Workers is the fixed number of concurrent workers.
	Workers int
	// BackoffBase and BackoffCap bound the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// StartRate limits job starts per second across all workers. Zero
	// disables the gate. StartBurst defaults to 1 when the gate is on.
	StartRate  float64
	StartBurst int
}

// Pool runs queued jobs on a fixed set of workers. Each job executes at
// most once at a time; failed attempts go back through the queue with
// exponential backoff until MaxAttempts is spent. Panics inside a job
// body are caught at the worker boundary and count as failed attempts.
type Pool struct {
	queue       *Queue
	results     *ResultStore
	workers     int
	limiter     *rate.Limiter
	backoffBase time.Duration
	backoffCap  time.Duration

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPool builds a pool draining queue and recording terminal results
// in results.
func NewPool(queue *Queue, results *ResultStore, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Minute
	}

	p := &Pool{
		queue:       queue,
		results:     results,
		workers:     opts.Workers,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
	}
	if opts.StartRate > 0 {
		burst := opts.StartBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.StartRate), burst)
	}
	return p
}

// Start launches the workers. They run until Stop is called or ctx is
// canceled.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			p.worker(gctx, id)
			return nil
		})
	}
}

// Stop cancels the workers and waits for in-flight jobs to wind down.
// Job bodies see their context canceled and are expected to return.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	log.Printf("🔁 Starting job worker %d...", id)
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Printf("🛑 Job worker %d stopping: %v", id, err)
			return
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				p.queue.Requeue(job, 0)
				continue
			}
			metrics.JobRateLimitWaits.Inc()
		}

		p.runJob(ctx, job)
	}
}

func (p *Pool) runJob(ctx context.Context, job *Job) {
	ctx, span := tracing.StartSpan(ctx, "engine.runJob")
	defer span.End()
	ctx = logger.WithJobID(ctx, job.ID)

	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("job_key", job.Key),
		attribute.String("priority", job.Priority.String()),
		attribute.Int("attempt", job.Attempt+1),
	)

	// Bridge the job's cancel request into the context the body sees.
	jctx, jcancel := context.WithCancel(ctx)
	defer jcancel()
	bridgeDone := make(chan struct{})
	defer close(bridgeDone)
	go func() {
		select {
		case <-job.CancelRequested():
			jcancel()
		case <-bridgeDone:
		}
	}()

	startTime := time.Now()
	var jobStatus string
	defer func() {
		duration := time.Since(startTime).Seconds()
		metrics.JobDuration.WithLabelValues(jobStatus).Observe(duration)
		span.SetAttributes(
			attribute.String("job_status", jobStatus),
			attribute.Float64("duration_seconds", duration),
		)
	}()

	logger.InfoContext(jctx, "Starting job", "job_key", job.Key, "attempt", job.Attempt+1)

	value, err := p.execute(jctx, job)

	switch {
	case err == nil:
		jobStatus = "succeeded"
		logger.InfoContext(ctx, "Job succeeded", "job_key", job.Key, "bytes", len(value))
		p.finish(job, Result{
			Key:         job.Key,
			Status:      StatusSucceeded,
			Value:       value,
			Attempts:    job.Attempt + 1,
			CompletedAt: time.Now().UTC(),
		})

	case job.Canceled() || jctx.Err() != nil:
		jobStatus = "canceled"
		logger.InfoContext(ctx, "Job canceled", "job_key", job.Key)
		p.finish(job, Result{
			Key:         job.Key,
			Status:      StatusCanceled,
			Error:       err.Error(),
			Attempts:    job.Attempt,
			CompletedAt: time.Now().UTC(),
		})

	default:
		job.Attempt++
		if job.Attempt < job.MaxAttempts {
			jobStatus = "retried"
			delay := RetryDelay(job.Attempt-1, p.backoffBase, p.backoffCap)
			logger.WarnContext(ctx, "Job failed, scheduling retry",
				"job_key", job.Key,
				"attempt", job.Attempt,
				"max_attempts", job.MaxAttempts,
				"delay", delay,
				"error", err,
			)
			span.RecordError(err)
			metrics.JobRetries.Inc()
			p.queue.Requeue(job, delay)
			return
		}

		jobStatus = "failed"
		logger.ErrorContext(ctx, "Job failed permanently",
			"job_key", job.Key,
			"attempts", job.Attempt,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		errorreporting.CaptureErrorWithContext(err, map[string]string{
			"component": "engine",
			"job_key":   job.Key,
		}, map[string]interface{}{
			"job_id":   job.ID,
			"attempts": job.Attempt,
		})
		p.finish(job, Result{
			Key:         job.Key,
			Status:      StatusFailed,
			Error:       err.Error(),
			Attempts:    job.Attempt,
			CompletedAt: time.Now().UTC(),
		})
	}
}

// execute runs the job body with panic containment. A panic surfaces as
// an ordinary error so it consumes an attempt like any other failure.
func (p *Pool) execute(ctx context.Context, job *Job) (value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.JobPanics.Inc()
			logger.ErrorContext(ctx, "Job panicked",
				"job_key", job.Key,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	if job.Body == nil {
		return nil, fmt.Errorf("job %s has no body", job.Key)
	}
	return job.Body.Execute(ctx)
}

// finish records the terminal result, then frees the dedup slot. The
// result is visible before the key accepts a new submission, so a
// resubmitted key never races an older job's late write.
func (p *Pool) finish(job *Job, res Result) {
	metrics.JobsCompleted.WithLabelValues(string(res.Status)).Inc()
	if p.results != nil {
		if err := p.results.Put(context.Background(), res); err != nil {
			logger.Warn("Failed to store job result", "job_key", res.Key, "error", err)
		}
	}
	p.queue.Release(job.Key)
}
