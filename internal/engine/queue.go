package engine

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/metrics"
)

var (
	// ErrQueueFull is returned when a submission would exceed the queue's
	// depth bound.
	ErrQueueFull = errors.New("engine: queue full")

	// ErrQueueClosed is returned once the queue has shut down.
	ErrQueueClosed = errors.New("engine: queue closed")
)

// jobHeap orders jobs by priority, then by submission sequence so jobs
// of equal priority leave in FIFO order.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}

// Queue is the bounded, priority-ordered job queue. Submissions
// deduplicate on the job key against everything queued or running, and
// fail fast with ErrQueueFull once the depth bound is reached. Retry
// re-enqueues bypass the bound: work that was admitted once is never
// dropped by backpressure.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	heap     jobHeap
	jobs     map[string]*Job        // queued or running, by key
	timers   map[string]*time.Timer // retry backoffs in flight
	maxDepth int
	seq      uint64
	closed   bool
}

// NewQueue builds a queue holding at most maxDepth waiting jobs.
func NewQueue(maxDepth int) *Queue {
	if maxDepth <= 0 {
		maxDepth = 256
	}
	q := &Queue{
		jobs:     make(map[string]*Job),
		timers:   make(map[string]*time.Timer),
		maxDepth: maxDepth,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Submit offers a job to the queue. It returns (false, nil) when a job
// with the same key is already queued or running, (false, ErrQueueFull)
// when the depth bound would be exceeded, and (true, nil) once the job
// is enqueued.
func (q *Queue) Submit(job *Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrQueueClosed
	}
	if _, dup := q.jobs[job.Key]; dup {
		return false, nil
	}
	if q.heap.Len() >= q.maxDepth {
		metrics.QueueRejections.Inc()
		return false, ErrQueueFull
	}

	job.state = StateQueued
	q.jobs[job.Key] = job
	q.pushLocked(job)
	return true, nil
}

func (q *Queue) pushLocked(job *Job) {
	q.seq++
	job.seq = q.seq
	heap.Push(&q.heap, job)
	q.updateGaugesLocked()
	q.notEmpty.Signal()
}

// Dequeue blocks until a job is ready, ctx ends, or the queue closes.
// The returned job is in the running state and keeps holding its dedup
// slot until Release.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	// Broadcast under the lock so a waiter between its ctx check and
	// Wait cannot miss the wakeup.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		if q.heap.Len() > 0 {
			job := heap.Pop(&q.heap).(*Job)
			job.state = StateRunning
			q.updateGaugesLocked()
			return job, nil
		}
		q.notEmpty.Wait()
	}
}

// Cancel stops the job under key. A queued or retry-waiting job is
// removed and returned so the caller can record its terminal result. A
// running job gets its cooperative cancel flag set and is left for the
// owning worker to finish. found is false when no job holds the key.
func (q *Queue) Cancel(key string) (removed *Job, found bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[key]
	if !ok {
		return nil, false
	}
	if job.state == StateRunning {
		job.markCanceled()
		return nil, true
	}

	if t, ok := q.timers[key]; ok {
		t.Stop()
		delete(q.timers, key)
	}
	if job.index >= 0 {
		heap.Remove(&q.heap, job.index)
	}
	delete(q.jobs, key)
	job.state = StateCanceled
	job.markCanceled()
	q.updateGaugesLocked()
	return job, true
}

// Release frees key's dedup slot after its job reached a terminal
// state, letting the key be submitted again.
func (q *Queue) Release(key string) {
	q.mu.Lock()
	delete(q.jobs, key)
	q.updateGaugesLocked()
	q.mu.Unlock()
}

// Requeue schedules a failed job to run again after delay. The job
// keeps its dedup slot, so duplicate submissions stay blocked while it
// waits out the backoff.
func (q *Queue) Requeue(job *Job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || job.canceled.Load() {
		delete(q.jobs, job.Key)
		q.updateGaugesLocked()
		return
	}

	job.state = StateQueued
	if delay <= 0 {
		q.pushLocked(job)
		return
	}
	q.timers[job.Key] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, job.Key)
		if q.closed || job.canceled.Load() {
			delete(q.jobs, job.Key)
			q.updateGaugesLocked()
			return
		}
		q.pushLocked(job)
	})
	q.updateGaugesLocked()
}

// Close rejects further submissions, stops pending retries, and wakes
// every blocked Dequeue with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for key, t := range q.timers {
		t.Stop()
		delete(q.timers, key)
	}
	q.notEmpty.Broadcast()
}

// QueueStats is a point-in-time snapshot for health endpoints and the
// metrics collector.
type QueueStats struct {
	Depth        int `json:"depth"`
	Running      int `json:"running"`
	RetryWaiting int `json:"retry_waiting"`
	Capacity     int `json:"capacity"`
}

// Stats reports current queue occupancy.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:        q.heap.Len(),
		Running:      len(q.jobs) - q.heap.Len() - len(q.timers),
		RetryWaiting: len(q.timers),
		Capacity:     q.maxDepth,
	}
}

// Len reports how many jobs are waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *Queue) updateGaugesLocked() {
	metrics.QueueDepth.Set(float64(q.heap.Len()))
	metrics.QueueRetryWaiting.Set(float64(len(q.timers)))
	metrics.JobsRunning.Set(float64(len(q.jobs) - q.heap.Len() - len(q.timers)))
}
