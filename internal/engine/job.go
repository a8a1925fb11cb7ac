package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs in the queue. Higher priorities dequeue first.
type Priority int8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// State tracks a job through its lifecycle: Queued to Running, then a
// terminal Succeeded, Failed, or Canceled. A failed attempt with retries
// left moves back to Queued.
type State int8

const (
	StateQueued State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Status is the terminal outcome recorded in a Result.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// JobBody is the unit of work a job executes. Implementations must honor
// ctx cancellation at safe points; the pool never kills in-flight work.
type JobBody interface {
	Execute(ctx context.Context) ([]byte, error)
}

// BodyFunc adapts a plain function to the JobBody interface.
type BodyFunc func(ctx context.Context) ([]byte, error)

func (f BodyFunc) Execute(ctx context.Context) ([]byte, error) { return f(ctx) }

// Job is one unit of queued work. Key is its deduplication identity: at
// most one job per key is queued or running at any time. Fields are set
// by the submitter before enqueue and afterwards touched only by the
// owning worker; state transitions happen under the queue lock.
type Job struct {
	ID          string
	Key         string
	Priority    Priority
	Payload     []byte
	Attempt     int
	MaxAttempts int
	SubmittedAt time.Time
	Body        JobBody

	state      State
	seq        uint64
	index      int
	canceled   atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// NewJob builds a job ready for submission. The ID is only for log and
// trace correlation; dedup runs on Key.
func NewJob(key string, pri Priority, payload []byte, maxAttempts int, body JobBody) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Key:         key,
		Priority:    pri,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		SubmittedAt: time.Now(),
		Body:        body,
		index:       -1,
		cancelCh:    make(chan struct{}),
	}
}

// Canceled reports whether a cooperative cancel was requested. Bodies
// running loops can poll it at safe points; the job context is canceled
// at the same time.
func (j *Job) Canceled() bool { return j.canceled.Load() }

// CancelRequested returns a channel closed when cancellation is
// requested.
func (j *Job) CancelRequested() <-chan struct{} { return j.cancelCh }

func (j *Job) markCanceled() {
	j.canceled.Store(true)
	j.cancelOnce.Do(func() { close(j.cancelCh) })
}

// Result records the terminal outcome of a job. Results round-trip
// through the result store as JSON, so callers always read copies.
type Result struct {
	Key         string    `json:"key"`
	Status      Status    `json:"status"`
	Value       []byte    `json:"value,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	CompletedAt time.Time `json:"completed_at"`
}

// Succeeded reports whether the job completed with a value.
func (r Result) Succeeded() bool { return r.Status == StatusSucceeded }
