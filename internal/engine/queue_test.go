package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func queuedJob(key string, pri Priority) *Job {
	return NewJob(key, pri, nil, 3, nil)
}

func TestQueue_SubmitAndDequeue(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	accepted, err := q.Submit(queuedJob("books:popular:7d", PriorityNormal))
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	if !accepted {
		t.Fatal("Expected submission to be accepted")
	}

	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if job.Key != "books:popular:7d" {
		t.Errorf("Expected key books:popular:7d, got %s", job.Key)
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	for _, j := range []*Job{
		queuedJob("low", PriorityLow),
		queuedJob("normal", PriorityNormal),
		queuedJob("high", PriorityHigh),
	} {
		if _, err := q.Submit(j); err != nil {
			t.Fatalf("Failed to submit %s: %v", j.Key, err)
		}
	}

	want := []string{"high", "normal", "low"}
	for i, expected := range want {
		job, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue %d failed: %v", i, err)
		}
		if job.Key != expected {
			t.Errorf("Dequeue %d: expected %s, got %s", i, expected, job.Key)
		}
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	keys := []string{"first", "second", "third", "fourth"}
	for _, key := range keys {
		if _, err := q.Submit(queuedJob(key, PriorityNormal)); err != nil {
			t.Fatalf("Failed to submit %s: %v", key, err)
		}
	}

	for i, expected := range keys {
		job, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue %d failed: %v", i, err)
		}
		if job.Key != expected {
			t.Errorf("Dequeue %d: expected %s, got %s", i, expected, job.Key)
		}
	}
}

func TestQueue_DuplicateKeyRejected(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	accepted, err := q.Submit(queuedJob("dup", PriorityNormal))
	if err != nil || !accepted {
		t.Fatalf("Expected first submit to be accepted, got (%v, %v)", accepted, err)
	}

	accepted, err = q.Submit(queuedJob("dup", PriorityHigh))
	if err != nil {
		t.Fatalf("Duplicate submit should not error, got %v", err)
	}
	if accepted {
		t.Error("Expected duplicate submit to be rejected")
	}

	// Still a duplicate while the job runs.
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	accepted, err = q.Submit(queuedJob("dup", PriorityNormal))
	if err != nil || accepted {
		t.Errorf("Expected duplicate rejection while running, got (%v, %v)", accepted, err)
	}

	// Released keys accept new submissions.
	q.Release("dup")
	accepted, err = q.Submit(queuedJob("dup", PriorityNormal))
	if err != nil || !accepted {
		t.Errorf("Expected resubmit after release to be accepted, got (%v, %v)", accepted, err)
	}
}

func TestQueue_FullRejectsUntilDequeue(t *testing.T) {
	q := NewQueue(2)
	defer q.Close()

	for _, key := range []string{"a", "b"} {
		if accepted, err := q.Submit(queuedJob(key, PriorityNormal)); err != nil || !accepted {
			t.Fatalf("Expected %s to be accepted, got (%v, %v)", key, accepted, err)
		}
	}

	_, err := q.Submit(queuedJob("c", PriorityNormal))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}

	// The bound counts waiting jobs only; a running job frees a slot.
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	accepted, err := q.Submit(queuedJob("c", PriorityNormal))
	if err != nil || !accepted {
		t.Errorf("Expected c to be accepted after dequeue, got (%v, %v)", accepted, err)
	}
}

func TestQueue_DequeueBlocksUntilSubmit(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	got := make(chan *Job, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err != nil {
			return
		}
		got <- job
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := q.Submit(queuedJob("late", PriorityNormal)); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	select {
	case job := <-got:
		if job.Key != "late" {
			t.Errorf("Expected key late, got %s", job.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake after submit")
	}
}

func TestQueue_DequeueContextCanceled(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after cancel")
	}
}

func TestQueue_CancelQueued(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	if _, err := q.Submit(queuedJob("victim", PriorityNormal)); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	removed, found := q.Cancel("victim")
	if !found {
		t.Fatal("Expected cancel to find the job")
	}
	if removed == nil {
		t.Fatal("Expected a queued job to be removed on cancel")
	}
	if !removed.Canceled() {
		t.Error("Expected removed job to carry the cancel flag")
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}

	// The key frees up immediately.
	accepted, err := q.Submit(queuedJob("victim", PriorityNormal))
	if err != nil || !accepted {
		t.Errorf("Expected resubmit after cancel to be accepted, got (%v, %v)", accepted, err)
	}
}

func TestQueue_CancelRunning(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	if _, err := q.Submit(queuedJob("running", PriorityNormal)); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	removed, found := q.Cancel("running")
	if !found {
		t.Fatal("Expected cancel to find the running job")
	}
	if removed != nil {
		t.Fatal("Expected running job to stay with its worker")
	}
	if !job.Canceled() {
		t.Error("Expected cooperative cancel flag to be set")
	}
	select {
	case <-job.CancelRequested():
	default:
		t.Error("Expected cancel channel to be closed")
	}
}

func TestQueue_CancelMissing(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	if _, found := q.Cancel("ghost"); found {
		t.Error("Expected cancel of unknown key to report not found")
	}
}

func TestQueue_RequeueAfterDelay(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	if _, err := q.Submit(queuedJob("retry", PriorityNormal)); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	q.Requeue(job, 40*time.Millisecond)

	if q.Len() != 0 {
		t.Errorf("Expected job to wait out its backoff, queue len %d", q.Len())
	}
	if stats := q.Stats(); stats.RetryWaiting != 1 {
		t.Errorf("Expected 1 retry waiting, got %d", stats.RetryWaiting)
	}

	// The key stays claimed during the backoff.
	accepted, err := q.Submit(queuedJob("retry", PriorityNormal))
	if err != nil || accepted {
		t.Errorf("Expected duplicate rejection during backoff, got (%v, %v)", accepted, err)
	}

	time.Sleep(100 * time.Millisecond)
	if q.Len() != 1 {
		t.Fatalf("Expected job back in queue after backoff, len %d", q.Len())
	}
	back, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Failed to dequeue after requeue: %v", err)
	}
	if back.Key != "retry" {
		t.Errorf("Expected key retry, got %s", back.Key)
	}
}

func TestQueue_RequeueImmediate(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	if _, err := q.Submit(queuedJob("now", PriorityNormal)); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	q.Requeue(job, 0)
	if q.Len() != 1 {
		t.Errorf("Expected immediate requeue, len %d", q.Len())
	}
}

func TestQueue_RequeueCanceledJobDropped(t *testing.T) {
	q := NewQueue(10)
	defer q.Close()

	if _, err := q.Submit(queuedJob("doomed", PriorityNormal)); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if _, found := q.Cancel("doomed"); !found {
		t.Fatal("Expected cancel to find the running job")
	}

	q.Requeue(job, 0)
	if q.Len() != 0 {
		t.Errorf("Expected canceled job to be dropped, len %d", q.Len())
	}
	accepted, err := q.Submit(queuedJob("doomed", PriorityNormal))
	if err != nil || !accepted {
		t.Errorf("Expected slot to be freed, got (%v, %v)", accepted, err)
	}
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(10)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(30 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("Expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after close")
	}

	if _, err := q.Submit(queuedJob("late", PriorityNormal)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed on submit, got %v", err)
	}
}

func TestQueue_Stats(t *testing.T) {
	q := NewQueue(5)
	defer q.Close()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := q.Submit(queuedJob(key, PriorityNormal)); err != nil {
			t.Fatalf("Failed to submit %s: %v", key, err)
		}
	}
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	stats := q.Stats()
	if stats.Depth != 2 {
		t.Errorf("Expected depth 2, got %d", stats.Depth)
	}
	if stats.Running != 1 {
		t.Errorf("Expected 1 running, got %d", stats.Running)
	}
	if stats.Capacity != 5 {
		t.Errorf("Expected capacity 5, got %d", stats.Capacity)
	}
}
