package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/cache"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *cache.Coordinator) {
	t.Helper()

	local := cache.NewLocal(256, time.Minute, 0)
	coord := cache.NewCoordinator(local, nil, cache.Options{
		BaseTTL:          time.Minute,
		AdaptiveHotCount: 10,
	})

	if opts.Workers == 0 {
		opts.Workers = 2
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 5 * time.Millisecond
	}
	if opts.BackoffCap == 0 {
		opts.BackoffCap = 20 * time.Millisecond
	}
	if opts.ResultTTL == 0 {
		opts.ResultTTL = time.Minute
	}

	e := New(coord, opts)
	coord.SetWarmer(e)
	e.Start(context.Background())
	t.Cleanup(func() {
		e.Stop()
		coord.Close()
	})
	return e, coord
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Job did not start in time")
	}
}

func TestEngine_SubmitAndAwait(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	accepted, err := e.Submit(context.Background(), "job:simple", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) {
			return []byte("done"), nil
		}))
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	if !accepted {
		t.Fatal("Expected submission to be accepted")
	}

	res, err := e.Await(context.Background(), "job:simple", 2*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if !res.Succeeded() {
		t.Errorf("Expected succeeded, got %s", res.Status)
	}
	if string(res.Value) != "done" {
		t.Errorf("Expected value done, got %s", res.Value)
	}
	if res.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", res.Attempts)
	}
}

func TestEngine_KeyReusableAfterTerminalResult(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	body := BodyFunc(func(ctx context.Context) ([]byte, error) { return []byte("ok"), nil })
	if accepted, err := e.Submit(ctx, "job:reuse", PriorityNormal, nil, body); err != nil || !accepted {
		t.Fatalf("Expected first submit to be accepted, got (%v, %v)", accepted, err)
	}
	if _, err := e.Await(ctx, "job:reuse", 2*time.Second); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	if res, ok := e.Result(ctx, "job:reuse"); !ok || !res.Succeeded() {
		t.Errorf("Expected stored succeeded result, got (%+v, %v)", res, ok)
	}

	accepted, err := e.Submit(ctx, "job:reuse", PriorityNormal, nil, body)
	if err != nil || !accepted {
		t.Errorf("Expected resubmit after completion to be accepted, got (%v, %v)", accepted, err)
	}
}

func TestEngine_DuplicateWhileRunning(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	accepted, err := e.Submit(ctx, "job:slow", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("ok"), nil
		}))
	if err != nil || !accepted {
		t.Fatalf("Expected submit to be accepted, got (%v, %v)", accepted, err)
	}
	waitStarted(t, started)

	accepted, err = e.Submit(ctx, "job:slow", PriorityHigh, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) { return nil, nil }))
	if err != nil {
		t.Fatalf("Duplicate submit should not error, got %v", err)
	}
	if accepted {
		t.Error("Expected duplicate submit to be rejected while running")
	}

	close(release)
	if _, err := e.Await(ctx, "job:slow", 2*time.Second); err != nil {
		t.Fatalf("Await failed: %v", err)
	}
}

func TestEngine_RetriesUntilAttemptsExhausted(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxAttempts: 3})

	var attempts atomic.Int32
	accepted, err := e.Submit(context.Background(), "job:fails", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) {
			attempts.Add(1)
			return nil, errors.New("boom")
		}))
	if err != nil || !accepted {
		t.Fatalf("Expected submit to be accepted, got (%v, %v)", accepted, err)
	}

	res, err := e.Await(context.Background(), "job:fails", 2*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", res.Status)
	}
	if res.Attempts != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", res.Attempts)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("Expected body to run 3 times, ran %d", got)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("Expected error to mention the failure, got %q", res.Error)
	}
}

func TestEngine_SucceedsAfterRetry(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxAttempts: 5})

	var attempts atomic.Int32
	accepted, err := e.Submit(context.Background(), "job:flaky", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) {
			if n := attempts.Add(1); n < 3 {
				return nil, fmt.Errorf("attempt %d failed", n)
			}
			return []byte("third time"), nil
		}))
	if err != nil || !accepted {
		t.Fatalf("Expected submit to be accepted, got (%v, %v)", accepted, err)
	}

	res, err := e.Await(context.Background(), "job:flaky", 2*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("Expected success, got %s (%s)", res.Status, res.Error)
	}
	if res.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", res.Attempts)
	}
	if string(res.Value) != "third time" {
		t.Errorf("Expected value from the final attempt, got %s", res.Value)
	}
}

func TestEngine_PanicContained(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	accepted, err := e.Submit(ctx, "job:panics", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) {
			panic("kaboom")
		}))
	if err != nil || !accepted {
		t.Fatalf("Expected submit to be accepted, got (%v, %v)", accepted, err)
	}

	res, err := e.Await(ctx, "job:panics", 2*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", res.Status)
	}
	if res.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", res.Attempts)
	}
	if !strings.Contains(res.Error, "panicked") {
		t.Errorf("Expected panic to surface in the error, got %q", res.Error)
	}

	// Workers survive the panic.
	accepted, err = e.Submit(ctx, "job:after", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) { return []byte("alive"), nil }))
	if err != nil || !accepted {
		t.Fatalf("Expected submit after panic to be accepted, got (%v, %v)", accepted, err)
	}
	if res, err := e.Await(ctx, "job:after", 2*time.Second); err != nil || !res.Succeeded() {
		t.Errorf("Expected pool to keep working after panic, got (%+v, %v)", res, err)
	}
}

func TestEngine_CancelRunning(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	started := make(chan struct{})
	accepted, err := e.Submit(ctx, "job:cancel", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	if err != nil || !accepted {
		t.Fatalf("Expected submit to be accepted, got (%v, %v)", accepted, err)
	}
	waitStarted(t, started)

	if !e.Cancel("job:cancel") {
		t.Fatal("Expected cancel to find the running job")
	}

	res, err := e.Await(ctx, "job:cancel", 2*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if res.Status != StatusCanceled {
		t.Errorf("Expected canceled, got %s", res.Status)
	}
}

func TestEngine_CancelQueued(t *testing.T) {
	e, _ := newTestEngine(t, Options{Workers: 1, QueueDepth: 4})
	ctx := context.Background()

	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	if accepted, err := e.Submit(ctx, "job:blocker", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) {
			close(started)
			<-block
			return nil, nil
		})); err != nil || !accepted {
		t.Fatalf("Expected blocker to be accepted, got (%v, %v)", accepted, err)
	}
	waitStarted(t, started)

	if accepted, err := e.Submit(ctx, "job:queued", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) { return nil, nil })); err != nil || !accepted {
		t.Fatalf("Expected queued job to be accepted, got (%v, %v)", accepted, err)
	}

	if !e.Cancel("job:queued") {
		t.Fatal("Expected cancel to find the queued job")
	}
	res, ok := e.Result(ctx, "job:queued")
	if !ok {
		t.Fatal("Expected canceled result to be recorded immediately")
	}
	if res.Status != StatusCanceled {
		t.Errorf("Expected canceled, got %s", res.Status)
	}
}

func TestEngine_CancelMissing(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	if e.Cancel("job:ghost") {
		t.Error("Expected cancel of unknown key to report false")
	}
}

func TestEngine_QueueFullBackpressure(t *testing.T) {
	e, _ := newTestEngine(t, Options{Workers: 1, QueueDepth: 1})
	ctx := context.Background()

	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	if accepted, err := e.Submit(ctx, "job:busy", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) {
			close(started)
			<-block
			return nil, nil
		})); err != nil || !accepted {
		t.Fatalf("Expected blocker to be accepted, got (%v, %v)", accepted, err)
	}
	waitStarted(t, started)

	if accepted, err := e.Submit(ctx, "job:waiting", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) { return nil, nil })); err != nil || !accepted {
		t.Fatalf("Expected waiting job to be accepted, got (%v, %v)", accepted, err)
	}

	_, err := e.Submit(ctx, "job:rejected", PriorityNormal, nil,
		BodyFunc(func(ctx context.Context) ([]byte, error) { return nil, nil }))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestEngine_WarmStampedeCollapses(t *testing.T) {
	e, coord := newTestEngine(t, Options{})
	ctx := context.Background()

	var loads atomic.Int32
	load := cache.LoaderFunc(func(ctx context.Context) ([]byte, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("warmed"), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = coord.WarmAsync(ctx, "books:trending", load)
		}()
	}
	wg.Wait()

	res, err := e.Await(ctx, "books:trending", 2*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("Expected warm job to succeed, got %s (%s)", res.Status, res.Error)
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("Expected exactly 1 load for 50 warm requests, got %d", got)
	}

	value, ok := coord.Read(ctx, "books:trending")
	if !ok {
		t.Fatal("Expected warmed value in cache")
	}
	if string(value) != "warmed" {
		t.Errorf("Expected warmed, got %s", value)
	}
}

func TestEngine_AwaitTimeout(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	_, err := e.Await(context.Background(), "job:never", 80*time.Millisecond)
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Errorf("Expected ErrAwaitTimeout, got %v", err)
	}
}
