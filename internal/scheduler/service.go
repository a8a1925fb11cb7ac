package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/engine"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/errorreporting"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/logger"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/metrics"
)

// Entry is one recurring warm job.
type Entry struct {
	// Name labels logs and metrics.
	Name string
	// Key is the cache/job key submitted to the engine.
	Key string
	// Schedule is @hourly, @daily, or @every <duration>.
	Schedule string
	Priority engine.Priority
	// Body builds a fresh job body per submission.
	Body func() engine.JobBody
}

// Service submits entries through the engine on their schedule. A full
// queue defers the entry to the next tick instead of dropping it.
type Service struct {
	engine *engine.Engine
	tick   time.Duration

	mu      sync.Mutex
	entries []*scheduledEntry

	stop chan struct{}
}

type scheduledEntry struct {
	Entry
	nextRun time.Time
}

// NewService creates a new scheduler service.
func NewService(eng *engine.Engine, tick time.Duration) *Service {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Service{
		engine: eng,
		tick:   tick,
		stop:   make(chan struct{}),
	}
}

// Add registers an entry. Entries run once immediately after Start and
// then on their schedule.
func (s *Service) Add(e Entry) error {
	if e.Name == "" || e.Key == "" || e.Body == nil {
		return errors.New("scheduler entry needs a name, key, and body")
	}
	if err := ValidateSchedule(e.Schedule); err != nil {
		return fmt.Errorf("entry %q: %w", e.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &scheduledEntry{Entry: e, nextRun: time.Now()})
	return nil
}

// Start begins the scheduler loop. It blocks until the context is
// canceled or Stop is called, so run it from its own goroutine.
func (s *Service) Start(ctx context.Context) {
	log.Println("🕐 Starting scheduler service...")
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Run immediately on start
	s.processDue(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Scheduler stopped by context")
			return
		case <-s.stop:
			log.Println("🛑 Scheduler stopped by signal")
			return
		case <-ticker.C:
			s.processDue(ctx)
		}
	}
}

// Stop gracefully stops the scheduler
func (s *Service) Stop() {
	close(s.stop)
}

// processDue submits every entry whose next run has arrived.
func (s *Service) processDue(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if now.Before(e.nextRun) {
			continue
		}
		s.submit(ctx, e, now)
	}
}

func (s *Service) submit(ctx context.Context, e *scheduledEntry, now time.Time) {
	accepted, err := s.engine.Submit(ctx, e.Key, e.Priority, nil, e.Body())
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		// nextRun stays put so the entry is retried on the next tick.
		metrics.SchedulerSubmissions.WithLabelValues(e.Name, "rejected").Inc()
		logger.WarnContext(ctx, "Job queue full, deferring scheduled entry", "entry", e.Name, "key", e.Key)
		return
	case err != nil:
		metrics.SchedulerSubmissions.WithLabelValues(e.Name, "error").Inc()
		logger.ErrorContext(ctx, "Failed to submit scheduled entry", "entry", e.Name, "key", e.Key, "error", err)
	case !accepted:
		metrics.SchedulerSubmissions.WithLabelValues(e.Name, "duplicate").Inc()
		logger.DebugContext(ctx, "Scheduled entry already in flight", "entry", e.Name, "key", e.Key)
	default:
		metrics.SchedulerSubmissions.WithLabelValues(e.Name, "accepted").Inc()
		errorreporting.AddBreadcrumb("scheduler", "submitted "+e.Name, sentry.LevelInfo)
		logger.InfoContext(ctx, "Submitted scheduled entry", "entry", e.Name, "key", e.Key, "priority", e.Priority.String())
	}
	s.advance(ctx, e, now)
}

func (s *Service) advance(ctx context.Context, e *scheduledEntry, now time.Time) {
	next, err := NextRun(e.Schedule, now)
	if err != nil {
		// Schedules are validated in Add, so only a programming error
		// lands here. Fall back to one tick out.
		logger.ErrorContext(ctx, "Failed to compute next run", "entry", e.Name, "schedule", e.Schedule, "error", err)
		next = now.Add(s.tick)
	}
	e.nextRun = next
}
