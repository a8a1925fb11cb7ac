package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/cache"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/engine"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/logger"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/metrics"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultPopularLimit caps how many books a popularity refresh ranks.
const DefaultPopularLimit = 50

// Default windows for the scheduled refreshes.
const (
	DefaultPopularWindow  = "7d"
	DefaultActivityWindow = "30d"
)

// PopularKey is the cache key for a popularity window, e.g. books:popular:7d.
func PopularKey(window string) string {
	return "books:popular:" + window
}

// ActivityKey is the cache key for an activity rollup window.
func ActivityKey(window string) string {
	return "books:activity:" + window
}

// ParseWindow converts a compact window label such as "7d" or "24h" into a
// duration. A trailing d means whole days; anything else goes through
// time.ParseDuration.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty window")
	}
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		if n <= 0 {
			return 0, fmt.Errorf("window must be positive: %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive: %q", s)
	}
	return d, nil
}

// popularPayload is the cached JSON shape for a popularity window.
type popularPayload struct {
	Window      string        `json:"window"`
	GeneratedAt time.Time     `json:"generated_at"`
	Books       []PopularBook `json:"books"`
}

// activityPayload is the cached JSON shape for an activity rollup.
type activityPayload struct {
	Window      string        `json:"window"`
	GeneratedAt time.Time     `json:"generated_at"`
	Days        []ActivityDay `json:"days"`
}

// Service computes aggregates from the source of record and publishes them
// through the cache coordinator so hot windows stay warm.
type Service struct {
	store   Store
	coord   *cache.Coordinator
	baseTTL time.Duration
	limit   int
}

func NewService(store Store, coord *cache.Coordinator, baseTTL time.Duration) *Service {
	if baseTTL <= 0 {
		baseTTL = 30 * time.Minute
	}
	return &Service{
		store:   store,
		coord:   coord,
		baseTTL: baseTTL,
		limit:   DefaultPopularLimit,
	}
}

// RefreshPopularBooks ranks books by rating volume inside the window and
// caches the result under PopularKey(window). The returned payload is the
// exact bytes written to the cache.
func (s *Service) RefreshPopularBooks(ctx context.Context, window string) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "analytics.RefreshPopularBooks")
	defer span.End()
	span.SetAttributes(attribute.String("window", window))

	start := time.Now()
	defer func() {
		metrics.AnalyticsRefreshDuration.WithLabelValues("popular_books").Observe(time.Since(start).Seconds())
	}()

	d, err := ParseWindow(window)
	if err != nil {
		metrics.AnalyticsRefreshErrors.WithLabelValues("popular_books").Inc()
		return nil, err
	}

	books, err := s.store.TopBooksByRecentRatings(ctx, time.Now().Add(-d), s.limit)
	if err != nil {
		metrics.AnalyticsRefreshErrors.WithLabelValues("popular_books").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store query failed")
		return nil, fmt.Errorf("failed to rank popular books: %w", err)
	}

	payload, err := json.Marshal(popularPayload{
		Window:      window,
		GeneratedAt: time.Now().UTC(),
		Books:       books,
	})
	if err != nil {
		metrics.AnalyticsRefreshErrors.WithLabelValues("popular_books").Inc()
		return nil, fmt.Errorf("failed to encode popular books: %w", err)
	}

	key := PopularKey(window)
	ttl := s.coord.AdaptiveTTL(key, s.baseTTL)
	if err := s.coord.Write(ctx, key, payload, ttl); err != nil {
		logger.WarnContext(ctx, "Popular books cached locally only", "key", key, "error", err)
	}
	span.SetAttributes(attribute.Int("books", len(books)))
	logger.InfoContext(ctx, "Refreshed popular books", "key", key, "books", len(books), "ttl", ttl.String())
	return payload, nil
}

// RefreshActivityRollup aggregates per-day event counts inside the window
// and caches the result under ActivityKey(window).
func (s *Service) RefreshActivityRollup(ctx context.Context, window string) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "analytics.RefreshActivityRollup")
	defer span.End()
	span.SetAttributes(attribute.String("window", window))

	start := time.Now()
	defer func() {
		metrics.AnalyticsRefreshDuration.WithLabelValues("activity_rollup").Observe(time.Since(start).Seconds())
	}()

	d, err := ParseWindow(window)
	if err != nil {
		metrics.AnalyticsRefreshErrors.WithLabelValues("activity_rollup").Inc()
		return nil, err
	}

	days, err := s.store.DailyActivity(ctx, time.Now().Add(-d))
	if err != nil {
		metrics.AnalyticsRefreshErrors.WithLabelValues("activity_rollup").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store query failed")
		return nil, fmt.Errorf("failed to roll up activity: %w", err)
	}

	payload, err := json.Marshal(activityPayload{
		Window:      window,
		GeneratedAt: time.Now().UTC(),
		Days:        days,
	})
	if err != nil {
		metrics.AnalyticsRefreshErrors.WithLabelValues("activity_rollup").Inc()
		return nil, fmt.Errorf("failed to encode activity rollup: %w", err)
	}

	key := ActivityKey(window)
	ttl := s.coord.AdaptiveTTL(key, s.baseTTL)
	if err := s.coord.Write(ctx, key, payload, ttl); err != nil {
		logger.WarnContext(ctx, "Activity rollup cached locally only", "key", key, "error", err)
	}
	span.SetAttributes(attribute.Int("days", len(days)))
	logger.InfoContext(ctx, "Refreshed activity rollup", "key", key, "days", len(days), "ttl", ttl.String())
	return payload, nil
}

// PopularBooksJob adapts the popularity refresh to a queue job body.
func (s *Service) PopularBooksJob(window string) engine.JobBody {
	return engine.BodyFunc(func(ctx context.Context) ([]byte, error) {
		return s.RefreshPopularBooks(ctx, window)
	})
}

// ActivityRollupJob adapts the activity rollup to a queue job body.
func (s *Service) ActivityRollupJob(window string) engine.JobBody {
	return engine.BodyFunc(func(ctx context.Context) ([]byte, error) {
		return s.RefreshActivityRollup(ctx, window)
	})
}
