package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/analytics"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/cache"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/config"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/engine"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/errorreporting"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/feeds"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/logger"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/metrics"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/ops"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/scheduler"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found (falling back to system env)")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger.Init(cfg.LogLevel)
	logger.Info("Initializing warm daemon", "version", cfg.SentryRelease, "log_level", cfg.LogLevel)
	logger.Info("Configuration loaded", "summary", cfg.Summary())

	// Initialize error reporting
	if err := errorreporting.Init(errorreporting.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     cfg.SentryRelease,
		SampleRate:  cfg.SentrySampleRate,
	}); err != nil {
		logger.Warn("Failed to initialize error reporting", "error", err)
	} else if errorreporting.IsEnabled() {
		logger.Info("Error reporting initialized", "environment", cfg.SentryEnvironment)
		defer func() {
			logger.Info("Flushing error reports...")
			errorreporting.Flush(2 * time.Second)
		}()
	}

	// Initialize tracing
	shutdownTracing, err := tracing.Init(tracing.Options{
		ServiceName: "goodbooks-warmd",
		Version:     cfg.SentryRelease,
		Enabled:     cfg.OTELEnabled,
		Endpoint:    cfg.OTELEndpoint,
		SampleRate:  cfg.OTELSampleRate,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing", "error", err)
	} else if cfg.OTELEnabled {
		logger.Info("Tracing initialized", "endpoint", cfg.OTELEndpoint, "sample_rate", cfg.OTELSampleRate)
		defer func() {
			logger.Info("Shutting down tracer...")
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Error("Failed to shutdown tracer", "error", err)
			}
		}()
	}

	// Local cache tier
	local := cache.NewLocal(cfg.CacheMaxEntries, cfg.CacheDefaultTTL, cfg.CacheSweepInterval)
	local.OnEvict(func(_, reason string) {
		metrics.CacheEvictions.WithLabelValues(reason).Inc()
	})

	var healthChecks []ops.HealthCheck

	// Shared cache tier. The tier stays wired even when the store is down;
	// every call degrades individually and the coordinator absorbs it.
	var shared cache.RemoteTier
	var sharedTier *cache.SharedTier
	if cfg.SharedTierEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		defer client.Close()

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Shared cache tier not reachable yet", "addr", cfg.RedisAddr, "error", err)
		} else {
			logger.Info("Shared cache tier connected", "addr", cfg.RedisAddr, "prefix", cfg.RedisKeyPrefix)
		}
		pingCancel()

		sharedTier = cache.NewShared(client, cache.SharedOptions{
			KeyPrefix:   cfg.RedisKeyPrefix,
			CallTimeout: cfg.RedisCallTimeout,
			DefaultTTL:  cfg.RedisDefaultTTL,
			CompressMin: cfg.CompressMin,
		})
		shared = sharedTier
		healthChecks = append(healthChecks, ops.HealthCheck{Name: "shared_cache", Check: sharedTier.Ping})
	} else {
		logger.Info("Shared cache tier not configured, running local-only")
	}

	coord := cache.NewCoordinator(local, shared, cache.Options{
		BaseTTL:           cfg.CacheBaseTTL,
		AdaptiveMinFactor: cfg.AdaptiveMinFactor,
		AdaptiveMaxFactor: cfg.AdaptiveMaxFactor,
		AdaptiveHotCount:  cfg.AdaptiveHotCount,
		HeatMaxKeys:       cfg.HeatMaxKeys,
		HeatDecayEvery:    cfg.HeatDecayEvery,
	})
	defer coord.Close()

	// Job engine
	eng := engine.New(coord, engine.Options{
		QueueDepth:  cfg.QueueDepth,
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		ResultTTL:   cfg.ResultTTL,
		WarmTTL:     cfg.WarmTTL,
		StartRate:   cfg.JobStartRate,
		StartBurst:  cfg.JobStartBurst,
	})
	coord.SetWarmer(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	// Scheduled warm entries
	sched := scheduler.NewService(eng, time.Minute)

	if cfg.AnalyticsEnabled() {
		store, err := analytics.OpenStore(cfg.DatabaseURL, cfg.DBStatementTimeout)
		if err != nil {
			log.Fatalf("Failed to connect to analytics database: %v", err)
		}
		defer store.Close()
		healthChecks = append(healthChecks, ops.HealthCheck{Name: "database", Check: store.Ping})

		svc := analytics.NewService(store, coord, cfg.WarmTTL)
		mustAdd(sched, scheduler.Entry{
			Name:     "popular-books",
			Key:      analytics.PopularKey(analytics.DefaultPopularWindow),
			Schedule: cfg.SchedulePopular,
			Priority: engine.PriorityHigh,
			Body:     func() engine.JobBody { return svc.PopularBooksJob(analytics.DefaultPopularWindow) },
		})
		mustAdd(sched, scheduler.Entry{
			Name:     "activity-rollup",
			Key:      analytics.ActivityKey(analytics.DefaultActivityWindow),
			Schedule: cfg.ScheduleActivity,
			Priority: engine.PriorityNormal,
			Body:     func() engine.JobBody { return svc.ActivityRollupJob(analytics.DefaultActivityWindow) },
		})
		logger.Info("Analytics refresh scheduled", "popular", cfg.SchedulePopular, "activity", cfg.ScheduleActivity)
	} else {
		logger.Info("Analytics database not configured, skipping analytics refresh")
	}

	if cfg.FeedsEnabled() {
		feedClient := feeds.NewClient(feeds.Options{
			BaseURL:    cfg.FeedBaseURL,
			UserAgent:  cfg.FeedUserAgent,
			Timeout:    cfg.FeedTimeout,
			MaxRetries: cfg.FeedMaxRetries,
			RetryBase:  cfg.FeedRetryBase,
		})
		for _, category := range cfg.FeedCategories {
			mustAdd(sched, scheduler.Entry{
				Name:     "feed-" + category,
				Key:      feeds.FeedKey(category),
				Schedule: cfg.ScheduleFeeds,
				Priority: engine.PriorityLow,
				Body:     func() engine.JobBody { return feedClient.WarmJob(coord, category, cfg.WarmTTL) },
			})
		}
		logger.Info("Feed warming scheduled", "categories", cfg.FeedCategories, "schedule", cfg.ScheduleFeeds)
	} else {
		logger.Info("Feed base URL not configured, skipping feed warming")
	}

	if cfg.SchedulerEnabled {
		go sched.Start(ctx)
	} else {
		logger.Info("Scheduler disabled, jobs run on demand only")
	}

	// Periodic state gauges
	collector := metrics.NewCollector(cfg.MetricsInterval)
	collector.AddGauge("local_items", metrics.CacheItems.WithLabelValues("local"), func() float64 {
		return float64(local.Len())
	})
	collector.AddGauge("heat_keys", metrics.CacheHeatKeys, func() float64 {
		return float64(coord.HeatKeys())
	})
	if sharedTier != nil {
		collector.AddFunc("shared_pool", func() error {
			stats := sharedTier.PoolStats()
			metrics.SharedPoolConns.WithLabelValues("total").Set(float64(stats.TotalConns))
			metrics.SharedPoolConns.WithLabelValues("idle").Set(float64(stats.IdleConns))
			metrics.SharedPoolConns.WithLabelValues("stale").Set(float64(stats.StaleConns))
			return nil
		})
	}
	go collector.Start(ctx)

	// Ops HTTP surface
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: ops.NewRouter(local, coord, eng, healthChecks...)}
	go func() {
		logger.Info("Ops server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", "error", err)
			errorreporting.CaptureError(err)
			cancel()
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down ops server", "error", err)
	}
	if cfg.SchedulerEnabled {
		sched.Stop()
	}
	collector.Stop()
	eng.Stop()
	logger.Info("Warm daemon stopped")
}

func mustAdd(s *scheduler.Service, e scheduler.Entry) {
	if err := s.Add(e); err != nil {
		log.Fatalf("Invalid schedule entry %q: %v", e.Name, err)
	}
}
