package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/analytics"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/cache"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/config"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/logger"
)

func refreshAnalytics(ctx context.Context, svc *analytics.Service) error {
	if _, err := svc.RefreshPopularBooks(ctx, analytics.DefaultPopularWindow); err != nil {
		return err
	}
	_, err := svc.RefreshActivityRollup(ctx, analytics.DefaultActivityWindow)
	return err
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found (falling back to system env)")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger.Init(cfg.LogLevel)

	if !cfg.AnalyticsEnabled() {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	store, err := analytics.OpenStore(cfg.DatabaseURL, cfg.DBStatementTimeout)
	if err != nil {
		log.Fatalf("Failed to initialize DB: %v", err)
	}
	defer store.Close()

	local := cache.NewLocal(cfg.CacheMaxEntries, cfg.CacheDefaultTTL, 0)
	var shared cache.RemoteTier
	if cfg.SharedTierEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		defer client.Close()
		shared = cache.NewShared(client, cache.SharedOptions{
			KeyPrefix:   cfg.RedisKeyPrefix,
			CallTimeout: cfg.RedisCallTimeout,
			DefaultTTL:  cfg.RedisDefaultTTL,
			CompressMin: cfg.CompressMin,
		})
	} else {
		// The local tier dies with this process, so without a shared
		// store the run only validates the queries.
		log.Println("⚠️  No REDIS_ADDR set; precomputed payloads will not outlive this process")
	}
	coord := cache.NewCoordinator(local, shared, cache.Options{BaseTTL: cfg.CacheBaseTTL})
	defer coord.Close()

	svc := analytics.NewService(store, coord, cfg.WarmTTL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := refreshAnalytics(ctx, svc); err != nil {
		log.Fatalf("Failed to precompute analytics: %v", err)
	}

	log.Println("Analytics caches precomputed successfully")
}
