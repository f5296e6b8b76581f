package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"agora/api/internal/ai"
	"agora/api/internal/analysiscache"
	"agora/api/internal/blob"
	"agora/api/internal/config"
	"agora/api/internal/consensus"
	"agora/api/internal/pipeline"
	"agora/api/internal/queue"
	"agora/api/internal/revision"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/trace"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
		log.Fatalf("failed to create revisions dir: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	dataStore := store.NewPostgresStore(db)
	jobQueue := queue.New(redisClient)
	cache := analysiscache.NewFallback(
		analysiscache.NewRedisStore(redisClient),
		analysiscache.NewMemory(time.Minute),
	)

	blobs, err := blob.New(ctx, blob.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("object storage failed: %v", err)
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	aiClient, err := ai.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel)
	if err != nil {
		log.Fatalf("openai client failed: %v", err)
	}

	revisions := revision.New(cfg.RevisionsDir)
	logger := slog.Default()

	pipelineService := pipeline.New(dataStore, blobs, jobQueue, aiClient, searchService, logger)
	consensusService := consensus.New(dataStore, aiClient, jobQueue, consensus.Options{
		FreshnessWindow: cfg.FreshnessWindow,
		TrendEpsilon:    cfg.TrendEpsilon,
		MaxClaimPairs:   cfg.MaxClaimPairs,
	}, logger)
	traceService := trace.New(dataStore, cache, jobQueue, revisions, searchService, aiClient, dataStore, trace.Options{
		MinBodyLen: cfg.MinTraceBodyLen,
	}, logger)

	worker := queue.NewWorker(jobQueue, redisClient, queue.WorkerOptions{
		Slots:       cfg.WorkerSlots,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
		JobTimeout:  cfg.AITimeout,
	}, logger)

	pipelineService.RegisterHandlers(worker)
	consensusService.RegisterHandlers(worker)
	traceService.RegisterHandlers(worker)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Agora worker running with %d slots", cfg.WorkerSlots)
	if err := worker.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker failed: %v", err)
	}
}
