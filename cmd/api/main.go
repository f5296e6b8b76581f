package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"agora/api/internal/ai"
	"agora/api/internal/analysiscache"
	"agora/api/internal/app"
	"agora/api/internal/blob"
	"agora/api/internal/config"
	"agora/api/internal/consensus"
	"agora/api/internal/export"
	"agora/api/internal/queue"
	"agora/api/internal/ratelimit"
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
	limiter := ratelimit.New(redisClient, cfg.RateWindow)
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

	traces := trace.New(dataStore, cache, jobQueue, revisions, searchService, aiClient, dataStore, trace.Options{
		MinBodyLen: cfg.MinTraceBodyLen,
	}, logger)
	consensusService := consensus.New(dataStore, aiClient, jobQueue, consensus.Options{
		FreshnessWindow: cfg.FreshnessWindow,
		TrendEpsilon:    cfg.TrendEpsilon,
		MaxClaimPairs:   cfg.MaxClaimPairs,
	}, logger)
	exportService := export.NewService(dataStore)

	service := app.NewService(
		dataStore,
		blobs,
		jobQueue,
		traces,
		consensusService,
		searchService,
		exportService,
		revisions,
		limiter,
		app.Limits{Upload: cfg.CreateLimit, Publish: cfg.PublishLimit},
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Agora API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
