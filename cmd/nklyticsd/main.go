// Package main wires together the extraction service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/api"
	gcsarchive "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/archive/gcs"
	localarchive "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/archive/local"
	memoryarchive "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/archive/memory"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/clock/system"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/config"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/fetch"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/id/uuid"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/logging"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/metrics"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/payload"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
	memorypublisher "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/publisher/memory"
	pubsubpublisher "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/publisher/pubsub"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/ratelimit"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/service"
	memorystore "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/store/memory"
	postgresstore "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/store/postgres"
	sqlitestore "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/store/sqlite"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	clock := system.New()
	idGen := uuid.New()
	policy := pipeline.RetryPolicy{
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  cfg.RetryBackoffBase(),
		MaxDelay:   time.Duration(cfg.Queue.BackoffMaxMs) * time.Millisecond,
	}

	store, err := buildStore(ctx, cfg, policy, clock)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("store close failed", zap.Error(closeErr))
		}
	}()

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}
	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	validator, err := payload.NewValidator()
	if err != nil {
		logger.Fatal("payload schemas failed to compile", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultWindow: time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		DefaultMax:    cfg.RateLimit.MaxRequests,
		PerTarget:     targetLimits(cfg.RateLimit.PerTarget),
	})
	fetcher := fetch.NewFetcher(fetch.FetcherConfig{
		Timeout: time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
	})
	client := fetch.NewClient(fetcher, limiter, fetch.ClientConfig{
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		BackoffInitial: time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
		UserAgents:     cfg.Fetch.UserAgents,
	}, logger.Named("fetch"))
	builder := fetch.NewRequestBuilder(cfg.Marketplaces)

	svc := service.New(store, validator, clock, idGen, logger.Named("service"))

	workerCfg := worker.Config{
		PollInterval:       cfg.PollInterval(),
		ArchivePrefix:      cfg.Archive.Prefix,
		ArchiveContentType: cfg.Archive.ContentType,
		Topic:              cfg.Publisher.TopicName,
		DefaultTTL:         time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
		TTLByKind:          kindTTLs(cfg.Cache.TTLSecondsByKind),
	}
	hostname, _ := os.Hostname()
	var workers []*worker.Worker
	for i := 0; i < cfg.Workers.Count; i++ {
		workers = append(workers, worker.New(
			fmt.Sprintf("%s-worker-%d", hostname, i),
			store,
			client,
			builder,
			archive,
			publisher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	pool := worker.NewPool(workers, store, worker.PoolConfig{
		StaleTimeout:    cfg.StaleTimeout(),
		ReclaimInterval: time.Duration(cfg.Workers.ReclaimIntervalSeconds) * time.Second,
		SweepInterval:   time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second,
	}, logger.Named("pool"))

	apiServer := api.NewServer(svc, store, api.AuthConfig{
		Enabled: cfg.Auth.Enabled,
		APIKey:  cfg.Auth.APIKey,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-poolDone
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config, policy pipeline.RetryPolicy, clock pipeline.Clock) (pipeline.Store, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return memorystore.New(policy, clock), nil
	case "sqlite":
		return sqlitestore.New(sqlitestore.Config{Path: cfg.Queue.Path}, policy, clock)
	case "postgres":
		return postgresstore.New(ctx, postgresstore.Config{DSN: cfg.Queue.DSN}, policy, clock)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (pipeline.BlobStore, error) {
	switch cfg.Archive.Provider {
	case "memory":
		return memoryarchive.NewBlobStore(), nil
	case "local":
		return localarchive.New(localarchive.Config{BaseDir: cfg.Archive.BaseDir})
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsarchive.New(client, gcsarchive.Config{Bucket: cfg.Archive.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (pipeline.Publisher, error) {
	switch cfg.Publisher.Provider {
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		return pubsubpublisher.New(client)
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", cfg.Publisher.Provider)
	}
}

func targetLimits(src map[string]config.TargetLimit) map[string]ratelimit.TargetLimit {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.TargetLimit, len(src))
	for target, limit := range src {
		out[target] = ratelimit.TargetLimit{
			Window:      time.Duration(limit.WindowSeconds) * time.Second,
			MaxRequests: limit.MaxRequests,
		}
	}
	return out
}

func kindTTLs(src map[string]int) map[pipeline.JobKind]time.Duration {
	if len(src) == 0 {
		return nil
	}
	out := make(map[pipeline.JobKind]time.Duration, len(src))
	for kind, secs := range src {
		out[pipeline.JobKind(kind)] = time.Duration(secs) * time.Second
	}
	return out
}
