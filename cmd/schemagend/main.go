// Package main wires together the schema-crawl job service binary.
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

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"schemagend/internal/api"
	"schemagend/internal/clock/system"
	"schemagend/internal/config"
	"schemagend/internal/crawl"
	"schemagend/internal/id/uuid"
	"schemagend/internal/jobs"
	"schemagend/internal/logging"
	"schemagend/internal/metrics"
	"schemagend/internal/notify"
	"schemagend/internal/storage"
	gcsstorage "schemagend/internal/storage/gcs"
	localstorage "schemagend/internal/storage/local"
	memorystorage "schemagend/internal/storage/memory"
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
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	artifacts, err := newArtifactStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("artifact store init failed", zap.Error(err))
	}

	var notifier notify.Provider = notify.NoOp{}
	if cfg.PubSub.Enabled {
		pubsubNotifier, err := notify.NewPubSubProvider(
			ctx,
			cfg.PubSub.ProjectID,
			cfg.PubSub.TopicID,
			logger.Named("notify"),
		)
		if err != nil {
			logger.Fatal("pubsub notifier init failed", zap.Error(err))
		}
		notifier = pubsubNotifier
		defer func() {
			if closeErr := notifier.Close(); closeErr != nil {
				logger.Warn("notifier close failed", zap.Error(closeErr))
			}
		}()
	}

	runner, err := crawl.NewScriptRunner(crawl.ScriptConfig{
		Command:        cfg.Crawler.Command,
		WorkdirRoot:    cfg.Crawler.WorkdirRoot,
		ArtifactPrefix: cfg.Storage.Prefix,
	}, artifacts, logger.Named("crawl"))
	if err != nil {
		logger.Fatal("crawl runner init failed", zap.Error(err))
	}

	clock := system.New()
	store := jobs.NewStore(clock, logger.Named("store"))
	orch := jobs.NewOrchestrator(
		store,
		runner,
		artifacts,
		uuid.NewUUIDGenerator(),
		clock,
		notifier,
		jobs.Config{
			MaxConcurrent: cfg.Jobs.MaxConcurrent,
			JobTimeout:    cfg.JobTimeout(),
		},
		logger.Named("jobs"),
	)
	janitor := jobs.NewJanitor(
		store,
		artifacts,
		clock,
		cfg.Retention(),
		cfg.SweepInterval(),
		logger.Named("janitor"),
	)

	apiServer := api.NewServer(orch, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go janitor.Run(ctx)

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
	logger.Info("shutdown complete")
}

func newArtifactStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Provider, error) {
	switch cfg.Storage.Provider {
	case "memory":
		logger.Info("using in-memory artifact store; results vanish on restart")
		return memorystorage.NewBlobStore(), nil
	case "local":
		logger.Info("using local artifact store", zap.String("base_dir", cfg.Storage.BaseDir))
		return localstorage.New(localstorage.Config{BaseDir: cfg.Storage.BaseDir})
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		logger.Info("using GCS artifact store", zap.String("bucket", cfg.Storage.GCSBucket))
		return gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}
