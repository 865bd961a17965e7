package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/hariprasadms/mediaharbor/internal/api"
	"github.com/hariprasadms/mediaharbor/internal/blobstore"
	"github.com/hariprasadms/mediaharbor/internal/config"
	"github.com/hariprasadms/mediaharbor/internal/database"
	"github.com/hariprasadms/mediaharbor/internal/queue"
	"github.com/hariprasadms/mediaharbor/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Error("ensure schema", "error", err)
		os.Exit(1)
	}
	files := repository.NewFileRepository(pool)
	notifications := repository.NewNotificationRepository(pool)

	blobs, err := blobstore.New(cfg)
	if err != nil {
		log.Error("init blob storage", "error", err)
		os.Exit(1)
	}
	if err := blobs.EnsureBuckets(ctx); err != nil {
		log.Error("ensure buckets", "error", err)
		os.Exit(1)
	}

	queueClient := queue.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()

	srv := api.New(cfg, files, notifications, blobs, queueClient, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("api stopped", "error", err)
		os.Exit(1)
	}
}
