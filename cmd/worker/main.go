package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/hibiken/asynq"

	"github.com/hariprasadms/mediaharbor/internal/blobstore"
	"github.com/hariprasadms/mediaharbor/internal/config"
	"github.com/hariprasadms/mediaharbor/internal/convert"
	"github.com/hariprasadms/mediaharbor/internal/database"
	"github.com/hariprasadms/mediaharbor/internal/fetch"
	"github.com/hariprasadms/mediaharbor/internal/mailer"
	"github.com/hariprasadms/mediaharbor/internal/metrics"
	"github.com/hariprasadms/mediaharbor/internal/notify"
	"github.com/hariprasadms/mediaharbor/internal/repository"
	"github.com/hariprasadms/mediaharbor/internal/worker"
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

	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		log.Error("create staging dir", "error", err)
		os.Exit(1)
	}
	// One worker per staging directory; a second instance must get its own.
	lock := flock.New(filepath.Join(cfg.StagingDir, "worker.lock"))
	held, err := lock.TryLock()
	if err != nil {
		log.Error("acquire staging lock", "error", err)
		os.Exit(1)
	}
	if !held {
		log.Error("staging dir already locked by another worker", "dir", cfg.StagingDir)
		os.Exit(1)
	}
	defer lock.Unlock()

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

	mail, err := mailer.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFrom)
	if err != nil {
		log.Error("init mailer", "error", err)
		os.Exit(1)
	}
	coordinator := notify.New(files, notifications, mail, cfg.NotifyDailyLimit, log)

	fetcher := fetch.New(blobs, cfg.PlayerClients, cfg.FetchTimeout, log)
	engine := convert.NewEngine(cfg.ConvertTimeout, log)
	processor := worker.New(files, blobs, fetcher, engine, coordinator, cfg.StagingDir, log)

	go serveMetrics(ctx, cfg.MetricsAddress, log)

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.ProcessingPool,
	})
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info("worker started", "concurrency", cfg.ProcessingPool, "staging", cfg.StagingDir)
	if err := server.Run(processor.Handler()); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics listener stopped", "error", err)
	}
}
