// Command mediaharbor is the operator CLI: pipeline status tables, batch
// inspection, and explicit file retries.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hariprasadms/mediaharbor/internal/config"
	"github.com/hariprasadms/mediaharbor/internal/database"
	"github.com/hariprasadms/mediaharbor/internal/model"
	"github.com/hariprasadms/mediaharbor/internal/queue"
	"github.com/hariprasadms/mediaharbor/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mediaharbor: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mediaharbor",
		Short:        "MediaHarbor operator CLI",
		Long:         `Inspect the conversion pipeline and retry failed files against the same database the API and worker use.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newStatusCmd(),
		newBatchesCmd(),
		newQueueCmd(),
		newRetryCmd(),
	)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the most recent files and their pipeline state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			recs, err := repository.NewFileRepository(pool).ListRecent(ctx, limit)
			if err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"ID", "NAME", "CATEGORY", "STATUS", "PROGRESS", "RETRIES", "CREATED"})
			for _, r := range recs {
				t.AppendRow(table.Row{
					shortID(r.ID), r.DisplayName, r.Category, r.Status,
					fmt.Sprintf("%d%%", r.Progress), r.RetryCount,
					r.CreatedAt.Local().Format(time.DateTime),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of files to show")
	return cmd
}

func newBatchesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Show recent batch notification requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			reqs, err := repository.NewNotificationRepository(pool).ListRecent(ctx, limit)
			if err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"BATCH", "RECIPIENT", "FILES", "STATUS", "SENT", "ERROR"})
			for _, r := range reqs {
				sent := "-"
				if r.SentAt != nil {
					sent = r.SentAt.Local().Format(time.DateTime)
				}
				lastErr := ""
				if r.LastError != nil {
					lastErr = *r.LastError
				}
				t.AppendRow(table.Row{
					r.BatchID, r.Recipient,
					fmt.Sprintf("%d/%d", r.ReceivedFiles, r.TotalFiles),
					r.Status, sent, lastErr,
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of requests to show")
	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show conversion queue depth per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			inspector := asynq.NewInspector(asynq.RedisClientOpt{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer inspector.Close()

			info, err := inspector.GetQueueInfo(queue.QueueName)
			if err != nil {
				return fmt.Errorf("inspect queue: %w", err)
			}
			t := newTable()
			t.AppendHeader(table.Row{"QUEUE", "PENDING", "ACTIVE", "SCHEDULED", "RETRY", "ARCHIVED", "COMPLETED"})
			t.AppendRow(table.Row{
				info.Queue, info.Pending, info.Active, info.Scheduled,
				info.Retry, info.Archived, info.Completed,
			})
			t.Render()
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <file-id>",
		Short: "Requeue a failed file that has retries remaining",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			files := repository.NewFileRepository(pool)
			id := args[0]
			if err := files.RequeueForRetry(ctx, id); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return fmt.Errorf("file %s is not retryable (must be failed with retries remaining)", id)
				}
				return err
			}
			rec, err := files.Get(ctx, id)
			if err != nil {
				return err
			}

			qc := queue.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer qc.Close()
			if err := qc.EnqueueConvert(ctx, queue.ConvertPayload{
				FileID:   rec.ID,
				FileName: rec.DisplayName,
				MimeType: rec.MimeType,
			}); err != nil {
				return err
			}
			fmt.Printf("requeued %s (%s), attempt %d of %d\n",
				rec.ID, rec.DisplayName, rec.RetryCount+1, model.MaxRetries)
			return nil
		},
	}
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return database.Connect(ctx, cfg.DatabaseURL)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
