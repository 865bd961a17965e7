// Package notify resolves batch completion notifications. The coordinator is
// invoked every time a file reaches a terminal state; it decides whether the
// file's batch is fully settled and, if so, sends exactly one summary email.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/hariprasadms/mediaharbor/internal/metrics"
	"github.com/hariprasadms/mediaharbor/internal/model"
	"github.com/hariprasadms/mediaharbor/internal/repository"
)

// Mailer delivers one HTML message.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Coordinator drives batch resolution. It is safe to call from concurrent
// workers: the send-once guarantee lives in the store's conditional claim,
// not in process memory.
type Coordinator struct {
	files      repository.FileStore
	requests   repository.NotificationStore
	mailer     Mailer
	dailyLimit int
	log        *slog.Logger

	now func() time.Time
}

// New constructs a coordinator.
func New(files repository.FileStore, requests repository.NotificationStore, mailer Mailer, dailyLimit int, log *slog.Logger) *Coordinator {
	return &Coordinator{
		files:      files,
		requests:   requests,
		mailer:     mailer,
		dailyLimit: dailyLimit,
		log:        log,
		now:        time.Now,
	}
}

// OnFileTerminal checks whether rec's batch is ready to notify and sends the
// summary email if this call is the one that resolves it. Every early return
// is a deliberate no-op: another terminal file will re-trigger the check.
func (c *Coordinator) OnFileTerminal(ctx context.Context, rec *model.FileRecord) error {
	if rec.BatchID == nil || !rec.NotifyOnComplete {
		return nil
	}
	batchID := *rec.BatchID

	req, err := c.requests.GetByBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load notification request: %w", err)
	}
	if req.Status != model.NotificationPending {
		return nil
	}
	// Intake must have seen every declared file before the batch can resolve;
	// otherwise a fast early file could notify on a half-uploaded batch.
	if req.ReceivedFiles < req.TotalFiles {
		return nil
	}

	records, err := c.files.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch files: %w", err)
	}
	if len(records) < req.TotalFiles {
		return nil
	}
	for _, f := range records {
		if f.Active() {
			return nil
		}
	}

	since := startOfDayUTC(c.now())
	used, err := c.requests.CountDailyForUser(ctx, req.UserID, since, req.ID)
	if err != nil {
		return fmt.Errorf("count daily notifications: %w", err)
	}
	if used >= c.dailyLimit {
		metrics.NotificationsTotal.WithLabelValues("quota_exceeded").Inc()
		c.log.Warn("notification quota exhausted",
			"batch_id", batchID, "user_id", req.UserID, "used", used, "limit", c.dailyLimit)
		if err := c.requests.MarkFailed(ctx, req.ID, "daily notification quota exceeded"); err != nil {
			return fmt.Errorf("mark quota failure: %w", err)
		}
		return nil
	}

	won, err := c.requests.ClaimPending(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("claim notification request: %w", err)
	}
	if !won {
		return nil
	}

	subject, body, err := composeSummary(batchID, records)
	if err != nil {
		// Claim already flipped the row; release it to failed so the error
		// is visible rather than silently eating the notification.
		_ = c.requests.MarkFailed(ctx, req.ID, "compose summary: "+err.Error())
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("compose summary: %w", err)
	}
	if err := c.mailer.Send(ctx, req.Recipient, subject, body); err != nil {
		if merr := c.requests.MarkFailed(ctx, req.ID, "send: "+err.Error()); merr != nil {
			c.log.Error("mark notification failed", "batch_id", batchID, "error", merr)
		}
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("send notification: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	c.log.Info("batch notification sent",
		"batch_id", batchID, "recipient", req.Recipient, "files", len(records))
	return nil
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

var summaryTmpl = template.Must(template.New("summary").Parse(`<html><body>
<h2>Your batch has finished processing</h2>
<p>{{.Completed}} of {{.Total}} files converted successfully{{if .Failed}}, {{.Failed}} failed{{end}}.</p>
<table border="0" cellpadding="4">
<tr><th align="left">File</th><th align="left">Status</th></tr>
{{range .Files}}<tr><td>{{.Name}}</td><td>{{.Status}}</td></tr>
{{end}}</table>
</body></html>
`))

type summaryData struct {
	Total     int
	Completed int
	Failed    int
	Files     []summaryRow
}

type summaryRow struct {
	Name   string
	Status string
}

func composeSummary(batchID string, records []*model.FileRecord) (subject, body string, err error) {
	data := summaryData{Total: len(records)}
	for _, f := range records {
		if f.Status == model.StatusCompleted {
			data.Completed++
		} else {
			data.Failed++
		}
		data.Files = append(data.Files, summaryRow{Name: f.DisplayName, Status: string(f.Status)})
	}
	var buf bytes.Buffer
	if err := summaryTmpl.Execute(&buf, data); err != nil {
		return "", "", err
	}
	subject = fmt.Sprintf("Batch processing complete: %d of %d files converted", data.Completed, data.Total)
	return subject, buf.String(), nil
}
