// Package worker consumes conversion tasks from the queue and drives each
// file through its pipeline: acquire, convert, upload, notify.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hariprasadms/mediaharbor/internal/convert"
	"github.com/hariprasadms/mediaharbor/internal/fetch"
	"github.com/hariprasadms/mediaharbor/internal/mediatype"
	"github.com/hariprasadms/mediaharbor/internal/metrics"
	"github.com/hariprasadms/mediaharbor/internal/model"
	"github.com/hariprasadms/mediaharbor/internal/queue"
	"github.com/hariprasadms/mediaharbor/internal/repository"
)

// Fetcher stages a record's input bytes into a local job directory.
type Fetcher interface {
	Acquire(ctx context.Context, rec *model.FileRecord, jobDir string, onDiscovered fetch.DiscoveredFunc) (string, error)
}

// Converter runs one conversion task.
type Converter interface {
	Convert(ctx context.Context, task convert.Task, onProgress convert.ProgressFunc) (*convert.Result, error)
}

// ProcessedStore is the slice of blob storage the worker writes results to.
type ProcessedStore interface {
	UploadProcessedFrom(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	ProcessedExists(ctx context.Context, key string) (bool, error)
}

// Notifier is told whenever a file reaches a terminal state.
type Notifier interface {
	OnFileTerminal(ctx context.Context, rec *model.FileRecord) error
}

// Processor is the asynq task handler for media conversion jobs.
type Processor struct {
	files      repository.FileStore
	blobs      ProcessedStore
	fetcher    Fetcher
	converter  Converter
	notifier   Notifier
	stagingDir string
	log        *slog.Logger
}

// New constructs a processor.
func New(files repository.FileStore, blobs ProcessedStore, fetcher Fetcher, converter Converter, notifier Notifier, stagingDir string, log *slog.Logger) *Processor {
	return &Processor{
		files:      files,
		blobs:      blobs,
		fetcher:    fetcher,
		converter:  converter,
		notifier:   notifier,
		stagingDir: stagingDir,
		log:        log,
	}
}

// Handler returns the task mux for the asynq server.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskConvertMedia, p.HandleConvert)
	return mux
}

// HandleConvert processes one conversion task. Returning a non-nil error asks
// the queue to redeliver; returning nil acknowledges the task even when the
// file ended up failed, because further delivery attempts cannot help once
// the record's own retry budget is spent.
func (p *Processor) HandleConvert(ctx context.Context, t *asynq.Task) error {
	var payload queue.ConvertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal convert payload: %v: %w", err, asynq.SkipRetry)
	}

	rec, err := p.files.Get(ctx, payload.FileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			p.log.Warn("task references missing file", "file_id", payload.FileID)
			return nil
		}
		return fmt.Errorf("load file %s: %w", payload.FileID, err)
	}

	// Redelivered task for an already-finished file. The pipeline is
	// at-least-once; completion must be replay-safe. A completed record whose
	// artifact is missing from the processed bucket is reprocessed.
	if rec.Status == model.StatusCompleted {
		if rec.ProcessedKey != nil {
			exists, err := p.blobs.ProcessedExists(ctx, *rec.ProcessedKey)
			if err != nil {
				return fmt.Errorf("check processed object for %s: %w", rec.ID, err)
			}
			if exists {
				p.log.Info("skipping completed file", "file_id", rec.ID)
				return nil
			}
			p.log.Warn("completed file missing processed object, reprocessing", "file_id", rec.ID)
		} else {
			p.log.Info("skipping completed file", "file_id", rec.ID)
			return nil
		}
	}
	if rec.RetryCount >= model.MaxRetries {
		return p.finishFailed(ctx, rec, "maximum retries exceeded")
	}

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	start := time.Now()

	jobDir := filepath.Join(p.stagingDir, rec.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return p.fail(ctx, rec, "create staging dir", err)
	}
	defer os.RemoveAll(jobDir)

	if rec.Source != model.SourceUpload {
		if err := p.files.UpdateStatus(ctx, rec.ID, model.StatusDownloading, nil); err != nil {
			return p.fail(ctx, rec, "mark downloading", err)
		}
	}

	local, err := p.fetcher.Acquire(ctx, rec, jobDir, func(ctx context.Context, meta *fetch.Metadata) error {
		return p.applyDiscoveredMetadata(ctx, rec, meta)
	})
	if err != nil {
		return p.fail(ctx, rec, "acquire input", err)
	}

	if !rec.NeedsConversion {
		return p.uploadVerbatim(ctx, rec, local, start)
	}
	if rec.TargetFormat == nil || *rec.TargetFormat == "" {
		return p.fail(ctx, rec, "plan conversion", errors.New("record needs conversion but has no target format"))
	}

	// Entering converting clears any error from a previous attempt.
	if err := p.files.UpdateStatus(ctx, rec.ID, model.StatusConverting, nil); err != nil {
		return p.fail(ctx, rec, "mark converting", err)
	}
	if err := p.files.UpdateProgress(ctx, rec.ID, 0); err != nil {
		p.log.Warn("reset progress", "file_id", rec.ID, "error", err)
	}

	res, err := p.converter.Convert(ctx, convert.Task{
		InputPath:    local,
		OutputDir:    jobDir,
		Category:     rec.Category,
		SourceFormat: rec.OriginalFormat,
		TargetFormat: *rec.TargetFormat,
	}, func(percent int) {
		if err := p.files.UpdateProgress(ctx, rec.ID, percent); err != nil {
			p.log.Warn("persist progress", "file_id", rec.ID, "error", err)
		}
	})
	if err != nil {
		metrics.ConversionsTotal.WithLabelValues(string(rec.Category), "failed").Inc()
		return p.fail(ctx, rec, "convert", err)
	}
	metrics.ConversionDuration.WithLabelValues(string(rec.Category)).Observe(time.Since(start).Seconds())

	key := processedKey(rec.ID, rec.DisplayName, *rec.TargetFormat)
	if err := p.uploadResult(ctx, rec, res.OutputPath, key, res.Size); err != nil {
		return p.fail(ctx, rec, "upload result", err)
	}
	return p.finishCompleted(ctx, rec, key, res.Size, start)
}

// uploadVerbatim moves an already-acceptable file to the processed bucket
// without transcoding. The record goes straight from its current state to
// uploading; there is no converting phase to report.
func (p *Processor) uploadVerbatim(ctx context.Context, rec *model.FileRecord, local string, start time.Time) error {
	info, err := os.Stat(local)
	if err != nil {
		return p.fail(ctx, rec, "stat staged input", err)
	}
	key := processedKey(rec.ID, rec.DisplayName, rec.OriginalFormat)
	if err := p.uploadResult(ctx, rec, local, key, info.Size()); err != nil {
		return p.fail(ctx, rec, "upload verbatim", err)
	}
	return p.finishCompleted(ctx, rec, key, info.Size(), start)
}

func (p *Processor) uploadResult(ctx context.Context, rec *model.FileRecord, path, key string, size int64) error {
	if err := p.files.UpdateStatus(ctx, rec.ID, model.StatusUploading, nil); err != nil {
		return fmt.Errorf("mark uploading: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open result: %w", err)
	}
	defer f.Close()
	return p.blobs.UploadProcessedFrom(ctx, key, f, size, contentTypeFor(key))
}

func (p *Processor) finishCompleted(ctx context.Context, rec *model.FileRecord, key string, size int64, start time.Time) error {
	if err := p.files.MarkCompleted(ctx, rec.ID, key, size); err != nil {
		return p.fail(ctx, rec, "mark completed", err)
	}
	metrics.ConversionsTotal.WithLabelValues(string(rec.Category), "completed").Inc()
	p.log.Info("file completed",
		"file_id", rec.ID, "name", rec.DisplayName, "size", size,
		"elapsed", time.Since(start).Round(time.Millisecond))

	rec.Status = model.StatusCompleted
	rec.Progress = 100
	rec.ProcessedKey = &key
	rec.ConvertedSize = &size
	p.notifyTerminal(ctx, rec)
	return nil
}

// fail records one failed attempt. While the record has retry budget left the
// task error propagates so the queue redelivers; at the ceiling the record is
// finished as failed and the task acknowledged.
func (p *Processor) fail(ctx context.Context, rec *model.FileRecord, stage string, cause error) error {
	count, err := p.files.IncrementRetry(ctx, rec.ID)
	if err != nil {
		p.log.Error("increment retry", "file_id", rec.ID, "error", err)
		count = rec.RetryCount + 1
	}
	rec.RetryCount = count
	msg := stage + ": " + cause.Error()

	if count >= model.MaxRetries {
		if ferr := p.finishFailed(ctx, rec, msg+" (maximum retries exceeded)"); ferr != nil {
			return ferr
		}
		return nil
	}

	metrics.ConversionsTotal.WithLabelValues(string(rec.Category), "retried").Inc()
	if uerr := p.files.UpdateStatus(ctx, rec.ID, model.StatusFailed, &msg); uerr != nil {
		p.log.Error("record attempt failure", "file_id", rec.ID, "error", uerr)
	}
	p.log.Warn("attempt failed, queue will retry",
		"file_id", rec.ID, "attempt", count, "stage", stage, "error", cause)
	return fmt.Errorf("%s: %w", stage, cause)
}

func (p *Processor) finishFailed(ctx context.Context, rec *model.FileRecord, msg string) error {
	if err := p.files.UpdateStatus(ctx, rec.ID, model.StatusFailed, &msg); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	metrics.ConversionsTotal.WithLabelValues(string(rec.Category), "failed").Inc()
	p.log.Error("file failed permanently", "file_id", rec.ID, "error", msg)

	rec.Status = model.StatusFailed
	rec.ErrorMessage = &msg
	p.notifyTerminal(ctx, rec)
	return nil
}

func (p *Processor) notifyTerminal(ctx context.Context, rec *model.FileRecord) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.OnFileTerminal(ctx, rec); err != nil {
		p.log.Error("resolve batch notification", "file_id", rec.ID, "error", err)
	}
}

// applyDiscoveredMetadata re-plans the conversion after a remote fetch reveals
// the real filename and format, then persists the patch. Any target format the
// request asked for is re-applied against the discovered classification.
func (p *Processor) applyDiscoveredMetadata(ctx context.Context, rec *model.FileRecord, meta *fetch.Metadata) error {
	cls := mediatype.Classify(meta.DisplayName, rec.MimeType)
	if rec.TargetFormat != nil {
		cls = mediatype.ApplyRequestedTarget(cls, *rec.TargetFormat)
	}

	rec.DisplayName = meta.DisplayName
	rec.Size = meta.Size
	rec.Category = cls.Category
	rec.OriginalFormat = cls.OriginalFormat
	rec.NeedsConversion = cls.NeedsConversion
	if cls.NeedsConversion {
		target := cls.TargetFormat
		rec.TargetFormat = &target
	} else {
		rec.TargetFormat = nil
	}

	patch := repository.ImportMetadata{
		DisplayName:     rec.DisplayName,
		Size:            rec.Size,
		OriginalFormat:  rec.OriginalFormat,
		Category:        string(rec.Category),
		NeedsConversion: rec.NeedsConversion,
	}
	if rec.TargetFormat != nil {
		patch.TargetFormat = *rec.TargetFormat
	}
	return p.files.UpdateImportMetadata(ctx, rec.ID, patch)
}

// processedKey keeps the user-facing filename but swaps the extension for the
// produced format.
func processedKey(id, displayName, format string) string {
	base := displayName
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" {
		base = "output"
	}
	return "processed/" + id + "/" + base + "." + format
}

func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
