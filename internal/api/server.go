// Package api exposes the HTTP surface: batch uploads, URL imports, file
// visibility, and explicit retries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hariprasadms/mediaharbor/internal/config"
	"github.com/hariprasadms/mediaharbor/internal/mediatype"
	"github.com/hariprasadms/mediaharbor/internal/metrics"
	"github.com/hariprasadms/mediaharbor/internal/model"
	"github.com/hariprasadms/mediaharbor/internal/pdfutil"
	"github.com/hariprasadms/mediaharbor/internal/queue"
	"github.com/hariprasadms/mediaharbor/internal/repository"
)

// BlobStore is the slice of blob storage the API touches: raw writes on
// ingestion, presigned reads for finished artifacts, object removal on file
// deletion.
type BlobStore interface {
	UploadRaw(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	PresignProcessedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	DeleteRaw(ctx context.Context, key string) error
	DeleteProcessed(ctx context.Context, key string) error
}

// downloadURLTTL bounds how long a handed-out artifact link stays valid.
const downloadURLTTL = 15 * time.Minute

// Enqueuer schedules conversion jobs.
type Enqueuer interface {
	EnqueueConvert(ctx context.Context, payload queue.ConvertPayload) error
}

// Server exposes HTTP endpoints for ingestion and pipeline visibility.
type Server struct {
	cfg           *config.Config
	files         repository.FileStore
	notifications repository.NotificationStore
	blobs         BlobStore
	queue         Enqueuer
	log           *slog.Logger
	server        *http.Server
	once          sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, files repository.FileStore, notifications repository.NotificationStore, blobs BlobStore, enq Enqueuer, log *slog.Logger) *Server {
	return &Server{
		cfg:           cfg,
		files:         files,
		notifications: notifications,
		blobs:         blobs,
		queue:         enq,
		log:           log,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		r := chi.NewRouter()
		r.Use(metrics.Middleware)
		r.Use(s.logRequests)

		r.Get("/healthz", s.handleHealth)
		r.Handle("/metrics", metrics.Handler())
		r.Route("/files", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleListFiles)
			r.Get("/{id}", s.handleGetFile)
			r.Get("/{id}/download-url", s.handleDownloadURL)
			r.Post("/{id}/retry", s.handleRetry)
			r.Delete("/{id}", s.handleDeleteFile)
		})
		r.Post("/imports", s.handleImport)
		r.Get("/batches/{batchID}", s.handleGetBatch)

		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: r,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// batchParams carries the optional batch membership fields of an ingestion
// request. Notification requires the full set.
type batchParams struct {
	UserID     string
	BatchID    string
	TotalFiles int
	Notify     bool
	Recipient  string
}

func (b batchParams) validate() error {
	if !b.Notify {
		return nil
	}
	if b.BatchID == "" || b.UserID == "" || b.Recipient == "" || b.TotalFiles <= 0 {
		return errors.New("notification requires batch_id, user_id, recipient, and total_files")
	}
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}

	form, err := s.readForm(mr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer form.cleanup()
	if len(form.files) == 0 {
		http.Error(w, "no file parts in form", http.StatusBadRequest)
		return
	}

	batch := batchParams{
		UserID:    form.value("user_id"),
		BatchID:   form.value("batch_id"),
		Notify:    form.value("notify") == "true",
		Recipient: form.value("recipient"),
	}
	if v := form.value("total_files"); v != "" {
		batch.TotalFiles, _ = strconv.Atoi(v)
	}
	if err := batch.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	targetFormat := form.value("target_format")

	type accepted struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	var out []accepted
	for _, tmp := range form.files {
		rec, err := s.acceptUpload(ctx, tmp, batch, targetFormat)
		if err != nil {
			var bad *requestError
			if errors.As(err, &bad) {
				http.Error(w, bad.Error(), http.StatusBadRequest)
				return
			}
			s.log.Error("accept upload", "name", tmp.filename, "error", err)
			http.Error(w, "failed to accept file", http.StatusInternalServerError)
			return
		}
		out = append(out, accepted{ID: rec.ID, Name: rec.DisplayName, Status: string(rec.Status)})
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"files":   out,
		"batchId": batch.BatchID,
	})
}

// requestError marks failures caused by the request body rather than the
// backend, so the handler can answer 400 instead of 500.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func (s *Server) acceptUpload(ctx context.Context, tmp *tempUpload, batch batchParams, targetFormat string) (*model.FileRecord, error) {
	cls := mediatype.Classify(tmp.filename, tmp.contentType)
	cls = mediatype.ApplyRequestedTarget(cls, targetFormat)

	// PDFs are stored verbatim, but corrupt ones are rejected at the door
	// rather than discovered by a reader later.
	if tmp.contentType == "application/pdf" {
		if err := s.validatePDF(tmp); err != nil {
			return nil, &requestError{msg: fmt.Sprintf("invalid pdf %q: %v", tmp.filename, err)}
		}
	}

	fileID := uuid.NewString()
	rawKey := fmt.Sprintf("uploads/%s/%s", fileID, filepath.Base(tmp.filename))
	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}
	if err := s.blobs.UploadRaw(ctx, rawKey, tmp.f, tmp.size, tmp.contentType); err != nil {
		return nil, fmt.Errorf("store raw object: %w", err)
	}

	rec := &model.FileRecord{
		ID:              fileID,
		DisplayName:     tmp.filename,
		Size:            tmp.size,
		MimeType:        tmp.contentType,
		Category:        cls.Category,
		OriginalFormat:  cls.OriginalFormat,
		NeedsConversion: cls.NeedsConversion,
		RawKey:          rawKey,
		Source:          model.SourceUpload,
	}
	if cls.NeedsConversion {
		target := cls.TargetFormat
		rec.TargetFormat = &target
	}
	applyBatch(rec, batch)
	if err := s.files.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store metadata: %w", err)
	}
	if err := s.registerIntake(ctx, batch); err != nil {
		return nil, err
	}
	return rec, s.enqueue(ctx, rec)
}

func (s *Server) validatePDF(tmp *tempUpload) error {
	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(tmp.f)
	if err != nil {
		return err
	}
	_, err = pdfutil.Validate(data)
	return err
}

type importRequest struct {
	URL          string `json:"url"`
	UserID       string `json:"userId"`
	TargetFormat string `json:"targetFormat"`
	BatchID      string `json:"batchId"`
	Notify       bool   `json:"notify"`
	Recipient    string `json:"recipient"`
	TotalFiles   int    `json:"totalFiles"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req importRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	source, err := classifyImportURL(req.URL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	batch := batchParams{
		UserID:     req.UserID,
		BatchID:    req.BatchID,
		TotalFiles: req.TotalFiles,
		Notify:     req.Notify,
		Recipient:  req.Recipient,
	}
	if err := batch.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The real name, size, and format are unknown until the worker fetches
	// the bytes; this classification is provisional and replanned then.
	name := provisionalName(req.URL)
	cls := mediatype.Classify(name, "")
	cls = mediatype.ApplyRequestedTarget(cls, req.TargetFormat)

	fileID := uuid.NewString()
	rec := &model.FileRecord{
		ID:              fileID,
		DisplayName:     name,
		MimeType:        "application/octet-stream",
		Category:        cls.Category,
		OriginalFormat:  cls.OriginalFormat,
		NeedsConversion: cls.NeedsConversion,
		RawKey:          fmt.Sprintf("imports/%s/source", fileID),
		Source:          source,
		SourceURL:       &req.URL,
	}
	if cls.NeedsConversion {
		target := cls.TargetFormat
		rec.TargetFormat = &target
	}
	applyBatch(rec, batch)
	if err := s.files.Create(ctx, rec); err != nil {
		s.log.Error("store import metadata", "url", req.URL, "error", err)
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	if err := s.registerIntake(ctx, batch); err != nil {
		s.log.Error("register batch intake", "batch_id", batch.BatchID, "error", err)
		http.Error(w, "failed to register batch", http.StatusInternalServerError)
		return
	}
	if err := s.enqueue(ctx, rec); err != nil {
		s.log.Error("enqueue import", "file_id", rec.ID, "error", err)
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     rec.ID,
		"source": string(rec.Source),
		"status": string(model.StatusQueued),
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.files.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load file", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleDownloadURL hands out a presigned link to the processed artifact.
// Clients never read the buckets directly.
func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.files.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load file", http.StatusInternalServerError)
		return
	}
	if rec.Status != model.StatusCompleted || rec.ProcessedKey == nil {
		http.Error(w, "file not processed yet", http.StatusConflict)
		return
	}
	signed, err := s.blobs.PresignProcessedURL(ctx, *rec.ProcessedKey, downloadURLTTL)
	if err != nil {
		s.log.Error("presign processed url", "file_id", rec.ID, "error", err)
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": signed})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	recs, err := s.files.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": recs})
}

// handleRetry requeues a failed file. The store enforces the preconditions
// (failed status, retries remaining); a refusal answers 409.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.files.RequeueForRetry(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "file is not retryable", http.StatusConflict)
			return
		}
		http.Error(w, "failed to requeue file", http.StatusInternalServerError)
		return
	}
	rec, err := s.files.Get(ctx, id)
	if err != nil {
		http.Error(w, "failed to load file", http.StatusInternalServerError)
		return
	}
	if err := s.queue.EnqueueConvert(ctx, queue.ConvertPayload{
		FileID:   rec.ID,
		FileName: rec.DisplayName,
		MimeType: rec.MimeType,
	}); err != nil {
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     rec.ID,
		"status": string(model.StatusQueued),
	})
}

// handleDeleteFile removes the record and its stored objects. Objects go
// first so that retrying after a partial failure still finds the row.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.files.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load file", http.StatusInternalServerError)
		return
	}
	if rec.RawKey != "" {
		if err := s.blobs.DeleteRaw(ctx, rec.RawKey); err != nil {
			s.log.Error("delete raw object", "file_id", rec.ID, "error", err)
			http.Error(w, "failed to delete stored file", http.StatusInternalServerError)
			return
		}
	}
	if rec.ProcessedKey != nil {
		if err := s.blobs.DeleteProcessed(ctx, *rec.ProcessedKey); err != nil {
			s.log.Error("delete processed object", "file_id", rec.ID, "error", err)
			http.Error(w, "failed to delete stored file", http.StatusInternalServerError)
			return
		}
	}
	if err := s.files.Delete(ctx, rec.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "failed to delete file", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := chi.URLParam(r, "batchID")
	recs, err := s.files.ListByBatch(ctx, batchID)
	if err != nil {
		http.Error(w, "failed to load batch", http.StatusInternalServerError)
		return
	}
	var req *model.NotificationRequest
	req, err = s.notifications.GetByBatch(ctx, batchID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "failed to load batch", http.StatusInternalServerError)
		return
	}
	if req == nil && len(recs) == 0 {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"notification": req,
		"files":        recs,
	})
}

func applyBatch(rec *model.FileRecord, batch batchParams) {
	if batch.UserID != "" {
		userID := batch.UserID
		rec.UserID = &userID
	}
	if batch.BatchID != "" {
		batchID := batch.BatchID
		rec.BatchID = &batchID
		rec.NotifyOnComplete = batch.Notify
	}
}

func (s *Server) registerIntake(ctx context.Context, batch batchParams) error {
	if batch.BatchID == "" || !batch.Notify {
		return nil
	}
	_, err := s.notifications.UpsertIntake(ctx, batch.BatchID, batch.UserID, batch.Recipient, batch.TotalFiles, 1)
	if err != nil {
		return fmt.Errorf("register batch intake: %w", err)
	}
	return nil
}

func (s *Server) enqueue(ctx context.Context, rec *model.FileRecord) error {
	err := s.queue.EnqueueConvert(ctx, queue.ConvertPayload{
		FileID:   rec.ID,
		FileName: rec.DisplayName,
		MimeType: rec.MimeType,
	})
	if err != nil {
		return fmt.Errorf("enqueue conversion: %w", err)
	}
	if err := s.files.UpdateStatus(ctx, rec.ID, model.StatusQueued, nil); err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	rec.Status = model.StatusQueued
	return nil
}

// classifyImportURL validates the URL and decides which fetch path owns it.
func classifyImportURL(raw string) (model.ImportSource, error) {
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.New("url must be absolute http(s)")
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	switch host {
	case "youtube.com", "youtu.be", "youtube-nocookie.com":
		return model.SourceThirdPartyVideo, nil
	}
	return model.SourceDirectURL, nil
}

func provisionalName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "import"
	}
	base := filepath.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "import"
	}
	return base
}

// parsedForm holds the streamed parts of a multipart request: field values
// plus every file part persisted to a temp file.
type parsedForm struct {
	values map[string]string
	files  []*tempUpload
}

func (f *parsedForm) value(key string) string { return f.values[key] }

func (f *parsedForm) cleanup() {
	for _, tmp := range f.files {
		tmp.f.Close()
		os.Remove(tmp.path)
	}
}

func (s *Server) readForm(mr *multipart.Reader) (*parsedForm, error) {
	form := &parsedForm{values: make(map[string]string)}
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return form, nil
			}
			form.cleanup()
			return nil, fmt.Errorf("read form part: %w", err)
		}
		if part.FileName() == "" {
			// 4KB is generous for metadata fields.
			val, err := io.ReadAll(io.LimitReader(part, 4<<10))
			part.Close()
			if err != nil {
				form.cleanup()
				return nil, fmt.Errorf("read form field: %w", err)
			}
			form.values[part.FormName()] = string(val)
			continue
		}
		tmp, err := s.persistTemp(part)
		part.Close()
		if err != nil {
			form.cleanup()
			return nil, err
		}
		form.files = append(form.files, tmp)
	}
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

// persistTemp streams one file part to disk, sniffing the content type from
// the first 512 bytes and enforcing the per-file size ceiling as it goes.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "mediaharbor-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	discard := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				discard()
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				discard()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			discard()
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		discard()
		return nil, errors.New("empty file")
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: http.DetectContentType(sniff),
		filename:    filepath.Base(filename),
	}, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
