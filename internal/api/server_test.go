package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hariprasadms/mediaharbor/internal/config"
	"github.com/hariprasadms/mediaharbor/internal/model"
	"github.com/hariprasadms/mediaharbor/internal/queue"
	"github.com/hariprasadms/mediaharbor/internal/repository"
)

type memFiles struct {
	repository.FileStore
	created  []*model.FileRecord
	statuses map[string]model.FileStatus
	requeued []string
	deleted  []string
}

func newMemFiles() *memFiles {
	return &memFiles{statuses: make(map[string]model.FileStatus)}
}

func (m *memFiles) Create(ctx context.Context, rec *model.FileRecord) error {
	rec.Status = model.StatusPending
	m.created = append(m.created, rec)
	return nil
}

func (m *memFiles) Get(ctx context.Context, id string) (*model.FileRecord, error) {
	for _, r := range m.created {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memFiles) UpdateStatus(ctx context.Context, id string, status model.FileStatus, errorMsg *string) error {
	m.statuses[id] = status
	return nil
}

func (m *memFiles) Delete(ctx context.Context, id string) error {
	for i, r := range m.created {
		if r.ID == id {
			m.created = append(m.created[:i], m.created[i+1:]...)
			m.deleted = append(m.deleted, id)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memFiles) RequeueForRetry(ctx context.Context, id string) error {
	for _, r := range m.created {
		if r.ID == id && r.Status == model.StatusFailed && r.RetryCount < model.MaxRetries {
			m.requeued = append(m.requeued, id)
			return nil
		}
	}
	return repository.ErrNotFound
}

type memNotifications struct {
	repository.NotificationStore
	intakes []int
	batch   string
}

func (m *memNotifications) UpsertIntake(ctx context.Context, batchID, userID, recipient string, totalFiles, received int) (*model.NotificationRequest, error) {
	m.batch = batchID
	m.intakes = append(m.intakes, received)
	return &model.NotificationRequest{ID: "req-1", BatchID: batchID}, nil
}

type memBlobs struct {
	keys             []string
	sizes            []int64
	deletedRaw       []string
	deletedProcessed []string
}

func (m *memBlobs) UploadRaw(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	m.keys = append(m.keys, key)
	m.sizes = append(m.sizes, size)
	_, err := io.Copy(io.Discard, reader)
	return err
}

func (m *memBlobs) PresignProcessedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://blobs.local/signed/" + key, nil
}

func (m *memBlobs) DeleteRaw(ctx context.Context, key string) error {
	m.deletedRaw = append(m.deletedRaw, key)
	return nil
}

func (m *memBlobs) DeleteProcessed(ctx context.Context, key string) error {
	m.deletedProcessed = append(m.deletedProcessed, key)
	return nil
}

type memQueue struct {
	payloads []queue.ConvertPayload
}

func (m *memQueue) EnqueueConvert(ctx context.Context, payload queue.ConvertPayload) error {
	m.payloads = append(m.payloads, payload)
	return nil
}

func testServer(files *memFiles, notes *memNotifications, blobs *memBlobs, q *memQueue) *Server {
	cfg := &config.Config{MaxFileSize: 1 << 20}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, files, notes, blobs, q, log)
}

func multipartBody(t *testing.T, fields map[string]string, fileName, fileContent string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	fw, err := w.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(fw, fileContent); err != nil {
		t.Fatalf("write file content: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestHandleUploadAcceptsBatchFile(t *testing.T) {
	files := newMemFiles()
	notes := &memNotifications{}
	blobs := &memBlobs{}
	q := &memQueue{}
	s := testServer(files, notes, blobs, q)

	body, contentType := multipartBody(t, map[string]string{
		"batch_id":    "batch-9",
		"user_id":     "u-1",
		"notify":      "true",
		"recipient":   "u@example.com",
		"total_files": "3",
	}, "photo.png", "not really a png but good enough")

	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	s.handleUpload(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if len(files.created) != 1 {
		t.Fatalf("created %d records", len(files.created))
	}
	rec := files.created[0]
	if rec.Source != model.SourceUpload || rec.DisplayName != "photo.png" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.BatchID == nil || *rec.BatchID != "batch-9" || !rec.NotifyOnComplete {
		t.Fatalf("batch fields not applied: %+v", rec)
	}
	if len(blobs.keys) != 1 || !strings.HasSuffix(blobs.keys[0], "/photo.png") {
		t.Fatalf("raw keys = %v", blobs.keys)
	}
	if notes.batch != "batch-9" || len(notes.intakes) != 1 || notes.intakes[0] != 1 {
		t.Fatalf("intake not registered: %+v", notes)
	}
	if len(q.payloads) != 1 || q.payloads[0].FileID != rec.ID {
		t.Fatalf("job not enqueued: %+v", q.payloads)
	}
	if files.statuses[rec.ID] != model.StatusQueued {
		t.Fatalf("record not queued: %v", files.statuses)
	}
}

func TestHandleUploadRejectsNotifyWithoutRecipient(t *testing.T) {
	s := testServer(newMemFiles(), &memNotifications{}, &memBlobs{}, &memQueue{})
	body, contentType := multipartBody(t, map[string]string{
		"batch_id": "batch-9",
		"notify":   "true",
	}, "photo.png", "bytes")

	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	s.handleUpload(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleUploadEnforcesSizeCeiling(t *testing.T) {
	files := newMemFiles()
	s := testServer(files, &memNotifications{}, &memBlobs{}, &memQueue{})
	s.cfg.MaxFileSize = 8

	body, contentType := multipartBody(t, nil, "big.png", "well over eight bytes")
	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	s.handleUpload(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if len(files.created) != 0 {
		t.Fatalf("oversized file was accepted")
	}
}

func TestHandleImportDetectsVideoPlatform(t *testing.T) {
	files := newMemFiles()
	q := &memQueue{}
	s := testServer(files, &memNotifications{}, &memBlobs{}, q)

	payload, _ := json.Marshal(importRequest{URL: "https://www.youtube.com/watch?v=abc123"})
	req := httptest.NewRequest(http.MethodPost, "/imports", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	s.handleImport(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if len(files.created) != 1 || files.created[0].Source != model.SourceThirdPartyVideo {
		t.Fatalf("import source not detected: %+v", files.created)
	}
	if len(q.payloads) != 1 {
		t.Fatalf("import not enqueued")
	}
}

func TestHandleImportRejectsUnknownTargetFormat(t *testing.T) {
	files := newMemFiles()
	s := testServer(files, &memNotifications{}, &memBlobs{}, &memQueue{})

	payload, _ := json.Marshal(importRequest{
		URL:          "https://example.com/media/photo.heic",
		TargetFormat: "exe",
	})
	req := httptest.NewRequest(http.MethodPost, "/imports", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	s.handleImport(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if len(files.created) != 1 {
		t.Fatalf("created %d records", len(files.created))
	}
	// The record carries the whitelisted default for the category, never the
	// rejected request verbatim.
	rec := files.created[0]
	if rec.TargetFormat == nil || *rec.TargetFormat == "exe" {
		t.Fatalf("target format = %v", rec.TargetFormat)
	}
}

func TestHandleImportRejectsBadURL(t *testing.T) {
	s := testServer(newMemFiles(), &memNotifications{}, &memBlobs{}, &memQueue{})
	for _, raw := range []string{"", "ftp://example.com/x", "notaurl"} {
		payload, _ := json.Marshal(importRequest{URL: raw})
		req := httptest.NewRequest(http.MethodPost, "/imports", bytes.NewReader(payload))
		rr := httptest.NewRecorder()
		s.handleImport(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("url %q: status = %d, want 400", raw, rr.Code)
		}
	}
}

func TestHandleRetry(t *testing.T) {
	files := newMemFiles()
	q := &memQueue{}
	s := testServer(files, &memNotifications{}, &memBlobs{}, q)
	files.created = append(files.created, &model.FileRecord{
		ID: "f-1", DisplayName: "clip.mov", MimeType: "video/quicktime",
		Status: model.StatusFailed, RetryCount: 1,
	})

	rr := httptest.NewRecorder()
	s.handleRetry(rr, idRequest(http.MethodPost, "/files/f-1/retry", "f-1"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if len(files.requeued) != 1 || len(q.payloads) != 1 {
		t.Fatalf("retry not requeued: %v %v", files.requeued, q.payloads)
	}

	// Exhausted files are not retryable.
	files.created[0].RetryCount = model.MaxRetries
	rr = httptest.NewRecorder()
	s.handleRetry(rr, idRequest(http.MethodPost, "/files/f-1/retry", "f-1"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestHandleDownloadURL(t *testing.T) {
	files := newMemFiles()
	s := testServer(files, &memNotifications{}, &memBlobs{}, &memQueue{})
	key := "processed/f-1/clip.webm"
	files.created = append(files.created, &model.FileRecord{
		ID: "f-1", Status: model.StatusConverting,
	})

	rr := httptest.NewRecorder()
	s.handleDownloadURL(rr, idRequest(http.MethodGet, "/files/f-1/download-url", "f-1"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("unprocessed file: status = %d, want 409", rr.Code)
	}

	files.created[0].Status = model.StatusCompleted
	files.created[0].ProcessedKey = &key
	rr = httptest.NewRecorder()
	s.handleDownloadURL(rr, idRequest(http.MethodGet, "/files/f-1/download-url", "f-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasSuffix(resp["url"], key) {
		t.Fatalf("url = %q", resp["url"])
	}
}

func TestHandleDeleteFile(t *testing.T) {
	files := newMemFiles()
	blobs := &memBlobs{}
	s := testServer(files, &memNotifications{}, blobs, &memQueue{})
	key := "processed/f-1/clip.webm"
	files.created = append(files.created, &model.FileRecord{
		ID: "f-1", RawKey: "uploads/f-1/clip.mov",
		Status: model.StatusCompleted, ProcessedKey: &key,
	})

	rr := httptest.NewRecorder()
	s.handleDeleteFile(rr, idRequest(http.MethodDelete, "/files/f-1", "f-1"))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if len(blobs.deletedRaw) != 1 || blobs.deletedRaw[0] != "uploads/f-1/clip.mov" {
		t.Fatalf("raw deletions = %v", blobs.deletedRaw)
	}
	if len(blobs.deletedProcessed) != 1 || blobs.deletedProcessed[0] != key {
		t.Fatalf("processed deletions = %v", blobs.deletedProcessed)
	}
	if len(files.deleted) != 1 || files.deleted[0] != "f-1" {
		t.Fatalf("record deletions = %v", files.deleted)
	}

	rr = httptest.NewRecorder()
	s.handleDeleteFile(rr, idRequest(http.MethodDelete, "/files/f-1", "f-1"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func idRequest(method, path, id string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestClassifyImportURL(t *testing.T) {
	cases := []struct {
		url  string
		want model.ImportSource
	}{
		{"https://youtu.be/abc", model.SourceThirdPartyVideo},
		{"https://m.youtube.com/watch?v=abc", model.SourceThirdPartyVideo},
		{"https://example.com/video.mp4", model.SourceDirectURL},
		{"http://cdn.example.org/a/b/photo.heic", model.SourceDirectURL},
	}
	for _, tc := range cases {
		got, err := classifyImportURL(tc.url)
		if err != nil {
			t.Fatalf("classifyImportURL(%q): %v", tc.url, err)
		}
		if got != tc.want {
			t.Fatalf("classifyImportURL(%q) = %s, want %s", tc.url, got, tc.want)
		}
	}
}

func TestProvisionalName(t *testing.T) {
	if got := provisionalName("https://example.com/media/clip.mp4?t=1"); got != "clip.mp4" {
		t.Fatalf("provisionalName = %q", got)
	}
	if got := provisionalName("https://youtu.be/"); got != "import" {
		t.Fatalf("provisionalName = %q", got)
	}
}
