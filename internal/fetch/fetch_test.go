package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hariprasadms/mediaharbor/internal/model"
)

type fakeBlobs struct {
	rawObjects map[string][]byte
	uploads    int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{rawObjects: map[string][]byte{}}
}

func (b *fakeBlobs) UploadRaw(_ context.Context, key string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	b.rawObjects[key] = data
	b.uploads++
	return nil
}

func (b *fakeBlobs) DownloadRawTo(_ context.Context, key string, w io.Writer) (int64, error) {
	data, ok := b.rawObjects[key]
	if !ok {
		return 0, errors.New("no such raw object")
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (b *fakeBlobs) RawExists(_ context.Context, key string) (bool, error) {
	_, ok := b.rawObjects[key]
	return ok, nil
}

func importRecord(id string) *model.FileRecord {
	url := "https://video.example/watch?v=x"
	return &model.FileRecord{
		ID:        id,
		Source:    model.SourceThirdPartyVideo,
		SourceURL: &url,
		RawKey:    "uploads/" + id + "/input",
	}
}

func TestAcquireReportsMetadataBeforePersisting(t *testing.T) {
	dir := t.TempDir()
	blobs := newFakeBlobs()
	f := &Fetcher{
		blobs:   blobs,
		clients: []string{"ios"},
		timeout: time.Minute,
		log:     slog.Default(),
	}
	f.run = func(ctx context.Context, name string, args ...string) (string, error) {
		out := filepath.Join(dir, jobPrefix("f1")+"talk.webm")
		if err := os.WriteFile(out, []byte("video bytes"), 0o600); err != nil {
			t.Fatal(err)
		}
		return "", nil
	}

	rec := importRecord("f1")
	var seen *Metadata
	local, err := f.Acquire(context.Background(), rec, dir, func(_ context.Context, meta *Metadata) error {
		if blobs.uploads != 0 {
			t.Fatal("raw object persisted before metadata callback")
		}
		seen = meta
		return nil
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if filepath.Base(local) != jobPrefix("f1")+"talk.webm" {
		t.Fatalf("local = %q", local)
	}
	if seen == nil {
		t.Fatal("metadata callback not invoked")
	}
	if seen.DisplayName != "talk.webm" || seen.Format != "webm" || seen.Size != int64(len("video bytes")) {
		t.Fatalf("metadata = %+v", seen)
	}
	if blobs.uploads != 1 {
		t.Fatalf("uploads = %d, want 1", blobs.uploads)
	}
	if _, ok := blobs.rawObjects[rec.RawKey]; !ok {
		t.Fatalf("raw object not stored under %q", rec.RawKey)
	}
}

func TestAcquireMetadataCallbackFailureAbortsPersist(t *testing.T) {
	dir := t.TempDir()
	blobs := newFakeBlobs()
	f := &Fetcher{
		blobs:   blobs,
		clients: []string{"ios"},
		timeout: time.Minute,
		log:     slog.Default(),
	}
	f.run = func(ctx context.Context, name string, args ...string) (string, error) {
		out := filepath.Join(dir, jobPrefix("f1")+"talk.webm")
		if err := os.WriteFile(out, []byte("video bytes"), 0o600); err != nil {
			t.Fatal(err)
		}
		return "", nil
	}

	rec := importRecord("f1")
	_, err := f.Acquire(context.Background(), rec, dir, func(context.Context, *Metadata) error {
		return errors.New("database unavailable")
	})
	if err == nil {
		t.Fatal("expected Acquire to fail when metadata cannot be recorded")
	}
	// The raw bucket stays empty so a retried task fetches again instead of
	// staging bytes it never re-planned for.
	if blobs.uploads != 0 {
		t.Fatalf("uploads = %d, want 0", blobs.uploads)
	}
	exists, _ := blobs.RawExists(context.Background(), rec.RawKey)
	if exists {
		t.Fatal("raw object persisted despite callback failure")
	}
}

func TestAcquireStagesExistingRawObjectWithoutCallback(t *testing.T) {
	dir := t.TempDir()
	blobs := newFakeBlobs()
	rec := importRecord("f1")
	blobs.rawObjects[rec.RawKey] = []byte("already fetched")

	f := &Fetcher{
		blobs:   blobs,
		clients: []string{"ios"},
		timeout: time.Minute,
		log:     slog.Default(),
	}
	f.run = func(ctx context.Context, name string, args ...string) (string, error) {
		t.Fatal("fetch tool invoked for an already-persisted import")
		return "", nil
	}

	called := false
	local, err := f.Acquire(context.Background(), rec, dir, func(context.Context, *Metadata) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if called {
		t.Fatal("metadata callback invoked for staged bytes")
	}
	data, err := os.ReadFile(local)
	if err != nil || string(data) != "already fetched" {
		t.Fatalf("staged file = %q, err = %v", data, err)
	}
}
