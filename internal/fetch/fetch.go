// Package fetch resolves a job's input bytes, either from the raw bucket or
// by fetching from a remote source. Remote fetches are persisted into the raw
// bucket under the record's pre-assigned key, so a retried job never goes
// back to the network.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hariprasadms/mediaharbor/internal/mediatype"
	"github.com/hariprasadms/mediaharbor/internal/model"
)

// BlobStore is the raw-bucket surface the fetcher needs.
type BlobStore interface {
	UploadRaw(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	DownloadRawTo(ctx context.Context, key string, w io.Writer) (int64, error)
	RawExists(ctx context.Context, key string) (bool, error)
}

// Metadata is the patch discovered only after a remote fetch completes: the
// tool on the other end decides the real filename, container, and size.
type Metadata struct {
	DisplayName string
	Size        int64
	Format      string
}

// DiscoveredFunc receives the metadata a remote fetch revealed. It runs
// before the fetched bytes are persisted to the raw bucket: once the bytes
// are durable a retried job stages them without re-fetching, so the
// replanned record state must be durable first or the retry would convert
// correct bytes against the provisional plan.
type DiscoveredFunc func(ctx context.Context, meta *Metadata) error

// commandRunner executes an external tool, returning its combined diagnostic
// output. Swapped out in tests.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

// Fetcher acquires input bytes for conversion jobs.
type Fetcher struct {
	blobs      BlobStore
	clients    []string
	timeout    time.Duration
	log        *slog.Logger
	run        commandRunner
	httpClient *http.Client
}

// New builds a Fetcher. clients is the ordered list of player identities
// tried against the third-party video platform.
func New(blobs BlobStore, clients []string, timeout time.Duration, log *slog.Logger) *Fetcher {
	return &Fetcher{
		blobs:      blobs,
		clients:    clients,
		timeout:    timeout,
		log:        log,
		run:        runCommand,
		httpClient: &http.Client{},
	}
}

// Acquire stages the record's input bytes into jobDir and returns the local
// path. For imports fetched for the first time, onDiscovered (may be nil) is
// called with the discovered filename/size/format before the bytes are
// persisted to the raw bucket; an error from it aborts the persist.
func (f *Fetcher) Acquire(ctx context.Context, rec *model.FileRecord, jobDir string, onDiscovered DiscoveredFunc) (string, error) {
	if rec.Source == model.SourceUpload {
		return f.stageFromBlob(ctx, rec, jobDir)
	}

	// Imports: a previous attempt may already have persisted the bytes, in
	// which case the discovered metadata is already on the record too.
	exists, err := f.blobs.RawExists(ctx, rec.RawKey)
	if err != nil {
		return "", fmt.Errorf("check raw object: %w", err)
	}
	if exists {
		return f.stageFromBlob(ctx, rec, jobDir)
	}

	if rec.SourceURL == nil || *rec.SourceURL == "" {
		return "", errors.New("import record has no source url")
	}

	var local string
	switch rec.Source {
	case model.SourceThirdPartyVideo:
		local, err = f.fetchPlatformVideo(ctx, rec.ID, *rec.SourceURL, jobDir)
	case model.SourceDirectURL:
		local, err = f.fetchDirect(ctx, *rec.SourceURL, jobDir)
	default:
		return "", fmt.Errorf("unknown import source %q", rec.Source)
	}
	if err != nil {
		return "", err
	}

	if err := f.persist(ctx, rec, local, onDiscovered); err != nil {
		return "", err
	}
	return local, nil
}

func (f *Fetcher) stageFromBlob(ctx context.Context, rec *model.FileRecord, jobDir string) (string, error) {
	name := "input"
	if ext := mediatype.Extension(rec.DisplayName); ext != "" {
		name += "." + ext
	}
	dest := filepath.Join(jobDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	defer out.Close()
	if _, err := f.blobs.DownloadRawTo(ctx, rec.RawKey, out); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// fetchDirect streams a plain URL to disk. Single attempt: direct links are
// not subject to the platform's client gating, so a failure here is just a
// failure.
func (f *Fetcher) fetchDirect(ctx context.Context, rawURL, jobDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}

	dest := filepath.Join(jobDir, fileNameFromURL(rawURL))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("stream download: %w", err)
	}
	return dest, nil
}

// persist reports the discovered metadata, then uploads the fetched file
// under the record's pre-assigned raw key. The order matters: the metadata
// callback must succeed before the bytes become durable, because retries of
// a persisted import never re-run discovery.
func (f *Fetcher) persist(ctx context.Context, rec *model.FileRecord, local string, onDiscovered DiscoveredFunc) error {
	in, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open fetched file: %w", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat fetched file: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("fetched file is empty")
	}

	format := mediatype.Extension(local)
	if onDiscovered != nil {
		meta := &Metadata{
			DisplayName: strings.TrimPrefix(filepath.Base(local), jobPrefix(rec.ID)),
			Size:        info.Size(),
			Format:      format,
		}
		if err := onDiscovered(ctx, meta); err != nil {
			return fmt.Errorf("record discovered metadata: %w", err)
		}
	}

	contentType := mime.TypeByExtension("." + format)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := f.blobs.UploadRaw(ctx, rec.RawKey, in, info.Size(), contentType); err != nil {
		return err
	}
	return nil
}

func fileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	// Query-string noise would otherwise end up in the extension.
	if i := strings.IndexAny(base, "?&"); i >= 0 {
		base = base[:i]
	}
	return base
}
