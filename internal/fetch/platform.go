package fetch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hariprasadms/mediaharbor/internal/metrics"
)

// Video-container extensions outrank audio-only ones when picking the fetch
// output: an audio-only file alongside a video file is an intermediate
// artifact of a multi-stream fetch, not the result.
var videoContainerExts = map[string]struct{}{
	"webm": {}, "mp4": {}, "mkv": {}, "mov": {}, "avi": {}, "m4v": {}, "flv": {}, "ogv": {},
}

// fetchPlatformVideo downloads from the third-party video platform, trying
// each configured player-client identity in order. The platform rate-limits,
// bot-detects, and gates formats per client version, so a failure with one
// identity frequently succeeds with the next.
func (f *Fetcher) fetchPlatformVideo(ctx context.Context, fileID, rawURL, jobDir string) (string, error) {
	prefix := jobPrefix(fileID)
	outputTemplate := filepath.Join(jobDir, prefix+"%(title)s.%(ext)s")

	var lastErr error
	for _, client := range f.clients {
		// Partial artifacts from the previous identity would pollute the
		// directory diff; remove anything carrying this job's prefix.
		if err := removeByPrefix(jobDir, prefix); err != nil {
			return "", err
		}

		before, err := snapshotDir(jobDir)
		if err != nil {
			return "", err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
		output, err := f.run(attemptCtx, "yt-dlp",
			"--no-playlist",
			"--no-progress",
			"--extractor-args", "youtube:player_client="+client,
			"-f", "bestvideo*+bestaudio/best",
			"-o", outputTemplate,
			rawURL,
		)
		cancel()
		if err != nil {
			metrics.FetchAttemptsTotal.WithLabelValues(client, "failed").Inc()
			lastErr = fmt.Errorf("client %s: %w: %s", client, err, tail(output, 400))
			f.log.Warn("platform fetch attempt failed",
				"file_id", fileID, "client", client, "error", err)
			continue
		}

		after, err := snapshotDir(jobDir)
		if err != nil {
			return "", err
		}
		// The fetch tool picks its own container/extension, so the produced
		// file is identified by diffing directory listings, never by
		// trusting a fixed output path.
		picked, ok := pickOutput(newEntries(before, after))
		if !ok {
			metrics.FetchAttemptsTotal.WithLabelValues(client, "failed").Inc()
			lastErr = fmt.Errorf("client %s: fetch produced no output file", client)
			continue
		}
		metrics.FetchAttemptsTotal.WithLabelValues(client, "ok").Inc()
		return filepath.Join(jobDir, picked), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no player clients configured")
	}
	return "", fmt.Errorf("all fetch strategies exhausted: %w", lastErr)
}

func jobPrefix(fileID string) string {
	return "job-" + fileID + "-"
}

func removeByPrefix(dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list staging dir: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("remove partial artifact: %w", err)
			}
		}
	}
	return nil
}

type dirEntry struct {
	name    string
	modTime time.Time
}

func snapshotDir(dir string) (map[string]time.Time, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list staging dir: %w", err)
	}
	snap := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snap[e.Name()] = info.ModTime()
	}
	return snap, nil
}

func newEntries(before, after map[string]time.Time) []dirEntry {
	var out []dirEntry
	for name, mod := range after {
		if _, existed := before[name]; existed {
			continue
		}
		out = append(out, dirEntry{name: name, modTime: mod})
	}
	return out
}

// pickOutput selects the fetch result among the files that appeared: video
// containers first, then most recently modified.
func pickOutput(candidates []dirEntry) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		vi := isVideoContainer(candidates[i].name)
		vj := isVideoContainer(candidates[j].name)
		if vi != vj {
			return vi
		}
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	return candidates[0].name, true
}

func isVideoContainer(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	_, ok := videoContainerExts[ext]
	return ok
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
