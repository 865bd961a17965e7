package fetch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPickOutputPrefersVideoContainers(t *testing.T) {
	now := time.Now()
	candidates := []dirEntry{
		{name: "job-1-clip.m4a", modTime: now},
		{name: "job-1-clip.webm", modTime: now.Add(-time.Minute)},
	}
	// The audio track is newer, but the video container still wins.
	picked, ok := pickOutput(candidates)
	if !ok || picked != "job-1-clip.webm" {
		t.Fatalf("picked = %q, ok = %v", picked, ok)
	}
}

func TestPickOutputFallsBackToNewest(t *testing.T) {
	now := time.Now()
	candidates := []dirEntry{
		{name: "a.opus", modTime: now.Add(-time.Hour)},
		{name: "b.opus", modTime: now},
	}
	picked, ok := pickOutput(candidates)
	if !ok || picked != "b.opus" {
		t.Fatalf("picked = %q, ok = %v", picked, ok)
	}

	if _, ok := pickOutput(nil); ok {
		t.Fatal("expected no pick for empty candidates")
	}
}

func TestRemoveByPrefixIsScoped(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"job-f1-part.mp4.part", "job-f1-clip.webm", "job-f2-other.webm", "unrelated.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := removeByPrefix(dir, jobPrefix("f1")); err != nil {
		t.Fatalf("removeByPrefix: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	if len(left) != 2 {
		t.Fatalf("remaining = %v, want only f2 artifact and unrelated file", left)
	}
	for _, name := range left {
		if name != "job-f2-other.webm" && name != "unrelated.txt" {
			t.Fatalf("unexpected survivor/removal: %v", left)
		}
	}
}

func TestFetchPlatformVideoFallsThroughStrategies(t *testing.T) {
	dir := t.TempDir()
	f := &Fetcher{
		clients: []string{"ios", "android"},
		timeout: time.Minute,
		log:     slog.Default(),
	}
	calls := 0
	f.run = func(ctx context.Context, name string, args ...string) (string, error) {
		calls++
		if calls == 1 {
			// First identity is rejected; leave a partial artifact behind.
			partial := filepath.Join(dir, jobPrefix("f1")+"clip.mp4.part")
			if err := os.WriteFile(partial, []byte("partial"), 0o600); err != nil {
				t.Fatal(err)
			}
			return "ERROR: Sign in to confirm you're not a bot", errors.New("exit status 1")
		}
		// Second identity succeeds, after the partial artifact was removed.
		if entries, _ := os.ReadDir(dir); len(entries) != 0 {
			t.Fatalf("partial artifact not cleaned before retry: %v", entries)
		}
		out := filepath.Join(dir, jobPrefix("f1")+"clip.webm")
		if err := os.WriteFile(out, []byte("video"), 0o600); err != nil {
			t.Fatal(err)
		}
		return "", nil
	}

	got, err := f.fetchPlatformVideo(context.Background(), "f1", "https://video.example/watch?v=x", dir)
	if err != nil {
		t.Fatalf("fetchPlatformVideo: %v", err)
	}
	if filepath.Base(got) != jobPrefix("f1")+"clip.webm" {
		t.Fatalf("got %q", got)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestFetchPlatformVideoSurfacesLastError(t *testing.T) {
	dir := t.TempDir()
	f := &Fetcher{
		clients: []string{"ios", "android", "tv"},
		timeout: time.Minute,
		log:     slog.Default(),
	}
	f.run = func(ctx context.Context, name string, args ...string) (string, error) {
		return "HTTP Error 429: Too Many Requests", errors.New("exit status 1")
	}
	_, err := f.fetchPlatformVideo(context.Background(), "f1", "https://video.example/watch?v=x", dir)
	if err == nil {
		t.Fatal("expected error after exhausting strategies")
	}
}

func TestFileNameFromURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/media/photo.jpg":  "photo.jpg",
		"https://example.com/":                 "download",
		"not a url but has/slash.png":          "slash.png",
		"https://example.com/f.webm?token=abc": "f.webm",
	}
	for in, want := range cases {
		if got := fileNameFromURL(in); got != want {
			t.Errorf("fileNameFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}
