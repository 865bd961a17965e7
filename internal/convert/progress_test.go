package convert

import (
	"testing"
	"time"
)

func TestProgressParser(t *testing.T) {
	p := &progressParser{}

	// Progress lines before the duration is known are ignored.
	if _, ok := p.feed("frame=  10 fps=0.0 q=0.0 time=00:00:01.00 bitrate=N/A"); ok {
		t.Fatal("progress emitted before duration was parsed")
	}

	if _, ok := p.feed("  Duration: 00:01:40.00, start: 0.000000, bitrate: 4410 kb/s"); ok {
		t.Fatal("duration line itself should not emit progress")
	}

	pct, ok := p.feed("frame= 250 fps= 25 q=30.0 size=    512kB time=00:00:25.00 bitrate= 167.8kbits/s")
	if !ok || pct != 25 {
		t.Fatalf("pct = %d, ok = %v, want 25", pct, ok)
	}

	// A stale (non-advancing) position is dropped, keeping values monotonic.
	if _, ok := p.feed("time=00:00:20.00"); ok {
		t.Fatal("regressing position should not emit")
	}

	pct, ok = p.feed("time=00:00:50.00")
	if !ok || pct != 50 {
		t.Fatalf("pct = %d, ok = %v, want 50", pct, ok)
	}

	// Position past the reported duration is clamped to 100.
	pct, ok = p.feed("time=00:02:00.00")
	if !ok || pct != 100 {
		t.Fatalf("pct = %d, ok = %v, want 100", pct, ok)
	}
}

func TestThrottle(t *testing.T) {
	clock := time.Unix(0, 0)
	tr := newThrottle(5*time.Second, 10)
	tr.now = func() time.Time { return clock }

	if !tr.allow(1) {
		t.Fatal("first update should pass")
	}
	// Inside the window and below the delta: suppressed.
	clock = clock.Add(time.Second)
	if tr.allow(5) {
		t.Fatal("small delta inside window should be suppressed")
	}
	// Delta alone is enough.
	if !tr.allow(11) {
		t.Fatal("10-point delta should pass inside window")
	}
	// Window alone is enough.
	clock = clock.Add(6 * time.Second)
	if !tr.allow(12) {
		t.Fatal("elapsed window should pass")
	}
	// Non-increasing values never pass.
	clock = clock.Add(time.Minute)
	if tr.allow(12) {
		t.Fatal("repeat percentage should be suppressed")
	}
	if tr.allow(3) {
		t.Fatal("regressing percentage should be suppressed")
	}
}

func TestProgressPipelineMonotonicWithFinalHundred(t *testing.T) {
	// Simulates the full video-progress path: parser + throttle + forced
	// final update, as wired in runTranscode/Convert.
	lines := []string{
		"Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'clip.mov':",
		"  Duration: 00:00:50.00, start: 0.000000, bitrate: 4410 kb/s",
		"time=00:00:05.00",
		"time=00:00:10.00",
		"time=00:00:15.00",
		"time=00:00:30.00",
		"time=00:00:45.00",
	}
	p := &progressParser{}
	tr := newThrottle(5*time.Second, 10)
	clock := time.Unix(0, 0)
	tr.now = func() time.Time { return clock }

	var emitted []int
	for _, line := range lines {
		clock = clock.Add(time.Second)
		if pct, ok := p.feed(line); ok && tr.allow(pct) {
			emitted = append(emitted, pct)
		}
	}
	// Forced final callback on successful exit.
	emitted = append(emitted, 100)

	if len(emitted) == 0 || emitted[len(emitted)-1] != 100 {
		t.Fatalf("final emitted value must be 100, got %v", emitted)
	}
	for i := 1; i < len(emitted); i++ {
		if emitted[i] < emitted[i-1] {
			t.Fatalf("progress not monotonic: %v", emitted)
		}
	}
}
