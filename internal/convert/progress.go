package convert

import (
	"regexp"
	"strconv"
	"time"
)

// ffmpeg reports the input duration once in an early status line and the
// current encode position in repeated progress lines. Percentages are derived
// from the two.
var (
	reDuration = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	reTime     = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// progressParser derives a 0-100 percentage from ffmpeg's human-readable
// stderr stream. Values are monotonic within one run: a parsed position that
// would move the percentage backwards is ignored.
type progressParser struct {
	totalSecs float64
	lastPct   int
}

// feed consumes one stderr line and reports (percent, true) when the line
// advanced the progress.
func (p *progressParser) feed(line string) (int, bool) {
	if p.totalSecs == 0 {
		if m := reDuration.FindStringSubmatch(line); m != nil {
			p.totalSecs = hmsToSeconds(m[1], m[2], m[3])
		}
		return 0, false
	}
	m := reTime.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	position := hmsToSeconds(m[1], m[2], m[3])
	pct := int(position / p.totalSecs * 100)
	if pct > 100 {
		pct = 100
	}
	if pct <= p.lastPct {
		return 0, false
	}
	p.lastPct = pct
	return pct, true
}

func hmsToSeconds(h, m, s string) float64 {
	hours, _ := strconv.ParseFloat(h, 64)
	minutes, _ := strconv.ParseFloat(m, 64)
	seconds, _ := strconv.ParseFloat(s, 64)
	return hours*3600 + minutes*60 + seconds
}

// throttle limits how often progress callbacks reach the persistence layer:
// an update passes when the time window has elapsed or the percentage moved
// by at least minDelta, whichever comes first.
type throttle struct {
	window   time.Duration
	minDelta int
	now      func() time.Time

	emitted  bool
	lastAt   time.Time
	lastPct  int
}

func newThrottle(window time.Duration, minDelta int) *throttle {
	return &throttle{window: window, minDelta: minDelta, now: time.Now}
}

func (t *throttle) allow(pct int) bool {
	if t.emitted && pct <= t.lastPct {
		return false
	}
	if t.emitted && t.now().Sub(t.lastAt) < t.window && pct-t.lastPct < t.minDelta {
		return false
	}
	t.emitted = true
	t.lastAt = t.now()
	t.lastPct = pct
	return true
}
