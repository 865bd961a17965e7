package convert

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// runTool executes an external command and returns its combined output for
// diagnostics.
func runTool(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// streamCommand executes a command while delivering stderr to onLine as it
// arrives, so progress can be parsed from a live encode. The tail of the
// stream is retained for error reporting.
func streamCommand(ctx context.Context, onLine func(string), name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}

	var diag strings.Builder
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanStatusLines)
	for scanner.Scan() {
		line := scanner.Text()
		if diag.Len() < 64*1024 {
			diag.WriteString(line)
			diag.WriteByte('\n')
		}
		onLine(line)
	}
	return diag.String(), cmd.Wait()
}

// scanStatusLines splits on both \n and \r: ffmpeg rewrites its progress
// line in place with carriage returns.
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
