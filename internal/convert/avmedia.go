package convert

import (
	"context"
	"fmt"
)

// videoArgs builds the ffmpeg invocation for a video target. Quality is
// constant-rate-factor, never bitrate-targeted, with multi-threaded encoding.
func videoArgs(input, output, target string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", input}
	switch target {
	case "ogv":
		args = append(args,
			"-c:v", "libtheora", "-q:v", "10",
			"-c:a", "libvorbis", "-q:a", "10",
		)
	default: // webm
		args = append(args,
			"-c:v", "libvpx-vp9", "-crf", "31", "-b:v", "0",
			"-row-mt", "1", "-threads", "0",
			"-c:a", "libopus",
		)
	}
	return append(args, output)
}

// audioArgs builds the ffmpeg invocation for an audio target at the highest
// quality tier the codec supports: top VBR level for the lossy codecs,
// maximum compression effort for the lossless ones.
func audioArgs(input, output, target string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", input, "-vn"}
	switch target {
	case "opus":
		args = append(args, "-c:a", "libopus", "-b:a", "256k", "-vbr", "on", "-compression_level", "10")
	case "flac":
		args = append(args, "-c:a", "flac", "-compression_level", "12")
	case "wav":
		args = append(args, "-c:a", "pcm_s16le")
	default: // ogg/oga vorbis
		args = append(args, "-c:a", "libvorbis", "-q:a", "10")
	}
	return append(args, output)
}

func (e *Engine) convertVideo(ctx context.Context, task Task, onProgress ProgressFunc) (string, error) {
	output := e.outputPath(task)
	return output, e.runTranscode(ctx, videoArgs(task.InputPath, output, task.TargetFormat), onProgress)
}

func (e *Engine) convertAudio(ctx context.Context, task Task, onProgress ProgressFunc) (string, error) {
	output := e.outputPath(task)
	return output, e.runTranscode(ctx, audioArgs(task.InputPath, output, task.TargetFormat), onProgress)
}

// runTranscode executes ffmpeg, feeding its stderr through the progress
// parser and throttle.
func (e *Engine) runTranscode(ctx context.Context, args []string, onProgress ProgressFunc) error {
	ctx, cancel := context.WithTimeout(ctx, e.transcodeTimeout)
	defer cancel()

	parser := &progressParser{}
	limiter := newThrottle(progressWindow, progressMinDelta)
	onLine := func(line string) {
		pct, ok := parser.feed(line)
		if !ok || onProgress == nil {
			return
		}
		if limiter.allow(pct) {
			onProgress(pct)
		}
	}

	diag, err := streamCommand(ctx, onLine, "ffmpeg", args...)
	if err != nil {
		return fmt.Errorf("transcode failed: %w: %s", err, tail(diag, 400))
	}
	return nil
}
