package convert

import (
	"context"
	"fmt"
)

// imageArgs builds the ImageMagick invocation for a still-image target.
// Quality 100 throughout; JPEG additionally disables chroma subsampling, and
// the lossless targets get their maximum compression effort.
func imageArgs(input, output, target string) []string {
	args := []string{input, "-quality", "100"}
	switch target {
	case "jpeg", "jpg":
		args = append(args, "-sampling-factor", "4:4:4")
	case "png":
		args = append(args, "-define", "png:compression-level=9")
	case "tiff", "tif":
		args = append(args, "-compress", "lzw")
	case "webp":
		args = append(args, "-define", "webp:lossless=true", "-define", "webp:method=6")
	}
	return append(args, output)
}

// convertImage shells out to ImageMagick, falling back to ffmpeg when the
// dedicated tool is unavailable or rejects the input.
func (e *Engine) convertImage(ctx context.Context, task Task) (string, error) {
	output := e.outputPath(task)

	ctx, cancel := context.WithTimeout(ctx, e.stillTimeout)
	defer cancel()

	magickOut, magickErr := runTool(ctx, "magick", imageArgs(task.InputPath, output, task.TargetFormat)...)
	if magickErr == nil {
		return output, nil
	}
	e.log.Warn("image transcoder failed, falling back to ffmpeg",
		"input", task.InputPath, "error", magickErr)

	ffArgs := []string{"-hide_banner", "-nostdin", "-y", "-i", task.InputPath}
	if task.TargetFormat == "jpeg" || task.TargetFormat == "jpg" {
		ffArgs = append(ffArgs, "-q:v", "1")
	}
	ffArgs = append(ffArgs, output)
	ffOut, ffErr := runTool(ctx, "ffmpeg", ffArgs...)
	if ffErr != nil {
		return "", fmt.Errorf("image conversion failed: magick: %w (%s); ffmpeg: %v (%s)",
			magickErr, tail(magickOut, 200), ffErr, tail(ffOut, 200))
	}
	return output, nil
}
