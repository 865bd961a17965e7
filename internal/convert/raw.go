package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// rawDecodeArgs builds the dcraw invocation. The preset maximizes data
// preservation rather than producing a print-ready image: 16-bit linear
// output (-6), TIFF container (-T), ProPhoto wide-gamut primaries (-o 4),
// the camera's recorded white balance (-w), and no auto-brightening (-W).
func rawDecodeArgs(input string) []string {
	return []string{"-w", "-W", "-6", "-T", "-o", "4", input}
}

// convertRaw decodes a camera RAW file into a 16-bit TIFF and, when the
// requested target is not TIFF, re-encodes the decode through the image path.
func (e *Engine) convertRaw(ctx context.Context, task Task) (string, error) {
	decodeCtx, cancel := context.WithTimeout(ctx, e.stillTimeout)
	defer cancel()

	out, err := runTool(decodeCtx, "dcraw", rawDecodeArgs(task.InputPath)...)
	if err != nil {
		return "", fmt.Errorf("raw decode failed: %w: %s", err, tail(out, 300))
	}

	// dcraw writes its TIFF alongside the input.
	decoded := strings.TrimSuffix(task.InputPath, filepath.Ext(task.InputPath)) + ".tiff"
	if _, err := os.Stat(decoded); err != nil {
		return "", fmt.Errorf("raw decode produced no tiff: %w", err)
	}

	if task.TargetFormat == "tiff" || task.TargetFormat == "tif" {
		return decoded, nil
	}

	imageTask := task
	imageTask.InputPath = decoded
	imageTask.SourceFormat = "tiff"
	return e.convertImage(ctx, imageTask)
}
