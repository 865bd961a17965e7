// Package convert invokes external transcoders to normalize media into the
// repository's accepted formats. Every target is encoded at a maximum-quality
// preset: the output is archival hand-off data, not a delivery rendition.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hariprasadms/mediaharbor/internal/mediatype"
)

// Task describes one conversion.
type Task struct {
	InputPath    string
	OutputDir    string
	Category     mediatype.Category
	SourceFormat string
	TargetFormat string
}

// Result points at the produced artifact.
type Result struct {
	OutputPath string
	Size       int64
}

// ProgressFunc receives throttled progress percentages during long encodes.
type ProgressFunc func(percent int)

const (
	progressWindow   = 5 * time.Second
	progressMinDelta = 10
)

// Engine dispatches conversions to category-specific external tools.
type Engine struct {
	// transcodeTimeout bounds long-running video/audio encodes;
	// stillTimeout bounds single-image and RAW-decode invocations.
	transcodeTimeout time.Duration
	stillTimeout     time.Duration
	log              *slog.Logger
}

// NewEngine builds an Engine.
func NewEngine(transcodeTimeout time.Duration, log *slog.Logger) *Engine {
	still := transcodeTimeout / 6
	if still < 5*time.Minute {
		still = 5 * time.Minute
	}
	return &Engine{
		transcodeTimeout: transcodeTimeout,
		stillTimeout:     still,
		log:              log,
	}
}

// Convert runs the conversion and verifies the output. onProgress may be nil;
// when set it is called with throttled percentages and, on success, a final
// forced 100 regardless of throttling.
func (e *Engine) Convert(ctx context.Context, task Task, onProgress ProgressFunc) (*Result, error) {
	if task.TargetFormat == "" {
		return nil, errors.New("conversion task has no target format")
	}

	var (
		outputPath string
		err        error
	)
	switch task.Category {
	case mediatype.CategoryImage:
		outputPath, err = e.convertImage(ctx, task)
	case mediatype.CategoryRaw:
		outputPath, err = e.convertRaw(ctx, task)
	case mediatype.CategoryVideo:
		outputPath, err = e.convertVideo(ctx, task, onProgress)
	case mediatype.CategoryAudio:
		outputPath, err = e.convertAudio(ctx, task, onProgress)
	default:
		return nil, fmt.Errorf("unknown media category %q", task.Category)
	}
	if err != nil {
		return nil, err
	}

	size, err := verifyOutput(outputPath)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return &Result{OutputPath: outputPath, Size: size}, nil
}

// verifyOutput guards against silent transcoder failures: a tool can exit
// zero and still leave nothing (or an empty shell) behind.
func verifyOutput(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("conversion output missing: %w", err)
	}
	if info.Size() == 0 {
		return 0, errors.New("conversion produced an empty output file")
	}
	return info.Size(), nil
}

func (e *Engine) outputPath(task Task) string {
	return filepath.Join(task.OutputDir, "output."+task.TargetFormat)
}
