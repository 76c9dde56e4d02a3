package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/framesync/api/internal/pipeline"
	"github.com/framesync/api/pkg/logger"
)

// unrecoverablePatterns are ffmpeg stderr fragments that mean the input
// itself is bad; retrying cannot help.
var unrecoverablePatterns = []string{
	"Invalid data found when processing input",
	"moov atom not found",
	"could not find codec parameters",
	"Decoder not found",
	"does not contain any stream",
	"Output file does not contain any stream",
}

// runExtract shells out to ffmpeg to pull a mono 16-bit PCM track at the
// configured sample rate. The call is bounded by the extraction timeout so a
// wedged ffmpeg never holds a worker slot.
func (ing *Ingestor) runExtract(ctx context.Context, videoPath, audioPath string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(ing.cfg.ExtractTimeout)*time.Second)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", videoPath,
		"-vn",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", ing.cfg.SampleRate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		audioPath,
	}

	cmd := exec.CommandContext(ctx, ing.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err == nil {
		logger.L().Debug("audio extracted", "video", videoPath, "elapsed", elapsed)
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("audio extraction timed out after %s", elapsed.Round(time.Second))
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	msg := stderr.String()
	for _, pattern := range unrecoverablePatterns {
		if strings.Contains(msg, pattern) {
			return pipeline.Unrecoverable(fmt.Errorf("ffmpeg: %s", pattern))
		}
	}
	return fmt.Errorf("ffmpeg failed: %w: %s", err, lastLine(msg))
}

// lastLine keeps error reporting readable; ffmpeg's stderr can run to pages.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
