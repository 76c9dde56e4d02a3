// Package ingest validates and stores uploaded video files into a per-batch
// workspace and extracts one audio track per file for the downstream stages.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/framesync/api/internal/client"
	"github.com/framesync/api/internal/config"
	"github.com/framesync/api/internal/pipeline"
	"github.com/framesync/api/pkg/logger"
)

// videoExtensions lists the container formats accepted for submission.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".m4v":  true,
	".webm": true,
}

// Ingestor owns the batch workspace and audio extraction.
type Ingestor struct {
	cfg     config.IngestConfig
	storage client.StorageClient // nil means local workspace only
}

// New builds an ingestor. storage may be nil.
func New(cfg config.IngestConfig, storage client.StorageClient) *Ingestor {
	return &Ingestor{cfg: cfg, storage: storage}
}

// ValidateUpload rejects unsupported or oversized files before anything is
// enqueued.
func (ing *Ingestor) ValidateUpload(name string, size int64) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !videoExtensions[ext] {
		return pipeline.Validation(fmt.Errorf("unsupported file type %q", ext))
	}
	if size > ing.cfg.MaxFileSizeMB*1024*1024 {
		return pipeline.Validation(fmt.Errorf("file %s exceeds %dMB limit", name, ing.cfg.MaxFileSizeMB))
	}
	return nil
}

// ValidateBatchSize bounds how many files one batch may carry.
func (ing *Ingestor) ValidateBatchSize(n int) error {
	if n == 0 {
		return pipeline.Validation(fmt.Errorf("batch has no files"))
	}
	if n > ing.cfg.MaxBatchFiles {
		return pipeline.Validation(fmt.Errorf("batch of %d files exceeds limit of %d", n, ing.cfg.MaxBatchFiles))
	}
	return nil
}

// SaveUpload streams one uploaded file into the batch workspace and returns
// its storage path.
func (ing *Ingestor) SaveUpload(batchID, fileID, name string, r io.Reader) (string, int64, error) {
	dir := filepath.Join(ing.cfg.WorkspaceDir, batchID, fileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create workspace dir: %w", err)
	}

	dst := filepath.Join(dir, "original"+strings.ToLower(filepath.Ext(name)))
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	written, err := io.Copy(f, r)
	if err != nil {
		os.Remove(dst)
		return "", 0, fmt.Errorf("write file: %w", err)
	}
	return dst, written, nil
}

// ExtractAudio produces a mono PCM WAV track next to the original and
// mirrors it to object storage when configured. Returns the local audio path
// and the mirrored URL (empty when not mirrored).
func (ing *Ingestor) ExtractAudio(ctx context.Context, batchID, fileID, videoPath string) (string, string, error) {
	audioPath := filepath.Join(filepath.Dir(videoPath), "audio.wav")

	if err := ing.runExtract(ctx, videoPath, audioPath); err != nil {
		return "", "", err
	}

	audioURL := ""
	if ing.storage != nil {
		url, err := ing.mirrorAudio(ctx, batchID, fileID, audioPath)
		if err != nil {
			// The local track is authoritative; mirroring is best-effort.
			logger.L().Warn("audio mirror failed", "fileId", fileID, "error", err)
		} else {
			audioURL = url
		}
	}
	return audioPath, audioURL, nil
}

func (ing *Ingestor) mirrorAudio(ctx context.Context, batchID, fileID, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := fmt.Sprintf("audio/%s/%s.wav", batchID, fileID)
	return ing.storage.Upload(ctx, key, f, "audio/wav")
}

// RemoveBatchWorkspace deletes everything stored for a batch. Used by the
// retention sweep, never during processing.
func (ing *Ingestor) RemoveBatchWorkspace(batchID string) error {
	if batchID == "" {
		return fmt.Errorf("empty batch id")
	}
	return os.RemoveAll(filepath.Join(ing.cfg.WorkspaceDir, batchID))
}
