package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/framesync/api/internal/model"
	"github.com/framesync/api/internal/progress"
	"github.com/framesync/api/internal/scheduler"
	"github.com/framesync/api/internal/store"
	"github.com/framesync/api/internal/syncer"
	"github.com/framesync/api/pkg/logger"
	"github.com/framesync/api/pkg/metrics"
)

// BatchWorker processes the batch-level tasks: offset resolution and the
// terminal-status check.
type BatchWorker struct {
	store       *store.Store
	coordinator *syncer.Coordinator
	bus         *progress.Bus
}

// NewBatchWorker creates the batch-level worker.
func NewBatchWorker(st *store.Store, coord *syncer.Coordinator, bus *progress.Bus) *BatchWorker {
	return &BatchWorker{store: st, coordinator: coord, bus: bus}
}

// HandleResolve resolves the batch timeline once every file that can still
// contribute a fingerprint has one. Tasks arriving before that point are
// acked; the fingerprint stage enqueues resolution again after each file, so
// the last one triggers the real run. Resolution is deterministic, making
// duplicate runs harmless.
func (w *BatchWorker) HandleResolve(ctx context.Context, t *asynq.Task) error {
	var p scheduler.BatchTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal resolve payload: %w: %w", err, asynq.SkipRetry)
	}

	batch, err := w.store.GetBatch(ctx, p.BatchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !batch.SyncRequested || batch.Status == model.BatchStatusCanceled {
		return nil
	}

	files, err := w.store.ListFiles(ctx, batch)
	if err != nil {
		return err
	}
	fps := make([]*model.Fingerprint, 0, len(files))
	for _, f := range files {
		if f.Status == model.FileStatusError {
			continue
		}
		if !f.HasFingerprint {
			return nil // not ready yet
		}
		fp, err := w.store.GetFingerprint(ctx, f.ID)
		if err != nil {
			return err
		}
		fps = append(fps, fp)
	}
	if len(fps) == 0 {
		return nil
	}

	// A fresh result for the same fingerprint set would be identical.
	if existing, err := w.store.GetSyncResult(ctx, p.BatchID); err == nil && !existing.Stale {
		return nil
	}

	start := time.Now()
	result, err := w.coordinator.Resolve(p.BatchID, fps)
	if err != nil {
		if errors.Is(err, syncer.ErrNoFingerprints) {
			return nil
		}
		return err
	}
	if err := w.store.SaveSyncResult(ctx, result); err != nil {
		return err
	}
	metrics.RecordStageTask("resolve", "ok", time.Since(start))
	metrics.RecordSyncConfidence(result.Confidence)

	unsynced := syncer.Unsynchronized(result)
	logger.L().Info("batch timeline resolved",
		"batchId", p.BatchID, "anchor", result.AnchorFileID,
		"confidence", result.Confidence, "unsynchronized", unsynced)
	w.bus.SyncComplete(ctx, p.BatchID, result, unsynced)
	return nil
}

// HandleFinalize derives the batch's terminal status once every file has
// finished, stamps it, and starts the retention clock.
func (w *BatchWorker) HandleFinalize(ctx context.Context, t *asynq.Task) error {
	var p scheduler.BatchTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal finalize payload: %w: %w", err, asynq.SkipRetry)
	}

	batch, err := w.store.GetBatch(ctx, p.BatchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if batch.Status == model.BatchStatusCanceled {
		return nil
	}

	files, err := w.store.ListFiles(ctx, batch)
	if err != nil {
		return err
	}
	status := model.DeriveBatchStatus(files)
	if !status.IsTerminal() {
		return nil // some files still running
	}
	if batch.Status == status && batch.CompletedAt != nil {
		return nil
	}

	prev := batch.Status
	batch.Status = status
	batch.Progress = 1
	now := time.Now().UTC()
	batch.CompletedAt = &now
	if err := w.store.SaveBatch(ctx, batch); err != nil {
		return err
	}

	logger.L().Info("batch finished", "batchId", p.BatchID, "status", status, "files", len(files))
	w.bus.StatusChanged(ctx, p.BatchID, "", string(prev), string(status))
	w.bus.BatchComplete(ctx, p.BatchID, status)
	metrics.RecordBatchFinished(string(status))

	if err := w.store.ExpireBatch(ctx, batch); err != nil {
		logger.L().Warn("failed to set retention on batch", "batchId", p.BatchID, "error", err)
	}
	return nil
}
