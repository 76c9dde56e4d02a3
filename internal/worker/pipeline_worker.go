// Package worker holds the asynq task handlers that run the pipeline stages.
// Each per-file stage enqueues the next one on success, so a file moves
// through the pipeline strictly in order while different files run in
// parallel across the worker pool.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/framesync/api/internal/fingerprint"
	"github.com/framesync/api/internal/ingest"
	"github.com/framesync/api/internal/model"
	"github.com/framesync/api/internal/pipeline"
	"github.com/framesync/api/internal/progress"
	"github.com/framesync/api/internal/scheduler"
	"github.com/framesync/api/internal/store"
	"github.com/framesync/api/internal/transcribe"
	"github.com/framesync/api/pkg/logger"
	"github.com/framesync/api/pkg/metrics"
)

// errStageOutdated means the file is not in the state this task expects,
// usually a duplicate delivery after the stage already ran. The task is
// acked without doing anything.
var errStageOutdated = errors.New("stage task outdated for file state")

// PipelineWorker processes the per-file stages.
type PipelineWorker struct {
	store       *store.Store
	ingestor    *ingest.Ingestor
	engine      *fingerprint.Engine
	transcriber *transcribe.Service
	enqueuer    *scheduler.Enqueuer
	bus         *progress.Bus
}

// NewPipelineWorker creates the per-file stage worker.
func NewPipelineWorker(
	st *store.Store,
	ing *ingest.Ingestor,
	engine *fingerprint.Engine,
	transcriber *transcribe.Service,
	enq *scheduler.Enqueuer,
	bus *progress.Bus,
) *PipelineWorker {
	return &PipelineWorker{
		store:       st,
		ingestor:    ing,
		engine:      engine,
		transcriber: transcriber,
		enqueuer:    enq,
		bus:         bus,
	}
}

// HandleExtract runs the audio extraction stage.
func (w *PipelineWorker) HandleExtract(ctx context.Context, t *asynq.Task) error {
	var p scheduler.FileTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal extract payload: %w: %w", err, asynq.SkipRetry)
	}
	if w.skipCanceled(ctx, p.BatchID, p.FileID) {
		return nil
	}

	file, err := w.advance(ctx, p, model.FileStatusExtracting)
	if err != nil {
		if errors.Is(err, errStageOutdated) {
			return nil
		}
		return err
	}

	start := time.Now()
	audioPath, audioURL, err := w.ingestor.ExtractAudio(ctx, p.BatchID, p.FileID, file.StoragePath)
	if err != nil {
		return w.stageError(ctx, p, model.FileStatusExtracting, "extract", err)
	}
	metrics.RecordStageTask("extract", "ok", time.Since(start))

	if _, err := w.store.UpdateFile(ctx, p.FileID, func(f *model.File) error {
		f.AudioPath = audioPath
		f.AudioURL = audioURL
		return nil
	}); err != nil {
		return err
	}

	w.stepProgress(ctx, p.BatchID, "audio extracted")
	return w.enqueuer.EnqueueFingerprint(p.BatchID, p.FileID)
}

// HandleFingerprint runs the fingerprint stage and, once every eligible file
// of the batch carries a fingerprint, requests offset resolution.
func (w *PipelineWorker) HandleFingerprint(ctx context.Context, t *asynq.Task) error {
	var p scheduler.FileTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal fingerprint payload: %w: %w", err, asynq.SkipRetry)
	}
	if w.skipCanceled(ctx, p.BatchID, p.FileID) {
		return nil
	}

	file, err := w.advance(ctx, p, model.FileStatusFingerprinting)
	if err != nil {
		if errors.Is(err, errStageOutdated) {
			return nil
		}
		return err
	}

	start := time.Now()
	samples, rate, err := ingest.ReadWAV(file.AudioPath)
	if err != nil {
		return w.stageError(ctx, p, model.FileStatusFingerprinting, "fingerprint", err)
	}
	fp, err := w.engine.Compute(p.FileID, samples, rate)
	if err != nil {
		if errors.Is(err, fingerprint.ErrTrackTooShort) {
			err = pipeline.Unrecoverable(err)
		}
		return w.stageError(ctx, p, model.FileStatusFingerprinting, "fingerprint", err)
	}
	if err := w.store.SaveFingerprint(ctx, fp); err != nil {
		return err
	}
	metrics.RecordStageTask("fingerprint", "ok", time.Since(start))

	if _, err := w.store.UpdateFile(ctx, p.FileID, func(f *model.File) error {
		f.HasFingerprint = true
		return nil
	}); err != nil {
		return err
	}
	w.stepProgress(ctx, p.BatchID, "fingerprint computed")

	batch, err := w.store.GetBatch(ctx, p.BatchID)
	if err != nil {
		return err
	}
	if batch.SyncRequested {
		if err := w.enqueuer.EnqueueResolve(p.BatchID); err != nil {
			return err
		}
	}
	if batch.TranscriptionRequested {
		return w.enqueuer.EnqueueTranscribe(p.BatchID, p.FileID)
	}
	return w.completeFile(ctx, p)
}

// HandleTranscribe runs the transcription stage and completes the file.
func (w *PipelineWorker) HandleTranscribe(ctx context.Context, t *asynq.Task) error {
	var p scheduler.FileTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal transcribe payload: %w: %w", err, asynq.SkipRetry)
	}
	if w.skipCanceled(ctx, p.BatchID, p.FileID) {
		return nil
	}

	file, err := w.advance(ctx, p, model.FileStatusTranscribing)
	if err != nil {
		if errors.Is(err, errStageOutdated) {
			return nil
		}
		return err
	}
	batch, err := w.store.GetBatch(ctx, p.BatchID)
	if err != nil {
		return err
	}

	duration := 0.0
	if fp, err := w.store.GetFingerprint(ctx, p.FileID); err == nil {
		duration = fp.Duration
	}

	start := time.Now()
	transcript, err := w.transcriber.Transcribe(ctx, p.FileID, file.AudioPath, file.AudioURL, duration, batch.QualityPreset)
	if err != nil {
		return w.stageError(ctx, p, model.FileStatusTranscribing, "transcribe", err)
	}
	if err := w.store.SaveTranscript(ctx, transcript); err != nil {
		return err
	}
	metrics.RecordStageTask("transcribe", "ok", time.Since(start))

	if _, err := w.store.UpdateFile(ctx, p.FileID, func(f *model.File) error {
		f.HasTranscript = true
		return nil
	}); err != nil {
		return err
	}
	w.stepProgress(ctx, p.BatchID, "transcript ready")

	return w.completeFile(ctx, p)
}

// advance moves the file into the stage this task runs. A file already in
// the stage (redelivery after a crash) passes through; any other mismatch
// means the task is outdated.
func (w *PipelineWorker) advance(ctx context.Context, p scheduler.FileTaskPayload, to model.FileStatus) (*model.File, error) {
	var prev model.FileStatus
	file, err := w.store.UpdateFile(ctx, p.FileID, func(f *model.File) error {
		prev = f.Status
		if f.Status == to {
			return nil
		}
		if !model.ValidFileTransition(f.Status, to) {
			return errStageOutdated
		}
		f.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	if prev != to {
		w.bus.StatusChanged(ctx, p.BatchID, p.FileID, string(prev), string(to))
	}
	return file, nil
}

// completeFile marks a file done and triggers the batch finalize check.
// The completion event is only published when this call actually moved the
// file: a file that failed or was canceled in the meantime must not look
// complete to subscribers.
func (w *PipelineWorker) completeFile(ctx context.Context, p scheduler.FileTaskPayload) error {
	now := time.Now().UTC()
	var prev model.FileStatus
	applied := false
	_, err := w.store.UpdateFile(ctx, p.FileID, func(f *model.File) error {
		prev = f.Status
		applied = false
		if f.Status == model.FileStatusComplete {
			return nil
		}
		if !model.ValidFileTransition(f.Status, model.FileStatusComplete) {
			return errStageOutdated
		}
		f.Status = model.FileStatusComplete
		f.DoneAt = &now
		applied = true
		return nil
	})
	if err != nil && !errors.Is(err, errStageOutdated) {
		return err
	}
	if applied {
		w.bus.StatusChanged(ctx, p.BatchID, p.FileID, string(prev), string(model.FileStatusComplete))
	}
	return w.enqueuer.EnqueueFinalize(p.BatchID)
}

// stageError classifies a stage failure. Unrecoverable errors fail the file
// immediately; transient ones are recorded and handed back to asynq for a
// retry until the budget runs out, then the file fails.
func (w *PipelineWorker) stageError(ctx context.Context, p scheduler.FileTaskPayload, stage model.FileStatus, stageName string, err error) error {
	if pipeline.IsUnrecoverable(err) {
		metrics.RecordStageTask(stageName, "unrecoverable", 0)
		w.failFile(ctx, p, stage, err.Error(), false)
		return fmt.Errorf("%s: %w: %w", stageName, err, asynq.SkipRetry)
	}

	metrics.RecordStageTask(stageName, "transient", 0)
	if _, uerr := w.store.UpdateFile(ctx, p.FileID, func(f *model.File) error {
		f.TransientFailures = append(f.TransientFailures, fmt.Sprintf("%s: %s", stageName, err.Error()))
		return nil
	}); uerr != nil {
		logger.L().Error("failed to record transient failure", "fileId", p.FileID, "error", uerr)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	lastAttempt := retried >= maxRetry
	w.bus.Error(ctx, p.BatchID, p.FileID, stageName, err.Error(), !lastAttempt)

	if lastAttempt {
		w.failFile(ctx, p, stage, err.Error(), true)
	} else {
		logger.L().Warn("stage failed, will retry",
			"fileId", p.FileID, "stage", stageName, "attempt", retried+1, "error", err)
	}
	return fmt.Errorf("%s: %w", stageName, err)
}

// failFile moves a file to the error state, keeping the stage it died in so
// a retry can resume there.
func (w *PipelineWorker) failFile(ctx context.Context, p scheduler.FileTaskPayload, stage model.FileStatus, msg string, transient bool) {
	now := time.Now().UTC()
	_, err := w.store.UpdateFile(ctx, p.FileID, func(f *model.File) error {
		if f.Status == model.FileStatusError {
			return nil
		}
		f.Status = model.FileStatusError
		f.Error = &model.ErrorDetail{Stage: stage, Message: msg}
		f.DoneAt = &now
		return nil
	})
	if err != nil {
		logger.L().Error("failed to mark file as failed", "fileId", p.FileID, "error", err)
		return
	}
	logger.L().Error("file failed", "fileId", p.FileID, "stage", stage, "transient", transient, "error", msg)
	if !transient {
		w.bus.Error(ctx, p.BatchID, p.FileID, string(stage), msg, false)
	}
	w.bus.StatusChanged(ctx, p.BatchID, p.FileID, string(stage), string(model.FileStatusError))
	if err := w.enqueuer.EnqueueFinalize(p.BatchID); err != nil {
		logger.L().Error("failed to enqueue finalize", "batchId", p.BatchID, "error", err)
	}
}

// skipCanceled acks the task without work when the batch was canceled. The
// file keeps whatever state it reached; an explicit retry revives it.
func (w *PipelineWorker) skipCanceled(ctx context.Context, batchID, fileID string) bool {
	canceled, err := w.store.IsCanceled(ctx, batchID)
	if err != nil {
		logger.L().Warn("cancellation check failed", "batchId", batchID, "error", err)
		return false
	}
	if canceled {
		logger.L().Info("skipping stage of canceled batch", "batchId", batchID, "fileId", fileID)
	}
	return canceled
}

// stepProgress recomputes and publishes the batch progress fraction.
func (w *PipelineWorker) stepProgress(ctx context.Context, batchID, step string) {
	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return
	}
	files, err := w.store.ListFiles(ctx, batch)
	if err != nil {
		return
	}
	w.bus.Progress(ctx, batchID, model.BatchProgress(files, batch.TranscriptionRequested), step)
}
