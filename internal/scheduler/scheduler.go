// Package scheduler accepts batch submissions, turns them into chained stage
// tasks, and answers status queries. It owns the batch lifecycle edges that
// are driven by users: submit, cancel, retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/framesync/api/internal/ingest"
	"github.com/framesync/api/internal/model"
	"github.com/framesync/api/internal/pipeline"
	"github.com/framesync/api/internal/progress"
	"github.com/framesync/api/internal/store"
	"github.com/framesync/api/pkg/logger"
	"github.com/framesync/api/pkg/metrics"
)

// saveConcurrency bounds parallel upload writes per submission.
const saveConcurrency = 4

// Upload is one file of a multipart submission, opened lazily so the
// scheduler controls how many are in flight at once.
type Upload struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Scheduler wires submissions into the task pipeline.
type Scheduler struct {
	store    *store.Store
	ingestor *ingest.Ingestor
	enqueuer *Enqueuer
	bus      *progress.Bus
}

// New creates a scheduler.
func New(st *store.Store, ing *ingest.Ingestor, enq *Enqueuer, bus *progress.Bus) *Scheduler {
	return &Scheduler{store: st, ingestor: ing, enqueuer: enq, bus: bus}
}

// Submit validates and stores a batch of uploads, then enqueues the first
// stage for every file. Validation failures reject the whole batch before
// anything is persisted.
func (s *Scheduler) Submit(ctx context.Context, req *model.SubmitBatchRequest, uploads []Upload) (*model.SubmitBatchResponse, error) {
	if err := s.ingestor.ValidateBatchSize(len(uploads)); err != nil {
		return nil, err
	}
	for _, u := range uploads {
		if err := s.ingestor.ValidateUpload(u.Name, u.Size); err != nil {
			return nil, err
		}
	}
	preset := req.QualityPreset
	if preset == "" {
		preset = model.PresetBalanced
	}
	if !preset.Valid() {
		return nil, pipeline.Validation(fmt.Errorf("unknown quality preset %q", preset))
	}

	batchID := uuid.New().String()
	now := time.Now().UTC()

	files := make([]*model.File, len(uploads))
	for i, u := range uploads {
		files[i] = &model.File{
			ID:        uuid.New().String(),
			BatchID:   batchID,
			Name:      u.Name,
			Status:    model.FileStatusUploading,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(saveConcurrency)
	for i := range uploads {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := uploads[i].Open()
			if err != nil {
				return fmt.Errorf("open upload %s: %w", uploads[i].Name, err)
			}
			defer r.Close()
			path, size, err := s.ingestor.SaveUpload(batchID, files[i].ID, uploads[i].Name, r)
			if err != nil {
				return err
			}
			files[i].StoragePath = path
			files[i].Size = size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if rmErr := s.ingestor.RemoveBatchWorkspace(batchID); rmErr != nil {
			logger.L().Warn("failed to clean rejected batch workspace", "batchId", batchID, "error", rmErr)
		}
		return nil, err
	}

	fileIDs := make([]string, len(files))
	for i, f := range files {
		fileIDs[i] = f.ID
	}
	batch := &model.Batch{
		ID:                     batchID,
		CaseID:                 req.CaseID,
		QualityPreset:          preset,
		SyncRequested:          req.SyncRequested,
		TranscriptionRequested: req.TranscriptionRequested,
		FileIDs:                fileIDs,
		Status:                 model.BatchStatusPending,
		CreatedAt:              now,
	}
	if err := s.store.CreateBatch(ctx, batch, files); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}

	metrics.RecordBatchSubmitted()
	logger.L().Info("batch submitted",
		"batchId", batchID, "caseId", req.CaseID, "files", len(files), "preset", preset)

	s.bus.StatusChanged(ctx, batchID, "", "", string(model.BatchStatusPending))
	for _, f := range files {
		if err := s.enqueuer.EnqueueExtract(batchID, f.ID); err != nil {
			// The record exists; a failed enqueue surfaces as a stuck file
			// rather than a lost batch.
			logger.L().Error("failed to enqueue extract", "fileId", f.ID, "error", err)
		}
	}

	return &model.SubmitBatchResponse{
		BatchID:   batchID,
		Status:    batch.Status,
		FileIDs:   fileIDs,
		CreatedAt: now,
	}, nil
}

// Status returns the batch snapshot with per-file detail and a freshly
// computed progress fraction.
func (s *Scheduler) Status(ctx context.Context, batchID string) (*model.BatchStatusResponse, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, batch)
	if err != nil {
		return nil, err
	}
	batch.Progress = model.BatchProgress(files, batch.TranscriptionRequested)
	return &model.BatchStatusResponse{Batch: batch, Files: files}, nil
}

// ListByCase returns the batch history of a case, newest first.
func (s *Scheduler) ListByCase(ctx context.Context, caseID string) (*model.BatchListResponse, error) {
	batches, err := s.store.ListBatchesByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(batches); i++ {
		for j := i; j > 0 && batches[j].CreatedAt.After(batches[j-1].CreatedAt); j-- {
			batches[j], batches[j-1] = batches[j-1], batches[j]
		}
	}
	return &model.BatchListResponse{Batches: batches}, nil
}

// Cancel requests cooperative cancellation of a running batch. Files already
// in a terminal state keep their results; in-flight and pending work stops at
// the next checkpoint.
func (s *Scheduler) Cancel(ctx context.Context, batchID string) (*model.CancelBatchResponse, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() {
		return nil, pipeline.Validation(fmt.Errorf("batch %s already finished with status %s", batchID, batch.Status))
	}

	if err := s.store.SetCanceled(ctx, batchID); err != nil {
		return nil, err
	}
	prev := batch.Status
	batch.Status = model.BatchStatusCanceled
	now := time.Now().UTC()
	batch.CompletedAt = &now
	if err := s.store.SaveBatch(ctx, batch); err != nil {
		return nil, err
	}

	logger.L().Info("batch canceled", "batchId", batchID)
	s.bus.StatusChanged(ctx, batchID, "", string(prev), string(model.BatchStatusCanceled))
	s.bus.BatchComplete(ctx, batchID, model.BatchStatusCanceled)
	metrics.RecordBatchFinished(string(model.BatchStatusCanceled))

	return &model.CancelBatchResponse{BatchID: batchID, Status: model.BatchStatusCanceled}, nil
}

// Retry re-runs a failed file from the stage it failed in. Only files in the
// error state can be retried; the batch's sync result is marked stale because
// a retried file can change the resolved timeline.
func (s *Scheduler) Retry(ctx context.Context, fileID string) (*model.RetryFileResponse, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.Status != model.FileStatusError {
		return nil, pipeline.Validation(fmt.Errorf("file %s is %s, only failed files can be retried", fileID, file.Status))
	}

	failedStage := model.FileStatusExtracting
	if file.Error != nil && file.Error.Stage != "" {
		failedStage = file.Error.Stage
	}
	resetTo, enqueue := s.retryPlan(failedStage)

	updated, err := s.store.UpdateFile(ctx, fileID, func(f *model.File) error {
		if f.Status != model.FileStatusError {
			return pipeline.Validation(fmt.Errorf("file %s is no longer in error", fileID))
		}
		f.Status = resetTo
		f.Error = nil
		f.DoneAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A canceled batch a user retries into is live again.
	if err := s.store.ClearCanceled(ctx, file.BatchID); err != nil {
		return nil, err
	}
	if err := s.store.MarkSyncStale(ctx, file.BatchID); err != nil {
		logger.L().Warn("failed to mark sync result stale", "batchId", file.BatchID, "error", err)
	}
	if batch, err := s.store.GetBatch(ctx, file.BatchID); err == nil && batch.Status.IsTerminal() {
		batch.Status = model.BatchStatusProcessing
		batch.CompletedAt = nil
		if err := s.store.SaveBatch(ctx, batch); err != nil {
			return nil, err
		}
	}

	if err := enqueue(file.BatchID, fileID); err != nil {
		return nil, err
	}

	logger.L().Info("file retry accepted", "fileId", fileID, "stage", failedStage)
	s.bus.StatusChanged(ctx, file.BatchID, fileID, string(model.FileStatusError), string(updated.Status))

	return &model.RetryFileResponse{FileID: fileID, Status: updated.Status}, nil
}

// retryPlan maps the failed stage to the state the file resumes in and the
// task that re-runs it. The file goes back to the stage it failed from, so
// status snapshots show the work actually being redone.
func (s *Scheduler) retryPlan(failed model.FileStatus) (model.FileStatus, func(batchID, fileID string) error) {
	switch failed {
	case model.FileStatusFingerprinting:
		return model.FileStatusFingerprinting, s.enqueuer.EnqueueFingerprint
	case model.FileStatusTranscribing:
		return model.FileStatusTranscribing, s.enqueuer.EnqueueTranscribe
	default:
		return model.FileStatusExtracting, s.enqueuer.EnqueueExtract
	}
}

// Sync returns the resolved timeline of a batch.
func (s *Scheduler) Sync(ctx context.Context, batchID string) (*model.SyncResult, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.store.GetSyncResult(ctx, batchID)
}

// Transcript returns the transcript of a file.
func (s *Scheduler) Transcript(ctx context.Context, fileID string) (*model.TranscriptResponse, error) {
	t, err := s.store.GetTranscript(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &model.TranscriptResponse{
		FileID:         t.FileID,
		Segments:       t.Segments,
		ModelTier:      t.ModelTier,
		MeanConfidence: t.MeanConfidence,
	}, nil
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
