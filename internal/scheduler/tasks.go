package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/framesync/api/internal/config"
)

// Task types, one per pipeline stage. Per-file ordering comes from chaining:
// a stage enqueues the next one only when it finished, so one file never has
// two stages in flight.
const (
	TaskTypeExtract     = "file:extract"
	TaskTypeFingerprint = "file:fingerprint"
	TaskTypeTranscribe  = "file:transcribe"
	TaskTypeResolve     = "batch:resolve"
	TaskTypeFinalize    = "batch:finalize"

	QueuePipeline = "pipeline"
)

// FileTaskPayload addresses a per-file stage task.
type FileTaskPayload struct {
	BatchID string `json:"batchId"`
	FileID  string `json:"fileId"`
}

// BatchTaskPayload addresses a batch-level task.
type BatchTaskPayload struct {
	BatchID string `json:"batchId"`
}

// Enqueuer builds and submits stage tasks with the configured retry and
// timeout policy. Shared by the scheduler and the workers that chain stages.
type Enqueuer struct {
	client *asynq.Client
	cfg    config.PipelineConfig
}

// NewEnqueuer wraps an asynq client.
func NewEnqueuer(client *asynq.Client, cfg config.PipelineConfig) *Enqueuer {
	return &Enqueuer{client: client, cfg: cfg}
}

func (e *Enqueuer) enqueue(taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	base := []asynq.Option{
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(e.cfg.MaxRetry),
		asynq.Timeout(time.Duration(e.cfg.StageTimeoutSec) * time.Second),
		asynq.Retention(time.Duration(e.cfg.EventRetention) * time.Hour),
	}
	_, err = e.client.Enqueue(asynq.NewTask(taskType, data), append(base, opts...)...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// EnqueueExtract starts the pipeline for one file.
func (e *Enqueuer) EnqueueExtract(batchID, fileID string) error {
	return e.enqueue(TaskTypeExtract, FileTaskPayload{BatchID: batchID, FileID: fileID})
}

// EnqueueFingerprint chains the fingerprint stage after extraction.
func (e *Enqueuer) EnqueueFingerprint(batchID, fileID string) error {
	return e.enqueue(TaskTypeFingerprint, FileTaskPayload{BatchID: batchID, FileID: fileID})
}

// EnqueueTranscribe chains the transcription stage.
func (e *Enqueuer) EnqueueTranscribe(batchID, fileID string) error {
	return e.enqueue(TaskTypeTranscribe, FileTaskPayload{BatchID: batchID, FileID: fileID})
}

// EnqueueResolve requests offset resolution for a batch. Resolution is
// idempotent, so enqueueing it more than once is harmless.
func (e *Enqueuer) EnqueueResolve(batchID string) error {
	return e.enqueue(TaskTypeResolve, BatchTaskPayload{BatchID: batchID})
}

// EnqueueFinalize requests the terminal-status check for a batch.
func (e *Enqueuer) EnqueueFinalize(batchID string) error {
	return e.enqueue(TaskTypeFinalize, BatchTaskPayload{BatchID: batchID})
}
