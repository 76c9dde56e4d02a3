package model

import "time"

// SubmitBatchRequest carries the metadata fields of a multipart submission.
// Files arrive as multipart parts alongside these fields.
type SubmitBatchRequest struct {
	CaseID                 string        `json:"caseId" validate:"required,min=1,max=128"`
	QualityPreset          QualityPreset `json:"qualityPreset" validate:"omitempty,oneof=economy balanced high"`
	SyncRequested          bool          `json:"syncRequested"`
	TranscriptionRequested bool          `json:"transcriptionRequested"`
}

// SubmitBatchResponse acknowledges an accepted batch.
type SubmitBatchResponse struct {
	BatchID   string      `json:"batchId"`
	Status    BatchStatus `json:"status"`
	FileIDs   []string    `json:"fileIds"`
	CreatedAt time.Time   `json:"createdAt"`
}

// BatchStatusResponse is the snapshot returned by the status query.
type BatchStatusResponse struct {
	Batch *Batch  `json:"batch"`
	Files []*File `json:"files"`
}

// BatchListResponse is the history listing for a case.
type BatchListResponse struct {
	Batches []*Batch `json:"batches"`
}

// CancelBatchResponse acknowledges a cancellation.
type CancelBatchResponse struct {
	BatchID string      `json:"batchId"`
	Status  BatchStatus `json:"status"`
}

// RetryFileResponse acknowledges an accepted file retry.
type RetryFileResponse struct {
	FileID string     `json:"fileId"`
	Status FileStatus `json:"status"`
}

// TranscriptResponse returns the ordered segments for one file.
type TranscriptResponse struct {
	FileID         string                 `json:"fileId"`
	Segments       []TranscriptionSegment `json:"segments"`
	ModelTier      string                 `json:"modelTier"`
	MeanConfidence float64                `json:"meanConfidence"`
}
