package model

import "time"

// Batch is a user-submitted group of video files processed together.
type Batch struct {
	ID                     string        `json:"id"`
	CaseID                 string        `json:"caseId"`
	QualityPreset          QualityPreset `json:"qualityPreset"`
	SyncRequested          bool          `json:"syncRequested"`
	TranscriptionRequested bool          `json:"transcriptionRequested"`
	FileIDs                []string      `json:"fileIds"`
	Status                 BatchStatus   `json:"status"`
	Progress               float64       `json:"progress"`
	CreatedAt              time.Time     `json:"createdAt"`
	CompletedAt            *time.Time    `json:"completedAt,omitempty"`
}

// File is one video file owned by exactly one batch.
type File struct {
	ID                string       `json:"id"`
	BatchID           string       `json:"batchId"`
	Name              string       `json:"name"`
	Size              int64        `json:"size"`
	StoragePath       string       `json:"storagePath"`
	Status            FileStatus   `json:"status"`
	AudioPath         string       `json:"audioPath,omitempty"`
	AudioURL          string       `json:"audioUrl,omitempty"`
	HasFingerprint    bool         `json:"hasFingerprint"`
	HasTranscript     bool         `json:"hasTranscript"`
	Error             *ErrorDetail `json:"error,omitempty"`
	TransientFailures []string     `json:"transientFailures,omitempty"`
	// Version is bumped on every store write; stale writers are rejected.
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DoneAt    *time.Time `json:"doneAt,omitempty"`
}

// ErrorDetail carries the stage a failure occurred in and a human-readable
// reason. It is persisted with the file so it survives reconnects and
// process restarts.
type ErrorDetail struct {
	Stage   FileStatus `json:"stage"`
	Message string     `json:"message"`
}

// DeriveBatchStatus computes a batch status from its files' statuses.
// Complete only if every file completed; error only if every file errored;
// partial when terminal with a mix; processing otherwise.
func DeriveBatchStatus(files []*File) BatchStatus {
	if len(files) == 0 {
		return BatchStatusPending
	}
	complete, errored := 0, 0
	for _, f := range files {
		switch f.Status {
		case FileStatusComplete:
			complete++
		case FileStatusError:
			errored++
		}
	}
	switch {
	case complete == len(files):
		return BatchStatusComplete
	case errored == len(files):
		return BatchStatusError
	case complete+errored == len(files):
		return BatchStatusPartial
	default:
		return BatchStatusProcessing
	}
}

// BatchProgress is the fraction of per-file stage work finished, in [0,1].
// A file in error counts as finished so a partial batch still converges.
func BatchProgress(files []*File, transcription bool) float64 {
	if len(files) == 0 {
		return 0
	}
	lastStage := float64(fileStatusOrder[FileStatusComplete])
	if !transcription {
		lastStage = float64(fileStatusOrder[FileStatusTranscribing])
	}
	var total float64
	for _, f := range files {
		switch f.Status {
		case FileStatusComplete, FileStatusError:
			total += 1
		default:
			total += float64(fileStatusOrder[f.Status]) / lastStage
		}
	}
	return total / float64(len(files))
}
