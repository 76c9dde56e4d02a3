package model

// Batch status
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusComplete   BatchStatus = "complete"
	BatchStatusPartial    BatchStatus = "partial"
	BatchStatusError      BatchStatus = "error"
	BatchStatusCanceled   BatchStatus = "canceled"
)

// IsTerminal reports whether no further automatic transition occurs.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusComplete, BatchStatusPartial, BatchStatusError, BatchStatusCanceled:
		return true
	}
	return false
}

// File status doubles as the pipeline stage the file is in.
type FileStatus string

const (
	FileStatusPending        FileStatus = "pending"
	FileStatusUploading      FileStatus = "uploading"
	FileStatusExtracting     FileStatus = "extracting-audio"
	FileStatusFingerprinting FileStatus = "fingerprinting"
	FileStatusTranscribing   FileStatus = "transcribing"
	FileStatusComplete       FileStatus = "complete"
	FileStatusError          FileStatus = "error"
)

// IsTerminal reports whether the file has finished processing.
func (s FileStatus) IsTerminal() bool {
	return s == FileStatusComplete || s == FileStatusError
}

// fileStatusOrder gives each forward stage its position in the pipeline.
var fileStatusOrder = map[FileStatus]int{
	FileStatusPending:        0,
	FileStatusUploading:      1,
	FileStatusExtracting:     2,
	FileStatusFingerprinting: 3,
	FileStatusTranscribing:   4,
	FileStatusComplete:       5,
}

// ValidFileTransition reports whether from -> to is a legal edge.
// Forward moves advance exactly one stage (transcribing may be skipped when
// transcription was not requested), any non-terminal state may move to error,
// and error may move back to the stage it failed from on explicit retry.
func ValidFileTransition(from, to FileStatus) bool {
	if from == to {
		return false
	}
	if to == FileStatusError {
		return from != FileStatusComplete && from != FileStatusError
	}
	if from == FileStatusError {
		_, ok := fileStatusOrder[to]
		return ok && to != FileStatusComplete
	}
	fromOrd, okFrom := fileStatusOrder[from]
	toOrd, okTo := fileStatusOrder[to]
	if !okFrom || !okTo {
		return false
	}
	// fingerprinting -> complete covers batches without transcription.
	if from == FileStatusFingerprinting && to == FileStatusComplete {
		return true
	}
	return toOrd == fromOrd+1
}

// QualityPreset selects the transcription model tier.
type QualityPreset string

const (
	PresetEconomy  QualityPreset = "economy"
	PresetBalanced QualityPreset = "balanced"
	PresetHigh     QualityPreset = "high"
)

var ValidPresets = []QualityPreset{PresetEconomy, PresetBalanced, PresetHigh}

// Valid reports whether the preset is a known value.
func (p QualityPreset) Valid() bool {
	for _, v := range ValidPresets {
		if p == v {
			return true
		}
	}
	return false
}

// Progress event kinds
type EventKind string

const (
	EventStatusChanged EventKind = "status-changed"
	EventProgress      EventKind = "progress"
	EventSyncComplete  EventKind = "sync-complete"
	EventError         EventKind = "error"
	EventBatchComplete EventKind = "batch-complete"
)
