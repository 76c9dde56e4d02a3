package model

import "time"

// TranscriptionSegment is one time-aligned span of recognized speech.
// Times are seconds on the file's own timeline; convert to the batch
// timeline by adding the file's SyncResult offset.
type TranscriptionSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcript is the ordered, non-overlapping segment list for one file.
// Ordering is enforced at write time.
type Transcript struct {
	FileID         string                 `json:"fileId"`
	Segments       []TranscriptionSegment `json:"segments"`
	ModelTier      string                 `json:"modelTier"`
	MeanConfidence float64                `json:"meanConfidence"`
	CreatedAt      time.Time              `json:"createdAt"`
}
