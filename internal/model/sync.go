package model

import "time"

// Fingerprint is a compact, time-indexed feature sequence for one audio
// track, used for alignment rather than identification.
type Fingerprint struct {
	FileID     string      `json:"fileId"`
	FrameRate  float64     `json:"frameRate"` // feature frames per second
	NumBands   int         `json:"numBands"`
	Energies   [][]float64 `json:"energies"` // per frame, per band
	RMS        []float64   `json:"rms"`      // per frame
	Duration   float64     `json:"duration"` // seconds
	SampleRate int         `json:"sampleRate"`
}

// Frames returns the number of feature frames.
func (fp *Fingerprint) Frames() int { return len(fp.RMS) }

// PairOffset is the measured time shift between two files' audio tracks.
type PairOffset struct {
	FileA         string  `json:"fileA"`
	FileB         string  `json:"fileB"`
	OffsetSeconds float64 `json:"offsetSeconds"` // add to B's clock to align with A
	Confidence    float64 `json:"confidence"`
}

// TimelineEntry places one file on the batch timeline relative to the anchor.
type TimelineEntry struct {
	OffsetSeconds float64 `json:"offsetSeconds"`
	Confidence    float64 `json:"confidence"`
	Synchronized  bool    `json:"synchronized"`
}

// SyncResult is the resolved global timeline for a batch. It is created only
// after every file has a fingerprint and is marked stale, not deleted, when
// any contributing file is retried afterwards.
type SyncResult struct {
	BatchID      string                   `json:"batchId"`
	AnchorFileID string                   `json:"anchorFileId"`
	Timeline     map[string]TimelineEntry `json:"timeline"`
	PairOffsets  []PairOffset             `json:"pairOffsets"`
	Confidence   float64                  `json:"confidence"`
	Stale        bool                     `json:"stale"`
	CreatedAt    time.Time                `json:"createdAt"`
}
