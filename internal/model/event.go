package model

import (
	"encoding/json"
	"time"
)

// ProgressEvent is one ordered, replayable unit of state-change notification
// scoped to a batch. Seq starts at 1 and increases without gaps, giving
// subscribers a total order and letting a reconnecting client detect what
// it missed.
type ProgressEvent struct {
	Seq       int64           `json:"seq"`
	BatchID   string          `json:"batchId"`
	FileID    string          `json:"fileId,omitempty"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusChangedPayload accompanies status-changed events.
type StatusChangedPayload struct {
	Status string `json:"status"`
	Prev   string `json:"prev,omitempty"`
}

// ProgressPayload accompanies progress events.
type ProgressPayload struct {
	Fraction float64 `json:"fraction"`
	Step     string  `json:"step,omitempty"`
}

// ErrorPayload accompanies error events.
type ErrorPayload struct {
	Stage     string `json:"stage"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

// SyncCompletePayload accompanies sync-complete events.
type SyncCompletePayload struct {
	AnchorFileID   string  `json:"anchorFileId"`
	Confidence     float64 `json:"confidence"`
	Unsynchronized int     `json:"unsynchronized"`
}

// BatchCompletePayload accompanies batch-complete events.
type BatchCompletePayload struct {
	Status BatchStatus `json:"status"`
}

// MustPayload marshals a payload struct, panicking only on unmarshalable
// input, which would be a programming error.
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
