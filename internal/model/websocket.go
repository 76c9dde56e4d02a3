package model

// WebSocket message types
const (
	WSMessageTypeEvent = "event"
	WSMessageTypePing  = "ping"
	WSMessageTypePong  = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSEventMessage wraps a ProgressEvent for the wire.
type WSEventMessage struct {
	Type  string         `json:"type"`
	Event *ProgressEvent `json:"event"`
}
