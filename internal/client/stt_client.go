package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/framesync/api/internal/config"
)

// Transcriber defines the interface for speech-to-text operations.
type Transcriber interface {
	Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error)
	HealthCheck(ctx context.Context) error
	IsConfigured() bool
}

// STTClient implements Transcriber for the external speech-to-text service.
type STTClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// TranscribeRequest asks the engine to transcribe one audio track.
type TranscribeRequest struct {
	AudioURL  string `json:"audio_url,omitempty"`
	AudioPath string `json:"audio_path,omitempty"`
	ModelTier string `json:"model_tier"`
	Language  string `json:"language,omitempty"`
}

// SegmentResult is one recognized span as returned by the engine. The engine
// gives no ordering or overlap guarantees; normalization happens on our side.
type SegmentResult struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TranscribeResponse is the engine's result for one track.
type TranscribeResponse struct {
	Segments  []SegmentResult `json:"segments"`
	ModelTier string          `json:"model_tier"`
	Language  string          `json:"language,omitempty"`
}

// NewSTTClient creates a new speech-to-text client.
func NewSTTClient(cfg *config.TranscribeConfig) *STTClient {
	return &STTClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
		apiKey:  cfg.APIKey,
	}
}

// Transcribe sends one track to the transcription endpoint.
func (c *STTClient) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	var result TranscribeResponse
	if err := c.post(ctx, "/transcribe", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck checks if the transcription service is available.
func (c *STTClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transcription service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// post sends a POST request with JSON body and parses the response
func (c *STTClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transcription service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *STTClient) IsConfigured() bool {
	return c.baseURL != ""
}
