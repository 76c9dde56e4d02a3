package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/framesync/api/internal/config"
	"github.com/framesync/api/internal/handler"
	"github.com/framesync/api/internal/ingest"
	"github.com/framesync/api/internal/middleware"
	"github.com/framesync/api/internal/model"
	"github.com/framesync/api/internal/progress"
	"github.com/framesync/api/internal/scheduler"
	"github.com/framesync/api/internal/store"
)

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	store *store.Store
}

// setupApp creates a Fiber app wired like main.go, backed by an in-process
// Redis. The asynq worker server is not started, so submitted batches stay
// queued; tests drive state through the store directly.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { asynqClient.Close() })

	validate := validator.New()

	ingestCfg := config.IngestConfig{
		WorkspaceDir:  t.TempDir(),
		MaxFileSizeMB: 10,
		MaxBatchFiles: 8,
		SampleRate:    8000,
	}
	pipelineCfg := config.PipelineConfig{Concurrency: 1, MaxRetry: 3, StageTimeoutSec: 60, EventRetention: 1}

	st := store.New(redisClient, time.Hour)
	bus := progress.NewBus(st)
	ingestor := ingest.New(ingestCfg, nil)
	enqueuer := scheduler.NewEnqueuer(asynqClient, pipelineCfg)
	sched := scheduler.New(st, ingestor, enqueuer, bus)

	batchHandler := handler.NewBatchHandler(sched, validate)
	fileHandler := handler.NewFileHandler(sched)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		BodyLimit: 100 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"stt":     false,
				"storage": false,
			},
		})
	})

	api := app.Group("/api")

	// Use very high rate limits so tests don't get blocked
	batches := api.Group("/batches")
	batches.Post("/", rateLimiter.SubmitLimit(10000), batchHandler.Submit)
	batches.Get("/", batchHandler.List)
	batches.Get("/:batchId", batchHandler.Status)
	batches.Post("/:batchId/cancel", batchHandler.Cancel)
	batches.Get("/:batchId/sync", batchHandler.Sync)

	files := api.Group("/files")
	files.Post("/:fileId/retry", rateLimiter.RetryLimit(10000), fileHandler.Retry)
	files.Get("/:fileId/transcript", fileHandler.Transcript)

	return &testApp{app: app, store: st}
}

// submitForm builds a multipart batch submission with the given fake video
// files.
func submitForm(t *testing.T, caseID string, fileNames ...string) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("caseId", caseID); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := w.WriteField("syncRequested", "true"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	for _, name := range fileNames {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("fake video payload for " + name)); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

// seedBatch plants a batch with one file in the given state directly in the
// store, bypassing the submit path.
func seedBatch(t *testing.T, st *store.Store, batchID, fileID string, status model.FileStatus) {
	t.Helper()

	now := time.Now().UTC()
	batch := &model.Batch{
		ID:        batchID,
		CaseID:    "case-seeded",
		FileIDs:   []string{fileID},
		Status:    model.BatchStatusProcessing,
		CreatedAt: now,
	}
	file := &model.File{
		ID:        fileID,
		BatchID:   batchID,
		Name:      "seeded.mp4",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status == model.FileStatusError {
		file.Error = &model.ErrorDetail{Stage: model.FileStatusExtracting, Message: "seeded failure"}
	}
	if err := st.CreateBatch(context.Background(), batch, []*model.File{file}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
