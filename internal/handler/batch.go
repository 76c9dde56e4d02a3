package handler

import (
	"io"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/framesync/api/internal/model"
	"github.com/framesync/api/internal/pipeline"
	"github.com/framesync/api/internal/scheduler"
	"github.com/framesync/api/pkg/response"
)

type BatchHandler struct {
	scheduler *scheduler.Scheduler
	validator *validator.Validate
}

func NewBatchHandler(s *scheduler.Scheduler, v *validator.Validate) *BatchHandler {
	return &BatchHandler{
		scheduler: s,
		validator: v,
	}
}

// Submit handles POST /api/batches
// @Summary      Submit batch
// @Description  Submit a group of video files for synchronized processing
// @Tags         Batch
// @Accept       multipart/form-data
// @Produce      json
// @Param        caseId                 formData string true  "Case ID the batch belongs to"
// @Param        qualityPreset          formData string false "Transcription quality preset (economy, balanced, high)"
// @Param        syncRequested          formData bool   false "Resolve a shared timeline across the files"
// @Param        transcriptionRequested formData bool   false "Transcribe each file's audio"
// @Param        files                  formData file   true  "Video files"
// @Success      202 {object} model.SubmitBatchResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/batches [post]
func (h *BatchHandler) Submit(c *fiber.Ctx) error {
	req := &model.SubmitBatchRequest{
		CaseID:                 c.FormValue("caseId"),
		QualityPreset:          model.QualityPreset(c.FormValue("qualityPreset")),
		SyncRequested:          parseBool(c.FormValue("syncRequested")),
		TranscriptionRequested: parseBool(c.FormValue("transcriptionRequested")),
	}
	if err := h.validator.Struct(req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	form, err := c.MultipartForm()
	if err != nil {
		return response.ValidationError(c, "Invalid multipart form", nil)
	}
	headers := form.File["files"]
	uploads := make([]scheduler.Upload, len(headers))
	for i, fh := range headers {
		fh := fh
		uploads[i] = scheduler.Upload{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		}
	}

	result, err := h.scheduler.Submit(c.Context(), req, uploads)
	if err != nil {
		if pipeline.IsValidation(err) {
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/batches/:batchId
// @Summary      Get batch status
// @Description  Get the batch snapshot with per-file detail and progress
// @Tags         Batch
// @Produce      json
// @Param        batchId path string true "Batch ID"
// @Success      200 {object} model.BatchStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/batches/{batchId} [get]
func (h *BatchHandler) Status(c *fiber.Ctx) error {
	batchID := c.Params("batchId")
	if batchID == "" {
		return response.ValidationError(c, "Batch ID is required", nil)
	}

	result, err := h.scheduler.Status(c.Context(), batchID)
	if err != nil {
		if scheduler.IsNotFound(err) {
			return response.NotFound(c, "Batch not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// List handles GET /api/batches?caseId=
// @Summary      List batches
// @Description  List the batch history of a case, newest first
// @Tags         Batch
// @Produce      json
// @Param        caseId query string true "Case ID"
// @Success      200 {object} model.BatchListResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/batches [get]
func (h *BatchHandler) List(c *fiber.Ctx) error {
	caseID := c.Query("caseId")
	if caseID == "" {
		return response.ValidationError(c, "caseId is required", nil)
	}

	result, err := h.scheduler.ListByCase(c.Context(), caseID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/batches/:batchId/cancel
// @Summary      Cancel batch
// @Description  Request cooperative cancellation of a running batch
// @Tags         Batch
// @Produce      json
// @Param        batchId path string true "Batch ID"
// @Success      200 {object} model.CancelBatchResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/batches/{batchId}/cancel [post]
func (h *BatchHandler) Cancel(c *fiber.Ctx) error {
	batchID := c.Params("batchId")
	if batchID == "" {
		return response.ValidationError(c, "Batch ID is required", nil)
	}

	result, err := h.scheduler.Cancel(c.Context(), batchID)
	if err != nil {
		if scheduler.IsNotFound(err) {
			return response.NotFound(c, "Batch not found")
		}
		if pipeline.IsValidation(err) {
			return response.InvalidState(c, err.Error())
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// Sync handles GET /api/batches/:batchId/sync
// @Summary      Get sync result
// @Description  Get the resolved timeline of a batch
// @Tags         Batch
// @Produce      json
// @Param        batchId path string true "Batch ID"
// @Success      200 {object} model.SyncResult
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/batches/{batchId}/sync [get]
func (h *BatchHandler) Sync(c *fiber.Ctx) error {
	batchID := c.Params("batchId")
	if batchID == "" {
		return response.ValidationError(c, "Batch ID is required", nil)
	}

	result, err := h.scheduler.Sync(c.Context(), batchID)
	if err != nil {
		if scheduler.IsNotFound(err) {
			return response.NotFound(c, "Sync result not available")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
