package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/framesync/api/internal/pipeline"
	"github.com/framesync/api/internal/scheduler"
	"github.com/framesync/api/pkg/response"
)

type FileHandler struct {
	scheduler *scheduler.Scheduler
}

func NewFileHandler(s *scheduler.Scheduler) *FileHandler {
	return &FileHandler{scheduler: s}
}

// Retry handles POST /api/files/:fileId/retry
// @Summary      Retry file
// @Description  Re-run a failed file from the stage it failed in
// @Tags         File
// @Produce      json
// @Param        fileId path string true "File ID"
// @Success      202 {object} model.RetryFileResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/files/{fileId}/retry [post]
func (h *FileHandler) Retry(c *fiber.Ctx) error {
	fileID := c.Params("fileId")
	if fileID == "" {
		return response.ValidationError(c, "File ID is required", nil)
	}

	result, err := h.scheduler.Retry(c.Context(), fileID)
	if err != nil {
		if scheduler.IsNotFound(err) {
			return response.NotFound(c, "File not found")
		}
		if pipeline.IsValidation(err) {
			return response.InvalidState(c, err.Error())
		}
		return response.ServiceError(c, err.Error())
	}
	return response.Accepted(c, result)
}

// Transcript handles GET /api/files/:fileId/transcript
// @Summary      Get transcript
// @Description  Get the ordered transcript segments of a file
// @Tags         File
// @Produce      json
// @Param        fileId path string true "File ID"
// @Success      200 {object} model.TranscriptResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/files/{fileId}/transcript [get]
func (h *FileHandler) Transcript(c *fiber.Ctx) error {
	fileID := c.Params("fileId")
	if fileID == "" {
		return response.ValidationError(c, "File ID is required", nil)
	}

	result, err := h.scheduler.Transcript(c.Context(), fileID)
	if err != nil {
		if scheduler.IsNotFound(err) {
			return response.NotFound(c, "Transcript not available")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}
