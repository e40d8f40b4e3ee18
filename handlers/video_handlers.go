package handlers

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"clipforge/internal/ledger"
	"clipforge/internal/pipeline"
	"clipforge/internal/scheduler"
	"clipforge/models"
	"clipforge/utils"
)

var validate = validator.New()

// CreateSegmentRequest is one script slice in a video creation payload.
// SequenceIndex is a pointer so index 0 survives the required check.
type CreateSegmentRequest struct {
	SequenceIndex *int   `json:"sequence_index" validate:"required,min=0"`
	Text          string `json:"text" validate:"required"`
	BackgroundRef string `json:"background_ref" validate:"required"`
}

// CreateVideoRequest defines the expected JSON structure for starting a pipeline.
type CreateVideoRequest struct {
	Title                string                 `json:"title" validate:"required"`
	Script               string                 `json:"script" validate:"required"`
	TargetSegmentSeconds int                    `json:"target_segment_seconds" validate:"omitempty,min=1"`
	Segments             []CreateSegmentRequest `json:"segments" validate:"required,min=1,dive"`
}

// CreateVideo creates a video and its segments and kicks off the first stage
// for every segment.
// POST /api/v1/videos
func (h *ApplicationHandler) CreateVideo(c *fiber.Ctx) error {
	payload := new(CreateVideoRequest)
	if err := c.BodyParser(payload); err != nil {
		h.Logger.Errorf("Error parsing create video payload: %v", err)
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := validate.Struct(payload); err != nil {
		h.Logger.Errorf("Validation error for create video payload: %v", err)
		return utils.RespondWithValidationErrors(c, err)
	}

	indices := make([]int, 0, len(payload.Segments))
	for _, segment := range payload.Segments {
		indices = append(indices, *segment.SequenceIndex)
	}
	if err := pipeline.ValidateSequence(indices); err != nil {
		h.Logger.Errorf("Rejected video creation: %v", err)
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}

	now := time.Now().UTC()
	video := models.Video{
		ID:                   uuid.New(),
		Title:                payload.Title,
		Script:               payload.Script,
		TargetSegmentSeconds: payload.TargetSegmentSeconds,
		Stage:                string(pipeline.StageCreated),
		Status:               pipeline.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	segments := make([]models.Segment, 0, len(payload.Segments))
	for _, request := range payload.Segments {
		segments = append(segments, models.Segment{
			ID:            uuid.New(),
			VideoID:       video.ID,
			SequenceIndex: *request.SequenceIndex,
			Text:          request.Text,
			BackgroundRef: request.BackgroundRef,
			Stage:         string(pipeline.StageCreated),
			Status:        pipeline.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := h.Store.CreateVideo(c.Context(), &video, segments); err != nil {
		h.Logger.Errorf("Error creating video %s in ledger: %v", video.ID, err)
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not create video record")
	}

	// Voice synthesis for every segment starts asynchronously; the response
	// only confirms the records exist.
	for _, segment := range segments {
		ref := ledger.EntityRef{Kind: pipeline.EntitySegment, ID: segment.ID}
		h.Pool.Submit(scheduler.NewAdvanceJob(h.Scheduler, ref))
	}

	h.Logger.Infof("Created video %s with %d segments", video.ID, len(segments))
	return utils.RespondWithJSON(c, fiber.StatusCreated, fiber.Map{
		"video":    video,
		"segments": segments,
	})
}

// GetVideo returns a video and its segments, including stage, status, and
// any artifact refs produced so far. Failed videos stay inspectable with
// their last successful artifacts intact.
// GET /api/v1/videos/:videoId
func (h *ApplicationHandler) GetVideo(c *fiber.Ctx) error {
	videoID, err := uuid.Parse(c.Params("videoId"))
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid video ID format")
	}

	video, err := h.Store.GetVideo(c.Context(), videoID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return utils.RespondWithError(c, fiber.StatusNotFound, "Video not found")
		}
		h.Logger.Errorf("Error fetching video %s: %v", videoID, err)
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not retrieve video")
	}

	segments, err := h.Store.ListSegments(c.Context(), videoID)
	if err != nil {
		h.Logger.Errorf("Error fetching segments for video %s: %v", videoID, err)
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not retrieve segments")
	}

	return utils.RespondWithJSON(c, fiber.StatusOK, fiber.Map{
		"video":    video,
		"segments": segments,
	})
}
