package handlers

import (
	"github.com/gofiber/fiber/v2"

	"clipforge/internal/correlator"
	"clipforge/models"
	"clipforge/utils"
)

// ProviderCallbackRequest is the body providers deliver to the webhook
// endpoint. The correlation token travels in the URL path.
type ProviderCallbackRequest struct {
	Outcome     string `json:"outcome" validate:"required,oneof=success failure"`
	ArtifactRef string `json:"artifact_ref" validate:"required_if=Outcome success"`
	Error       string `json:"error"`
}

// HandleProviderCallback normalizes a provider completion webhook and queues
// it for correlation. Any syntactically valid event is acknowledged with a
// 2xx regardless of whether it changes state, so duplicate deliveries never
// trigger provider-side retries.
// POST /api/v1/webhooks/:provider/:token
func (h *ApplicationHandler) HandleProviderCallback(c *fiber.Ctx) error {
	provider := c.Params("provider")
	token := c.Params("token")
	if provider == "" || token == "" {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Missing provider or token")
	}

	payload := new(ProviderCallbackRequest)
	if err := c.BodyParser(payload); err != nil {
		h.Logger.Errorf("Error parsing callback body for token %s: %v", token, err)
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid callback body")
	}
	if err := validate.Struct(payload); err != nil {
		h.Logger.Errorf("Validation error for callback token %s: %v", token, err)
		return utils.RespondWithValidationErrors(c, err)
	}

	event := models.WebhookEvent{
		Provider:     provider,
		Token:        token,
		Outcome:      payload.Outcome,
		ArtifactRef:  payload.ArtifactRef,
		ErrorMessage: payload.Error,
	}

	// Resolution happens off the request path; the provider only needs the
	// acknowledgement.
	h.Pool.Submit(correlator.NewCallbackJob(h.Correlator, event))

	h.Logger.Infof("Accepted %s callback for token %s (outcome: %s)", provider, token, payload.Outcome)
	return utils.RespondWithJSON(c, fiber.StatusOK, fiber.Map{
		"received": true,
	})
}
