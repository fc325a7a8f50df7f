package controllers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/procmon/procmon/internal/pkg/ingest"
	"github.com/procmon/procmon/internal/pkg/usercontext"
)

type ingestRequest struct {
	Category string          `json:"category"`
	Fields   json.RawMessage `json:"fields"`
}

// IngestController exposes the event source API.
type IngestController struct {
	ingestor   *ingest.Ingestor
	upgradeURL string
}

func NewIngestController(ingestor *ingest.Ingestor, upgradeURL string) *IngestController {
	return &IngestController{ingestor: ingestor, upgradeURL: upgradeURL}
}

// HandleIngestEvent accepts one event for the API key owner and answers 202 once it is persisted.
func (ic *IngestController) HandleIngestEvent(c *fiber.Ctx) error {
	user := usercontext.GetUser(c)
	if user == nil {
		return jsonError(c, fiber.StatusUnauthorized, string(ingest.ReasonUnauthorized), "Missing or invalid authentication")
	}

	var req ingestRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, string(ingest.ReasonInvalidPayload), "Request body must be a JSON object")
	}
	fields, err := ingest.ParseFields(req.Fields)
	if err != nil {
		return ic.handleError(c, err)
	}

	res, err := ic.ingestor.Ingest(c.UserContext(), user, req.Category, fields)
	if err != nil {
		return ic.handleError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

func (ic *IngestController) handleError(c *fiber.Ctx, err error) error {
	var rej *ingest.RejectedError
	if !errors.As(err, &rej) {
		log.Errorf("[Ingest] Request failed: %v", err)
		return internalError(c, "Failed to ingest event")
	}
	switch rej.Reason {
	case ingest.ReasonQuotaExceeded:
		if rej.Quota != nil {
			return quotaError(c, rej.Quota, ic.upgradeURL)
		}
		return jsonError(c, fiber.StatusTooManyRequests, string(rej.Reason), rej.Detail)
	case ingest.ReasonPayloadTooLarge:
		return jsonError(c, fiber.StatusRequestEntityTooLarge, string(rej.Reason), rej.Detail)
	case ingest.ReasonUnauthorized:
		return jsonError(c, fiber.StatusUnauthorized, string(rej.Reason), rej.Detail)
	default:
		return jsonError(c, fiber.StatusBadRequest, string(rej.Reason), rej.Detail)
	}
}
