package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fleetops/digest-engine/internal/domain"
	"github.com/fleetops/digest-engine/internal/observability"
	"github.com/fleetops/digest-engine/internal/service"
	"github.com/gofiber/fiber/v2"
)

// EventIntake is the slice of the intake service the HTTP surface needs.
type EventIntake interface {
	Notify(ctx context.Context, input service.EventInput)
}

type EventHandler struct {
	intake EventIntake
}

func NewEventHandler(intake EventIntake) (*EventHandler, error) {
	if intake == nil {
		return nil, fmt.Errorf("event intake is required")
	}
	return &EventHandler{intake: intake}, nil
}

func RegisterEventRoutes(router fiber.Router, intake EventIntake) error {
	h, err := NewEventHandler(intake)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/events", h.IngestEvent)

	return nil
}

type ingestEventRequest struct {
	Type        string          `json:"type"`
	SubjectType string          `json:"subjectType"`
	SubjectID   string          `json:"subjectId"`
	VesselID    string          `json:"vesselId"`
	ActorID     string          `json:"actorId"`
	Snapshot    json.RawMessage `json:"snapshot"`
}

// IngestEvent accepts one domain event for digest processing. A malformed
// payload is rejected, everything past that point is fire and forget: the
// caller gets 202 whether or not records could be written, matching the
// in-process intake contract.
func (h *EventHandler) IngestEvent(c *fiber.Ctx) error {
	var req ingestEventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	input, err := requestToEventInput(req)
	if err != nil {
		return toHTTPError(err)
	}

	ctx := context.Context(c.Context())
	if correlationID := requestCorrelationID(c); correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}

	h.intake.Notify(ctx, input)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":   "accepted",
		"vesselId": input.VesselID,
	})
}

func requestToEventInput(req ingestEventRequest) (service.EventInput, error) {
	digestType, err := domain.ParseDigestTypeFromString(req.Type)
	if err != nil {
		return service.EventInput{}, err
	}

	input := service.EventInput{
		Type:        digestType,
		SubjectType: strings.TrimSpace(req.SubjectType),
		SubjectID:   strings.TrimSpace(req.SubjectID),
		VesselID:    strings.TrimSpace(req.VesselID),
		ActorID:     strings.TrimSpace(req.ActorID),
		Snapshot:    req.Snapshot,
	}

	if input.SubjectType == "" {
		return service.EventInput{}, fmt.Errorf("%w: subjectType is required", domain.ErrValidation)
	}
	if input.SubjectID == "" {
		return service.EventInput{}, fmt.Errorf("%w: subjectId is required", domain.ErrValidation)
	}
	if input.VesselID == "" {
		return service.EventInput{}, fmt.Errorf("%w: vesselId is required", domain.ErrValidation)
	}
	if input.ActorID == "" {
		return service.EventInput{}, fmt.Errorf("%w: actorId is required", domain.ErrValidation)
	}

	return input, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		return err
	}
}
