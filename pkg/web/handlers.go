package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// FlowProducer queues submitted flows for ingestion.
type FlowProducer interface {
	Enqueue(ctx context.Context, payload *models.FlowPayload, key string) (bool, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type APIHandlers struct {
	flowService *services.Flow
	producer    FlowProducer
	queue       Pinger
	validator   *validator.Validate
	monitor     *services.IngestionMonitor
}

func NewAPIHandlers(
	flowService *services.Flow,
	producer FlowProducer,
	queue Pinger,
	validator *validator.Validate,
	monitor *services.IngestionMonitor,
) *APIHandlers {
	return &APIHandlers{
		flowService: flowService,
		producer:    producer,
		queue:       queue,
		validator:   validator,
		monitor:     monitor,
	}
}

// CreateFlow validates a flow payload and queues it. Duplicate submissions of
// the same (name, idempotency key) are accepted and collapse in the queue.
func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	key := c.Get(IdempotencyKeyHeader)
	if key == "" {
		return badRequest(c, "The idempotency-key header is required")
	}

	body := c.Body()
	if !json.Valid(body) {
		return badRequest(c, "Invalid JSON format")
	}

	if err := validatePayloadSchema(body); err != nil {
		return badRequest(c, err.Error())
	}

	var payload models.FlowPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return badRequest(c, "Invalid flow payload: "+err.Error())
	}

	if err := h.validator.Struct(payload); err != nil {
		return badRequest(c, err.Error())
	}

	if _, err := h.producer.Enqueue(c.Context(), &payload, key); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{
		Message:  "Flow accepted for processing",
		FlowName: payload.Flow.Name,
	})
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	req, err := parseListFlowsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.flowService.ListFlows(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ListFlowsResponse{
		Flows:      newFlowSummaries(result.Flows),
		Pagination: result.Pagination,
	})
}

func parseListFlowsRequest(c fiber.Ctx) (*services.ListFlowsRequest, error) {
	req := &services.ListFlowsRequest{}

	if pageStr := c.Query("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, err
		}

		req.Page = page
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	return req, nil
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.flowService.GetFlow(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) GetFlowDetails(c fiber.Ctx) error {
	flow, err := h.flowService.GetFlowDetails(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) GetObservationData(c fiber.Ctx) error {
	data, err := h.flowService.ObservationData(c.Context(), c.Params("id"), c.Params("observationId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	return c.Send(data)
}

func (h *APIHandlers) FilterObservation(c fiber.Ctx) error {
	var req services.FilterRequest
	if err := c.Bind().JSON(&req); err != nil {
		return handleServiceError(c, services.NewValidationError("FilterObservation", "INVALID_JSON",
			"Invalid JSON format", fmt.Errorf("%w: %w", services.ErrInvalidRequest, err)))
	}

	result, err := h.flowService.FilterObservation(c.Context(), c.Params("id"), c.Params("observationId"), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.flowService.HealthCheck(c.Context())

	queueCheck, queueOk := "Queue not configured", true
	if h.queue != nil {
		if err := h.queue.Ping(c.Context()); err != nil {
			queueCheck, queueOk = "Queue is unhealthy: "+err.Error(), false
		} else {
			queueCheck = "Queue is healthy"
		}
	}

	status := "unhealthy"
	message := "flowtrail API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk && queueOk {
		status = "healthy"
		message = "flowtrail API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
			"queue":      queueCheck,
		},
	})
}

// IngestionStats reports the lifecycle events seen on the event bus. It is
// unavailable when the API runs without one.
func (h *APIHandlers) IngestionStats(c fiber.Ctx) error {
	if h.monitor == nil {
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("event_bus_disabled").
			WithDetail("no event bus is configured")

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)
	}

	return c.JSON(h.monitor.Stats())
}
