package web

import (
	"errors"

	"github.com/dukex/flowtrail/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		detail := err.Error()

		var serviceErr *services.ServiceError
		if errors.As(err, &serviceErr) && serviceErr.Message != "" {
			detail = serviceErr.Message
		}

		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("validation_error").
			WithDetail(detail)

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case services.IsNotFoundError(err):
		return notFound(c, err)

	default:
		return internalError(c, err)
	}
}

func notFound(c fiber.Ctx, err error) error {
	problemType, detail := "observation_data_unavailable", "observation data unavailable"

	switch {
	case errors.Is(err, services.ErrFlowNotFound):
		problemType, detail = "flow_not_found", "flow not found"
	case errors.Is(err, services.ErrObservationNotFound):
		problemType, detail = "observation_not_found", "observation not found"
	}

	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}
