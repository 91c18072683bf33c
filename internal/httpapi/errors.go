package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/petrijr/reviewflow/pkg/api"
)

func badRequest(c fiber.Ctx, typ, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType(typ).
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, typ, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(typ).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("already_active").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, typ string, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType(typ).
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps the engine's error taxonomy onto problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, api.ErrUnknownWorkflowType):
		return badRequest(c, "unknown_workflow_type", err.Error())

	case errors.Is(err, api.ErrInvalidPayload):
		return badRequest(c, "validation_error", err.Error())

	case errors.Is(err, api.ErrAlreadyActive):
		return conflict(c, err.Error())

	case errors.Is(err, api.ErrInstanceTerminal):
		return notFound(c, "workflow_terminal", err.Error())

	case errors.Is(err, api.ErrNotFound):
		return notFound(c, "workflow_not_found", "workflow not found")

	case errors.Is(err, api.ErrSignalMismatch):
		return notFound(c, "signal_mismatch", err.Error())

	case api.IsStepExecutionError(err):
		return internalError(c, "step_failed", err)

	default:
		return internalError(c, "internal_error", err)
	}
}
