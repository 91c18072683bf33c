// Package httpapi exposes the workflow engine over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/petrijr/reviewflow/internal/catalog"
	"github.com/petrijr/reviewflow/internal/submission"
	"github.com/petrijr/reviewflow/pkg/api"
	"github.com/petrijr/reviewflow/pkg/queue"
)

// Signaler delivers external events; implemented by dispatch.Dispatcher.
type Signaler interface {
	Signal(ctx context.Context, workflowID, event string, payload json.RawMessage) (*api.WorkflowInstance, error)
	SignalPayment(ctx context.Context, workflowID string, payment catalog.Payment) (*api.WorkflowInstance, error)
}

// SignalEnqueuer defers a signal through the signals topic; implemented by
// queue.Client.
type SignalEnqueuer interface {
	EnqueueSignal(ctx context.Context, workflowID, event string, payload json.RawMessage, idempotencyKey string) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Engine      api.Engine
	Signals     Signaler
	Submissions submission.Store

	// DeferredPayments, when set, makes the payment webhook enqueue the
	// signal and answer 202 instead of resuming the workflow inline.
	DeferredPayments SignalEnqueuer

	// Ready reports whether the backing stores are reachable. Nil means
	// always ready.
	Ready func(ctx context.Context) error

	Logger *slog.Logger

	// AccessLog enables the request logger middleware.
	AccessLog bool
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	validate *validator.Validate
}

func New(deps Deps) *Server {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Server{
		deps:     deps,
		logger:   l.With("module", "httpapi"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// App builds the fiber application with every route registered.
func (s *Server) App() *fiber.App {
	app := fiber.New()
	app.Use(recover.New())
	if s.deps.AccessLog {
		app.Use(logger.New(logger.Config{
			DisableColors: true,
		}))
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: s.ready,
	}))

	app.Post("/trigger/:workflowName", s.Trigger)
	app.Post("/signal/:workflowId/:eventName", s.Signal)
	app.Get("/status/:workflowId", s.Status)
	app.Post("/cancel/:workflowId", s.Cancel)
	app.Get("/history/:workflowId", s.History)
	app.Get("/workflows", s.ListWorkflows)
	app.Get("/reviews", s.ListReviews)
	app.Post("/webhooks/payment/:workflowId", s.PaymentWebhook)

	return app
}

func (s *Server) ready(c fiber.Ctx) bool {
	if s.deps.Ready == nil {
		return true
	}
	if err := s.deps.Ready(c.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		return false
	}
	return true
}

// TriggerResponse is returned by POST /trigger.
type TriggerResponse struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	ID     string          `json:"id"`
	Status api.Status      `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// SuccessResponse acknowledges signal and cancel requests.
type SuccessResponse struct {
	Success bool `json:"success"`
}

func (s *Server) Trigger(c fiber.Ctx) error {
	name := c.Params("workflowName")
	payload := bytes.Clone(c.Body())

	inst, err := s.deps.Engine.Create(c.Context(), name, payload)
	if err != nil {
		if api.IsStepExecutionError(err) && inst != nil {
			s.logger.Error("workflow failed on trigger", "workflow_id", inst.ID, "error", err)
		}
		return handleEngineError(c, err)
	}

	s.logger.Info("workflow triggered", "workflow", inst.Type, "workflow_id", inst.ID, "status", inst.Status)
	return c.JSON(TriggerResponse{WorkflowID: inst.ID, Status: "started"})
}

func (s *Server) Signal(c fiber.Ctx) error {
	id := c.Params("workflowId")
	event := c.Params("eventName")

	var payload json.RawMessage
	if body := c.Body(); len(bytes.TrimSpace(body)) > 0 {
		if !json.Valid(body) {
			return badRequest(c, "validation_error", "request body is not valid JSON")
		}
		payload = bytes.Clone(body)
	}

	if _, err := s.deps.Signals.Signal(c.Context(), id, event, payload); err != nil {
		// The event was recorded; the step after it failed.
		if api.IsStepExecutionError(err) {
			s.logger.Error("workflow failed after signal", "workflow_id", id, "event", event, "error", err)
			return c.JSON(SuccessResponse{Success: true})
		}
		return handleEngineError(c, err)
	}
	return c.JSON(SuccessResponse{Success: true})
}

func (s *Server) Status(c fiber.Ctx) error {
	inst, err := s.deps.Engine.GetInstance(c.Context(), c.Params("workflowId"))
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(StatusResponse{
		ID:     inst.ID,
		Status: inst.Status,
		Output: inst.Output,
		Error:  inst.Error,
	})
}

func (s *Server) Cancel(c fiber.Ctx) error {
	inst, err := s.deps.Engine.Cancel(c.Context(), c.Params("workflowId"))
	if err != nil {
		return handleEngineError(c, err)
	}
	s.logger.Info("workflow cancelled via api", "workflow_id", inst.ID)
	return c.JSON(SuccessResponse{Success: true})
}

func (s *Server) History(c fiber.Ctx) error {
	events, err := s.deps.Engine.History(c.Context(), c.Params("workflowId"))
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(fiber.Map{"events": events})
}

func (s *Server) ListWorkflows(c fiber.Ctx) error {
	opts := api.InstanceListOptions{
		Type:       api.WorkflowType(c.Query("type")),
		Status:     api.Status(c.Query("status")),
		SubjectKey: c.Query("submission"),
	}
	if opts.Type != "" {
		review, ok := catalog.Lookup(string(opts.Type))
		if !ok {
			return badRequest(c, "unknown_workflow_type", "unknown workflow type "+string(opts.Type))
		}
		opts.Type = review.Type
	}

	list, err := s.deps.Engine.ListInstances(c.Context(), opts)
	if err != nil {
		return internalError(c, "internal_error", err)
	}
	out := make([]StatusResponse, 0, len(list))
	for _, inst := range list {
		out = append(out, StatusResponse{ID: inst.ID, Status: inst.Status, Output: inst.Output, Error: inst.Error})
	}
	return c.JSON(fiber.Map{"workflows": out, "total_count": len(out)})
}

// ListReviews returns the moderation queue, optionally filtered by status.
func (s *Server) ListReviews(c fiber.Ctx) error {
	if s.deps.Submissions == nil {
		return notFound(c, "not_configured", "submission store is not configured")
	}
	items, err := s.deps.Submissions.ListReviewItems(c.Context(), c.Query("status"))
	if err != nil {
		return internalError(c, "internal_error", err)
	}
	return c.JSON(fiber.Map{"reviews": items, "total_count": len(items)})
}

// PaymentWebhook accepts the payment provider's completion callback.
func (s *Server) PaymentWebhook(c fiber.Ctx) error {
	var payment catalog.Payment
	if err := c.Bind().JSON(&payment); err != nil {
		return badRequest(c, "validation_error", "Invalid JSON format")
	}
	if err := s.validate.Struct(payment); err != nil {
		return badRequest(c, "validation_error", err.Error())
	}

	id := c.Params("workflowId")
	if s.deps.DeferredPayments != nil {
		return s.deferPayment(c, id, payment)
	}

	_, err := s.deps.Signals.SignalPayment(c.Context(), id, payment)
	if err != nil && !api.IsStepExecutionError(err) {
		if s.alreadyPaid(c.Context(), id, err) {
			// Providers redeliver webhooks.
			return c.JSON(SuccessResponse{Success: true})
		}
		return handleEngineError(c, err)
	}
	return c.JSON(SuccessResponse{Success: true})
}

func (s *Server) alreadyPaid(ctx context.Context, id string, err error) bool {
	if !errors.Is(err, api.ErrSignalMismatch) && !errors.Is(err, api.ErrInstanceTerminal) {
		return false
	}
	inst, gerr := s.deps.Engine.GetInstance(ctx, id)
	if gerr != nil {
		return false
	}
	_, paid := inst.LookupStep(api.KindEvent, catalog.EventPaymentCompleted)
	return paid
}

func (s *Server) deferPayment(c fiber.Ctx, id string, payment catalog.Payment) error {
	if _, err := s.deps.Engine.GetInstance(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}
	raw, err := json.Marshal(payment)
	if err != nil {
		return internalError(c, "internal_error", err)
	}
	key := queue.IdempotencyKey(id, payment.PaymentIntentID)
	if err := s.deps.DeferredPayments.EnqueueSignal(c.Context(), id, catalog.EventPaymentCompleted, raw, key); err != nil {
		return internalError(c, "queue_unavailable", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(SuccessResponse{Success: true})
}
