// Package dispatch routes external signals to the waiting workflow
// instance they belong to.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/petrijr/reviewflow/internal/catalog"
	"github.com/petrijr/reviewflow/pkg/api"
)

// ErrInvalidSignal is returned when a signal payload fails validation. It
// matches api.ErrInvalidPayload under errors.Is.
var ErrInvalidSignal = fmt.Errorf("%w: signal", api.ErrInvalidPayload)

// Dispatcher resolves a workflow id to its type and resumes the instance.
type Dispatcher struct {
	engine   api.Engine
	catalog  api.Catalog
	logger   *slog.Logger
	validate *validator.Validate
}

func New(eng api.Engine, cat api.Catalog, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:   eng,
		catalog:  cat,
		logger:   logger.With("module", "dispatch"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Route returns the workflow type of id. Ids carry their type as a prefix
// (see api.NewInstanceID); ids without a known tag are looked up in the
// instance store.
func (d *Dispatcher) Route(ctx context.Context, workflowID string) (api.WorkflowType, error) {
	if typ, ok := api.InstanceTypeFromID(workflowID); ok {
		if _, known := d.catalog.Lookup(string(typ)); known {
			return typ, nil
		}
	}

	inst, err := d.engine.GetInstance(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return inst.Type, nil
}

// Signal delivers event to workflowID. It fails with api.ErrNotFound when
// the id is unknown or terminal, and with api.ErrSignalMismatch when the
// instance is not waiting on event.
func (d *Dispatcher) Signal(ctx context.Context, workflowID, event string, payload json.RawMessage) (*api.WorkflowInstance, error) {
	typ, err := d.Route(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if err := d.validatePayload(event, payload); err != nil {
		// Unknown ids are reported as such, whatever the payload.
		if _, gerr := d.engine.GetInstance(ctx, workflowID); gerr != nil {
			return nil, gerr
		}
		return nil, err
	}

	inst, err := d.engine.Resume(ctx, workflowID, api.Event{Name: event, Payload: payload})
	switch {
	case errors.Is(err, api.ErrSignalMismatch):
		d.logger.WarnContext(ctx, "signal does not match pending wait",
			"workflow_id", workflowID, "workflow", typ, "event", event, "error", err)
	case errors.Is(err, api.ErrNotFound):
		d.logger.InfoContext(ctx, "signal for inactive workflow",
			"workflow_id", workflowID, "event", event)
	case err == nil:
		d.logger.DebugContext(ctx, "signal delivered",
			"workflow_id", workflowID, "workflow", typ, "event", event, "status", inst.Status)
	}
	return inst, err
}

// SignalPayment delivers a payment-completed event, as sent by the payment
// provider webhook.
func (d *Dispatcher) SignalPayment(ctx context.Context, workflowID string, payment catalog.Payment) (*api.WorkflowInstance, error) {
	if err := d.validate.Struct(payment); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	raw, err := json.Marshal(payment)
	if err != nil {
		return nil, err
	}
	return d.Signal(ctx, workflowID, catalog.EventPaymentCompleted, raw)
}

// validatePayload checks the payloads of the events the catalog defines.
// Other event names pass through unchanged.
func (d *Dispatcher) validatePayload(event string, payload json.RawMessage) error {
	var target any
	switch event {
	case catalog.EventApprovalDecision:
		target = &catalog.Decision{}
	case catalog.EventPaymentCompleted:
		target = &catalog.Payment{}
	default:
		return nil
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidSignal, event)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := d.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %q", ErrInvalidSignal, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	return nil
}
