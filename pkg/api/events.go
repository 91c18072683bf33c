package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowResumed   EventType = "workflow.resumed"
	EventWorkflowWaiting   EventType = "workflow.waiting"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"

	EventSignalReceived EventType = "signal.received"
	EventWaitExpired    EventType = "wait.expired"

	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
)

// WorkflowEvent is a minimal append-only history record for audit/debugging.
// It is intentionally small and stable; step results live in the step log.
type WorkflowEvent struct {
	InstanceID   string       `json:"instanceId"`
	At           time.Time    `json:"at"`
	Type         EventType    `json:"type"`
	WorkflowType WorkflowType `json:"workflowType,omitempty"`
	Step         string       `json:"step,omitempty"`

	// Small, human-oriented details (e.g. event name, error string).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string `json:"detail,omitempty"`
}
