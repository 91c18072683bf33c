package api

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
//
// Status tracks the engine, not the review verdict. A review that ran to
// its end is StatusCompleted whether it was approved, rejected, expired or
// timed out waiting for payment; the verdict is the "outcome" field of
// Output ("approved", "rejected", "expired", "payment_timeout").
// StatusFailed means a step exhausted its retries.
type Status string

const (
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further steps or signals are accepted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the instance still counts against the
// one-active-instance-per-submission rule.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusWaiting
}

// WorkflowType names a catalog entry.
type WorkflowType string

const (
	TypeContentReview     WorkflowType = "content_review"
	TypeListingReview     WorkflowType = "listing_review"
	TypeVerification      WorkflowType = "verification"
	TypeExpertApplication WorkflowType = "expert_application"
)

// StepKind distinguishes memoized step results from recorded events.
type StepKind string

const (
	KindStep  StepKind = "step"
	KindEvent StepKind = "event"
)

// StepRecord is one entry in an instance's append-only step log.
type StepRecord struct {
	Name        string          `json:"name"`
	Kind        StepKind        `json:"kind"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// PendingWait describes what a waiting instance is suspended on.
type PendingWait struct {
	EventName string    `json:"eventName"`
	Deadline  time.Time `json:"deadline"`
}

// Expired reports whether the wait deadline has passed at now.
func (w *PendingWait) Expired(now time.Time) bool {
	return w != nil && !now.Before(w.Deadline)
}

// Event is an externally delivered signal, or the synthetic event the
// deadline sweep delivers when a wait expires.
type Event struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	TimedOut   bool            `json:"timedOut,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// WorkflowInstance is the persisted execution record of one workflow run.
type WorkflowInstance struct {
	ID   string       `json:"id"`
	Type WorkflowType `json:"type"`

	// SubjectKey is the submission id the instance reviews.
	SubjectKey string `json:"subjectKey"`

	// Payload is the immutable input the instance was created with.
	Payload json.RawMessage `json:"payload"`

	Status      Status          `json:"status"`
	StepLog     []StepRecord    `json:"stepLog"`
	PendingWait *PendingWait    `json:"pendingWait,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`

	// Version is bumped by every successful store update and is used for
	// optimistic concurrency control.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LookupStep returns the recorded entry for (kind, name), if any.
func (w *WorkflowInstance) LookupStep(kind StepKind, name string) (StepRecord, bool) {
	for _, rec := range w.StepLog {
		if rec.Kind == kind && rec.Name == name {
			return rec, true
		}
	}
	return StepRecord{}, false
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Payload = slices.Clone(w.Payload)
	cp.Output = slices.Clone(w.Output)
	cp.StepLog = make([]StepRecord, len(w.StepLog))
	for i, rec := range w.StepLog {
		rec.Result = slices.Clone(rec.Result)
		cp.StepLog[i] = rec
	}
	if w.PendingWait != nil {
		pw := *w.PendingWait
		cp.PendingWait = &pw
	}
	return &cp
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	Type       WorkflowType
	Status     Status
	SubjectKey string
}

// NewInstanceID returns a globally unique id tagged with the workflow type,
// e.g. "content_review_9b2f...". The tag lets the signal dispatcher route
// an id without scanning every type.
func NewInstanceID(typ WorkflowType, unique string) string {
	return string(typ) + "_" + unique
}

// InstanceTypeFromID extracts the type tag from an id produced by
// NewInstanceID. The unique part must not contain underscores.
func InstanceTypeFromID(id string) (WorkflowType, bool) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return "", false
	}
	return WorkflowType(id[:i]), true
}

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before retry n is InitialBackoff * BackoffMultiplier^(n-1),
// capped at MaxBackoff when MaxBackoff > 0.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy is used when neither the engine nor the step
// configures one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       5,
	InitialBackoff:    200 * time.Millisecond,
	MaxBackoff:        10 * time.Second,
	BackoffMultiplier: 2.0,
}

// StepFunc performs one side effect. The returned value is JSON-encoded
// into the step log.
type StepFunc func(ctx context.Context) (any, error)

// Run is the handle a workflow function uses to talk to the engine while
// it executes one instance.
type Run interface {
	InstanceID() string
	Type() WorkflowType
	Payload() json.RawMessage

	// Step runs fn unless a result for name is already in the step log,
	// in which case the recorded result is returned.
	Step(ctx context.Context, name string, fn StepFunc) (json.RawMessage, error)

	// StepWithRetry is Step with an explicit retry policy.
	StepWithRetry(ctx context.Context, name string, policy RetryPolicy, fn StepFunc) (json.RawMessage, error)

	// WaitForEvent returns the recorded event on replay. Otherwise it parks
	// the instance and returns an error the workflow must propagate.
	WaitForEvent(ctx context.Context, name string, timeout time.Duration) (Event, error)
}

// WorkflowFunc is the body of a catalog entry. Its return value becomes
// the instance output.
type WorkflowFunc func(ctx context.Context, run Run) (any, error)

// Definition describes one catalog entry.
type Definition struct {
	Type WorkflowType

	// Aliases are alternative names accepted by Create.
	Aliases []string

	Run WorkflowFunc

	// SubjectKey extracts the submission id from a payload. It is used to
	// enforce at most one active instance per submission.
	SubjectKey func(payload json.RawMessage) (string, error)

	// ValidatePayload optionally rejects malformed payloads before an
	// instance is created.
	ValidatePayload func(payload json.RawMessage) error
}
