package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrijr/reviewflow/internal/submission"
	"github.com/petrijr/reviewflow/pkg/api"
	"github.com/petrijr/reviewflow/pkg/queue"
)

// Decision is the approval-decision event payload.
type Decision struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty" validate:"max=2000"`
	ReviewerID string `json:"reviewerId,omitempty" validate:"omitempty,max=128"`
}

// ErrDecisionIncomplete is returned when an approval-decision payload does
// not say whether the submission is approved.
var ErrDecisionIncomplete = errors.New(`approval decision requires "approved"`)

// UnmarshalJSON rejects payloads without an "approved" key, so a typo or an
// empty body can never read as a rejection.
func (d *Decision) UnmarshalJSON(data []byte) error {
	type plain Decision
	var body struct {
		plain
		Approved *bool `json:"approved"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	if body.Approved == nil {
		return ErrDecisionIncomplete
	}
	*d = Decision(body.plain)
	d.Approved = *body.Approved
	return nil
}

// Payment is the payment-completed event payload.
type Payment struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
	Amount          int64  `json:"amount" validate:"gt=0"`
	Currency        string `json:"currency" validate:"required,len=3,lowercase"`
}

// Result is the output of a completed review.
type Result struct {
	Outcome      string `json:"outcome"`
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	Points       int    `json:"points,omitempty"`
}

// PointsJob is the payload of an award-points job.
type PointsJob struct {
	UserID       string `json:"userId"`
	Action       string `json:"action"`
	Points       int    `json:"points"`
	SubmissionID string `json:"submissionId"`
	WorkflowID   string `json:"workflowId"`
}

// Notification is the payload of every review notification.
type Notification struct {
	WorkflowType string `json:"workflowType"`
	SubmissionID string `json:"submissionId"`
	UserID       string `json:"userId"`
	Title        string `json:"title,omitempty"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// subject holds the trigger payload fields every step needs.
type subject struct {
	ID     string
	UserID string
	Title  string
}

func (r Review) subject(payload json.RawMessage) (subject, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return subject{}, fmt.Errorf("%w: %v", api.ErrInvalidPayload, err)
	}
	s := subject{
		ID:     stringField(fields, r.IDField),
		UserID: stringField(fields, "userId"),
		Title:  stringField(fields, r.TitleField),
	}
	if s.ID == "" {
		return subject{}, fmt.Errorf("%w: %s is required", api.ErrInvalidPayload, r.IDField)
	}
	return s, nil
}

func stringField(fields map[string]any, name string) string {
	if name == "" {
		return ""
	}
	v, _ := fields[name].(string)
	return v
}

// Definition builds the workflow definition for r.
func (r Review) Definition(deps Deps) api.Definition {
	validate, err := r.validator()
	if err != nil {
		panic(err)
	}
	return api.Definition{
		Type:    r.Type,
		Aliases: []string{r.Alias},
		SubjectKey: func(payload json.RawMessage) (string, error) {
			s, err := r.subject(payload)
			return s.ID, err
		},
		ValidatePayload: validate,
		Run:             r.workflow(deps),
	}
}

func (r Review) workflow(deps Deps) api.WorkflowFunc {
	return func(ctx context.Context, run api.Run) (any, error) {
		sub, err := r.subject(run.Payload())
		if err != nil {
			return nil, err
		}
		rs := reviewRun{Review: r, deps: deps, run: run, sub: sub}

		if err := rs.setStatus(ctx, "initialize", submission.StatusPending, ""); err != nil {
			return nil, err
		}
		if err := rs.notify(ctx, NotificationNewSubmission, submission.StatusPending, ""); err != nil {
			return nil, err
		}

		if r.RequiresPayment {
			paid, err := rs.awaitPayment(ctx)
			if err != nil {
				return nil, err
			}
			if !paid {
				return rs.result(OutcomePaymentTimeout, submission.StatusPaymentTimeout, "", 0), nil
			}
		}

		ev, err := run.WaitForEvent(ctx, EventApprovalDecision, r.ApprovalWait)
		if err != nil {
			return nil, err
		}

		decision := Decision{Reason: ExpiredReason}
		outcome := OutcomeExpired
		if !ev.TimedOut {
			decision = Decision{}
			if err := ev.Decode(&decision); err != nil {
				return nil, fmt.Errorf("decode %s: %w", EventApprovalDecision, err)
			}
			outcome = OutcomeRejected
		}

		if decision.Approved {
			return rs.approve(ctx)
		}
		return rs.reject(ctx, outcome, decision.Reason)
	}
}

// reviewRun carries one execution pass of a review.
type reviewRun struct {
	Review
	deps Deps
	run  api.Run
	sub  subject
}

func (rs reviewRun) key(messageType string) string {
	return queue.IdempotencyKey(rs.run.InstanceID(), messageType)
}

// setStatus runs step name, which writes the submission status and the
// review queue projection.
func (rs reviewRun) setStatus(ctx context.Context, name, status, feedback string) error {
	_, err := rs.run.Step(ctx, name, func(ctx context.Context) (any, error) {
		if err := rs.deps.Submissions.UpdateStatus(ctx, rs.Table, rs.sub.ID, status, feedback); err != nil {
			return nil, err
		}
		err := rs.deps.Submissions.UpsertReviewItem(ctx, submission.ReviewItem{
			WorkflowID:   rs.run.InstanceID(),
			WorkflowType: string(rs.Type),
			Table:        rs.Table,
			SubmissionID: rs.sub.ID,
			SubmitterID:  rs.sub.UserID,
			Title:        rs.sub.Title,
			Status:       status,
		})
		if err != nil {
			return nil, err
		}
		return status, nil
	})
	return err
}

func (rs reviewRun) notify(ctx context.Context, notificationType, status, reason string) error {
	_, err := rs.run.Step(ctx, notificationType, func(ctx context.Context) (any, error) {
		n := Notification{
			WorkflowType: string(rs.Type),
			SubmissionID: rs.sub.ID,
			UserID:       rs.sub.UserID,
			Title:        rs.sub.Title,
			Status:       status,
			Reason:       reason,
		}
		if err := rs.deps.Queue.EnqueueNotification(ctx, notificationType, n, rs.key(notificationType)); err != nil {
			return nil, err
		}
		return "queued", nil
	})
	return err
}

// awaitPayment reports whether the payment arrived before the deadline. On
// timeout the submission is closed as payment_timeout.
func (rs reviewRun) awaitPayment(ctx context.Context) (bool, error) {
	ev, err := rs.run.WaitForEvent(ctx, EventPaymentCompleted, paymentWait)
	if err != nil {
		return false, err
	}
	if ev.TimedOut {
		return false, rs.setStatus(ctx, "payment-timeout", submission.StatusPaymentTimeout, "")
	}

	_, err = api.StepAs(ctx, rs.run, "record-payment", func(ctx context.Context) (Payment, error) {
		var p Payment
		if err := ev.Decode(&p); err != nil {
			return p, fmt.Errorf("decode %s: %w", EventPaymentCompleted, err)
		}
		if err := rs.deps.Submissions.UpdateStatus(ctx, rs.Table, rs.sub.ID, submission.StatusPaid, ""); err != nil {
			return p, err
		}
		return p, nil
	})
	return err == nil, err
}

func (rs reviewRun) approve(ctx context.Context) (any, error) {
	if err := rs.setStatus(ctx, rs.ApproveStep, rs.ApprovedStatus, ""); err != nil {
		return nil, err
	}
	_, err := rs.run.Step(ctx, "award-points", func(ctx context.Context) (any, error) {
		job := PointsJob{
			UserID:       rs.sub.UserID,
			Action:       rs.PointsAction,
			Points:       rs.Points,
			SubmissionID: rs.sub.ID,
			WorkflowID:   rs.run.InstanceID(),
		}
		if err := rs.deps.Queue.EnqueueJob(ctx, JobAwardPoints, job, rs.key(JobAwardPoints)); err != nil {
			return nil, err
		}
		return job.Points, nil
	})
	if err != nil {
		return nil, err
	}
	if err := rs.notify(ctx, NotificationApproved, rs.ApprovedStatus, ""); err != nil {
		return nil, err
	}
	return rs.result(OutcomeApproved, rs.ApprovedStatus, "", rs.Points), nil
}

func (rs reviewRun) reject(ctx context.Context, outcome, reason string) (any, error) {
	if err := rs.setStatus(ctx, "reject", submission.StatusRejected, reason); err != nil {
		return nil, err
	}
	if err := rs.notify(ctx, NotificationRejected, submission.StatusRejected, reason); err != nil {
		return nil, err
	}
	return rs.result(outcome, submission.StatusRejected, reason, 0), nil
}

func (rs reviewRun) result(outcome, status, reason string, points int) Result {
	return Result{
		Outcome:      outcome,
		SubmissionID: rs.sub.ID,
		Status:       status,
		Reason:       reason,
		Points:       points,
	}
}
