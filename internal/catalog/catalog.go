// Package catalog holds the four submission-review workflow definitions.
package catalog

import (
	"context"
	"time"

	"github.com/petrijr/reviewflow/internal/engine"
	"github.com/petrijr/reviewflow/internal/submission"
	"github.com/petrijr/reviewflow/pkg/api"
)

// Event names the review workflows wait on.
const (
	EventApprovalDecision = "approval-decision"
	EventPaymentCompleted = "payment-completed"
)

// Outcomes reported in a completed instance's output.
const (
	OutcomeApproved       = "approved"
	OutcomeRejected       = "rejected"
	OutcomeExpired        = "expired"
	OutcomePaymentTimeout = "payment_timeout"
)

// ExpiredReason is the reviewer feedback stored when no decision arrives
// before the approval deadline.
const ExpiredReason = "review window expired"

// Queue message types.
const (
	JobAwardPoints            = "award-points"
	NotificationNewSubmission = "notify-reviewers"
	NotificationApproved      = "notify-approval"
	NotificationRejected      = "notify-rejection"
)

const paymentWait = 24 * time.Hour

// Enqueuer is the part of the queue client the workflows use.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType string, payload any, idempotencyKey string) error
	EnqueueNotification(ctx context.Context, notificationType string, payload any, idempotencyKey string) error
}

// Deps are the side-effect collaborators of the review steps.
type Deps struct {
	Submissions submission.Store
	Queue       Enqueuer
}

// Review describes one review workflow type. All four share the same step
// sequence and differ only in these parameters.
type Review struct {
	Type  api.WorkflowType
	Alias string
	Table submission.Table

	// IDField and TitleField name the trigger payload fields holding the
	// submission id and a human-readable label.
	IDField    string
	TitleField string

	ApproveStep    string
	ApprovedStatus string
	PointsAction   string
	Points         int
	ApprovalWait   time.Duration

	// RequiresPayment gates the review on a payment-completed event.
	RequiresPayment bool
}

// Reviews is the catalog.
var Reviews = []Review{
	{
		Type:           api.TypeContentReview,
		Alias:          "content-review",
		Table:          submission.TableContent,
		IDField:        "contentId",
		TitleField:     "title",
		ApproveStep:    "publish",
		ApprovedStatus: submission.StatusPublished,
		PointsAction:   "content_published",
		Points:         50,
		ApprovalWait:   7 * 24 * time.Hour,
	},
	{
		Type:           api.TypeListingReview,
		Alias:          "listing-review",
		Table:          submission.TableListing,
		IDField:        "listingId",
		TitleField:     "name",
		ApproveStep:    "approve",
		ApprovedStatus: submission.StatusApproved,
		PointsAction:   "listing_approved",
		Points:         25,
		ApprovalWait:   14 * 24 * time.Hour,
	},
	{
		Type:            api.TypeVerification,
		Alias:           "business-verification",
		Table:           submission.TableVerification,
		IDField:         "requestId",
		TitleField:      "businessName",
		ApproveStep:     "approve",
		ApprovedStatus:  submission.StatusVerified,
		PointsAction:    "business_verified",
		Points:          100,
		ApprovalWait:    7 * 24 * time.Hour,
		RequiresPayment: true,
	},
	{
		Type:           api.TypeExpertApplication,
		Alias:          "expert-application",
		Table:          submission.TableExpert,
		IDField:        "applicationId",
		TitleField:     "expertise",
		ApproveStep:    "approve",
		ApprovedStatus: submission.StatusApproved,
		PointsAction:   "expert_approved",
		Points:         150,
		ApprovalWait:   14 * 24 * time.Hour,
	},
}

// New returns a registry holding every review definition wired to deps.
func New(deps Deps) *engine.Registry {
	reg := engine.NewRegistry()
	for _, r := range Reviews {
		reg.MustRegister(r.Definition(deps))
	}
	return reg
}

// Lookup returns the Review for a type name or alias.
func Lookup(name string) (Review, bool) {
	for _, r := range Reviews {
		if string(r.Type) == name || r.Alias == name {
			return r, true
		}
	}
	return Review{}, false
}
