// Package submission is the engine's view of the platform database: the
// four submission tables whose status columns review steps update, and the
// unified review queue projection.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Table names a submission table.
type Table string

const (
	TableContent      Table = "content_submission"
	TableListing      Table = "directory_listing"
	TableVerification Table = "verification_request"
	TableExpert       Table = "expert_application"
)

// Tables lists every submission table.
var Tables = []Table{TableContent, TableListing, TableVerification, TableExpert}

// Valid reports whether t is one of the known tables. Table names end up in
// SQL text, so callers must check before building queries.
func (t Table) Valid() bool {
	for _, known := range Tables {
		if t == known {
			return true
		}
	}
	return false
}

// Submission statuses written by the review workflows.
const (
	StatusPending        = "pending"
	StatusPaid           = "paid"
	StatusPublished      = "published"
	StatusApproved       = "approved"
	StatusVerified       = "verified"
	StatusRejected       = "rejected"
	StatusPaymentTimeout = "payment_timeout"
)

var (
	ErrNotFound     = errors.New("submission not found")
	ErrUnknownTable = errors.New("unknown submission table")
)

// Record is the externally visible projection of one submission.
type Record struct {
	Table     Table     `json:"table"`
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Feedback  string    `json:"feedback,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReviewItem is a row of the unified review queue shown to moderators.
type ReviewItem struct {
	WorkflowID   string    `json:"workflowId"`
	WorkflowType string    `json:"workflowType"`
	Table        Table     `json:"table"`
	SubmissionID string    `json:"submissionId"`
	SubmitterID  string    `json:"submitterId"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store is the database collaborator used by workflow steps. Both writes
// are idempotent so a retried step can repeat them.
type Store interface {
	// UpdateStatus sets the status column (and reviewer feedback, when not
	// empty) of one submission row, creating the row if needed.
	UpdateStatus(ctx context.Context, table Table, id, status, feedback string) error
	// UpsertReviewItem writes the review queue row keyed by workflow id.
	UpsertReviewItem(ctx context.Context, item ReviewItem) error
	// Get reads one submission row.
	Get(ctx context.Context, table Table, id string) (Record, error)
	// ListReviewItems returns review queue rows with the given status, or all
	// rows when status is empty, oldest first.
	ListReviewItems(ctx context.Context, status string) ([]ReviewItem, error)
}

func checkTable(t Table) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTable, t)
	}
	return nil
}
