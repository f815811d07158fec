// Package review connects records to the external systems that review them
// before publication.
package review

import (
	"context"
	"errors"

	"midas/internal/project/models"
)

// ErrAlreadyUnderReview is returned by a system asked to review a record it
// is still reviewing.
var ErrAlreadyUnderReview = errors.New("already under review")

// SubmitRequest is what the broker sends a review system on submission.
type SubmitRequest struct {
	RecordID  string
	Submitter string
	// PubID and Version identify a revision of something already published.
	PubID          string
	Version        string
	Reviewers      []string
	Instructions   []string
	Changes        []string
	SecurityReview bool
}

// Ack is a system's answer to a submission.
type Ack struct {
	// Phase is the starting review phase, usually "requested".
	Phase    string
	ReviewID string
}

// System is an external review system. Implementations must be safe for
// concurrent use; the broker submits to all systems in parallel.
type System interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (Ack, error)
	// Update reports a phase change on the system side.
	Update(ctx context.Context, recordID, phase string, feedback []models.Feedback) error
	// Approve concludes the system's review of the record.
	Approve(ctx context.Context, recordID string) error
}

// Callback is the broker surface a system reports back to.
type Callback interface {
	ApplyExternalReview(ctx context.Context, agent *models.Agent, id, system, phase, reviewID string, feedback []models.Feedback) (models.Status, error)
	Approve(ctx context.Context, agent *models.Agent, id, system, reviewID string) (models.Status, error)
}
