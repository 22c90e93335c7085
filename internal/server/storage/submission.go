package storage

import (
	"context"

	"github.com/iudanet/sessionguard/internal/models"
)

//go:generate moq -out submission_mock.go . SubmissionStorage

// SubmissionStorage defines interface for accepted forms
type SubmissionStorage interface {
	// SaveSubmission stores sub unless the user already has a submission with the same ID.
	// Returns the stored submission and whether it was created by this call.
	SaveSubmission(ctx context.Context, sub *models.Submission) (*models.Submission, bool, error)

	// GetSubmission retrieves a submission of the user by ID
	// Returns ErrSubmissionNotFound if it doesn't exist
	GetSubmission(ctx context.Context, userID, id string) (*models.Submission, error)
}
