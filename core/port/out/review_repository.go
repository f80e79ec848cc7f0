package out

import (
	"context"

	"triage_server/core/domain"
)

// ReviewRepository stores the human review queue.
type ReviewRepository interface {
	Create(ctx context.Context, item *domain.ReviewItem) (*domain.ReviewItem, error)
	GetByID(ctx context.Context, id int64) (*domain.ReviewItem, error)
	GetPendingByEmail(ctx context.Context, accountID, emailID string) (*domain.ReviewItem, error)
	// UpdateSuggestion refreshes the suggested verdict on a still-pending
	// item (reprocessing an email that already sits in the queue).
	UpdateSuggestion(ctx context.Context, item *domain.ReviewItem) error
	List(ctx context.Context, filter *domain.ReviewFilter) ([]*domain.ReviewItem, int64, error)
	// Transition moves a pending item to a terminal status. It is the
	// optimistic-concurrency point of the queue: when the row is no longer
	// pending, it returns a Conflict and mutates nothing.
	Transition(ctx context.Context, id int64, to domain.ReviewStatus, corrected *domain.Category, feedbackText string) (*domain.ReviewItem, error)
}
