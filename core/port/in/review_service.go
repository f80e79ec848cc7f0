package in

import (
	"context"

	"triage_server/core/domain"
)

// ReviewService drives the human-in-the-loop queue. Decisions transition a
// pending item exactly once; a second decision returns a Conflict.
type ReviewService interface {
	List(ctx context.Context, filter *domain.ReviewFilter) ([]*domain.ReviewItem, int64, error)
	Get(ctx context.Context, id int64) (*domain.ReviewItem, error)
	Approve(ctx context.Context, id int64, feedbackText string) (*domain.ReviewItem, error)
	Reject(ctx context.Context, id int64, feedbackText string) (*domain.ReviewItem, error)
	Modify(ctx context.Context, id int64, corrected domain.Category, feedbackText string) (*domain.ReviewItem, error)
	// Related returns vector-similar previously processed emails, to give
	// the reviewer context.
	Related(ctx context.Context, id int64, topK int) ([]*domain.RelatedEmail, error)
}
