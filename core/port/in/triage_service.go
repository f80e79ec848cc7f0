package in

import (
	"context"

	"triage_server/core/domain"
)

// EmailDetail bundles a processed email with its memory objects for the
// detail endpoint.
type EmailDetail struct {
	Email  *domain.ProcessedEmail `json:"email"`
	Memory *domain.MemorySet      `json:"memory,omitempty"`
}

// TriageService runs emails through the pipeline and serves the results.
type TriageService interface {
	// ProcessEmail classifies, extracts, persists and routes one email.
	// It is idempotent per (account_id, email_id).
	ProcessEmail(ctx context.Context, email *domain.EmailToClassify) (*domain.ProcessingResult, error)
	GetEmail(ctx context.Context, id int64) (*EmailDetail, error)
	ListEmails(ctx context.Context, filter *domain.ProcessedEmailFilter) ([]*domain.ProcessedEmail, int64, error)
}
