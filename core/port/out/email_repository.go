package out

import (
	"context"

	"triage_server/core/domain"
)

// ProcessedEmailRepository persists pipeline outcomes. Upsert keys on
// (account_id, email_id); a reprocessed email replaces its verdict but a
// user correction survives.
type ProcessedEmailRepository interface {
	Upsert(ctx context.Context, email *domain.ProcessedEmail) (*domain.ProcessedEmail, error)
	GetByID(ctx context.Context, id int64) (*domain.ProcessedEmail, error)
	GetByEmailID(ctx context.Context, accountID, emailID string) (*domain.ProcessedEmail, error)
	Exists(ctx context.Context, accountID, emailID string) (bool, error)
	List(ctx context.Context, filter *domain.ProcessedEmailFilter) ([]*domain.ProcessedEmail, int64, error)
	CountByAccount(ctx context.Context, accountID string) (int64, error)
	// ApplyCorrection flips the category, marks user_corrected and keeps
	// the first original_category ever recorded.
	ApplyCorrection(ctx context.Context, id int64, corrected domain.Category) (*domain.ProcessedEmail, error)
}
