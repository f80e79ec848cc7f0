package out

import (
	"context"

	"triage_server/core/domain"
)

// MemoryStore persists extracted tasks, decisions and questions.
// ReplaceForEmail swaps the whole set for one email atomically, which makes
// reprocessing idempotent.
type MemoryStore interface {
	ReplaceForEmail(ctx context.Context, accountID, emailID string, extraction *domain.Extraction) error
	GetForEmail(ctx context.Context, accountID, emailID string) (*domain.MemorySet, error)
	ListOpenTasks(ctx context.Context, accountID string, limit int) ([]domain.Task, error)
}
