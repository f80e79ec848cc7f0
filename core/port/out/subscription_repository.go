package out

import (
	"context"
	"time"

	"triage_server/core/domain"
)

// SubscriptionRepository stores push watch registrations, one per account.
type SubscriptionRepository interface {
	Upsert(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	GetByAccount(ctx context.Context, accountID string) (*domain.Subscription, error)
	// AdvanceHistory moves last_history_id forward. It never moves it
	// backwards: the update is guarded by last_history_id < historyID.
	AdvanceHistory(ctx context.Context, accountID string, historyID uint64, notifiedAt time.Time) error
	ListExpiring(ctx context.Context, before time.Time) ([]*domain.Subscription, error)
	Delete(ctx context.Context, accountID string) error
}
