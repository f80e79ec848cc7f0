package persistence

import (
	"context"
	"database/sql"
	"time"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"

	"github.com/jmoiron/sqlx"
)

// SubscriptionAdapter stores push watch registrations, one row per account.
type SubscriptionAdapter struct {
	db *sqlx.DB
}

func NewSubscriptionAdapter(db *sqlx.DB) *SubscriptionAdapter {
	return &SubscriptionAdapter{db: db}
}

type subscriptionEntity struct {
	ID                 int64        `db:"id"`
	AccountID          string       `db:"account_id"`
	Topic              string       `db:"topic"`
	LastHistoryID      int64        `db:"last_history_id"`
	ExpiresAt          time.Time    `db:"expires_at"`
	LastNotificationAt sql.NullTime `db:"last_notification_at"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (e *subscriptionEntity) toDomain() *domain.Subscription {
	return &domain.Subscription{
		ID:                 e.ID,
		AccountID:          e.AccountID,
		Topic:              e.Topic,
		LastHistoryID:      uint64(e.LastHistoryID),
		ExpiresAt:          e.ExpiresAt,
		LastNotificationAt: timePtr(e.LastNotificationAt),
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

const subscriptionColumns = `
	id, account_id, topic, last_history_id, expires_at,
	last_notification_at, created_at, updated_at`

// Upsert registers or refreshes the watch for an account. Re-subscribing
// replaces topic and expiry but keeps last_history_id moving forward.
func (a *SubscriptionAdapter) Upsert(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	if sub.AccountID == "" {
		return nil, apperr.MissingField("account_id")
	}

	query := `
		INSERT INTO subscriptions (account_id, topic, last_history_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			topic = EXCLUDED.topic,
			last_history_id = GREATEST(subscriptions.last_history_id, EXCLUDED.last_history_id),
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
		RETURNING ` + subscriptionColumns

	var entity subscriptionEntity
	err := a.db.GetContext(ctx, &entity, query,
		sub.AccountID, sub.Topic, int64(sub.LastHistoryID), sub.ExpiresAt,
	)
	if err != nil {
		return nil, wrapDBError(err, "subscriptions.upsert")
	}
	return entity.toDomain(), nil
}

func (a *SubscriptionAdapter) GetByAccount(ctx context.Context, accountID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE account_id = $1`

	var entity subscriptionEntity
	if err := a.db.GetContext(ctx, &entity, query, accountID); err != nil {
		return nil, wrapDBError(err, "subscriptions.get")
	}
	return entity.toDomain(), nil
}

// AdvanceHistory moves the cursor forward. The guard makes stale or
// replayed notifications no-ops instead of rewinds.
func (a *SubscriptionAdapter) AdvanceHistory(ctx context.Context, accountID string, historyID uint64, notifiedAt time.Time) error {
	query := `
		UPDATE subscriptions
		SET last_history_id = $2,
			last_notification_at = $3,
			updated_at = NOW()
		WHERE account_id = $1 AND last_history_id < $2`

	if _, err := a.db.ExecContext(ctx, query, accountID, int64(historyID), notifiedAt); err != nil {
		return wrapDBError(err, "subscriptions.advance_history")
	}
	return nil
}

func (a *SubscriptionAdapter) ListExpiring(ctx context.Context, before time.Time) ([]*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE expires_at < $1
		ORDER BY expires_at ASC`

	var entities []subscriptionEntity
	if err := a.db.SelectContext(ctx, &entities, query, before); err != nil {
		return nil, wrapDBError(err, "subscriptions.list_expiring")
	}

	subs := make([]*domain.Subscription, 0, len(entities))
	for i := range entities {
		subs = append(subs, entities[i].toDomain())
	}
	return subs, nil
}

func (a *SubscriptionAdapter) Delete(ctx context.Context, accountID string) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE account_id = $1`, accountID); err != nil {
		return wrapDBError(err, "subscriptions.delete")
	}
	return nil
}
