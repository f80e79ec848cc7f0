package in

import (
	"context"

	"triage_server/core/domain"
)

// SubscriptionService manages provider push watches.
type SubscriptionService interface {
	Subscribe(ctx context.Context, accountID string) (*domain.Subscription, error)
	Renew(ctx context.Context, accountID string) (*domain.Subscription, error)
	Stop(ctx context.Context, accountID string) error
	// RenewExpiring renews every subscription expiring before the slack
	// window closes. Returns how many were renewed.
	RenewExpiring(ctx context.Context) (int, error)
}

// PushIngestService accepts verified push notifications on the HTTP side
// and hands them to the worker via the job stream.
type PushIngestService interface {
	HandleNotification(ctx context.Context, n *domain.PushNotification) error
}
