package notification

import (
	"context"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/logger"
)

// =============================================================================
// Subscription manager: provider watch registrations
// =============================================================================

// ManagerConfig tunes the watch lifecycle.
type ManagerConfig struct {
	// Topic is the push topic handed to the provider on Watch.
	Topic string
	// RenewalSlack is how far ahead of expiry RenewExpiring reaches.
	RenewalSlack time.Duration
}

// DefaultManagerConfig renews a day before the provider drops the watch.
func DefaultManagerConfig(topic string) ManagerConfig {
	return ManagerConfig{
		Topic:        topic,
		RenewalSlack: 24 * time.Hour,
	}
}

// Manager registers, renews and stops provider push watches and keeps the
// subscriptions table in line with what the provider believes.
type Manager struct {
	subs     out.SubscriptionRepository
	accounts out.AccountRepository
	provider out.MailProvider
	events   out.EventLog
	cfg      ManagerConfig
	log      *logger.Logger
}

var _ in.SubscriptionService = (*Manager)(nil)

func NewManager(subs out.SubscriptionRepository, accounts out.AccountRepository, provider out.MailProvider, events out.EventLog, cfg ManagerConfig) *Manager {
	if cfg.RenewalSlack <= 0 {
		cfg.RenewalSlack = 24 * time.Hour
	}
	return &Manager{
		subs:     subs,
		accounts: accounts,
		provider: provider,
		events:   events,
		cfg:      cfg,
		log:      logger.Default().WithField("component", "subscription_manager"),
	}
}

// Subscribe registers a watch for the account and stores the resulting
// cursor. Re-subscribing an already-watched account just refreshes it.
func (m *Manager) Subscribe(ctx context.Context, accountID string) (*domain.Subscription, error) {
	return m.register(ctx, accountID, domain.EventWebhookSubscriptionCreated)
}

// Renew re-registers the watch before it expires. Providers treat this as
// the same call as the initial registration.
func (m *Manager) Renew(ctx context.Context, accountID string) (*domain.Subscription, error) {
	return m.register(ctx, accountID, domain.EventWebhookSubscriptionRenewed)
}

func (m *Manager) register(ctx context.Context, accountID string, eventType domain.EventType) (*domain.Subscription, error) {
	if accountID == "" {
		return nil, apperr.MissingField("account_id")
	}
	if _, err := m.accounts.GetByID(ctx, accountID); err != nil {
		return nil, err
	}

	watch, err := m.provider.Watch(ctx, accountID, m.cfg.Topic)
	if err != nil {
		return nil, err
	}

	// Upsert never rewinds last_history_id; a renewal racing a push keeps
	// the larger cursor.
	sub, err := m.subs.Upsert(ctx, &domain.Subscription{
		AccountID:     accountID,
		Topic:         m.cfg.Topic,
		LastHistoryID: watch.HistoryID,
		ExpiresAt:     watch.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	m.appendEvent(ctx, accountID, eventType, map[string]any{
		"topic":      m.cfg.Topic,
		"history_id": watch.HistoryID,
		"expires_at": watch.ExpiresAt.Format(time.RFC3339),
	})
	return sub, nil
}

// Stop tears the watch down at the provider and forgets the subscription.
// A missing registration is not an error: the goal state is "no watch".
func (m *Manager) Stop(ctx context.Context, accountID string) error {
	if accountID == "" {
		return apperr.MissingField("account_id")
	}
	if err := m.provider.StopWatch(ctx, accountID); err != nil && !apperr.IsNotFound(err) {
		return err
	}
	if err := m.subs.Delete(ctx, accountID); err != nil && !apperr.IsNotFound(err) {
		return err
	}
	m.appendEvent(ctx, accountID, domain.EventWebhookSubscriptionStopped, map[string]any{
		"topic": m.cfg.Topic,
	})
	return nil
}

// RenewExpiring sweeps subscriptions expiring within the slack window and
// renews each one. A single failing account does not stop the sweep.
func (m *Manager) RenewExpiring(ctx context.Context) (int, error) {
	expiring, err := m.subs.ListExpiring(ctx, time.Now().Add(m.cfg.RenewalSlack))
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, sub := range expiring {
		if _, err := m.Renew(ctx, sub.AccountID); err != nil {
			m.log.Error("[Manager.RenewExpiring] renewal for account %s failed: %v", sub.AccountID, err)
			continue
		}
		renewed++
	}
	if len(expiring) > 0 {
		m.log.Info("[Manager.RenewExpiring] renewed %d/%d expiring watches", renewed, len(expiring))
	}
	return renewed, nil
}

// appendEvent records a lifecycle event. The watch is already registered
// when this runs, so failures are logged and swallowed.
func (m *Manager) appendEvent(ctx context.Context, accountID string, eventType domain.EventType, payload map[string]any) {
	if _, err := m.events.Append(ctx, &domain.Event{
		Type:      eventType,
		AccountID: accountID,
		Payload:   payload,
	}); err != nil {
		m.log.Error("[Manager.appendEvent] %s for account %s not recorded: %v", eventType, accountID, err)
	}
}
