package notification

import (
	"context"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/cache"
	"triage_server/pkg/logger"
)

const defaultDedupeTTL = 5 * time.Minute

// dedupeStore is the slice of the cache the ingest path needs.
// *cache.RedisCache satisfies it.
type dedupeStore interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// =============================================================================
// Push ingest: HTTP side of the notification path
// =============================================================================

// PushIngest accepts decoded push notifications, deduplicates redeliveries
// and hands the work to the worker via the job stream. It does not touch
// the mailbox itself.
type PushIngest struct {
	accounts  out.AccountRepository
	events    out.EventLog
	producer  out.MessageProducer
	dedupe    dedupeStore
	dedupeTTL time.Duration
	log       *logger.Logger
}

var _ in.PushIngestService = (*PushIngest)(nil)

// NewPushIngest wires the ingest path. dedupe may be nil, which disables
// dedupe (every delivery is processed; the pipeline is idempotent anyway).
func NewPushIngest(accounts out.AccountRepository, events out.EventLog, producer out.MessageProducer, dedupe dedupeStore) *PushIngest {
	return &PushIngest{
		accounts:  accounts,
		events:    events,
		producer:  producer,
		dedupe:    dedupe,
		dedupeTTL: defaultDedupeTTL,
		log:       logger.Default().WithField("component", "push_ingest"),
	}
}

// HandleNotification validates, dedupes and enqueues one notification.
// A nil return acks the delivery; unknown mailboxes are acked too, since
// redelivering them can never succeed.
func (s *PushIngest) HandleNotification(ctx context.Context, n *domain.PushNotification) error {
	if n == nil || n.EmailAddress == "" || n.HistoryID == 0 {
		return apperr.MissingField("email_address/history_id")
	}

	if !s.markSeen(ctx, n.NotificationID) {
		s.log.Debug("[PushIngest.HandleNotification] duplicate notification %s dropped", n.NotificationID)
		return nil
	}

	account, err := s.accounts.GetByAddress(ctx, domain.NormalizeAddress(n.EmailAddress))
	if apperr.IsNotFound(err) {
		s.log.Warn("[PushIngest.HandleNotification] notification for unknown mailbox %s", n.EmailAddress)
		return nil
	}
	if err != nil {
		s.unmarkSeen(ctx, n.NotificationID)
		return err
	}

	if _, err := s.events.Append(ctx, &domain.Event{
		Type:      domain.EventWebhookReceived,
		AccountID: account.ID,
		Payload: map[string]any{
			"notification_id": n.NotificationID,
			"email_address":   n.EmailAddress,
			"history_id":      n.HistoryID,
		},
	}); err != nil {
		s.unmarkSeen(ctx, n.NotificationID)
		return err
	}

	if s.producer == nil {
		// No stream to hand off to; leave the delivery unacked so the
		// broker retries once the transport is back.
		s.unmarkSeen(ctx, n.NotificationID)
		return apperr.TransientTransport("job stream", nil)
	}
	if err := s.producer.PublishPush(ctx, &out.PushJob{
		NotificationID: n.NotificationID,
		AccountID:      account.ID,
		EmailAddress:   n.EmailAddress,
		HistoryID:      n.HistoryID,
	}); err != nil {
		s.unmarkSeen(ctx, n.NotificationID)
		return err
	}
	return nil
}

// markSeen returns false when the notification id was already recorded.
// Cache trouble degrades to at-least-once: the pipeline downstream is
// idempotent.
func (s *PushIngest) markSeen(ctx context.Context, notificationID string) bool {
	if s.dedupe == nil || notificationID == "" {
		return true
	}
	set, err := s.dedupe.SetNX(ctx, cache.PushDedupeKey(notificationID), "1", s.dedupeTTL)
	if err != nil {
		s.log.Warn("[PushIngest.markSeen] dedupe unavailable: %v", err)
		return true
	}
	return set
}

// unmarkSeen releases the dedupe claim after a downstream failure, so the
// provider's redelivery is not dropped.
func (s *PushIngest) unmarkSeen(ctx context.Context, notificationID string) {
	if s.dedupe == nil || notificationID == "" {
		return
	}
	if err := s.dedupe.Delete(ctx, cache.PushDedupeKey(notificationID)); err != nil {
		s.log.Warn("[PushIngest.unmarkSeen] dedupe key for %s not released: %v", notificationID, err)
	}
}
