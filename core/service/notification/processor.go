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

const defaultMessageTimeout = 30 * time.Second

// =============================================================================
// Push processor: worker side of the notification path
// =============================================================================

// Processor drains the history delta behind one push notification. It runs
// on the worker, fed by PushJob deliveries; the HTTP side never calls it.
type Processor struct {
	subs           out.SubscriptionRepository
	accounts       out.AccountRepository
	provider       out.MailProvider
	triage         in.TriageService
	messageTimeout time.Duration
	log            *logger.Logger
}

func NewProcessor(subs out.SubscriptionRepository, accounts out.AccountRepository, provider out.MailProvider, triage in.TriageService) *Processor {
	return &Processor{
		subs:           subs,
		accounts:       accounts,
		provider:       provider,
		triage:         triage,
		messageTimeout: defaultMessageTimeout,
		log:            logger.Default().WithField("component", "push_processor"),
	}
}

// ProcessPush fetches everything that changed since the stored history
// cursor and runs each new message through the pipeline. The cursor only
// advances after the whole delta succeeded, so a failed delivery replays
// cleanly: already-processed messages are deduped by the pipeline.
func (p *Processor) ProcessPush(ctx context.Context, job *out.PushJob) error {
	if job == nil || job.HistoryID == 0 {
		return apperr.MissingField("history_id")
	}

	accountID, err := p.resolveAccount(ctx, job)
	if err != nil {
		if apperr.IsNotFound(err) {
			p.log.Warn("[Processor.ProcessPush] mailbox %s vanished between ingest and processing", job.EmailAddress)
			return nil
		}
		return err
	}

	sub, err := p.subs.GetByAccount(ctx, accountID)
	if apperr.IsNotFound(err) {
		// Stop raced the delivery. Nothing is watching this mailbox anymore.
		p.log.Warn("[Processor.ProcessPush] no subscription for account %s, dropping notification %s", accountID, job.NotificationID)
		return nil
	}
	if err != nil {
		return err
	}

	since := sub.LastHistoryID
	if since == 0 {
		// First notification after a fresh watch: there is no cursor to
		// enumerate from, so baseline at the notified position.
		p.log.Info("[Processor.ProcessPush] baselining account %s at history %d", accountID, job.HistoryID)
		return p.subs.AdvanceHistory(ctx, accountID, job.HistoryID, time.Now())
	}
	if job.HistoryID <= since {
		p.log.Debug("[Processor.ProcessPush] notification %s is behind cursor %d, nothing to do", job.NotificationID, since)
		return nil
	}

	messageIDs, newHistoryID, err := p.provider.ListHistory(ctx, accountID, since)
	if err != nil {
		return err
	}

	processed := 0
	for _, id := range messageIDs {
		if err := p.processOne(ctx, accountID, id); err != nil {
			// Leave the cursor where it was; the redelivery replays from
			// the same position and skips what already went through.
			return err
		}
		processed++
	}

	if newHistoryID < job.HistoryID {
		newHistoryID = job.HistoryID
	}
	if err := p.subs.AdvanceHistory(ctx, accountID, newHistoryID, time.Now()); err != nil {
		return err
	}
	p.log.Info("[Processor.ProcessPush] account %s advanced to history %d, %d messages processed", accountID, newHistoryID, processed)
	return nil
}

// processOne fetches and triages a single message under its own timeout.
// A message deleted between notification and fetch is skipped.
func (p *Processor) processOne(ctx context.Context, accountID, messageID string) error {
	msgCtx, cancel := context.WithTimeout(ctx, p.messageTimeout)
	defer cancel()

	email, err := p.provider.FetchMessage(msgCtx, accountID, messageID)
	if apperr.IsNotFound(err) {
		p.log.Debug("[Processor.processOne] message %s gone before fetch, skipping", messageID)
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := p.triage.ProcessEmail(msgCtx, email); err != nil {
		return err
	}
	return nil
}

// resolveAccount prefers the id stamped at ingest and falls back to the
// address for jobs enqueued by older producers.
func (p *Processor) resolveAccount(ctx context.Context, job *out.PushJob) (string, error) {
	if job.AccountID != "" {
		return job.AccountID, nil
	}
	account, err := p.accounts.GetByAddress(ctx, domain.NormalizeAddress(job.EmailAddress))
	if err != nil {
		return "", err
	}
	return account.ID, nil
}
