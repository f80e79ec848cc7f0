package feedback

import (
	"context"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/cache"
	"triage_server/pkg/logger"
)

// =============================================================================
// Feedback tracker: the only writer of preference rows
// =============================================================================

const (
	// defaultAlpha weights the newest observation in the moving average.
	// At 0.15, roughly the last twenty observations dominate a rate.
	defaultAlpha = 0.15

	// casRetries bounds the optimistic-concurrency retry loop. Conflicts
	// are rare (same sender, same account, same instant) so three attempts
	// is generous.
	casRetries = 3
)

// Tracker folds user behavior into per-sender and per-domain preference
// rows. All three rates update on every observation: acting on one signal
// is also evidence the others did not happen.
type Tracker struct {
	prefs  out.PreferenceRepository
	events out.EventLog
	cache  *cache.RedisCache // nil disables invalidation
	alpha  float64
	log    *logger.Logger
}

func NewTracker(prefs out.PreferenceRepository, events out.EventLog, redisCache *cache.RedisCache) *Tracker {
	return NewTrackerWithAlpha(prefs, events, redisCache, defaultAlpha)
}

// NewTrackerWithAlpha overrides the EMA learning rate. Values outside
// (0, 1] fall back to the default.
func NewTrackerWithAlpha(prefs out.PreferenceRepository, events out.EventLog, redisCache *cache.RedisCache, alpha float64) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = defaultAlpha
	}
	return &Tracker{
		prefs:  prefs,
		events: events,
		cache:  redisCache,
		alpha:  alpha,
		log:    logger.Default().WithField("component", "feedback_tracker"),
	}
}

// ObserveMessage records an implicit provider-state observation (the user
// replied, archived, deleted or starred outside the review queue). Implicit
// observations are the only ones that grow emails_seen: they correspond to
// a real new message, while review decisions re-judge an already-counted
// one.
func (t *Tracker) ObserveMessage(ctx context.Context, accountID, sender string, obs domain.Observation) error {
	return t.record(ctx, accountID, sender, obs, true)
}

// ApplyFeedback folds an explicit feedback event into the stats and
// appends the USER_FEEDBACK audit record. Called by the review service
// after it has committed the queue transition and its REVIEW_* event.
func (t *Tracker) ApplyFeedback(ctx context.Context, event *domain.FeedbackEvent) error {
	if event.AccountID == "" || event.Sender == "" {
		return apperr.MissingField("account_id/sender")
	}

	obs := t.observationFor(event)
	countsAsSeen := event.Source == domain.SourceImplicit

	if err := t.record(ctx, event.AccountID, event.Sender, obs, countsAsSeen); err != nil {
		return err
	}

	payload := map[string]any{
		"source": string(event.Source),
		"action": string(event.Action),
		"sender": event.Sender,
	}
	if event.PriorCategory != "" {
		payload["prior_category"] = string(event.PriorCategory)
	}
	if event.NewCategory != nil {
		payload["new_category"] = string(*event.NewCategory)
	}

	if _, err := t.events.Append(ctx, &domain.Event{
		Type:      domain.EventUserFeedback,
		AccountID: event.AccountID,
		EmailID:   event.EmailID,
		Payload:   payload,
	}); err != nil {
		// Stats are already updated; losing the audit record is the
		// documented failure mode, not a reason to unwind.
		t.log.Error("[Tracker.ApplyFeedback] failed to append USER_FEEDBACK: %v", err)
	}
	return nil
}

func (t *Tracker) observationFor(event *domain.FeedbackEvent) domain.Observation {
	switch event.Action {
	case domain.ActionReply:
		return domain.Observation{Replied: true}
	case domain.ActionArchive:
		return domain.Observation{Archived: true}
	case domain.ActionDelete:
		return domain.Observation{Deleted: true}
	case domain.ActionStar:
		return domain.Observation{Starred: true}
	case domain.ActionReviewApprove, domain.ActionReviewModify:
		category := event.PriorCategory
		if event.NewCategory != nil {
			category = *event.NewCategory
		}
		return domain.ReviewObservation(event.Action, category)
	case domain.ActionReviewReject:
		return domain.ReviewObservation(event.Action, event.PriorCategory)
	default:
		return domain.Observation{}
	}
}

// record updates the sender row and, when the sender has a domain, the
// domain row. A failed domain update does not unwind the sender update;
// the two rows converge independently.
func (t *Tracker) record(ctx context.Context, accountID, sender string, obs domain.Observation, countsAsSeen bool) error {
	sender = domain.NormalizeAddress(sender)
	if sender == "" {
		return apperr.MissingField("sender")
	}

	if err := t.updateOne(ctx, accountID, domain.ScopeSender, sender, obs, countsAsSeen); err != nil {
		return err
	}
	if d := domain.DomainOf(sender); d != "" {
		if err := t.updateOne(ctx, accountID, domain.ScopeDomain, d, obs, countsAsSeen); err != nil {
			t.log.Warn("[Tracker.record] domain row update failed for %s: %v", d, err)
		}
	}
	return nil
}

// updateOne is the CAS loop: read, fold, write-if-unchanged. On conflict it
// re-reads and re-folds, so a lost race still contributes its observation
// rather than clobbering the winner's.
func (t *Tracker) updateOne(ctx context.Context, accountID string, scope domain.PreferenceScope, key string, obs domain.Observation, countsAsSeen bool) error {
	var lastErr error
	for attempt := 0; attempt <= casRetries; attempt++ {
		pref, err := t.prefs.Get(ctx, scope, accountID, key)
		if apperr.IsNotFound(err) {
			fresh := domain.NewPreference(accountID, scope, key)
			fold(fresh, obs, countsAsSeen, t.alpha)
			if _, err := t.prefs.Create(ctx, fresh); err != nil {
				if apperr.IsConflict(err) {
					lastErr = err
					continue // concurrent creator won; fold into their row
				}
				return err
			}
			t.invalidate(ctx, scope, accountID, key)
			return nil
		}
		if err != nil {
			return err
		}

		expected := pref.LastUpdated
		fold(pref, obs, countsAsSeen, t.alpha)
		pref.LastUpdated = time.Now().UTC()

		if err := t.prefs.UpdateCAS(ctx, pref, expected); err != nil {
			if apperr.IsConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		t.invalidate(ctx, scope, accountID, key)
		return nil
	}
	return apperr.Conflict("preference update kept losing the race").WithError(lastErr)
}

// fold applies one observation to a row in place: counters, the three EMA
// rates, and the re-derived inferred importance.
func fold(pref *domain.Preference, obs domain.Observation, countsAsSeen bool, alpha float64) {
	if countsAsSeen {
		pref.EmailsSeen++
	}
	if obs.Replied {
		pref.Replies++
	}
	if obs.Archived {
		pref.Archives++
	}
	if obs.Deleted {
		pref.Deletes++
	}
	if obs.Starred {
		pref.Stars++
	}

	pref.ReplyRate = ema(pref.ReplyRate, obs.Replied, alpha)
	pref.ArchiveRate = ema(pref.ArchiveRate, obs.Archived, alpha)
	pref.DeleteRate = ema(pref.DeleteRate, obs.Deleted, alpha)

	_, pref.Importance = domain.InferFromRates(pref.ReplyRate, pref.ArchiveRate, pref.DeleteRate)
}

func ema(old float64, observed bool, alpha float64) float64 {
	x := 0.0
	if observed {
		x = 1.0
	}
	return alpha*x + (1-alpha)*old
}

func (t *Tracker) invalidate(ctx context.Context, scope domain.PreferenceScope, accountID, key string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Delete(ctx, cache.PreferenceKey(string(scope), accountID, key)); err != nil {
		t.log.Debug("[Tracker.invalidate] cache delete failed: %v", err)
	}
}
