package review

import (
	"context"
	"time"

	"triage_server/core/agent/rag"
	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/core/service/feedback"
	"triage_server/pkg/apperr"
	"triage_server/pkg/logger"
)

// =============================================================================
// Review service: human decisions over the queue
// =============================================================================

// Service implements in.ReviewService. A decision commits in three stages:
// queue transition (the optimistic-concurrency point), audit event, then
// feedback into the preference stats. Once the transition lands, the
// decision stands even if a later stage fails.
type Service struct {
	reviews   out.ReviewRepository
	emails    out.ProcessedEmailRepository
	events    out.EventLog
	tracker   *feedback.Tracker
	provider  out.MailProvider
	retriever *rag.Retriever
	log       *logger.Logger
}

var _ in.ReviewService = (*Service)(nil)

// NewService wires the review queue. provider and retriever may be nil;
// label application and the related-emails lookup degrade gracefully.
func NewService(
	reviews out.ReviewRepository,
	emails out.ProcessedEmailRepository,
	events out.EventLog,
	tracker *feedback.Tracker,
	provider out.MailProvider,
	retriever *rag.Retriever,
) *Service {
	return &Service{
		reviews:   reviews,
		emails:    emails,
		events:    events,
		tracker:   tracker,
		provider:  provider,
		retriever: retriever,
		log:       logger.Default().WithField("component", "review_service"),
	}
}

// List returns queue items matching the filter, ordered importance
// descending then age ascending, plus the unpaged total.
func (s *Service) List(ctx context.Context, filter *domain.ReviewFilter) ([]*domain.ReviewItem, int64, error) {
	if filter == nil {
		filter = &domain.ReviewFilter{}
	}
	if filter.Status == "" {
		filter.Status = domain.ReviewPending
	}
	return s.reviews.List(ctx, filter)
}

// Get returns a single queue item.
func (s *Service) Get(ctx context.Context, id int64) (*domain.ReviewItem, error) {
	return s.reviews.GetByID(ctx, id)
}

// Approve confirms the suggested category. The email keeps its verdict and
// the sender's stats are reinforced toward it.
func (s *Service) Approve(ctx context.Context, id int64, feedbackText string) (*domain.ReviewItem, error) {
	return s.decide(ctx, id, domain.ReviewApproved, nil, feedbackText)
}

// Reject marks the suggestion wrong without supplying the right answer.
// The sender's rates decay; the stored verdict is left untouched.
func (s *Service) Reject(ctx context.Context, id int64, feedbackText string) (*domain.ReviewItem, error) {
	return s.decide(ctx, id, domain.ReviewRejected, nil, feedbackText)
}

// Modify replaces the suggested category with the reviewer's correction.
// The processed email is rewritten (user_corrected, original kept) and the
// provider label is moved to the corrected category.
func (s *Service) Modify(ctx context.Context, id int64, corrected domain.Category, feedbackText string) (*domain.ReviewItem, error) {
	if !corrected.IsValid() {
		return nil, apperr.InvalidInput("category", string(corrected)+" is not a triage category")
	}
	return s.decide(ctx, id, domain.ReviewModified, &corrected, feedbackText)
}

// Related returns vector-similar previously processed emails for reviewer
// context. Without a retriever it returns an empty list.
func (s *Service) Related(ctx context.Context, id int64, topK int) ([]*domain.RelatedEmail, error) {
	item, err := s.reviews.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.retriever == nil {
		return []*domain.RelatedEmail{}, nil
	}

	email, err := s.emails.GetByID(ctx, item.ProcessedEmailID)
	if err != nil {
		return nil, err
	}
	return s.retriever.Related(ctx, email, topK)
}

// decide is the shared decision path. The repository transition is the
// only step that can race; everything after it is applied best-effort in
// order of importance.
func (s *Service) decide(ctx context.Context, id int64, to domain.ReviewStatus, corrected *domain.Category, feedbackText string) (*domain.ReviewItem, error) {
	item, err := s.reviews.Transition(ctx, id, to, corrected, feedbackText)
	if err != nil {
		return nil, err
	}

	s.appendDecisionEvent(ctx, item, to)

	if to == domain.ReviewModified && corrected != nil {
		if _, err := s.emails.ApplyCorrection(ctx, item.ProcessedEmailID, *corrected); err != nil {
			s.log.Error("[Service.decide] correction not applied to processed email %d: %v", item.ProcessedEmailID, err)
		}
	}

	s.applyLabel(ctx, item, to)
	s.propagateFeedback(ctx, item, to, corrected)

	return item, nil
}

func (s *Service) appendDecisionEvent(ctx context.Context, item *domain.ReviewItem, to domain.ReviewStatus) {
	eventType := map[domain.ReviewStatus]domain.EventType{
		domain.ReviewApproved: domain.EventReviewApproved,
		domain.ReviewRejected: domain.EventReviewRejected,
		domain.ReviewModified: domain.EventReviewModified,
	}[to]

	payload := map[string]any{
		"review_id":          item.ID,
		"suggested_category": string(item.SuggestedCategory),
		"confidence":         item.Confidence,
	}
	if item.CorrectedCategory != nil {
		payload["corrected_category"] = string(*item.CorrectedCategory)
	}
	if item.FeedbackText != "" {
		payload["feedback_text"] = item.FeedbackText
	}

	if _, err := s.events.Append(ctx, &domain.Event{
		Type:      eventType,
		AccountID: item.AccountID,
		EmailID:   item.EmailID,
		Payload:   payload,
	}); err != nil {
		// Transition already committed; the decision stands without its
		// audit record.
		s.log.Error("[Service.appendDecisionEvent] failed to append %s for review %d: %v", eventType, item.ID, err)
	}
}

// applyLabel moves the provider-side label to the decided category.
// Rejections carry no replacement category, so nothing is applied.
func (s *Service) applyLabel(ctx context.Context, item *domain.ReviewItem, to domain.ReviewStatus) {
	if s.provider == nil || to == domain.ReviewRejected {
		return
	}
	if err := s.provider.ApplyLabel(ctx, item.AccountID, item.EmailID, item.FinalCategory()); err != nil {
		s.log.Warn("[Service.applyLabel] label %s not applied to %s: %v", item.FinalCategory(), item.EmailID, err)
	}
}

func (s *Service) propagateFeedback(ctx context.Context, item *domain.ReviewItem, to domain.ReviewStatus, corrected *domain.Category) {
	action := map[domain.ReviewStatus]domain.FeedbackAction{
		domain.ReviewApproved: domain.ActionReviewApprove,
		domain.ReviewRejected: domain.ActionReviewReject,
		domain.ReviewModified: domain.ActionReviewModify,
	}[to]

	event := &domain.FeedbackEvent{
		Source:        domain.SourceReview,
		Action:        action,
		AccountID:     item.AccountID,
		EmailID:       item.EmailID,
		Sender:        item.Sender,
		SenderDomain:  domain.DomainOf(item.Sender),
		PriorCategory: item.SuggestedCategory,
		NewCategory:   corrected,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.tracker.ApplyFeedback(ctx, event); err != nil {
		s.log.Error("[Service.propagateFeedback] feedback for review %d not recorded: %v", item.ID, err)
	}
}
