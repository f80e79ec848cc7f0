package triage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/logger"
	"triage_server/pkg/resilience"
)

// =============================================================================
// Orchestrator: the per-message pipeline
// =============================================================================

// Config carries the routing thresholds and label policy.
type Config struct {
	// AutoApplyThreshold is the confidence at or above which a verdict is
	// final without human review.
	AutoApplyThreshold float64
	// ReviewThreshold is the confidence below which a queued item is
	// additionally flagged low_confidence.
	ReviewThreshold float64
	// ApplyLabels enables provider-side label writes on auto-applied
	// verdicts.
	ApplyLabels bool
}

// DefaultConfig mirrors production routing.
func DefaultConfig() Config {
	return Config{
		AutoApplyThreshold: 0.90,
		ReviewThreshold:    0.65,
		ApplyLabels:        true,
	}
}

// classifier is the slice of the ensemble the orchestrator calls.
type classifier interface {
	Classify(ctx context.Context, email *domain.EmailToClassify) (*domain.EnsembleVerdict, error)
}

// itemExtractor is the slice of the extractor the orchestrator calls.
type itemExtractor interface {
	Extract(ctx context.Context, email *domain.EmailToClassify, extractionID string) *domain.Extraction
}

// vectorIndexer is the slice of the rag indexer the orchestrator calls.
type vectorIndexer interface {
	IndexEmail(ctx context.Context, email *domain.ProcessedEmail) error
}

// Orchestrator implements in.TriageService. One call to ProcessEmail runs
// classify → extract → persist → route → memory, then best-effort vector
// indexing. The pipeline is idempotent per (account_id, email_id):
// reprocessing replaces the verdict and extraction, preserves events and
// any recorded user correction, and refreshes rather than duplicates a
// pending review item.
type Orchestrator struct {
	ensemble  classifier
	extractor itemExtractor
	emails    out.ProcessedEmailRepository
	reviews   out.ReviewRepository
	memory    out.MemoryStore
	events    out.EventLog
	provider  out.MailProvider
	indexer   vectorIndexer
	breaker   *resilience.CircuitBreaker
	cfg       Config
	log       *logger.Logger
}

var _ in.TriageService = (*Orchestrator)(nil)

// NewOrchestrator wires the pipeline. provider and indexer may be nil;
// label writes and vector indexing then become no-ops.
func NewOrchestrator(
	ensemble classifier,
	extractor itemExtractor,
	emails out.ProcessedEmailRepository,
	reviews out.ReviewRepository,
	memory out.MemoryStore,
	events out.EventLog,
	provider out.MailProvider,
	indexer vectorIndexer,
	cfg Config,
) *Orchestrator {
	if cfg.AutoApplyThreshold <= 0 {
		cfg.AutoApplyThreshold = 0.90
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = 0.65
	}
	return &Orchestrator{
		ensemble:  ensemble,
		extractor: extractor,
		emails:    emails,
		reviews:   reviews,
		memory:    memory,
		events:    events,
		provider:  provider,
		indexer:   indexer,
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("vector_index")),
		cfg:       cfg,
		log:       logger.Default().WithField("component", "triage_orchestrator"),
	}
}

// ProcessEmail runs one email through the whole pipeline and returns what
// happened. Errors it returns are retryable from the driver's point of
// view: rerunning the same email converges on the same state.
func (o *Orchestrator) ProcessEmail(ctx context.Context, email *domain.EmailToClassify) (*domain.ProcessingResult, error) {
	if email == nil || email.AccountID == "" || email.EmailID == "" {
		return nil, apperr.MissingField("account_id/email_id")
	}
	o.normalize(email)
	started := time.Now()

	verdict, err := o.ensemble.Classify(ctx, email)
	if err != nil {
		return nil, o.fail(ctx, email, "classify", err)
	}
	if err := o.appendClassified(ctx, email, verdict); err != nil {
		return nil, o.fail(ctx, email, "classify_event", err)
	}

	extractionID := uuid.New().String()
	ex := o.extractor.Extract(ctx, email, extractionID)
	if err := o.appendAnalyzed(ctx, email, ex, extractionID); err != nil {
		return nil, o.fail(ctx, email, "analyze_event", err)
	}

	saved, err := o.emails.Upsert(ctx, o.buildRecord(email, verdict, ex))
	if err != nil {
		return nil, o.fail(ctx, email, "persist", err)
	}

	routing, err := o.route(ctx, email, verdict, saved)
	if err != nil {
		return nil, o.fail(ctx, email, "route", err)
	}

	if err := o.memory.ReplaceForEmail(ctx, email.AccountID, email.EmailID, ex); err != nil {
		return nil, o.fail(ctx, email, "memory", err)
	}

	o.index(ctx, saved)

	result := &domain.ProcessingResult{
		Email:      saved,
		Verdict:    verdict,
		Extraction: ex,
		Routing:    routing,
		DurationMS: time.Since(started).Milliseconds(),
	}
	o.log.Info("[Orchestrator.ProcessEmail] %s/%s → %s (conf %.2f, %s) in %dms",
		email.AccountID, email.EmailID, verdict.Category, verdict.Confidence, routing, result.DurationMS)
	return result, nil
}

// GetEmail returns one processed email with its memory objects.
func (o *Orchestrator) GetEmail(ctx context.Context, id int64) (*in.EmailDetail, error) {
	email, err := o.emails.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	memory, err := o.memory.GetForEmail(ctx, email.AccountID, email.EmailID)
	if err != nil {
		o.log.Warn("[Orchestrator.GetEmail] memory lookup failed for %s: %v", email.EmailID, err)
		memory = nil
	}
	return &in.EmailDetail{Email: email, Memory: memory}, nil
}

// ListEmails pages through processed emails.
func (o *Orchestrator) ListEmails(ctx context.Context, filter *domain.ProcessedEmailFilter) ([]*domain.ProcessedEmail, int64, error) {
	if filter == nil {
		filter = &domain.ProcessedEmailFilter{}
	}
	return o.emails.List(ctx, filter)
}

// normalize fills the derived sender fields fetch adapters may have left
// blank.
func (o *Orchestrator) normalize(email *domain.EmailToClassify) {
	email.Sender = domain.NormalizeAddress(email.Sender)
	if email.SenderDomain == "" {
		email.SenderDomain = domain.DomainOf(email.Sender)
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now().UTC()
	}
}

func (o *Orchestrator) buildRecord(email *domain.EmailToClassify, verdict *domain.EnsembleVerdict, ex *domain.Extraction) *domain.ProcessedEmail {
	return &domain.ProcessedEmail{
		AccountID:      email.AccountID,
		EmailID:        email.EmailID,
		ThreadID:       email.ThreadID,
		Subject:        email.Subject,
		Sender:         email.Sender,
		SenderDomain:   email.SenderDomain,
		ReceivedAt:     email.ReceivedAt,
		Category:       verdict.Category,
		Importance:     verdict.Importance,
		Confidence:     verdict.Confidence,
		NeedsReview:    verdict.NeedsReview || verdict.Confidence < o.cfg.AutoApplyThreshold,
		LayerTrace:     verdict.Layers,
		StorageLevel:   domain.StorageLevelFull,
		BodyText:       email.BodyText,
		BodyHTML:       email.BodyHTML,
		Summary:        ex.Summary,
		HasAttachments: email.HasAttachments,
		Attachments:    email.Attachments,
		RawRef:         email.RawRef,
		ProcessedAt:    time.Now().UTC(),
	}
}

// route applies the confidence bands: a confident verdict is final and
// labeled at the provider; anything else lands in the review queue.
func (o *Orchestrator) route(ctx context.Context, email *domain.EmailToClassify, verdict *domain.EnsembleVerdict, saved *domain.ProcessedEmail) (domain.RoutingDecision, error) {
	if verdict.Confidence >= o.cfg.AutoApplyThreshold && !verdict.NeedsReview {
		o.autoApply(ctx, email, verdict)
		return domain.RoutedAutoApplied, nil
	}

	lowConfidence := verdict.Confidence < o.cfg.ReviewThreshold
	if err := o.enqueueReview(ctx, email, verdict, saved, lowConfidence); err != nil {
		return "", err
	}
	if lowConfidence {
		return domain.RoutedLowConfidence, nil
	}
	return domain.RoutedReview, nil
}

// autoApply writes the category label to the provider, and archives spam
// out of the inbox. Provider trouble here is logged, not returned: the
// verdict is already persisted and a reviewer can relabel later.
func (o *Orchestrator) autoApply(ctx context.Context, email *domain.EmailToClassify, verdict *domain.EnsembleVerdict) {
	if !o.cfg.ApplyLabels || o.provider == nil {
		return
	}
	if err := o.provider.ApplyLabel(ctx, email.AccountID, email.EmailID, verdict.Category); err != nil {
		o.log.Warn("[Orchestrator.autoApply] label %s not applied to %s: %v", verdict.Category, email.EmailID, err)
		return
	}
	if verdict.Category == domain.CategorySpam {
		if err := o.provider.Archive(ctx, email.AccountID, email.EmailID); err != nil {
			o.log.Warn("[Orchestrator.autoApply] spam %s not archived: %v", email.EmailID, err)
		}
	}
}

// enqueueReview creates a pending queue item, or refreshes the suggestion
// of one that already exists for this email.
func (o *Orchestrator) enqueueReview(ctx context.Context, email *domain.EmailToClassify, verdict *domain.EnsembleVerdict, saved *domain.ProcessedEmail, lowConfidence bool) error {
	item := &domain.ReviewItem{
		AccountID:         email.AccountID,
		EmailID:           email.EmailID,
		ProcessedEmailID:  saved.ID,
		Subject:           email.Subject,
		Sender:            email.Sender,
		SuggestedCategory: verdict.Category,
		Importance:        verdict.Importance,
		Confidence:        verdict.Confidence,
		Reasoning:         reasoningOf(verdict),
		LowConfidence:     lowConfidence,
		Status:            domain.ReviewPending,
	}

	existing, err := o.reviews.GetPendingByEmail(ctx, email.AccountID, email.EmailID)
	if err == nil {
		item.ID = existing.ID
		return o.reviews.UpdateSuggestion(ctx, item)
	}
	if !apperr.IsNotFound(err) {
		return err
	}

	created, err := o.reviews.Create(ctx, item)
	if err != nil {
		return err
	}

	if _, err := o.events.Append(ctx, &domain.Event{
		Type:      domain.EventReviewEnqueued,
		AccountID: email.AccountID,
		EmailID:   email.EmailID,
		Payload: map[string]any{
			"review_id":          created.ID,
			"suggested_category": string(verdict.Category),
			"confidence":         verdict.Confidence,
			"low_confidence":     lowConfidence,
		},
	}); err != nil {
		return err
	}
	return nil
}

// index pushes the email into the vector store behind a breaker, so a down
// graph store degrades related-email retrieval instead of slowing triage.
func (o *Orchestrator) index(ctx context.Context, saved *domain.ProcessedEmail) {
	if o.indexer == nil {
		return
	}
	err := o.breaker.Execute(func() error {
		return o.indexer.IndexEmail(ctx, saved)
	})
	if err != nil {
		o.log.Debug("[Orchestrator.index] %s not indexed: %v", saved.EmailID, err)
	}
}

func (o *Orchestrator) appendClassified(ctx context.Context, email *domain.EmailToClassify, verdict *domain.EnsembleVerdict) error {
	var totalMS int64
	for _, layer := range verdict.Layers {
		if layer != nil {
			totalMS += layer.ProcessingTimeMS
		}
	}
	_, err := o.events.Append(ctx, &domain.Event{
		Type:      domain.EventEmailClassified,
		AccountID: email.AccountID,
		EmailID:   email.EmailID,
		Payload: map[string]any{
			"category":      string(verdict.Category),
			"importance":    verdict.Importance,
			"confidence":    verdict.Confidence,
			"agreement":     verdict.Agreement,
			"needs_review":  verdict.NeedsReview,
			"bootstrap":     verdict.Bootstrap,
			"spam_override": verdict.SpamOverride,
			"model_skipped": verdict.ModelSkipped,
		},
		ProcessingTimeMS: totalMS,
	})
	return err
}

func (o *Orchestrator) appendAnalyzed(ctx context.Context, email *domain.EmailToClassify, ex *domain.Extraction, extractionID string) error {
	if _, err := o.events.Append(ctx, &domain.Event{
		Type:      domain.EventEmailAnalyzed,
		EventID:   extractionID,
		AccountID: email.AccountID,
		EmailID:   email.EmailID,
		Payload: map[string]any{
			"summary":          domain.TruncateRunes(ex.Summary, 200),
			"main_topic":       ex.MainTopic,
			"sentiment":        string(ex.Sentiment),
			"has_action_items": ex.HasActionItems,
			"task_count":       len(ex.Tasks),
			"decision_count":   len(ex.Decisions),
			"question_count":   len(ex.Questions),
			"degraded":         ex.Degraded,
		},
		ProcessingTimeMS: ex.ProcessingTimeMS,
	}); err != nil {
		return err
	}

	// Item events are secondary to EMAIL_ANALYZED; losing one is logged,
	// not fatal.
	for _, task := range ex.Tasks {
		o.appendItem(ctx, email, domain.EventTaskExtracted, extractionID, map[string]any{
			"description": task.Description,
			"priority":    string(task.Priority),
			"deadline":    task.Deadline,
		})
	}
	for _, decision := range ex.Decisions {
		o.appendItem(ctx, email, domain.EventDecisionExtracted, extractionID, map[string]any{
			"question": decision.Question,
			"options":  decision.Options,
		})
	}
	for _, question := range ex.Questions {
		o.appendItem(ctx, email, domain.EventQuestionExtracted, extractionID, map[string]any{
			"question":          question.Question,
			"requires_response": question.RequiresResponse,
		})
	}
	return nil
}

func (o *Orchestrator) appendItem(ctx context.Context, email *domain.EmailToClassify, eventType domain.EventType, extractionID string, payload map[string]any) {
	payload["extraction_id"] = extractionID
	if _, err := o.events.Append(ctx, &domain.Event{
		Type:      eventType,
		AccountID: email.AccountID,
		EmailID:   email.EmailID,
		Payload:   payload,
	}); err != nil {
		o.log.Error("[Orchestrator.appendItem] failed to append %s for %s: %v", eventType, email.EmailID, err)
	}
}

// fail records the pipeline error for the audit trail and hands it back to
// the driver. The ERROR append itself is best-effort: when the store is
// the thing that is down, there is nowhere left to write.
func (o *Orchestrator) fail(ctx context.Context, email *domain.EmailToClassify, step string, cause error) error {
	o.log.Error("[Orchestrator.ProcessEmail] %s failed for %s/%s: %v", step, email.AccountID, email.EmailID, cause)
	if _, err := o.events.Append(ctx, &domain.Event{
		Type:      domain.EventError,
		AccountID: email.AccountID,
		EmailID:   email.EmailID,
		Payload: map[string]any{
			"step":  step,
			"error": cause.Error(),
		},
	}); err != nil {
		o.log.Error("[Orchestrator.ProcessEmail] ERROR event not recorded: %v", err)
	}
	return cause
}

func reasoningOf(verdict *domain.EnsembleVerdict) string {
	for i := len(verdict.Layers) - 1; i >= 0; i-- {
		layer := verdict.Layers[i]
		if layer != nil && !layer.IsNull() && layer.Reasoning != "" {
			return layer.Reasoning
		}
	}
	return ""
}
