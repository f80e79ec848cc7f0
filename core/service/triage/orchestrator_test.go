package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeClassifier struct {
	verdict *domain.EnsembleVerdict
	err     error
}

func (f *fakeClassifier) Classify(_ context.Context, _ *domain.EmailToClassify) (*domain.EnsembleVerdict, error) {
	return f.verdict, f.err
}

type fakeExtractor struct {
	extraction *domain.Extraction
	lastID     string
}

func (f *fakeExtractor) Extract(_ context.Context, email *domain.EmailToClassify, extractionID string) *domain.Extraction {
	f.lastID = extractionID
	if f.extraction != nil {
		return f.extraction
	}
	return &domain.Extraction{Sentiment: domain.SentimentNeutral}
}

type fakeEmails struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*domain.ProcessedEmail
	upserts int
}

func newFakeEmails() *fakeEmails {
	return &fakeEmails{nextID: 100, byID: make(map[int64]*domain.ProcessedEmail)}
}

func (f *fakeEmails) Upsert(_ context.Context, email *domain.ProcessedEmail) (*domain.ProcessedEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	cp := *email
	for id, row := range f.byID {
		if row.AccountID == email.AccountID && row.EmailID == email.EmailID {
			cp.ID = id
			if row.UserCorrected {
				cp.Category = row.Category
				cp.NeedsReview = row.NeedsReview
				cp.UserCorrected = row.UserCorrected
				cp.OriginalCategory = row.OriginalCategory
			}
			f.byID[id] = &cp
			return &cp, nil
		}
	}
	cp.ID = f.nextID
	f.nextID++
	f.byID[cp.ID] = &cp
	return &cp, nil
}

func (f *fakeEmails) GetByID(_ context.Context, id int64) (*domain.ProcessedEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.byID[id]; ok {
		return row, nil
	}
	return nil, apperr.NotFound("processed email")
}

func (f *fakeEmails) GetByEmailID(_ context.Context, accountID, emailID string) (*domain.ProcessedEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.byID {
		if row.AccountID == accountID && row.EmailID == emailID {
			return row, nil
		}
	}
	return nil, apperr.NotFound("processed email")
}

func (f *fakeEmails) Exists(ctx context.Context, accountID, emailID string) (bool, error) {
	_, err := f.GetByEmailID(ctx, accountID, emailID)
	if apperr.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeEmails) List(_ context.Context, _ *domain.ProcessedEmailFilter) ([]*domain.ProcessedEmail, int64, error) {
	return nil, 0, nil
}

func (f *fakeEmails) CountByAccount(_ context.Context, _ string) (int64, error) { return 0, nil }

func (f *fakeEmails) ApplyCorrection(_ context.Context, _ int64, _ domain.Category) (*domain.ProcessedEmail, error) {
	return nil, apperr.NotFound("processed email")
}

type fakeReviews struct {
	mu      sync.Mutex
	nextID  int64
	pending map[string]*domain.ReviewItem // accountID/emailID
	created []*domain.ReviewItem
	updated []*domain.ReviewItem
}

func newFakeReviews() *fakeReviews {
	return &fakeReviews{nextID: 1, pending: make(map[string]*domain.ReviewItem)}
}

func reviewKey(accountID, emailID string) string { return accountID + "/" + emailID }

func (f *fakeReviews) Create(_ context.Context, item *domain.ReviewItem) (*domain.ReviewItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *item
	cp.ID = f.nextID
	f.nextID++
	f.pending[reviewKey(item.AccountID, item.EmailID)] = &cp
	f.created = append(f.created, &cp)
	return &cp, nil
}

func (f *fakeReviews) GetByID(_ context.Context, _ int64) (*domain.ReviewItem, error) {
	return nil, apperr.NotFound("review item")
}

func (f *fakeReviews) GetPendingByEmail(_ context.Context, accountID, emailID string) (*domain.ReviewItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.pending[reviewKey(accountID, emailID)]; ok {
		cp := *item
		return &cp, nil
	}
	return nil, apperr.NotFound("review item")
}

func (f *fakeReviews) UpdateSuggestion(_ context.Context, item *domain.ReviewItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *item
	f.updated = append(f.updated, &cp)
	f.pending[reviewKey(item.AccountID, item.EmailID)] = &cp
	return nil
}

func (f *fakeReviews) List(_ context.Context, _ *domain.ReviewFilter) ([]*domain.ReviewItem, int64, error) {
	return nil, 0, nil
}

func (f *fakeReviews) Transition(_ context.Context, _ int64, _ domain.ReviewStatus, _ *domain.Category, _ string) (*domain.ReviewItem, error) {
	return nil, apperr.Conflict("not used here")
}

type fakeMemory struct {
	mu       sync.Mutex
	replaced []*domain.Extraction
	sets     map[string]*domain.MemorySet
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{sets: make(map[string]*domain.MemorySet)}
}

func (f *fakeMemory) ReplaceForEmail(_ context.Context, accountID, emailID string, extraction *domain.Extraction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, extraction)
	f.sets[accountID+"/"+emailID] = &domain.MemorySet{
		Tasks:     extraction.Tasks,
		Decisions: extraction.Decisions,
		Questions: extraction.Questions,
	}
	return nil
}

func (f *fakeMemory) GetForEmail(_ context.Context, accountID, emailID string) (*domain.MemorySet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.sets[accountID+"/"+emailID]; ok {
		return set, nil
	}
	return &domain.MemorySet{}, nil
}

func (f *fakeMemory) ListOpenTasks(_ context.Context, _ string, _ int) ([]domain.Task, error) {
	return nil, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*domain.Event
	failOn domain.EventType
}

func (f *fakeEvents) Append(_ context.Context, event *domain.Event) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && event.Type == f.failOn {
		return nil, apperr.DatabaseError("insert", errors.New("connection refused"))
	}
	cp := *event
	cp.Seq = int64(len(f.events) + 1)
	f.events = append(f.events, &cp)
	return &cp, nil
}

func (f *fakeEvents) Query(_ context.Context, _ *domain.EventFilter) ([]*domain.Event, error) {
	return nil, nil
}

func (f *fakeEvents) ofType(t domain.EventType) []*domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*domain.Event
	for _, e := range f.events {
		if e.Type == t {
			matched = append(matched, e)
		}
	}
	return matched
}

type labelCall struct {
	messageID string
	category  domain.Category
}

type fakeMail struct {
	out.MailProvider
	mu       sync.Mutex
	labels   []labelCall
	archived []string
}

func (f *fakeMail) ApplyLabel(_ context.Context, _, messageID string, category domain.Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, labelCall{messageID: messageID, category: category})
	return nil
}

func (f *fakeMail) Archive(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, messageID)
	return nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
	err     error
}

func (f *fakeIndexer) IndexEmail(_ context.Context, email *domain.ProcessedEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, email.EmailID)
	return nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	orc      *Orchestrator
	classify *fakeClassifier
	extract  *fakeExtractor
	emails   *fakeEmails
	reviews  *fakeReviews
	memory   *fakeMemory
	events   *fakeEvents
	mail     *fakeMail
	indexer  *fakeIndexer
}

func newHarness(verdict *domain.EnsembleVerdict) *harness {
	h := &harness{
		classify: &fakeClassifier{verdict: verdict},
		extract:  &fakeExtractor{},
		emails:   newFakeEmails(),
		reviews:  newFakeReviews(),
		memory:   newFakeMemory(),
		events:   &fakeEvents{},
		mail:     &fakeMail{},
		indexer:  &fakeIndexer{},
	}
	h.orc = NewOrchestrator(h.classify, h.extract, h.emails, h.reviews, h.memory, h.events, h.mail, h.indexer, DefaultConfig())
	return h
}

func verdictOf(category domain.Category, confidence float64, needsReview bool) *domain.EnsembleVerdict {
	return &domain.EnsembleVerdict{
		Category:    category,
		Importance:  0.55,
		Confidence:  confidence,
		NeedsReview: needsReview,
		Agreement:   "partial",
		Layers: []*domain.LayerScore{
			{Layer: domain.LayerRule, Category: category, Importance: 0.5, Confidence: confidence, ProcessingTimeMS: 2},
			domain.NullScore(domain.LayerHistory),
			{Layer: domain.LayerModel, Category: category, Importance: 0.6, Confidence: confidence, Reasoning: "body references an invoice", ProcessingTimeMS: 40},
		},
	}
}

func inboundEmail() *domain.EmailToClassify {
	return &domain.EmailToClassify{
		AccountID:  "acct-1",
		EmailID:    "msg-9",
		ThreadID:   "thr-3",
		Subject:    "Renewal quote attached",
		Sender:     "Sales <sales@vendor.io>",
		BodyText:   "Hi, the renewal quote is attached. Let me know by Friday.",
		ReceivedAt: time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC),
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestProcessEmailAutoApplies(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryNewsletter, 0.95, false))
	h.extract.extraction = &domain.Extraction{
		Summary:   "Vendor renewal quote, reply by Friday.",
		Sentiment: domain.SentimentNeutral,
	}

	result, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err != nil {
		t.Fatalf("ProcessEmail: %v", err)
	}
	if result.Routing != domain.RoutedAutoApplied {
		t.Fatalf("routing = %s, want auto_applied", result.Routing)
	}

	if result.Email.ID == 0 || result.Email.StorageLevel != domain.StorageLevelFull {
		t.Fatalf("persisted email = %+v", result.Email)
	}
	if result.Email.NeedsReview {
		t.Fatal("auto-applied email must not be flagged needs_review")
	}
	if result.Email.Summary != "Vendor renewal quote, reply by Friday." {
		t.Fatalf("summary = %q", result.Email.Summary)
	}
	if result.Email.Sender != "sales@vendor.io" || result.Email.SenderDomain != "vendor.io" {
		t.Fatalf("sender normalization: %q / %q", result.Email.Sender, result.Email.SenderDomain)
	}

	if len(h.events.ofType(domain.EventEmailClassified)) != 1 {
		t.Fatal("missing EMAIL_CLASSIFIED")
	}
	if len(h.events.ofType(domain.EventEmailAnalyzed)) != 1 {
		t.Fatal("missing EMAIL_ANALYZED")
	}
	if len(h.events.ofType(domain.EventReviewEnqueued)) != 0 {
		t.Fatal("auto-applied email must not be enqueued")
	}

	if len(h.mail.labels) != 1 || h.mail.labels[0].category != domain.CategoryNewsletter {
		t.Fatalf("labels = %+v", h.mail.labels)
	}
	if len(h.mail.archived) != 0 {
		t.Fatalf("non-spam must not be archived, got %v", h.mail.archived)
	}

	if len(h.memory.replaced) != 1 {
		t.Fatalf("memory replacements = %d, want 1", len(h.memory.replaced))
	}
	if len(h.indexer.indexed) != 1 || h.indexer.indexed[0] != "msg-9" {
		t.Fatalf("indexed = %v", h.indexer.indexed)
	}
}

func TestProcessEmailArchivesSpam(t *testing.T) {
	h := newHarness(verdictOf(domain.CategorySpam, 0.96, false))

	result, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err != nil {
		t.Fatalf("ProcessEmail: %v", err)
	}
	if result.Routing != domain.RoutedAutoApplied {
		t.Fatalf("routing = %s", result.Routing)
	}
	if len(h.mail.labels) != 1 || h.mail.labels[0].category != domain.CategorySpam {
		t.Fatalf("labels = %+v", h.mail.labels)
	}
	if len(h.mail.archived) != 1 || h.mail.archived[0] != "msg-9" {
		t.Fatalf("archived = %v", h.mail.archived)
	}
}

func TestProcessEmailEnqueuesMidConfidence(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryImportant, 0.75, false))

	result, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err != nil {
		t.Fatalf("ProcessEmail: %v", err)
	}
	if result.Routing != domain.RoutedReview {
		t.Fatalf("routing = %s, want review_enqueued", result.Routing)
	}

	if len(h.reviews.created) != 1 {
		t.Fatalf("review items created = %d, want 1", len(h.reviews.created))
	}
	item := h.reviews.created[0]
	if item.ProcessedEmailID != result.Email.ID {
		t.Fatalf("ProcessedEmailID = %d, want %d", item.ProcessedEmailID, result.Email.ID)
	}
	if item.LowConfidence {
		t.Fatal("mid-band item must not be flagged low_confidence")
	}
	if item.Reasoning == "" {
		t.Fatal("reasoning should carry the model layer's explanation")
	}

	events := h.events.ofType(domain.EventReviewEnqueued)
	if len(events) != 1 {
		t.Fatalf("REVIEW_ENQUEUED events = %d, want 1", len(events))
	}
	if events[0].Payload["low_confidence"] != false {
		t.Fatalf("payload = %+v", events[0].Payload)
	}
	if len(h.mail.labels) != 0 {
		t.Fatalf("queued email must not be labeled, got %+v", h.mail.labels)
	}
}

func TestProcessEmailFlagsLowConfidence(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryNiceToKnow, 0.40, true))

	result, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err != nil {
		t.Fatalf("ProcessEmail: %v", err)
	}
	if result.Routing != domain.RoutedLowConfidence {
		t.Fatalf("routing = %s, want review_low_confidence", result.Routing)
	}
	if len(h.reviews.created) != 1 || !h.reviews.created[0].LowConfidence {
		t.Fatalf("created = %+v", h.reviews.created)
	}
}

func TestProcessEmailNeedsReviewBeatsConfidence(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryImportant, 0.93, true))

	result, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err != nil {
		t.Fatalf("ProcessEmail: %v", err)
	}
	if result.Routing != domain.RoutedReview {
		t.Fatalf("routing = %s, want review_enqueued despite confidence", result.Routing)
	}
	if len(h.mail.labels) != 0 {
		t.Fatal("needs_review email must not be auto-labeled")
	}
}

func TestProcessEmailRefreshesPendingItem(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryImportant, 0.75, false))

	if _, err := h.orc.ProcessEmail(context.Background(), inboundEmail()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	h.classify.verdict = verdictOf(domain.CategoryActionRequired, 0.80, false)
	if _, err := h.orc.ProcessEmail(context.Background(), inboundEmail()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(h.reviews.created) != 1 {
		t.Fatalf("created = %d, want 1 (second run refreshes)", len(h.reviews.created))
	}
	if len(h.reviews.updated) != 1 {
		t.Fatalf("updated = %d, want 1", len(h.reviews.updated))
	}
	if h.reviews.updated[0].SuggestedCategory != domain.CategoryActionRequired {
		t.Fatalf("refreshed suggestion = %s", h.reviews.updated[0].SuggestedCategory)
	}
	if got := h.events.ofType(domain.EventReviewEnqueued); len(got) != 1 {
		t.Fatalf("REVIEW_ENQUEUED events = %d, want 1", len(got))
	}
	if h.emails.upserts != 2 {
		t.Fatalf("upserts = %d, want 2", h.emails.upserts)
	}
}

func TestProcessEmailPreservesUserCorrection(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryNewsletter, 0.95, false))

	first, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Reviewer overrides the verdict between runs.
	h.emails.mu.Lock()
	row := h.emails.byID[first.Email.ID]
	original := row.Category
	row.Category = domain.CategoryImportant
	row.UserCorrected = true
	row.OriginalCategory = &original
	h.emails.mu.Unlock()

	second, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if second.Email.Category != domain.CategoryImportant {
		t.Fatalf("category = %s, reprocessing must not undo the correction", second.Email.Category)
	}
	if !second.Email.UserCorrected || second.Email.OriginalCategory == nil {
		t.Fatalf("correction fields lost: %+v", second.Email)
	}
	if got := h.events.ofType(domain.EventEmailClassified); len(got) != 2 {
		t.Fatalf("EMAIL_CLASSIFIED events = %d, want one per run", len(got))
	}
}

func TestProcessEmailEmitsItemEvents(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryActionRequired, 0.95, false))
	deadline := time.Date(2025, 4, 4, 0, 0, 0, 0, time.UTC)
	h.extract.extraction = &domain.Extraction{
		Summary:        "Quote review request",
		Sentiment:      domain.SentimentNeutral,
		HasActionItems: true,
		Tasks: []domain.Task{{
			Description:   "Review the renewal quote",
			Priority:      domain.PriorityHigh,
			Deadline:      &deadline,
			SourceContext: "Let me know by Friday.",
		}},
		Decisions: []domain.Decision{{
			Question:      "Renew for one or two years?",
			Options:       []string{"1 year", "2 years"},
			SourceContext: "one or two year term",
		}},
		Questions: []domain.Question{{
			Question:         "Did the pricing work for you?",
			RequiresResponse: true,
			SourceContext:    "Did the pricing work for you?",
		}},
	}

	if _, err := h.orc.ProcessEmail(context.Background(), inboundEmail()); err != nil {
		t.Fatalf("ProcessEmail: %v", err)
	}

	analyzed := h.events.ofType(domain.EventEmailAnalyzed)
	if len(analyzed) != 1 {
		t.Fatalf("EMAIL_ANALYZED events = %d", len(analyzed))
	}
	if analyzed[0].EventID != h.extract.lastID {
		t.Fatalf("extraction id %q does not match analyzed event id %q", h.extract.lastID, analyzed[0].EventID)
	}
	if analyzed[0].Payload["task_count"] != 1 {
		t.Fatalf("payload = %+v", analyzed[0].Payload)
	}

	for _, eventType := range []domain.EventType{
		domain.EventTaskExtracted,
		domain.EventDecisionExtracted,
		domain.EventQuestionExtracted,
	} {
		events := h.events.ofType(eventType)
		if len(events) != 1 {
			t.Fatalf("%s events = %d, want 1", eventType, len(events))
		}
		if events[0].Payload["extraction_id"] != h.extract.lastID {
			t.Fatalf("%s payload missing extraction_id: %+v", eventType, events[0].Payload)
		}
	}
}

func TestProcessEmailClassifierFailureEmitsError(t *testing.T) {
	h := newHarness(nil)
	h.classify.err = context.DeadlineExceeded

	_, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err == nil {
		t.Fatal("expected error")
	}

	errorEvents := h.events.ofType(domain.EventError)
	if len(errorEvents) != 1 {
		t.Fatalf("ERROR events = %d, want 1", len(errorEvents))
	}
	if errorEvents[0].Payload["step"] != "classify" {
		t.Fatalf("payload = %+v", errorEvents[0].Payload)
	}
	if h.emails.upserts != 0 {
		t.Fatal("nothing should be persisted after a classify failure")
	}
}

func TestProcessEmailFailsWhenAuditCannotBeWritten(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryNewsletter, 0.95, false))
	h.events.failOn = domain.EventEmailClassified

	_, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err == nil {
		t.Fatal("expected error when EMAIL_CLASSIFIED cannot be appended")
	}
	if h.emails.upserts != 0 {
		t.Fatal("verdict must not be persisted without its audit record")
	}
}

func TestProcessEmailSurvivesIndexerOutage(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryNewsletter, 0.95, false))
	h.indexer.err = errors.New("graph store unreachable")

	result, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err != nil {
		t.Fatalf("ProcessEmail: %v", err)
	}
	if result.Routing != domain.RoutedAutoApplied {
		t.Fatalf("routing = %s", result.Routing)
	}
}

func TestProcessEmailValidatesInput(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryNewsletter, 0.95, false))

	if _, err := h.orc.ProcessEmail(context.Background(), &domain.EmailToClassify{AccountID: "acct-1"}); err == nil {
		t.Fatal("expected error for missing email_id")
	}
	if _, err := h.orc.ProcessEmail(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil email")
	}
}

func TestGetEmailBundlesMemory(t *testing.T) {
	h := newHarness(verdictOf(domain.CategoryActionRequired, 0.95, false))
	h.extract.extraction = &domain.Extraction{
		Summary:   "Quote",
		Sentiment: domain.SentimentNeutral,
		Tasks: []domain.Task{{
			Description:   "Review the quote",
			Priority:      domain.PriorityMedium,
			SourceContext: "review the quote",
		}},
	}

	result, err := h.orc.ProcessEmail(context.Background(), inboundEmail())
	if err != nil {
		t.Fatalf("ProcessEmail: %v", err)
	}

	detail, err := h.orc.GetEmail(context.Background(), result.Email.ID)
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if detail.Email.EmailID != "msg-9" {
		t.Fatalf("detail email = %+v", detail.Email)
	}
	if detail.Memory == nil || len(detail.Memory.Tasks) != 1 {
		t.Fatalf("detail memory = %+v", detail.Memory)
	}
}
