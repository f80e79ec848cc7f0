package review

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/core/service/feedback"
	"triage_server/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeReviews struct {
	mu          sync.Mutex
	items       map[int64]*domain.ReviewItem
	lastFilter  *domain.ReviewFilter
	transitions int
}

func newFakeReviews() *fakeReviews {
	return &fakeReviews{items: make(map[int64]*domain.ReviewItem)}
}

func (f *fakeReviews) put(item *domain.ReviewItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *item
	f.items[item.ID] = &cp
}

func (f *fakeReviews) Create(_ context.Context, item *domain.ReviewItem) (*domain.ReviewItem, error) {
	f.put(item)
	return item, nil
}

func (f *fakeReviews) GetByID(_ context.Context, id int64) (*domain.ReviewItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, apperr.NotFound("review item")
	}
	cp := *item
	return &cp, nil
}

func (f *fakeReviews) GetPendingByEmail(_ context.Context, accountID, emailID string) (*domain.ReviewItem, error) {
	return nil, apperr.NotFound("review item")
}

func (f *fakeReviews) UpdateSuggestion(_ context.Context, _ *domain.ReviewItem) error {
	return nil
}

func (f *fakeReviews) List(_ context.Context, filter *domain.ReviewFilter) ([]*domain.ReviewItem, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	var items []*domain.ReviewItem
	for _, item := range f.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		cp := *item
		items = append(items, &cp)
	}
	return items, int64(len(items)), nil
}

func (f *fakeReviews) Transition(_ context.Context, id int64, to domain.ReviewStatus, corrected *domain.Category, feedbackText string) (*domain.ReviewItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, apperr.NotFound("review item")
	}
	if item.Status != domain.ReviewPending {
		return nil, apperr.Conflict("review item already decided")
	}
	f.transitions++
	now := time.Now().UTC()
	item.Status = to
	item.CorrectedCategory = corrected
	item.FeedbackText = feedbackText
	item.ReviewedAt = &now
	cp := *item
	return &cp, nil
}

type correction struct {
	id       int64
	category domain.Category
}

type fakeEmails struct {
	mu          sync.Mutex
	rows        map[int64]*domain.ProcessedEmail
	corrections []correction
}

func newFakeEmails() *fakeEmails {
	return &fakeEmails{rows: make(map[int64]*domain.ProcessedEmail)}
}

func (f *fakeEmails) Upsert(_ context.Context, email *domain.ProcessedEmail) (*domain.ProcessedEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[email.ID] = email
	return email, nil
}

func (f *fakeEmails) GetByID(_ context.Context, id int64) (*domain.ProcessedEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[id]; ok {
		return row, nil
	}
	return nil, apperr.NotFound("processed email")
}

func (f *fakeEmails) GetByEmailID(_ context.Context, _, _ string) (*domain.ProcessedEmail, error) {
	return nil, apperr.NotFound("processed email")
}

func (f *fakeEmails) Exists(_ context.Context, _, _ string) (bool, error) { return false, nil }

func (f *fakeEmails) List(_ context.Context, _ *domain.ProcessedEmailFilter) ([]*domain.ProcessedEmail, int64, error) {
	return nil, 0, nil
}

func (f *fakeEmails) CountByAccount(_ context.Context, _ string) (int64, error) { return 0, nil }

func (f *fakeEmails) ApplyCorrection(_ context.Context, id int64, corrected domain.Category) (*domain.ProcessedEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrections = append(f.corrections, correction{id: id, category: corrected})
	row, ok := f.rows[id]
	if !ok {
		return nil, apperr.NotFound("processed email")
	}
	row.Category = corrected
	row.UserCorrected = true
	return row, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (f *fakeEvents) Append(_ context.Context, event *domain.Event) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	accountID string
	messageID string
	category  domain.Category
}

// fakeMail stubs only the label path; the embedded interface panics on
// anything else, which is exactly what these tests want.
type fakeMail struct {
	out.MailProvider
	mu     sync.Mutex
	labels []labelCall
	err    error
}

func (f *fakeMail) ApplyLabel(_ context.Context, accountID, messageID string, category domain.Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.labels = append(f.labels, labelCall{accountID: accountID, messageID: messageID, category: category})
	return nil
}

type fakePrefs struct {
	mu   sync.Mutex
	rows map[string]*domain.Preference
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{rows: make(map[string]*domain.Preference)}
}

func prefKey(scope domain.PreferenceScope, accountID, k string) string {
	return fmt.Sprintf("%s/%s/%s", scope, accountID, k)
}

func (f *fakePrefs) Get(_ context.Context, scope domain.PreferenceScope, accountID, k string) (*domain.Preference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.rows[prefKey(scope, accountID, k)]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, apperr.NotFound("preference")
}

func (f *fakePrefs) Create(_ context.Context, p *domain.Preference) (*domain.Preference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.rows[prefKey(p.Scope, p.AccountID, p.Key)] = &cp
	return p, nil
}

func (f *fakePrefs) UpdateCAS(_ context.Context, p *domain.Preference, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.rows[prefKey(p.Scope, p.AccountID, p.Key)] = &cp
	return nil
}

func (f *fakePrefs) sender(accountID, k string) *domain.Preference {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[prefKey(domain.ScopeSender, accountID, k)]
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	svc     *Service
	reviews *fakeReviews
	emails  *fakeEmails
	events  *fakeEvents
	mail    *fakeMail
	prefs   *fakePrefs
}

func newHarness() *harness {
	reviews := newFakeReviews()
	emails := newFakeEmails()
	events := &fakeEvents{}
	mail := &fakeMail{}
	prefs := newFakePrefs()
	tracker := feedback.NewTracker(prefs, events, nil)
	return &harness{
		svc:     NewService(reviews, emails, events, tracker, mail, nil),
		reviews: reviews,
		emails:  emails,
		events:  events,
		mail:    mail,
		prefs:   prefs,
	}
}

func pendingItem() *domain.ReviewItem {
	return &domain.ReviewItem{
		ID:                7,
		AccountID:         "acct-1",
		EmailID:           "msg-42",
		ProcessedEmailID:  100,
		Subject:           "Invoice #4482 past due",
		Sender:            "billing@vendor.com",
		SuggestedCategory: domain.CategoryImportant,
		Importance:        0.74,
		Confidence:        0.71,
		Status:            domain.ReviewPending,
		AddedAt:           time.Now().UTC().Add(-time.Hour),
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// =============================================================================
// Tests
// =============================================================================

func TestApproveCommitsDecision(t *testing.T) {
	h := newHarness()
	h.reviews.put(pendingItem())

	item, err := h.svc.Approve(context.Background(), 7, "looks right")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if item.Status != domain.ReviewApproved {
		t.Fatalf("status = %s, want approved", item.Status)
	}
	if item.ReviewedAt == nil {
		t.Fatal("ReviewedAt not set")
	}

	if got := h.events.ofType(domain.EventReviewApproved); len(got) != 1 {
		t.Fatalf("REVIEW_APPROVED events = %d, want 1", len(got))
	} else if got[0].Payload["suggested_category"] != string(domain.CategoryImportant) {
		t.Fatalf("event payload suggested_category = %v", got[0].Payload["suggested_category"])
	}
	if got := h.events.ofType(domain.EventUserFeedback); len(got) != 1 {
		t.Fatalf("USER_FEEDBACK events = %d, want 1", len(got))
	}

	if len(h.mail.labels) != 1 {
		t.Fatalf("labels applied = %d, want 1", len(h.mail.labels))
	}
	if call := h.mail.labels[0]; call.messageID != "msg-42" || call.category != domain.CategoryImportant {
		t.Fatalf("label call = %+v", call)
	}

	// Approving toward an attention category reads as "would reply" and,
	// coming from the queue, never grows emails_seen.
	pref := h.prefs.sender("acct-1", "billing@vendor.com")
	if pref == nil {
		t.Fatal("sender preference row not created")
	}
	if pref.EmailsSeen != 0 {
		t.Fatalf("EmailsSeen = %d, want 0", pref.EmailsSeen)
	}
	if pref.Replies != 1 || !almostEqual(pref.ReplyRate, 0.15) {
		t.Fatalf("Replies = %d, ReplyRate = %f", pref.Replies, pref.ReplyRate)
	}

	if len(h.emails.corrections) != 0 {
		t.Fatalf("approve must not rewrite the processed email, got %+v", h.emails.corrections)
	}
}

func TestModifyAppliesCorrectionEverywhere(t *testing.T) {
	h := newHarness()
	h.reviews.put(pendingItem())
	h.emails.rows[100] = &domain.ProcessedEmail{
		ID:        100,
		AccountID: "acct-1",
		EmailID:   "msg-42",
		Category:  domain.CategoryImportant,
	}

	item, err := h.svc.Modify(context.Background(), 7, domain.CategoryNewsletter, "weekly digest, not urgent")
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if item.Status != domain.ReviewModified {
		t.Fatalf("status = %s, want modified", item.Status)
	}
	if item.FinalCategory() != domain.CategoryNewsletter {
		t.Fatalf("FinalCategory = %s, want newsletter", item.FinalCategory())
	}

	if len(h.emails.corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(h.emails.corrections))
	}
	if c := h.emails.corrections[0]; c.id != 100 || c.category != domain.CategoryNewsletter {
		t.Fatalf("correction = %+v", c)
	}

	if len(h.mail.labels) != 1 || h.mail.labels[0].category != domain.CategoryNewsletter {
		t.Fatalf("label calls = %+v, want one newsletter", h.mail.labels)
	}

	events := h.events.ofType(domain.EventReviewModified)
	if len(events) != 1 {
		t.Fatalf("REVIEW_MODIFIED events = %d, want 1", len(events))
	}
	if events[0].Payload["corrected_category"] != string(domain.CategoryNewsletter) {
		t.Fatalf("event payload = %+v", events[0].Payload)
	}

	feedbackEvents := h.events.ofType(domain.EventUserFeedback)
	if len(feedbackEvents) != 1 || feedbackEvents[0].Payload["new_category"] != string(domain.CategoryNewsletter) {
		t.Fatalf("USER_FEEDBACK events = %+v", feedbackEvents)
	}

	// Correcting toward a bulk category reads as "would archive".
	pref := h.prefs.sender("acct-1", "billing@vendor.com")
	if pref == nil || pref.Archives != 1 || pref.Replies != 0 {
		t.Fatalf("sender preference = %+v", pref)
	}
	if !almostEqual(pref.ArchiveRate, 0.15) {
		t.Fatalf("ArchiveRate = %f, want 0.15", pref.ArchiveRate)
	}
}

func TestRejectDecaysWithoutTouchingEmail(t *testing.T) {
	h := newHarness()
	h.reviews.put(pendingItem())
	h.prefs.Create(context.Background(), &domain.Preference{
		AccountID: "acct-1",
		Scope:     domain.ScopeSender,
		Key:       "billing@vendor.com",
		ReplyRate: 0.6,
		Replies:   4,
	})

	item, err := h.svc.Reject(context.Background(), 7, "this is not important")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if item.Status != domain.ReviewRejected {
		t.Fatalf("status = %s, want rejected", item.Status)
	}

	if len(h.mail.labels) != 0 {
		t.Fatalf("reject must not relabel, got %+v", h.mail.labels)
	}
	if len(h.emails.corrections) != 0 {
		t.Fatalf("reject must not rewrite the processed email, got %+v", h.emails.corrections)
	}

	// A rejection is a pure decay sample: rates shrink, counters hold.
	pref := h.prefs.sender("acct-1", "billing@vendor.com")
	if !almostEqual(pref.ReplyRate, 0.51) {
		t.Fatalf("ReplyRate = %f, want 0.51", pref.ReplyRate)
	}
	if pref.Replies != 4 {
		t.Fatalf("Replies = %d, want 4", pref.Replies)
	}

	if got := h.events.ofType(domain.EventReviewRejected); len(got) != 1 {
		t.Fatalf("REVIEW_REJECTED events = %d, want 1", len(got))
	}
}

func TestSecondDecisionConflicts(t *testing.T) {
	h := newHarness()
	h.reviews.put(pendingItem())

	if _, err := h.svc.Approve(context.Background(), 7, ""); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	_, err := h.svc.Reject(context.Background(), 7, "changed my mind")
	if !apperr.IsConflict(err) {
		t.Fatalf("second decision error = %v, want Conflict", err)
	}

	if h.reviews.transitions != 1 {
		t.Fatalf("transitions = %d, want 1", h.reviews.transitions)
	}
	if got := h.events.ofType(domain.EventReviewRejected); len(got) != 0 {
		t.Fatalf("rejected events after conflict = %d, want 0", len(got))
	}
}

func TestModifyValidatesCategory(t *testing.T) {
	h := newHarness()
	h.reviews.put(pendingItem())

	_, err := h.svc.Modify(context.Background(), 7, domain.Category("urgent-ish"), "")
	if err == nil {
		t.Fatal("expected error for unknown category")
	}
	if h.reviews.transitions != 0 {
		t.Fatalf("transitions = %d, want 0", h.reviews.transitions)
	}
}

func TestListDefaultsToPending(t *testing.T) {
	h := newHarness()
	h.reviews.put(pendingItem())

	items, total, err := h.svc.List(context.Background(), nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("total = %d, items = %d", total, len(items))
	}
	if h.reviews.lastFilter.Status != domain.ReviewPending {
		t.Fatalf("default status filter = %s, want pending", h.reviews.lastFilter.Status)
	}
}

func TestRelatedWithoutRetriever(t *testing.T) {
	h := newHarness()
	h.reviews.put(pendingItem())

	related, err := h.svc.Related(context.Background(), 7, 5)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if related == nil || len(related) != 0 {
		t.Fatalf("related = %v, want empty non-nil", related)
	}
}
