package feedback

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

type fakePrefs struct {
	mu        sync.Mutex
	rows      map[string]*domain.Preference
	conflicts int // next N UpdateCAS calls fail with Conflict
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{rows: make(map[string]*domain.Preference)}
}

func key(scope domain.PreferenceScope, accountID, k string) string {
	return fmt.Sprintf("%s/%s/%s", scope, accountID, k)
}

func (f *fakePrefs) Get(_ context.Context, scope domain.PreferenceScope, accountID, k string) (*domain.Preference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.rows[key(scope, accountID, k)]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, apperr.NotFound("preference")
}

func (f *fakePrefs) Create(_ context.Context, p *domain.Preference) (*domain.Preference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[key(p.Scope, p.AccountID, p.Key)]; ok {
		return nil, apperr.Conflict("exists")
	}
	cp := *p
	f.rows[key(p.Scope, p.AccountID, p.Key)] = &cp
	return p, nil
}

func (f *fakePrefs) UpdateCAS(_ context.Context, p *domain.Preference, expected time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		// Simulate a racing writer bumping the row.
		if cur, ok := f.rows[key(p.Scope, p.AccountID, p.Key)]; ok {
			cur.LastUpdated = cur.LastUpdated.Add(time.Millisecond)
		}
		return apperr.Conflict("concurrent update")
	}
	cur, ok := f.rows[key(p.Scope, p.AccountID, p.Key)]
	if !ok {
		return apperr.NotFound("preference")
	}
	if !cur.LastUpdated.Equal(expected) {
		return apperr.Conflict("concurrent update")
	}
	cp := *p
	f.rows[key(p.Scope, p.AccountID, p.Key)] = &cp
	return nil
}

var _ out.PreferenceRepository = (*fakePrefs)(nil)

type fakeEvents struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (f *fakeEvents) Append(_ context.Context, ev *domain.Event) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *ev
	stored.Seq = int64(len(f.events) + 1)
	f.events = append(f.events, &stored)
	return &stored, nil
}

func (f *fakeEvents) Query(context.Context, *domain.EventFilter) ([]*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Event{}, f.events...), nil
}

var _ out.EventLog = (*fakeEvents)(nil)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestObserveMessageCreatesSenderAndDomainRows(t *testing.T) {
	prefs := newFakePrefs()
	tracker := NewTracker(prefs, &fakeEvents{}, nil)

	err := tracker.ObserveMessage(context.Background(), "acct-1",
		"Jane Doe <jane@partner.io>", domain.Observation{Replied: true})
	if err != nil {
		t.Fatalf("ObserveMessage: %v", err)
	}

	sender, err := prefs.Get(context.Background(), domain.ScopeSender, "acct-1", "jane@partner.io")
	if err != nil {
		t.Fatalf("sender row missing: %v", err)
	}
	if sender.EmailsSeen != 1 || sender.Replies != 1 {
		t.Errorf("sender counters = seen %d replies %d, want 1/1", sender.EmailsSeen, sender.Replies)
	}
	// First sample: rate = 0.15*1 + 0.85*0.
	if !almostEqual(sender.ReplyRate, 0.15) {
		t.Errorf("sender reply rate = %f, want 0.15", sender.ReplyRate)
	}
	if !almostEqual(sender.ArchiveRate, 0) || !almostEqual(sender.DeleteRate, 0) {
		t.Errorf("untouched rates should decay from zero to zero: %f/%f",
			sender.ArchiveRate, sender.DeleteRate)
	}

	dom, err := prefs.Get(context.Background(), domain.ScopeDomain, "acct-1", "partner.io")
	if err != nil {
		t.Fatalf("domain row missing: %v", err)
	}
	if dom.EmailsSeen != 1 {
		t.Errorf("domain emails_seen = %d, want 1", dom.EmailsSeen)
	}
}

func TestEMAConvergesUnderRepeatedReplies(t *testing.T) {
	prefs := newFakePrefs()
	tracker := NewTracker(prefs, &fakeEvents{}, nil)

	for i := 0; i < 40; i++ {
		if err := tracker.ObserveMessage(context.Background(), "acct-1",
			"jane@partner.io", domain.Observation{Replied: true}); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}

	sender, _ := prefs.Get(context.Background(), domain.ScopeSender, "acct-1", "jane@partner.io")
	if sender.ReplyRate < 0.95 {
		t.Errorf("reply rate after 40 replies = %f, want near 1", sender.ReplyRate)
	}
	// reply_rate >= 0.7 puts the row in the important band.
	category, imp := sender.InferCategory()
	if category != domain.CategoryImportant {
		t.Errorf("inferred category = %s, want important", category)
	}
	if imp < 0.8 {
		t.Errorf("inferred importance = %f, want >= 0.8", imp)
	}
	if !almostEqual(sender.Importance, imp) {
		t.Errorf("stored importance %f diverges from re-derived %f", sender.Importance, imp)
	}
}

func TestAllRatesUpdateOnEveryObservation(t *testing.T) {
	prefs := newFakePrefs()
	tracker := NewTracker(prefs, &fakeEvents{}, nil)
	ctx := context.Background()

	// Build a high reply rate, then archive once: reply decays, archive rises.
	for i := 0; i < 20; i++ {
		_ = tracker.ObserveMessage(ctx, "acct-1", "jane@partner.io", domain.Observation{Replied: true})
	}
	before, _ := prefs.Get(ctx, domain.ScopeSender, "acct-1", "jane@partner.io")

	_ = tracker.ObserveMessage(ctx, "acct-1", "jane@partner.io", domain.Observation{Archived: true})
	after, _ := prefs.Get(ctx, domain.ScopeSender, "acct-1", "jane@partner.io")

	if after.ReplyRate >= before.ReplyRate {
		t.Errorf("reply rate should decay on an archive: %f -> %f", before.ReplyRate, after.ReplyRate)
	}
	wantReply := 0.85 * before.ReplyRate
	if !almostEqual(after.ReplyRate, wantReply) {
		t.Errorf("reply rate = %f, want %f", after.ReplyRate, wantReply)
	}
	if !almostEqual(after.ArchiveRate, 0.15*1+0.85*before.ArchiveRate) {
		t.Errorf("archive rate = %f", after.ArchiveRate)
	}
}

func TestApplyFeedbackReviewDoesNotCountAsSeen(t *testing.T) {
	prefs := newFakePrefs()
	events := &fakeEvents{}
	tracker := NewTracker(prefs, events, nil)
	ctx := context.Background()

	_ = tracker.ObserveMessage(ctx, "acct-1", "jane@partner.io", domain.Observation{})
	corrected := domain.CategoryImportant
	err := tracker.ApplyFeedback(ctx, &domain.FeedbackEvent{
		Source:        domain.SourceReview,
		Action:        domain.ActionReviewModify,
		AccountID:     "acct-1",
		EmailID:       "msg-1",
		Sender:        "jane@partner.io",
		PriorCategory: domain.CategoryNewsletter,
		NewCategory:   &corrected,
	})
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}

	sender, _ := prefs.Get(ctx, domain.ScopeSender, "acct-1", "jane@partner.io")
	if sender.EmailsSeen != 1 {
		t.Errorf("emails_seen = %d after review feedback, want 1 (unchanged)", sender.EmailsSeen)
	}
	// Correction toward important reads as a reply observation.
	if sender.Replies != 1 {
		t.Errorf("replies = %d, want 1", sender.Replies)
	}

	if len(events.events) != 1 || events.events[0].Type != domain.EventUserFeedback {
		t.Fatalf("expected one USER_FEEDBACK event, got %+v", events.events)
	}
	if events.events[0].Payload["new_category"] != "important" {
		t.Errorf("event payload missing correction: %+v", events.events[0].Payload)
	}
}

func TestApplyFeedbackRejectDecaysAllRates(t *testing.T) {
	prefs := newFakePrefs()
	tracker := NewTracker(prefs, &fakeEvents{}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = tracker.ObserveMessage(ctx, "acct-1", "jane@partner.io", domain.Observation{Replied: true})
	}
	before, _ := prefs.Get(ctx, domain.ScopeSender, "acct-1", "jane@partner.io")

	err := tracker.ApplyFeedback(ctx, &domain.FeedbackEvent{
		Source:        domain.SourceReview,
		Action:        domain.ActionReviewReject,
		AccountID:     "acct-1",
		EmailID:       "msg-1",
		Sender:        "jane@partner.io",
		PriorCategory: domain.CategoryImportant,
	})
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}

	after, _ := prefs.Get(ctx, domain.ScopeSender, "acct-1", "jane@partner.io")
	if !almostEqual(after.ReplyRate, 0.85*before.ReplyRate) {
		t.Errorf("reject should decay reply rate: %f -> %f", before.ReplyRate, after.ReplyRate)
	}
	if after.Replies != before.Replies {
		t.Errorf("reject must not bump counters: %d -> %d", before.Replies, after.Replies)
	}
}

func TestCASConflictRetriesAndLands(t *testing.T) {
	prefs := newFakePrefs()
	tracker := NewTracker(prefs, &fakeEvents{}, nil)
	ctx := context.Background()

	_ = tracker.ObserveMessage(ctx, "acct-1", "jane@partner.io", domain.Observation{})

	prefs.conflicts = 2 // two racing writers, then clean
	err := tracker.ObserveMessage(ctx, "acct-1", "jane@partner.io", domain.Observation{Replied: true})
	if err != nil {
		t.Fatalf("retry loop should absorb conflicts: %v", err)
	}

	sender, _ := prefs.Get(ctx, domain.ScopeSender, "acct-1", "jane@partner.io")
	if sender.Replies != 1 {
		t.Errorf("observation lost under conflict: replies = %d", sender.Replies)
	}
}

func TestCASConflictGivesUpAfterRetries(t *testing.T) {
	prefs := newFakePrefs()
	tracker := NewTracker(prefs, &fakeEvents{}, nil)
	ctx := context.Background()

	_ = tracker.ObserveMessage(ctx, "acct-1", "jane@partner.io", domain.Observation{})

	prefs.conflicts = 100
	err := tracker.updateOne(ctx, "acct-1", domain.ScopeSender, "jane@partner.io",
		domain.Observation{Replied: true}, false)
	if !apperr.IsConflict(err) {
		t.Fatalf("expected terminal Conflict, got %v", err)
	}
}
