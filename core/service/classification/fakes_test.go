package classification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

// =============================================================================
// In-package fakes
// =============================================================================

type fakePrefs struct {
	mu      sync.Mutex
	rows    map[string]*domain.Preference
	updates int
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{rows: make(map[string]*domain.Preference)}
}

func prefKey(scope domain.PreferenceScope, accountID, key string) string {
	return fmt.Sprintf("%s/%s/%s", scope, accountID, key)
}

func (f *fakePrefs) put(p *domain.Preference) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[prefKey(p.Scope, p.AccountID, p.Key)] = p
}

func (f *fakePrefs) Get(_ context.Context, scope domain.PreferenceScope, accountID, key string) (*domain.Preference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.rows[prefKey(scope, accountID, key)]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, apperr.NotFound("preference")
}

func (f *fakePrefs) Create(_ context.Context, p *domain.Preference) (*domain.Preference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.rows[prefKey(p.Scope, p.AccountID, p.Key)] = p
	return p, nil
}

func (f *fakePrefs) UpdateCAS(_ context.Context, p *domain.Preference, expected time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[prefKey(p.Scope, p.AccountID, p.Key)]
	if !ok {
		return apperr.NotFound("preference")
	}
	if !cur.LastUpdated.Equal(expected) {
		return apperr.Conflict("preference changed concurrently")
	}
	f.updates++
	f.rows[prefKey(p.Scope, p.AccountID, p.Key)] = p
	return nil
}

var _ out.PreferenceRepository = (*fakePrefs)(nil)

type fakeModelProvider struct {
	mu         sync.Mutex
	raw        []byte
	err        error
	delay      time.Duration
	calls      int
	lastPrompt string
}

func (f *fakeModelProvider) Complete(ctx context.Context, req *out.CompletionRequest) (*out.CompletionResult, error) {
	f.mu.Lock()
	f.calls++
	if len(req.Messages) > 1 {
		f.lastPrompt = req.Messages[len(req.Messages)-1].Content
	}
	delay, raw, err := f.delay, f.raw, f.err
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperr.Timeout("model completion").WithError(ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if req.Validate != nil {
		if verr := req.Validate(raw); verr != nil {
			return nil, apperr.SchemaViolation(verr.Error())
		}
	}
	return &out.CompletionResult{Raw: raw, Provider: out.ForcePrimary, Model: "fake-model"}, nil
}

func (f *fakeModelProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ out.ModelProvider = (*fakeModelProvider)(nil)

type fakeCounter struct {
	n   int64
	err error
}

func (f fakeCounter) CountByAccount(context.Context, string) (int64, error) {
	return f.n, f.err
}

// =============================================================================
// Fixture emails
// =============================================================================

func modelJSON(category string, importance, confidence float64) []byte {
	return []byte(fmt.Sprintf(
		`{"category":%q,"importance_score":%g,"confidence":%g,"reasoning":"synthetic verdict for testing","key_signals":["fixture"]}`,
		category, importance, confidence))
}

func plainEmail() *domain.EmailToClassify {
	return &domain.EmailToClassify{
		AccountID:    "acct-1",
		EmailID:      "msg-plain",
		Subject:      "Quarterly planning sync",
		Sender:       "jane@partner.io",
		SenderDomain: "partner.io",
		BodyText:     "Hi, can we meet Tuesday to walk through the roadmap draft?",
		ReceivedAt:   time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC),
	}
}

func spamEmail() *domain.EmailToClassify {
	return &domain.EmailToClassify{
		AccountID:    "acct-1",
		EmailID:      "msg-spam",
		Subject:      "YOU HAVE WON!!! Claim $1,000,000 NOW",
		Sender:       "lottery@win-now.biz",
		SenderDomain: "win-now.biz",
		ReceivedAt:   time.Date(2025, 3, 4, 9, 31, 0, 0, time.UTC),
	}
}

func newsletterEmail() *domain.EmailToClassify {
	return &domain.EmailToClassify{
		AccountID:    "acct-1",
		EmailID:      "msg-news",
		Subject:      "This week in Go",
		Sender:       "digest@golangweekly.dev",
		SenderDomain: "golangweekly.dev",
		Headers:      map[string]string{"List-Unsubscribe": "<mailto:unsub@golangweekly.dev>"},
		BodyText:     "All the links. Click unsubscribe to stop receiving this.",
		ReceivedAt:   time.Date(2025, 3, 4, 9, 32, 0, 0, time.UTC),
	}
}

func autoReplyEmail() *domain.EmailToClassify {
	return &domain.EmailToClassify{
		AccountID:    "acct-1",
		EmailID:      "msg-ooo",
		Subject:      "Automatic reply: project kickoff",
		Sender:       "sam@corp.io",
		SenderDomain: "corp.io",
		Headers:      map[string]string{"Auto-Submitted": "auto-replied"},
		BodyText:     "I am away until Monday.",
		ReceivedAt:   time.Date(2025, 3, 4, 9, 33, 0, 0, time.UTC),
	}
}
