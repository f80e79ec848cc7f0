package notification

import (
	"context"
	"sync"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

// ---------------------------------------------------------------------------
// subscription repository
// ---------------------------------------------------------------------------

type fakeSubs struct {
	mu   sync.Mutex
	rows map[string]*domain.Subscription

	upsertErr  error
	advanceErr error
	advances   []uint64
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{rows: make(map[string]*domain.Subscription)}
}

func (f *fakeSubs) Upsert(_ context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sub
	if existing, ok := f.rows[sub.AccountID]; ok {
		cp.ID = existing.ID
		if existing.LastHistoryID > cp.LastHistoryID {
			cp.LastHistoryID = existing.LastHistoryID
		}
	} else {
		cp.ID = int64(len(f.rows) + 1)
	}
	f.rows[sub.AccountID] = &cp
	stored := cp
	return &stored, nil
}

func (f *fakeSubs) GetByAccount(_ context.Context, accountID string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.rows[accountID]
	if !ok {
		return nil, apperr.NotFound("subscription")
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubs) AdvanceHistory(_ context.Context, accountID string, historyID uint64, notifiedAt time.Time) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.rows[accountID]
	if !ok {
		return apperr.NotFound("subscription")
	}
	f.advances = append(f.advances, historyID)
	if sub.LastHistoryID < historyID {
		sub.LastHistoryID = historyID
		at := notifiedAt
		sub.LastNotificationAt = &at
	}
	return nil
}

func (f *fakeSubs) ListExpiring(_ context.Context, before time.Time) ([]*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expiring []*domain.Subscription
	for _, sub := range f.rows {
		if sub.ExpiresAt.Before(before) {
			cp := *sub
			expiring = append(expiring, &cp)
		}
	}
	return expiring, nil
}

func (f *fakeSubs) Delete(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[accountID]; !ok {
		return apperr.NotFound("subscription")
	}
	delete(f.rows, accountID)
	return nil
}

func (f *fakeSubs) cursor(accountID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.rows[accountID]; ok {
		return sub.LastHistoryID
	}
	return 0
}

// ---------------------------------------------------------------------------
// account repository
// ---------------------------------------------------------------------------

type fakeAccounts struct {
	known map[string]*domain.Account
}

func newFakeAccounts(accounts ...*domain.Account) *fakeAccounts {
	f := &fakeAccounts{known: make(map[string]*domain.Account)}
	for _, a := range accounts {
		f.known[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (*domain.Account, error) {
	a, ok := f.known[id]
	if !ok {
		return nil, apperr.NotFound("account")
	}
	return a, nil
}

func (f *fakeAccounts) GetByAddress(_ context.Context, address string) (*domain.Account, error) {
	for _, a := range f.known {
		if a.Address == address {
			return a, nil
		}
	}
	return nil, apperr.NotFound("account")
}

func (f *fakeAccounts) List(_ context.Context) ([]*domain.Account, error) {
	var all []*domain.Account
	for _, a := range f.known {
		all = append(all, a)
	}
	return all, nil
}

func (f *fakeAccounts) UpdateTokens(_ context.Context, _, _, _ string, _ time.Time) error {
	return nil
}

// ---------------------------------------------------------------------------
// event log
// ---------------------------------------------------------------------------

type fakeEvents struct {
	mu       sync.Mutex
	appended []*domain.Event
	failOn   domain.EventType
}

func (f *fakeEvents) Append(_ context.Context, event *domain.Event) (*domain.Event, error) {
	if f.failOn != "" && event.Type == f.failOn {
		return nil, apperr.DatabaseError("append event", context.DeadlineExceeded)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, event)
	return event, nil
}

func (f *fakeEvents) Query(_ context.Context, _ *domain.EventFilter) ([]*domain.Event, error) {
	return nil, nil
}

func (f *fakeEvents) ofType(t domain.EventType) []*domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*domain.Event
	for _, e := range f.appended {
		if e.Type == t {
			matched = append(matched, e)
		}
	}
	return matched
}

// ---------------------------------------------------------------------------
// message producer
// ---------------------------------------------------------------------------

type fakeProducer struct {
	mu         sync.Mutex
	pushJobs   []*out.PushJob
	publishErr error
}

func (f *fakeProducer) PublishScanBatch(_ context.Context, _ *out.ScanBatchJob) error {
	return nil
}

func (f *fakeProducer) PublishPush(_ context.Context, job *out.PushJob) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushJobs = append(f.pushJobs, job)
	return nil
}

func (f *fakeProducer) PublishEvent(_ context.Context, _ *domain.Event) error {
	return nil
}

// ---------------------------------------------------------------------------
// dedupe store
// ---------------------------------------------------------------------------

type fakeDedupe struct {
	mu      sync.Mutex
	seen    map[string]bool
	deleted []string
	setErr  error
}

func newFakeDedupe() *fakeDedupe {
	return &fakeDedupe{seen: make(map[string]bool)}
}

func (f *fakeDedupe) SetNX(_ context.Context, key string, _ string, _ time.Duration) (bool, error) {
	if f.setErr != nil {
		return false, f.setErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeDedupe) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, key)
	f.deleted = append(f.deleted, key)
	return nil
}

// ---------------------------------------------------------------------------
// mail provider
// ---------------------------------------------------------------------------

type fakeMail struct {
	out.MailProvider

	watch    *out.WatchResult
	watchErr error
	watches  []string

	stopErr error
	stopped []string

	historyIDs []string
	historyEnd uint64
	historyErr error

	fetchErrs map[string]error
	fetched   []string
}

func (f *fakeMail) Watch(_ context.Context, accountID, _ string) (*out.WatchResult, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.watches = append(f.watches, accountID)
	w := *f.watch
	return &w, nil
}

func (f *fakeMail) StopWatch(_ context.Context, accountID string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, accountID)
	return nil
}

func (f *fakeMail) ListHistory(_ context.Context, _ string, _ uint64) ([]string, uint64, error) {
	if f.historyErr != nil {
		return nil, 0, f.historyErr
	}
	return f.historyIDs, f.historyEnd, nil
}

func (f *fakeMail) FetchMessage(_ context.Context, accountID, messageID string) (*domain.EmailToClassify, error) {
	if err, ok := f.fetchErrs[messageID]; ok {
		return nil, err
	}
	f.fetched = append(f.fetched, messageID)
	return &domain.EmailToClassify{
		AccountID: accountID,
		EmailID:   messageID,
		Sender:    "someone@example.com",
		Subject:   "history message " + messageID,
	}, nil
}

// ---------------------------------------------------------------------------
// triage service
// ---------------------------------------------------------------------------

type fakeTriage struct {
	mu      sync.Mutex
	runs    []string
	failIDs map[string]bool
}

var _ in.TriageService = (*fakeTriage)(nil)

func (f *fakeTriage) ProcessEmail(_ context.Context, email *domain.EmailToClassify) (*domain.ProcessingResult, error) {
	if f.failIDs[email.EmailID] {
		return nil, apperr.DatabaseError("upsert email", context.DeadlineExceeded)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, email.EmailID)
	return &domain.ProcessingResult{
		Email:   &domain.ProcessedEmail{AccountID: email.AccountID, EmailID: email.EmailID},
		Routing: domain.RoutedAutoApplied,
	}, nil
}

func (f *fakeTriage) GetEmail(_ context.Context, _ int64) (*in.EmailDetail, error) {
	return nil, apperr.NotFound("email")
}

func (f *fakeTriage) ListEmails(_ context.Context, _ *domain.ProcessedEmailFilter) ([]*domain.ProcessedEmail, int64, error) {
	return nil, 0, nil
}
