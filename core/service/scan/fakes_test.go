package scan

import (
	"context"
	"sync"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

type fakeScans struct {
	mu         sync.Mutex
	rows       map[int64]*domain.ScanState
	onProgress func(state *domain.ScanState)
}

func newFakeScans() *fakeScans {
	return &fakeScans{rows: make(map[int64]*domain.ScanState)}
}

func (f *fakeScans) Create(_ context.Context, state *domain.ScanState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *state
	f.rows[state.ScanID] = &cp
	return nil
}

func (f *fakeScans) Get(_ context.Context, scanID int64) (*domain.ScanState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.rows[scanID]
	if !ok {
		return nil, apperr.NotFound("scan")
	}
	cp := *state
	return &cp, nil
}

func (f *fakeScans) TransitionStatus(_ context.Context, scanID int64, from []domain.ScanStatus, to domain.ScanStatus) (*domain.ScanState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.rows[scanID]
	if !ok {
		return nil, apperr.NotFound("scan")
	}
	allowed := false
	for _, s := range from {
		if state.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperr.Conflict("scan is " + string(state.Status))
	}
	state.Status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		state.CompletedAt = &now
	}
	cp := *state
	return &cp, nil
}

func (f *fakeScans) SaveProgress(_ context.Context, state *domain.ScanState) error {
	f.mu.Lock()
	row, ok := f.rows[state.ScanID]
	if !ok {
		f.mu.Unlock()
		return apperr.NotFound("scan")
	}
	row.Processed = state.Processed
	row.Skipped = state.Skipped
	row.Failed = state.Failed
	row.EstimatedTotal = state.EstimatedTotal
	row.ConsecutiveErrorBatches = state.ConsecutiveErrorBatches
	row.RecentBatches = append([]domain.BatchStat(nil), state.RecentBatches...)
	row.NextPageToken = state.NextPageToken
	row.LastProcessedEmailID = state.LastProcessedEmailID
	row.Error = state.Error
	row.LastUpdatedAt = time.Now().UTC()
	hook := f.onProgress
	f.mu.Unlock()
	if hook != nil {
		hook(row)
	}
	return nil
}

func (f *fakeScans) ListByAccount(_ context.Context, accountID string, _ int) ([]*domain.ScanState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var states []*domain.ScanState
	for _, state := range f.rows {
		if state.AccountID == accountID {
			cp := *state
			states = append(states, &cp)
		}
	}
	return states, nil
}

func (f *fakeScans) status(scanID int64) domain.ScanStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[scanID].Status
}

type fakeAccounts struct {
	known map[string]bool
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (*domain.Account, error) {
	if f.known[id] {
		return &domain.Account{ID: id, Address: id + "@example.com"}, nil
	}
	return nil, apperr.NotFound("account")
}

func (f *fakeAccounts) GetByAddress(_ context.Context, _ string) (*domain.Account, error) {
	return nil, apperr.NotFound("account")
}

func (f *fakeAccounts) List(_ context.Context) ([]*domain.Account, error) { return nil, nil }

func (f *fakeAccounts) UpdateTokens(_ context.Context, _ string, _, _ string, _ time.Time) error {
	return nil
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

type fakeProducer struct {
	mu         sync.Mutex
	scanJobs   []*out.ScanBatchJob
	publishErr error
}

func (f *fakeProducer) PublishScanBatch(_ context.Context, job *out.ScanBatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.scanJobs = append(f.scanJobs, job)
	return nil
}

func (f *fakeProducer) PublishPush(_ context.Context, _ *out.PushJob) error { return nil }

func (f *fakeProducer) PublishEvent(_ context.Context, _ *domain.Event) error { return nil }

func (f *fakeProducer) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scanJobs)
}

type fakeEmails struct {
	mu        sync.Mutex
	processed map[string]bool // emailID
}

func newFakeEmails() *fakeEmails {
	return &fakeEmails{processed: make(map[string]bool)}
}

func (f *fakeEmails) Exists(_ context.Context, _, emailID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[emailID], nil
}

func (f *fakeEmails) Upsert(_ context.Context, email *domain.ProcessedEmail) (*domain.ProcessedEmail, error) {
	return email, nil
}

func (f *fakeEmails) GetByID(_ context.Context, _ int64) (*domain.ProcessedEmail, error) {
	return nil, apperr.NotFound("processed email")
}

func (f *fakeEmails) GetByEmailID(_ context.Context, _, _ string) (*domain.ProcessedEmail, error) {
	return nil, apperr.NotFound("processed email")
}

func (f *fakeEmails) List(_ context.Context, _ *domain.ProcessedEmailFilter) ([]*domain.ProcessedEmail, int64, error) {
	return nil, 0, nil
}

func (f *fakeEmails) CountByAccount(_ context.Context, _ string) (int64, error) { return 0, nil }

func (f *fakeEmails) ApplyCorrection(_ context.Context, _ int64, _ domain.Category) (*domain.ProcessedEmail, error) {
	return nil, apperr.NotFound("processed email")
}

// fakeMail serves scripted pages. Each call to ListMessages consumes the
// next page.
type fakeMail struct {
	out.MailProvider
	mu        sync.Mutex
	pages     []*out.MessagePage
	pageIdx   int
	listErrs  []error // consumed before pages
	fetchErr  error
	listCalls int
	lastMax   int64
}

func (f *fakeMail) ListMessages(_ context.Context, _, _, _ string, maxResults int64) (*out.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.lastMax = maxResults
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}
	if f.pageIdx >= len(f.pages) {
		return &out.MessagePage{}, nil
	}
	page := f.pages[f.pageIdx]
	f.pageIdx++
	return page, nil
}

func (f *fakeMail) FetchMessages(_ context.Context, accountID string, ids []string) ([]*domain.EmailToClassify, []out.FetchFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, nil, f.fetchErr
	}
	emails := make([]*domain.EmailToClassify, 0, len(ids))
	for _, id := range ids {
		emails = append(emails, &domain.EmailToClassify{
			AccountID: accountID,
			EmailID:   id,
			Subject:   "subject " + id,
			Sender:    "someone@example.com",
		})
	}
	return emails, nil, nil
}

type fakeTriage struct {
	mu      sync.Mutex
	failIDs map[string]bool
	runs    []string
}

func newFakeTriage() *fakeTriage {
	return &fakeTriage{failIDs: make(map[string]bool)}
}

var _ in.TriageService = (*fakeTriage)(nil)

func (f *fakeTriage) ProcessEmail(_ context.Context, email *domain.EmailToClassify) (*domain.ProcessingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[email.EmailID] {
		return nil, apperr.DatabaseError("upsert", context.DeadlineExceeded)
	}
	f.runs = append(f.runs, email.EmailID)
	return &domain.ProcessingResult{
		Email:   &domain.ProcessedEmail{AccountID: email.AccountID, EmailID: email.EmailID},
		Routing: domain.RoutedAutoApplied,
	}, nil
}

func (f *fakeTriage) GetEmail(_ context.Context, _ int64) (*in.EmailDetail, error) {
	return nil, apperr.NotFound("processed email")
}

func (f *fakeTriage) ListEmails(_ context.Context, _ *domain.ProcessedEmailFilter) ([]*domain.ProcessedEmail, int64, error) {
	return nil, 0, nil
}
