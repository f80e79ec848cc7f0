// Package provider implements the mail provider adapter.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/httputil"
	"triage_server/pkg/logger"
	"triage_server/pkg/metrics"
	"triage_server/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// relevantHeaders is the allowlist copied onto EmailToClassify.Headers.
// The rule layer reads the RFC bulk-mail headers; the rest support
// threading and debugging.
var relevantHeaders = map[string]struct{}{
	"From":        {},
	"To":          {},
	"Cc":          {},
	"Reply-To":    {},
	"Message-ID":  {},
	"In-Reply-To": {},
	"References":  {},

	"List-Unsubscribe":         {},
	"List-Unsubscribe-Post":    {},
	"List-ID":                  {},
	"List-Id":                  {},
	"Precedence":               {},
	"Auto-Submitted":           {},
	"X-Autoreply":              {},
	"X-Autorespond":            {},
	"X-Auto-Response-Suppress": {},
	"X-Mailer":                 {},
	"Feedback-ID":              {},
}

// categoryLabels maps triage outcomes to the Gmail label applied on
// auto-apply. Labels are created on first use and cached per account.
var categoryLabels = map[domain.Category]string{
	domain.CategoryImportant:          "Triage/Important",
	domain.CategoryActionRequired:     "Triage/Action Required",
	domain.CategoryNiceToKnow:         "Triage/Nice To Know",
	domain.CategoryNewsletter:         "Triage/Newsletter",
	domain.CategorySystemNotification: "Triage/System",
	domain.CategorySpam:               "Triage/Spam",
}

const (
	defaultListPageSize = 100
	maxListPageSize     = 500

	defaultFetchConcurrency = 10
	perMessageTimeout       = 30 * time.Second
	defaultCallTimeout      = 30 * time.Second
)

// Config holds the OAuth client used to mint per-account token sources.
type Config struct {
	ClientID     string
	ClientSecret string

	// FetchConcurrency bounds parallel message fetches within one batch.
	// Zero means the default.
	FetchConcurrency int
}

// GmailAdapter implements out.MailProvider against the Gmail API. Every
// call loads the account's stored tokens, builds a service on the pooled
// HTTP client and runs behind a per-account quota guard and a shared
// circuit breaker.
type GmailAdapter struct {
	oauth     *oauth2.Config
	accounts  out.AccountRepository
	raw       out.RawMessageStore
	guard     *ratelimit.ProviderGuard
	fetchSlot int
	cb        *gobreaker.CircuitBreaker
	log       *logger.Logger

	labelMu sync.Mutex
	labels  map[string]map[string]string // accountID -> label name -> label id
}

var _ out.MailProvider = (*GmailAdapter)(nil)

// NewGmailAdapter builds the adapter. raw may be nil, which disables the
// out-of-band message archive (RawRef stays empty); guard may be nil,
// which disables quota throttling.
func NewGmailAdapter(cfg Config, accounts out.AccountRepository, raw out.RawMessageStore, guard *ratelimit.ProviderGuard) *GmailAdapter {
	log := logger.Default().WithField("component", "gmail_adapter")

	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchConcurrency
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &GmailAdapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailModifyScope,
				gmail.GmailLabelsScope,
			},
			Endpoint: google.Endpoint,
		},
		accounts:  accounts,
		raw:       raw,
		guard:     guard,
		fetchSlot: cfg.FetchConcurrency,
		cb:        gobreaker.NewCircuitBreaker(cbSettings),
		log:       log,
		labels:    make(map[string]map[string]string),
	}
}

// =============================================================================
// Listing and fetching
// =============================================================================

func (a *GmailAdapter) ListMessages(ctx context.Context, accountID, query, pageToken string, maxResults int64) (*out.MessagePage, error) {
	svc, err := a.service(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if maxResults <= 0 {
		maxResults = defaultListPageSize
	}
	if maxResults > maxListPageSize {
		maxResults = maxListPageSize
	}

	req := svc.Users.Messages.List("me").MaxResults(maxResults)
	if query != "" {
		req = req.Q(query)
	}
	if pageToken != "" {
		req = req.PageToken(pageToken)
	}

	var resp *gmail.ListMessagesResponse
	cbErr := a.execute(ctx, accountID, "ListMessages", func() error {
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "mailbox listing")
	}

	page := &out.MessagePage{
		NextPageToken: resp.NextPageToken,
		SizeEstimate:  int64(resp.ResultSizeEstimate),
	}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

func (a *GmailAdapter) FetchMessage(ctx context.Context, accountID, messageID string) (*domain.EmailToClassify, error) {
	svc, err := a.service(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return a.fetchOne(ctx, svc, accountID, messageID)
}

// FetchMessages fetches a batch concurrently with a bounded semaphore.
// Per-message failures are collected, not fatal; order follows messageIDs.
func (a *GmailAdapter) FetchMessages(ctx context.Context, accountID string, messageIDs []string) ([]*domain.EmailToClassify, []out.FetchFailure, error) {
	if len(messageIDs) == 0 {
		return nil, nil, nil
	}

	svc, err := a.service(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}

	type result struct {
		index int
		email *domain.EmailToClassify
		err   error
	}

	results := make(chan result, len(messageIDs))
	sem := make(chan struct{}, a.fetchSlot)

	for i, id := range messageIDs {
		go func(idx int, messageID string) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- result{index: idx, err: ctx.Err()}
				return
			}

			email, fetchErr := a.fetchOne(ctx, svc, accountID, messageID)
			results <- result{index: idx, email: email, err: fetchErr}
		}(i, id)
	}

	emails := make([]*domain.EmailToClassify, len(messageIDs))
	var failures []out.FetchFailure
	for range messageIDs {
		r := <-results
		if r.err != nil {
			failures = append(failures, out.FetchFailure{MessageID: messageIDs[r.index], Err: r.err})
			continue
		}
		emails[r.index] = r.email
	}

	fetched := make([]*domain.EmailToClassify, 0, len(messageIDs)-len(failures))
	for _, e := range emails {
		if e != nil {
			fetched = append(fetched, e)
		}
	}
	return fetched, failures, nil
}

func (a *GmailAdapter) fetchOne(ctx context.Context, svc *gmail.Service, accountID, messageID string) (*domain.EmailToClassify, error) {
	msgCtx, cancel := context.WithTimeout(ctx, perMessageTimeout)
	defer cancel()

	var msg *gmail.Message
	cbErr := a.execute(msgCtx, accountID, "FetchMessage", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", messageID).Format("full").Context(msgCtx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "message")
	}

	email := a.convertMessage(accountID, msg)
	a.archiveRaw(ctx, email)
	return email, nil
}

func (a *GmailAdapter) ListHistory(ctx context.Context, accountID string, sinceHistoryID uint64) ([]string, uint64, error) {
	svc, err := a.service(ctx, accountID)
	if err != nil {
		return nil, 0, err
	}

	var ids []string
	seen := make(map[string]bool)
	var cursor uint64
	pageToken := ""

	for {
		req := svc.Users.History.List("me").
			StartHistoryId(sinceHistoryID).
			HistoryTypes("messageAdded")
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		var resp *gmail.ListHistoryResponse
		cbErr := a.execute(ctx, accountID, "ListHistory", func() error {
			var apiErr error
			resp, apiErr = req.Context(ctx).Do()
			return apiErr
		})
		if cbErr != nil {
			// Gmail answers 404 when the cursor has aged out of the
			// history window; the caller has to re-baseline.
			if statusOf(cbErr) == 404 {
				return nil, 0, apperr.Conflict("history cursor expired, full scan required").WithError(cbErr)
			}
			return nil, 0, a.wrapError(cbErr, "history listing")
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				ids = append(ids, added.Message.Id)
			}
		}
		if resp.HistoryId > cursor {
			cursor = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, cursor, nil
}

// =============================================================================
// Mutations
// =============================================================================

func (a *GmailAdapter) ApplyLabel(ctx context.Context, accountID, messageID string, category domain.Category) error {
	name, ok := categoryLabels[category]
	if !ok {
		return apperr.InvalidInput("category", string(category)+" has no provider label")
	}

	svc, err := a.service(ctx, accountID)
	if err != nil {
		return err
	}

	labelID, err := a.ensureLabel(ctx, svc, accountID, name)
	if err != nil {
		return err
	}
	return a.modifyLabels(ctx, svc, accountID, messageID, []string{labelID}, nil)
}

// Archive removes the INBOX label, Gmail's notion of archiving.
func (a *GmailAdapter) Archive(ctx context.Context, accountID, messageID string) error {
	svc, err := a.service(ctx, accountID)
	if err != nil {
		return err
	}
	return a.modifyLabels(ctx, svc, accountID, messageID, nil, []string{"INBOX"})
}

func (a *GmailAdapter) MarkRead(ctx context.Context, accountID, messageID string) error {
	svc, err := a.service(ctx, accountID)
	if err != nil {
		return err
	}
	return a.modifyLabels(ctx, svc, accountID, messageID, nil, []string{"UNREAD"})
}

func (a *GmailAdapter) modifyLabels(ctx context.Context, svc *gmail.Service, accountID, messageID string, add, remove []string) error {
	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}

	cbErr := a.execute(ctx, accountID, "ModifyLabels", func() error {
		_, apiErr := svc.Users.Messages.Modify("me", messageID, req).Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return a.wrapError(cbErr, "message")
	}
	return nil
}

// ensureLabel resolves a label name to its id, creating the label on first
// use. Resolved ids are cached per account.
func (a *GmailAdapter) ensureLabel(ctx context.Context, svc *gmail.Service, accountID, name string) (string, error) {
	a.labelMu.Lock()
	if byName, ok := a.labels[accountID]; ok {
		if id, ok := byName[name]; ok {
			a.labelMu.Unlock()
			return id, nil
		}
	}
	a.labelMu.Unlock()

	var listed *gmail.ListLabelsResponse
	cbErr := a.execute(ctx, accountID, "ListLabels", func() error {
		var apiErr error
		listed, apiErr = svc.Users.Labels.List("me").Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return "", a.wrapError(cbErr, "labels")
	}

	var labelID string
	for _, l := range listed.Labels {
		if l.Name == name {
			labelID = l.Id
			break
		}
	}

	if labelID == "" {
		label := &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}
		var created *gmail.Label
		cbErr := a.execute(ctx, accountID, "CreateLabel", func() error {
			var apiErr error
			created, apiErr = svc.Users.Labels.Create("me", label).Context(ctx).Do()
			return apiErr
		})
		if cbErr != nil {
			return "", a.wrapError(cbErr, "labels")
		}
		labelID = created.Id
	}

	a.labelMu.Lock()
	if a.labels[accountID] == nil {
		a.labels[accountID] = make(map[string]string)
	}
	a.labels[accountID][name] = labelID
	a.labelMu.Unlock()
	return labelID, nil
}

// =============================================================================
// Push watches
// =============================================================================

func (a *GmailAdapter) Watch(ctx context.Context, accountID, topic string) (*out.WatchResult, error) {
	svc, err := a.service(ctx, accountID)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}

	var resp *gmail.WatchResponse
	cbErr := a.execute(ctx, accountID, "Watch", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "watch")
	}

	return &out.WatchResult{
		HistoryID: resp.HistoryId,
		ExpiresAt: time.Unix(0, resp.Expiration*int64(time.Millisecond)),
	}, nil
}

func (a *GmailAdapter) StopWatch(ctx context.Context, accountID string) error {
	svc, err := a.service(ctx, accountID)
	if err != nil {
		return err
	}

	cbErr := a.execute(ctx, accountID, "StopWatch", func() error {
		return svc.Users.Stop("me").Context(ctx).Do()
	})
	if cbErr != nil {
		return a.wrapError(cbErr, "watch")
	}
	return nil
}

// =============================================================================
// Service construction and token persistence
// =============================================================================

// service builds a Gmail client for one account on the pooled HTTP client.
// Refreshed tokens are written back through the account repository.
func (a *GmailAdapter) service(ctx context.Context, accountID string) (*gmail.Service, error) {
	account, err := a.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.AccessToken == "" && account.RefreshToken == "" {
		return nil, apperr.OAuthFailed("gmail", errors.New("account has no stored credentials"))
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httputil.GmailClient())

	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.TokenExpiry,
	}
	src := &persistingTokenSource{
		ctx:        ctx,
		base:       a.oauth.TokenSource(ctx, token),
		accounts:   a.accounts,
		accountID:  accountID,
		lastAccess: token.AccessToken,
		log:        a.log,
	}

	return gmail.NewService(ctx, option.WithTokenSource(oauth2.ReuseTokenSource(token, src)))
}

// persistingTokenSource writes refreshed tokens back to the accounts table
// so the next process start does not redo the refresh dance.
type persistingTokenSource struct {
	ctx       context.Context
	base      oauth2.TokenSource
	accounts  out.AccountRepository
	accountID string
	log       *logger.Logger

	mu         sync.Mutex
	lastAccess string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, apperr.OAuthFailed("gmail", err)
	}

	s.mu.Lock()
	refreshed := token.AccessToken != s.lastAccess
	if refreshed {
		s.lastAccess = token.AccessToken
	}
	s.mu.Unlock()

	if refreshed {
		if err := s.accounts.UpdateTokens(s.ctx, s.accountID, token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
			// The refreshed token still works for this call.
			s.log.Warn("[GmailAdapter] refreshed token for account %s not persisted: %v", s.accountID, err)
		}
	}
	return token, nil
}

// =============================================================================
// Circuit breaker and error mapping
// =============================================================================

// execute wraps an API call with per-account quota throttling and circuit
// breaker protection. Client errors (4xx except 429) must not trip the
// breaker: they say nothing about Gmail's health.
func (a *GmailAdapter) execute(ctx context.Context, accountID, operation string, fn func() error) error {
	if a.guard != nil {
		release, err := a.guard.Acquire(ctx, accountID)
		if err != nil {
			return err
		}
		defer release()
	}

	start := time.Now()
	defer func() { metrics.RecordLatency("gmail."+operation, time.Since(start)) }()

	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if err != nil {
		a.log.Warn("[GmailAdapter] %s failed: state=%s err=%v", operation, a.cb.State().String(), err)
	}
	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func (e *nonCircuitError) Unwrap() error {
	return e.err
}

func statusOf(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// wrapError maps Gmail API failures onto the application error taxonomy.
func (a *GmailAdapter) wrapError(err error, resource string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.TransientTransport("gmail", err)
	}
	switch statusOf(err) {
	case 401, 403:
		return apperr.OAuthFailed("gmail", err)
	case 404:
		return apperr.NotFound(resource)
	case 429, 500, 502, 503:
		return apperr.TransientTransport("gmail", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.TransientTransport("gmail", err)
	}
	return apperr.ExternalError("gmail", err)
}

// =============================================================================
// Conversion
// =============================================================================

// convertMessage normalizes a full-format Gmail message into the pipeline's
// provider-independent shape.
func (a *GmailAdapter) convertMessage(accountID string, msg *gmail.Message) *domain.EmailToClassify {
	email := &domain.EmailToClassify{
		AccountID: accountID,
		EmailID:   msg.Id,
		ThreadID:  msg.ThreadId,
		Snippet:   msg.Snippet,
		Labels:    msg.LabelIds,
	}

	if msg.InternalDate > 0 {
		email.ReceivedAt = time.Unix(0, msg.InternalDate*int64(time.Millisecond))
	}

	if msg.Payload == nil {
		return email
	}

	headers := make(map[string]string)
	for _, h := range msg.Payload.Headers {
		if _, ok := relevantHeaders[h.Name]; ok {
			headers[h.Name] = h.Value
		}
		switch h.Name {
		case "Subject":
			email.Subject = h.Value
		case "From":
			if addr, err := mail.ParseAddress(h.Value); err == nil {
				email.Sender = domain.NormalizeAddress(addr.Address)
				email.SenderName = addr.Name
			} else {
				email.Sender = domain.NormalizeAddress(h.Value)
			}
		case "Date":
			if t, err := mail.ParseDate(h.Value); err == nil && email.ReceivedAt.IsZero() {
				email.ReceivedAt = t
			}
		}
	}
	if len(headers) > 0 {
		email.Headers = headers
	}
	email.SenderDomain = domain.DomainOf(email.Sender)

	a.extractBody(msg.Payload, email)
	email.Attachments = extractAttachments(msg.Payload)
	email.HasAttachments = len(email.Attachments) > 0

	return email
}

// extractBody walks the MIME tree collecting the first text/plain and
// text/html bodies.
func (a *GmailAdapter) extractBody(part *gmail.MessagePart, email *domain.EmailToClassify) {
	if part == nil {
		return
	}

	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		decoded, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err == nil {
			switch {
			case strings.HasPrefix(part.MimeType, "text/plain") && email.BodyText == "":
				email.BodyText = string(decoded)
			case strings.HasPrefix(part.MimeType, "text/html") && email.BodyHTML == "":
				email.BodyHTML = string(decoded)
			}
		}
	}

	for _, child := range part.Parts {
		a.extractBody(child, email)
	}
}

func extractAttachments(part *gmail.MessagePart) []domain.AttachmentMeta {
	if part == nil {
		return nil
	}

	var attachments []domain.AttachmentMeta
	if part.Filename != "" && part.Body != nil {
		attachments = append(attachments, domain.AttachmentMeta{
			Filename: part.Filename,
			MimeType: part.MimeType,
			Size:     part.Body.Size,
		})
	}
	for _, child := range part.Parts {
		attachments = append(attachments, extractAttachments(child)...)
	}
	return attachments
}

// rawDocument is what the archive stores: enough to re-derive anything the
// pipeline extracted, without keeping the whole provider response.
type rawDocument struct {
	Headers  map[string]string `json:"headers,omitempty"`
	Snippet  string            `json:"snippet,omitempty"`
	BodyText string            `json:"body_text,omitempty"`
	BodyHTML string            `json:"body_html,omitempty"`
}

// archiveRaw saves the fetched message out-of-band and stamps the reference
// onto the email. Best-effort: a dead archive never blocks triage.
func (a *GmailAdapter) archiveRaw(ctx context.Context, email *domain.EmailToClassify) {
	if a.raw == nil {
		return
	}

	payload, err := json.Marshal(rawDocument{
		Headers:  email.Headers,
		Snippet:  email.Snippet,
		BodyText: email.BodyText,
		BodyHTML: email.BodyHTML,
	})
	if err != nil {
		return
	}

	ref, err := a.raw.Save(ctx, &domain.RawMessage{
		AccountID: email.AccountID,
		EmailID:   email.EmailID,
		ThreadID:  email.ThreadID,
		Subject:   email.Subject,
		Payload:   payload,
		FetchedAt: time.Now(),
	})
	if err != nil {
		a.log.Warn("[GmailAdapter] raw archive for %s failed: %v", email.EmailID, err)
		return
	}
	email.RawRef = ref
}
