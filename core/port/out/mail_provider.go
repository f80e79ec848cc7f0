package out

import (
	"context"
	"time"

	"triage_server/core/domain"
)

// MessagePage is one page of a mailbox listing.
type MessagePage struct {
	IDs           []string
	NextPageToken string
	SizeEstimate  int64
}

// FetchFailure records a message that could not be fetched in a batch.
type FetchFailure struct {
	MessageID string
	Err       error
}

// WatchResult is the provider's answer to a watch registration.
type WatchResult struct {
	HistoryID uint64
	ExpiresAt time.Time
}

// MailProvider is the mailbox transport. Implementations normalize into
// domain.EmailToClassify; nothing above this port sees provider payloads.
type MailProvider interface {
	// ListMessages pages through a mailbox, optionally filtered by a
	// provider-syntax query.
	ListMessages(ctx context.Context, accountID, query, pageToken string, maxResults int64) (*MessagePage, error)
	FetchMessage(ctx context.Context, accountID, messageID string) (*domain.EmailToClassify, error)
	// FetchMessages fetches a batch concurrently. Per-message failures are
	// reported, not fatal; the error return covers whole-batch failures.
	FetchMessages(ctx context.Context, accountID string, messageIDs []string) ([]*domain.EmailToClassify, []FetchFailure, error)
	// ListHistory enumerates message ids added since a history cursor and
	// returns the new cursor.
	ListHistory(ctx context.Context, accountID string, sinceHistoryID uint64) ([]string, uint64, error)

	ApplyLabel(ctx context.Context, accountID, messageID string, category domain.Category) error
	Archive(ctx context.Context, accountID, messageID string) error
	MarkRead(ctx context.Context, accountID, messageID string) error

	Watch(ctx context.Context, accountID, topic string) (*WatchResult, error)
	StopWatch(ctx context.Context, accountID string) error
}
