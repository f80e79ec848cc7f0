package domain

import "time"

// =============================================================================
// Accounts and push subscriptions
// =============================================================================

// ProviderKind names the mailbox transport an account uses.
type ProviderKind string

const (
	ProviderGmail ProviderKind = "gmail"
	ProviderIMAP  ProviderKind = "imap"
)

// Account is a connected mailbox. Tokens are stored encrypted and the
// persistence adapter decrypts on read; the pipeline itself never writes
// account rows (token refresh is the provider adapter's business).
type Account struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Address      string       `json:"address"`
	Provider     ProviderKind `json:"provider"`
	AccessToken  string       `json:"-"`
	RefreshToken string       `json:"-"`
	TokenExpiry  time.Time    `json:"token_expiry"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Subscription tracks the provider push watch for one account.
// LastHistoryID only advances after a notification's whole message batch
// has been processed, so a crash replays rather than drops.
type Subscription struct {
	ID                 int64      `json:"id"`
	AccountID          string     `json:"account_id"`
	Topic              string     `json:"topic"`
	LastHistoryID      uint64     `json:"last_history_id"`
	ExpiresAt          time.Time  `json:"expires_at"`
	LastNotificationAt *time.Time `json:"last_notification_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// PushNotification is the decoded payload of one provider push message.
type PushNotification struct {
	NotificationID string    `json:"notification_id"`
	EmailAddress   string    `json:"email_address"`
	HistoryID      uint64    `json:"history_id"`
	PublishedAt    time.Time `json:"published_at"`
}

// RawMessage is the archived provider payload for one fetched email,
// stored out-of-band (compressed, TTL-bound) and referenced by RawRef.
type RawMessage struct {
	AccountID string    `json:"account_id"`
	EmailID   string    `json:"email_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Payload   []byte    `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
}
