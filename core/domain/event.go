package domain

import "time"

// =============================================================================
// Event log
// =============================================================================

// EventType is the closed vocabulary of pipeline events. Appending an
// unknown type is an invariant violation.
type EventType string

const (
	EventEmailFetched    EventType = "EMAIL_FETCHED"
	EventEmailClassified EventType = "EMAIL_CLASSIFIED"
	EventEmailAnalyzed   EventType = "EMAIL_ANALYZED"

	EventTaskExtracted     EventType = "TASK_EXTRACTED"
	EventDecisionExtracted EventType = "DECISION_EXTRACTED"
	EventQuestionExtracted EventType = "QUESTION_EXTRACTED"

	EventReviewEnqueued EventType = "REVIEW_ENQUEUED"
	EventReviewApproved EventType = "REVIEW_APPROVED"
	EventReviewRejected EventType = "REVIEW_REJECTED"
	EventReviewModified EventType = "REVIEW_MODIFIED"

	EventUserFeedback EventType = "USER_FEEDBACK"

	EventScanStarted   EventType = "HISTORY_SCAN_STARTED"
	EventScanProgress  EventType = "HISTORY_SCAN_PROGRESS"
	EventScanPaused    EventType = "HISTORY_SCAN_PAUSED"
	EventScanResumed   EventType = "HISTORY_SCAN_RESUMED"
	EventScanCompleted EventType = "HISTORY_SCAN_COMPLETED"
	EventScanCancelled EventType = "HISTORY_SCAN_CANCELLED"
	EventScanError     EventType = "HISTORY_SCAN_ERROR"

	EventWebhookReceived            EventType = "WEBHOOK_NOTIFICATION_RECEIVED"
	EventWebhookSubscriptionCreated EventType = "WEBHOOK_SUBSCRIPTION_CREATED"
	EventWebhookSubscriptionRenewed EventType = "WEBHOOK_SUBSCRIPTION_RENEWED"
	EventWebhookSubscriptionStopped EventType = "WEBHOOK_SUBSCRIPTION_STOPPED"

	EventError EventType = "ERROR"
)

var validEventTypes = map[EventType]struct{}{
	EventEmailFetched:    {},
	EventEmailClassified: {},
	EventEmailAnalyzed:   {},

	EventTaskExtracted:     {},
	EventDecisionExtracted: {},
	EventQuestionExtracted: {},

	EventReviewEnqueued: {},
	EventReviewApproved: {},
	EventReviewRejected: {},
	EventReviewModified: {},

	EventUserFeedback: {},

	EventScanStarted:   {},
	EventScanProgress:  {},
	EventScanPaused:    {},
	EventScanResumed:   {},
	EventScanCompleted: {},
	EventScanCancelled: {},
	EventScanError:     {},

	EventWebhookReceived:            {},
	EventWebhookSubscriptionCreated: {},
	EventWebhookSubscriptionRenewed: {},
	EventWebhookSubscriptionStopped: {},

	EventError: {},
}

// IsValid reports whether t belongs to the event vocabulary.
func (t EventType) IsValid() bool {
	_, ok := validEventTypes[t]
	return ok
}

// Event is one append-only audit record. Seq is assigned by the log on
// append and strictly increases; ordering within an account follows Seq.
type Event struct {
	Seq              int64          `json:"seq"`
	EventID          string         `json:"event_id"` // uuid
	Type             EventType      `json:"type"`
	Timestamp        time.Time      `json:"timestamp"`
	AccountID        string         `json:"account_id"`
	EmailID          string         `json:"email_id,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	ProcessingTimeMS int64          `json:"processing_time_ms,omitempty"`
}

// EventFilter narrows Query. After is exclusive: only events with a
// timestamp strictly after it are returned.
type EventFilter struct {
	Types     []EventType
	AccountID string
	EmailID   string
	After     time.Time
	Limit     int
}
