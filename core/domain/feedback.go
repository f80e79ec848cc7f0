package domain

import "time"

// =============================================================================
// Feedback signals
// =============================================================================

// FeedbackSource distinguishes implicit provider-state signals from explicit
// review-queue decisions. Only implicit observations count a new email
// toward emails_seen.
type FeedbackSource string

const (
	SourceImplicit FeedbackSource = "implicit"
	SourceReview   FeedbackSource = "review_queue"
)

// FeedbackAction names what the user (or their mail client) did.
type FeedbackAction string

const (
	ActionReply         FeedbackAction = "reply"
	ActionArchive       FeedbackAction = "archive"
	ActionDelete        FeedbackAction = "delete"
	ActionStar          FeedbackAction = "star"
	ActionReviewApprove FeedbackAction = "review_approve"
	ActionReviewReject  FeedbackAction = "review_reject"
	ActionReviewModify  FeedbackAction = "review_modify"
)

// Observation is one binary sample per tracked rate. The EMA update treats
// each flag as the observed value (1 or 0) for its rate.
type Observation struct {
	Replied  bool
	Archived bool
	Deleted  bool
	Starred  bool
}

// IsZero reports whether nothing was observed (pure decay sample).
func (o Observation) IsZero() bool {
	return !o.Replied && !o.Archived && !o.Deleted && !o.Starred
}

// FeedbackEvent carries one feedback signal into the preference writer.
type FeedbackEvent struct {
	Source        FeedbackSource `json:"source"`
	Action        FeedbackAction `json:"action"`
	AccountID     string         `json:"account_id"`
	EmailID       string         `json:"email_id"`
	Sender        string         `json:"sender"`
	SenderDomain  string         `json:"sender_domain"`
	PriorCategory Category       `json:"prior_category,omitempty"`
	NewCategory   *Category      `json:"new_category,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ReviewObservation maps a review decision onto the rate observation the
// preference writer should record. Approving or correcting toward an
// attention category reads as "would reply"; toward a bulk category as
// "would archive"; toward spam as "would delete". Rejections decay all
// rates.
func ReviewObservation(action FeedbackAction, category Category) Observation {
	if action == ActionReviewReject {
		return Observation{}
	}
	switch category {
	case CategoryImportant, CategoryActionRequired:
		return Observation{Replied: true}
	case CategorySpam:
		return Observation{Deleted: true}
	case CategoryNewsletter, CategoryNiceToKnow, CategorySystemNotification:
		return Observation{Archived: true}
	default:
		return Observation{}
	}
}
