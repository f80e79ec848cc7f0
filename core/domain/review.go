package domain

import "time"

// =============================================================================
// Review queue (human in the loop)
// =============================================================================

// ReviewStatus is the lifecycle of a queue item. pending is the only state
// a transition may start from; the other three are terminal.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewModified ReviewStatus = "modified"
)

// IsTerminal reports whether no further transition is allowed.
func (s ReviewStatus) IsTerminal() bool {
	return s == ReviewApproved || s == ReviewRejected || s == ReviewModified
}

// ReviewItem is one email awaiting a human decision. The queue is ordered
// by importance descending, then added_at ascending.
type ReviewItem struct {
	ID                int64        `json:"id"`
	AccountID         string       `json:"account_id"`
	EmailID           string       `json:"email_id"`
	ProcessedEmailID  int64        `json:"processed_email_id"`
	Subject           string       `json:"subject"`
	Sender            string       `json:"sender"`
	SuggestedCategory Category     `json:"suggested_category"`
	Importance        float64      `json:"importance"`
	Confidence        float64      `json:"confidence"`
	Reasoning         string       `json:"reasoning,omitempty"`
	LowConfidence     bool         `json:"low_confidence"`
	Status            ReviewStatus `json:"status"`
	CorrectedCategory *Category    `json:"corrected_category,omitempty"`
	FeedbackText      string       `json:"feedback_text,omitempty"`
	AddedAt           time.Time    `json:"added_at"`
	ReviewedAt        *time.Time   `json:"reviewed_at,omitempty"`
}

// FinalCategory returns what the email should be labeled as after the
// decision: the correction when present, otherwise the suggestion.
func (r *ReviewItem) FinalCategory() Category {
	if r.CorrectedCategory != nil {
		return *r.CorrectedCategory
	}
	return r.SuggestedCategory
}

// ReviewFilter narrows queue listings.
type ReviewFilter struct {
	AccountID string
	Status    ReviewStatus
	MaxAge    time.Duration // 0 = unbounded
	Limit     int
	Offset    int
}
