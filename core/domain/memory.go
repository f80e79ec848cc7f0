package domain

import "time"

// =============================================================================
// Extraction output and memory objects
// =============================================================================

// Sentiment of an email as judged by the extractor.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentUrgent   Sentiment = "urgent"
)

// IsValid reports whether s is a known sentiment.
func (s Sentiment) IsValid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative, SentimentUrgent:
		return true
	}
	return false
}

// TaskPriority of an extracted task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// IsValid reports whether p is a known priority.
func (p TaskPriority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// TaskStatus tracks an extracted task's lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskDismissed TaskStatus = "dismissed"
)

// Task is an explicit action item found in an email. SourceContext quotes
// the sentence the item came from; items without one are dropped rather
// than invented.
type Task struct {
	ID            int64        `json:"id"`
	AccountID     string       `json:"account_id"`
	EmailID       string       `json:"email_id"`
	ExtractionID  string       `json:"extraction_id"` // EMAIL_ANALYZED event id
	Description   string       `json:"description"`
	Deadline      *time.Time   `json:"deadline,omitempty"`
	Priority      TaskPriority `json:"priority"`
	Assignee      string       `json:"assignee,omitempty"`
	SourceContext string       `json:"source_context"`
	Status        TaskStatus   `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Decision is a choice the email explicitly asks the recipient to make.
type Decision struct {
	ID              int64     `json:"id"`
	AccountID       string    `json:"account_id"`
	EmailID         string    `json:"email_id"`
	ExtractionID    string    `json:"extraction_id"`
	Question        string    `json:"question"`
	Options         []string  `json:"options,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	RequiresMyInput bool      `json:"requires_my_input"`
	SourceContext   string    `json:"source_context"`
	CreatedAt       time.Time `json:"created_at"`
}

// Question is a direct question addressed to the recipient.
type Question struct {
	ID               int64     `json:"id"`
	AccountID        string    `json:"account_id"`
	EmailID          string    `json:"email_id"`
	ExtractionID     string    `json:"extraction_id"`
	Question         string    `json:"question"`
	RequiresResponse bool      `json:"requires_response"`
	SourceContext    string    `json:"source_context"`
	CreatedAt        time.Time `json:"created_at"`
}

// Extraction is the structured understanding of one email. Degraded marks
// a model failure: the email still flows through triage, with no summary
// and no items.
type Extraction struct {
	Summary        string     `json:"summary,omitempty"`
	MainTopic      string     `json:"main_topic,omitempty"`
	Sentiment      Sentiment  `json:"sentiment"`
	HasActionItems bool       `json:"has_action_items"`
	Tasks          []Task     `json:"tasks,omitempty"`
	Decisions      []Decision `json:"decisions,omitempty"`
	Questions      []Question `json:"questions,omitempty"`
	Degraded       bool       `json:"degraded,omitempty"`
	ModelProvider  string     `json:"model_provider,omitempty"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// MemorySet groups the stored memory objects for one email.
type MemorySet struct {
	Tasks     []Task     `json:"tasks"`
	Decisions []Decision `json:"decisions"`
	Questions []Question `json:"questions"`
}
