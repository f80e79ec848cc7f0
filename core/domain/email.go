package domain

import "time"

// =============================================================================
// Categories
// =============================================================================

// Category is the closed set of triage outcomes. Every classification ends
// in exactly one of the six final categories.
type Category string

const (
	CategoryImportant          Category = "important"
	CategoryActionRequired     Category = "action_required"
	CategoryNiceToKnow         Category = "nice_to_know"
	CategoryNewsletter         Category = "newsletter"
	CategorySystemNotification Category = "system_notifications"
	CategorySpam               Category = "spam"

	// CategoryUncertain is a layer-internal sentinel for "no opinion".
	// It never appears on a persisted email.
	CategoryUncertain Category = "uncertain"
)

var finalCategories = map[Category]struct{}{
	CategoryImportant:          {},
	CategoryActionRequired:     {},
	CategoryNiceToKnow:         {},
	CategoryNewsletter:         {},
	CategorySystemNotification: {},
	CategorySpam:               {},
}

// IsValid reports whether c is one of the six final categories.
func (c Category) IsValid() bool {
	_, ok := finalCategories[c]
	return ok
}

// AllCategories returns the final categories in display order.
func AllCategories() []Category {
	return []Category{
		CategoryImportant,
		CategoryActionRequired,
		CategoryNiceToKnow,
		CategoryNewsletter,
		CategorySystemNotification,
		CategorySpam,
	}
}

// =============================================================================
// Layer scores and the ensemble verdict
// =============================================================================

// LayerName identifies one of the three classifier layers.
type LayerName string

const (
	LayerRule    LayerName = "rule"
	LayerHistory LayerName = "history"
	LayerModel   LayerName = "model"
)

// LayerScore is a single layer's opinion about one email. A layer that has
// no opinion returns a null score: CategoryUncertain with zero confidence.
type LayerScore struct {
	Layer            LayerName `json:"layer"`
	Category         Category  `json:"category"`
	Importance       float64   `json:"importance"`
	Confidence       float64   `json:"confidence"`
	Reasoning        string    `json:"reasoning,omitempty"`
	Signals          []string  `json:"signals,omitempty"`
	ModelProvider    string    `json:"model_provider,omitempty"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
}

// IsNull reports whether the score carries no opinion.
func (s *LayerScore) IsNull() bool {
	return s == nil || s.Confidence <= 0 || !s.Category.IsValid()
}

// NullScore builds the explicit no-opinion score for a layer.
func NullScore(layer LayerName) *LayerScore {
	return &LayerScore{Layer: layer, Category: CategoryUncertain}
}

// EnsembleVerdict is the combined outcome of the classifier layers.
type EnsembleVerdict struct {
	Category    Category      `json:"category"`
	Importance  float64       `json:"importance"`
	Confidence  float64       `json:"confidence"`
	NeedsReview bool          `json:"needs_review"`
	Agreement   string        `json:"agreement"` // all | partial | none | single
	Variance    float64       `json:"variance"`
	Bootstrap   bool          `json:"bootstrap"`
	SpamOverride bool         `json:"spam_override,omitempty"`
	ModelSkipped bool         `json:"model_skipped,omitempty"`
	Weights     ScoreWeights  `json:"weights"`
	Layers      []*LayerScore `json:"layers"`
}

// ScoreWeights records the effective (re-normalized) weight each layer
// contributed to the verdict. Layers that returned null scores carry zero.
type ScoreWeights struct {
	Rule    float64 `json:"rule"`
	History float64 `json:"history"`
	Model   float64 `json:"model"`
}

// =============================================================================
// Email being processed
// =============================================================================

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// EmailToClassify is the normalized provider-independent input to the
// pipeline. Fetch adapters produce it; nothing downstream talks to the
// provider representation.
type EmailToClassify struct {
	AccountID      string            `json:"account_id"`
	EmailID        string            `json:"email_id"`
	ThreadID       string            `json:"thread_id,omitempty"`
	Subject        string            `json:"subject"`
	Sender         string            `json:"sender"` // normalized address
	SenderName     string            `json:"sender_name,omitempty"`
	SenderDomain   string            `json:"sender_domain"`
	Headers        map[string]string `json:"headers,omitempty"`
	BodyText       string            `json:"body_text,omitempty"`
	BodyHTML       string            `json:"body_html,omitempty"`
	Snippet        string            `json:"snippet,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
	HasAttachments bool              `json:"has_attachments"`
	Attachments    []AttachmentMeta  `json:"attachments,omitempty"`
	Labels         []string          `json:"labels,omitempty"` // provider label ids
	RawRef         string            `json:"raw_ref,omitempty"`
}

// Header returns a header value, case-insensitively on the common forms.
func (e *EmailToClassify) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	if v, ok := e.Headers[name]; ok {
		return v
	}
	// Fetch adapters store headers with their original casing.
	for k, v := range e.Headers {
		if equalFold(k, name) {
			return v
		}
	}
	return ""
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Body returns the plain-text body, falling back to HTML then snippet.
func (e *EmailToClassify) Body() string {
	if e.BodyText != "" {
		return e.BodyText
	}
	if e.BodyHTML != "" {
		return e.BodyHTML
	}
	return e.Snippet
}

// =============================================================================
// Processed email (pipeline output)
// =============================================================================

// StorageLevelFull is the only storage level currently written: headers,
// bodies, verdict and extraction are all retained.
const StorageLevelFull = "full"

// ProcessedEmail is the persisted result of running one email through the
// pipeline. (account_id, email_id) is unique; reprocessing upserts.
type ProcessedEmail struct {
	ID               int64            `json:"id"`
	AccountID        string           `json:"account_id"`
	EmailID          string           `json:"email_id"`
	ThreadID         string           `json:"thread_id,omitempty"`
	Subject          string           `json:"subject"`
	Sender           string           `json:"sender"`
	SenderDomain     string           `json:"sender_domain"`
	ReceivedAt       time.Time        `json:"received_at"`
	Category         Category         `json:"category"`
	Importance       float64          `json:"importance_score"`
	Confidence       float64          `json:"classification_confidence"`
	NeedsReview      bool             `json:"needs_review"`
	LayerTrace       []*LayerScore    `json:"layer_trace,omitempty"`
	StorageLevel     string           `json:"storage_level"`
	BodyText         string           `json:"body_text,omitempty"`
	BodyHTML         string           `json:"body_html,omitempty"`
	Summary          string           `json:"summary,omitempty"`
	HasAttachments   bool             `json:"has_attachments"`
	Attachments      []AttachmentMeta `json:"attachments,omitempty"`
	UserCorrected    bool             `json:"user_corrected"`
	OriginalCategory *Category        `json:"original_category,omitempty"`
	RawRef           string           `json:"raw_ref,omitempty"`
	ProcessedAt      time.Time        `json:"processed_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ProcessedEmailFilter narrows List queries.
type ProcessedEmailFilter struct {
	AccountID   string
	Category    Category
	NeedsReview *bool
	Sender      string
	Limit       int
	Offset      int
}

// RoutingDecision says what the orchestrator did with a verdict.
type RoutingDecision string

const (
	RoutedAutoApplied   RoutingDecision = "auto_applied"
	RoutedReview        RoutingDecision = "review_enqueued"
	RoutedLowConfidence RoutingDecision = "review_low_confidence"
)

// ProcessingResult is returned by the orchestrator for one email.
type ProcessingResult struct {
	Email      *ProcessedEmail  `json:"email"`
	Verdict    *EnsembleVerdict `json:"verdict"`
	Extraction *Extraction      `json:"extraction,omitempty"`
	Routing    RoutingDecision  `json:"routing"`
	DurationMS int64            `json:"duration_ms"`
}

// RelatedEmail is a vector-similar neighbor of a processed email.
type RelatedEmail struct {
	EmailID    string   `json:"email_id"`
	Subject    string   `json:"subject"`
	Category   Category `json:"category"`
	Summary    string   `json:"summary,omitempty"`
	Similarity float64  `json:"similarity"`
}
