package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/logger"
)

// =============================================================================
// Structured extraction: summary, sentiment and work items
// =============================================================================

const (
	extractBodyRunes  = 3000
	maxSummaryRunes   = 600
	maxItemsPerKind   = 10
	deadlineQueryHint = "YYYY-MM-DD or YYYY-MM-DDTHH:MM:SSZ"
)

const extractSystemPrompt = `You extract structured information from emails. Be conservative:
only extract items the email states explicitly. Every task, decision and
question MUST include source_context: a short verbatim quote of the sentence
it came from. If you cannot quote a source sentence, do not emit the item.
Do not invent deadlines, assignees or options.

Respond with JSON only, no prose, in exactly this shape:
{
  "summary": "2-3 sentence summary of the email",
  "main_topic": "short topic phrase",
  "sentiment": "positive|neutral|negative|urgent",
  "has_action_items": true,
  "tasks": [
    {"description": "...", "deadline": "` + deadlineQueryHint + ` or null",
     "priority": "low|medium|high|urgent", "assignee": "name or null",
     "source_context": "verbatim quote"}
  ],
  "decisions": [
    {"question": "...", "options": ["..."], "deadline": "date or null",
     "requires_my_input": true, "source_context": "verbatim quote"}
  ],
  "questions": [
    {"question": "...", "requires_response": true, "source_context": "verbatim quote"}
  ]
}
Empty arrays are fine. has_action_items is true only when tasks is non-empty.`

// Extractor turns an email into an Extraction. A model failure never stops
// triage: the caller gets a degraded result with no summary and no items.
type Extractor struct {
	provider out.ModelProvider
	log      *logger.Logger
}

func NewExtractor(provider out.ModelProvider) *Extractor {
	return &Extractor{
		provider: provider,
		log:      logger.Default().WithField("component", "extractor"),
	}
}

type extractedTask struct {
	Description   string  `json:"description"`
	Deadline      *string `json:"deadline"`
	Priority      string  `json:"priority"`
	Assignee      *string `json:"assignee"`
	SourceContext string  `json:"source_context"`
}

type extractedDecision struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	Deadline        *string  `json:"deadline"`
	RequiresMyInput bool     `json:"requires_my_input"`
	SourceContext   string   `json:"source_context"`
}

type extractedQuestion struct {
	Question         string `json:"question"`
	RequiresResponse bool   `json:"requires_response"`
	SourceContext    string `json:"source_context"`
}

type extractionPayload struct {
	Summary        string              `json:"summary"`
	MainTopic      string              `json:"main_topic"`
	Sentiment      string              `json:"sentiment"`
	HasActionItems bool                `json:"has_action_items"`
	Tasks          []extractedTask     `json:"tasks"`
	Decisions      []extractedDecision `json:"decisions"`
	Questions      []extractedQuestion `json:"questions"`
}

func validateExtractResponse(raw []byte) error {
	var p extractionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if strings.TrimSpace(p.Summary) == "" {
		return fmt.Errorf("summary is empty")
	}
	if !domain.Sentiment(p.Sentiment).IsValid() {
		return fmt.Errorf("unknown sentiment %q", p.Sentiment)
	}
	if len(p.Tasks) > maxItemsPerKind || len(p.Decisions) > maxItemsPerKind || len(p.Questions) > maxItemsPerKind {
		return fmt.Errorf("too many extracted items")
	}
	for i, t := range p.Tasks {
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("task %d has no description", i)
		}
	}
	for i, d := range p.Decisions {
		if strings.TrimSpace(d.Question) == "" {
			return fmt.Errorf("decision %d has no question", i)
		}
	}
	for i, q := range p.Questions {
		if strings.TrimSpace(q.Question) == "" {
			return fmt.Errorf("question %d is empty", i)
		}
	}
	return nil
}

// Extract runs the model and converts its payload into domain objects.
// extractionID ties every produced item back to the EMAIL_ANALYZED event.
// Items whose source_context is blank are dropped, not repaired: extraction
// must never invent provenance.
func (e *Extractor) Extract(ctx context.Context, email *domain.EmailToClassify, extractionID string) *domain.Extraction {
	start := time.Now()

	req := &out.CompletionRequest{
		Messages: []out.ChatMessage{
			{Role: out.RoleSystem, Content: extractSystemPrompt},
			{Role: out.RoleUser, Content: buildExtractPrompt(email)},
		},
		Validate: validateExtractResponse,
	}

	res, err := e.provider.Complete(ctx, req)
	if err != nil {
		e.log.Warn("[Extractor.Extract] model unavailable for %s: %v", email.EmailID, err)
		return &domain.Extraction{
			Sentiment:        domain.SentimentNeutral,
			Degraded:         true,
			ProcessingTimeMS: time.Since(start).Milliseconds(),
		}
	}

	var p extractionPayload
	if err := json.Unmarshal(res.Raw, &p); err != nil {
		e.log.Error("[Extractor.Extract] validated payload failed to decode: %v", err)
		return &domain.Extraction{
			Sentiment:        domain.SentimentNeutral,
			Degraded:         true,
			ProcessingTimeMS: time.Since(start).Milliseconds(),
		}
	}

	extraction := &domain.Extraction{
		Summary:          domain.TruncateRunes(strings.TrimSpace(p.Summary), maxSummaryRunes),
		MainTopic:        strings.TrimSpace(p.MainTopic),
		Sentiment:        domain.Sentiment(p.Sentiment),
		ModelProvider:    res.Provider,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}

	for _, t := range p.Tasks {
		src := strings.TrimSpace(t.SourceContext)
		if src == "" {
			e.log.Debug("[Extractor.Extract] dropping task without source context: %s", t.Description)
			continue
		}
		priority := domain.TaskPriority(t.Priority)
		if !priority.IsValid() {
			priority = domain.PriorityMedium
		}
		task := domain.Task{
			AccountID:     email.AccountID,
			EmailID:       email.EmailID,
			ExtractionID:  extractionID,
			Description:   strings.TrimSpace(t.Description),
			Priority:      priority,
			SourceContext: src,
			Status:        domain.TaskPending,
		}
		if t.Assignee != nil && strings.TrimSpace(*t.Assignee) != "" {
			task.Assignee = strings.TrimSpace(*t.Assignee)
		}
		task.Deadline = parseDeadline(t.Deadline)
		extraction.Tasks = append(extraction.Tasks, task)
	}

	for _, d := range p.Decisions {
		src := strings.TrimSpace(d.SourceContext)
		if src == "" {
			e.log.Debug("[Extractor.Extract] dropping decision without source context: %s", d.Question)
			continue
		}
		extraction.Decisions = append(extraction.Decisions, domain.Decision{
			AccountID:       email.AccountID,
			EmailID:         email.EmailID,
			ExtractionID:    extractionID,
			Question:        strings.TrimSpace(d.Question),
			Options:         d.Options,
			Deadline:        parseDeadline(d.Deadline),
			RequiresMyInput: d.RequiresMyInput,
			SourceContext:   src,
		})
	}

	for _, q := range p.Questions {
		src := strings.TrimSpace(q.SourceContext)
		if src == "" {
			e.log.Debug("[Extractor.Extract] dropping question without source context: %s", q.Question)
			continue
		}
		extraction.Questions = append(extraction.Questions, domain.Question{
			AccountID:        email.AccountID,
			EmailID:          email.EmailID,
			ExtractionID:     extractionID,
			Question:         strings.TrimSpace(q.Question),
			RequiresResponse: q.RequiresResponse,
			SourceContext:    src,
		})
	}

	extraction.HasActionItems = len(extraction.Tasks) > 0
	return extraction
}

func buildExtractPrompt(email *domain.EmailToClassify) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	if email.SenderName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\n", email.SenderName, email.Sender)
	} else {
		fmt.Fprintf(&b, "From: %s\n", email.Sender)
	}
	if !email.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Received: %s\n", email.ReceivedAt.Format(time.RFC1123))
	}
	fmt.Fprintf(&b, "\nBody:\n%s\n", domain.TruncateRunes(email.Body(), extractBodyRunes))
	return b.String()
}

// parseDeadline accepts the two formats the prompt asks for and quietly
// drops anything else. Wrong dates are worse than no dates.
func parseDeadline(s *string) *time.Time {
	if s == nil {
		return nil
	}
	raw := strings.TrimSpace(*s)
	if raw == "" || strings.EqualFold(raw, "null") {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
