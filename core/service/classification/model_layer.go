package classification

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/logger"
)

// =============================================================================
// Model layer: LLM verdict with strict schema validation
// =============================================================================

const (
	modelBodyRunes      = 1000
	minReasoningRunes   = 10
	maxReasoningRunes   = 500
	maxKeySignals       = 5
)

const classifySystemPrompt = `You are an email triage classifier. Assign exactly one category:
- important: personally relevant, from a real person, likely deserves a thoughtful reply
- action_required: contains an explicit request, task, or deadline for the recipient
- nice_to_know: informational, no action needed
- newsletter: bulk mailing-list or marketing content
- system_notifications: automated service mail (receipts, alerts, password resets, CI)
- spam: unsolicited junk

Respond with JSON only, no prose, in exactly this shape:
{
  "category": "important",
  "importance_score": 0.85,
  "confidence": 0.9,
  "reasoning": "one or two sentences, 10 to 500 characters",
  "key_signals": ["up to five short strings"]
}
importance_score and confidence are floats in [0, 1].`

// ModelLayer asks the model provider for a verdict. Provider failure is not
// an error here: the layer degrades to a null score and the ensemble
// redistributes its weight.
type ModelLayer struct {
	provider out.ModelProvider
	log      *logger.Logger
}

func NewModelLayer(provider out.ModelProvider) *ModelLayer {
	return &ModelLayer{
		provider: provider,
		log:      logger.Default().WithField("component", "model_layer"),
	}
}

type modelVerdict struct {
	Category   string   `json:"category"`
	Importance float64  `json:"importance_score"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	KeySignals []string `json:"key_signals"`
}

func validateClassifyResponse(raw []byte) error {
	var v modelVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if !domain.Category(v.Category).IsValid() {
		return fmt.Errorf("unknown category %q", v.Category)
	}
	if v.Importance < 0 || v.Importance > 1 {
		return fmt.Errorf("importance_score %.3f out of range", v.Importance)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range", v.Confidence)
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(v.Reasoning)); n < minReasoningRunes || n > maxReasoningRunes {
		return fmt.Errorf("reasoning length %d outside [%d, %d]", n, minReasoningRunes, maxReasoningRunes)
	}
	if len(v.KeySignals) > maxKeySignals {
		return fmt.Errorf("%d key_signals, max %d", len(v.KeySignals), maxKeySignals)
	}
	return nil
}

// Classify builds the prompt (subject, sender, truncated body, plus the
// other layers' verdicts when already known) and parses the validated
// response. Any provider failure yields a null score.
func (l *ModelLayer) Classify(ctx context.Context, email *domain.EmailToClassify, rule, history *domain.LayerScore) *domain.LayerScore {
	start := time.Now()

	req := &out.CompletionRequest{
		Messages: []out.ChatMessage{
			{Role: out.RoleSystem, Content: classifySystemPrompt},
			{Role: out.RoleUser, Content: buildClassifyPrompt(email, rule, history)},
		},
		Validate: validateClassifyResponse,
	}

	res, err := l.provider.Complete(ctx, req)
	if err != nil {
		l.log.Warn("[ModelLayer.Classify] model unavailable for %s: %v", email.EmailID, err)
		ns := domain.NullScore(domain.LayerModel)
		ns.ProcessingTimeMS = time.Since(start).Milliseconds()
		return ns
	}

	var v modelVerdict
	if err := json.Unmarshal(res.Raw, &v); err != nil {
		// Validate already accepted this payload; treat a decode failure
		// here as a degraded layer rather than a pipeline error.
		l.log.Error("[ModelLayer.Classify] validated payload failed to decode: %v", err)
		ns := domain.NullScore(domain.LayerModel)
		ns.ProcessingTimeMS = time.Since(start).Milliseconds()
		return ns
	}

	return &domain.LayerScore{
		Layer:            domain.LayerModel,
		Category:         domain.Category(v.Category),
		Importance:       domain.Clamp01(v.Importance),
		Confidence:       domain.Clamp01(v.Confidence),
		Reasoning:        strings.TrimSpace(v.Reasoning),
		Signals:          v.KeySignals,
		ModelProvider:    res.Provider,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}
}

func buildClassifyPrompt(email *domain.EmailToClassify, rule, history *domain.LayerScore) string {
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
	if email.HasAttachments {
		fmt.Fprintf(&b, "Attachments: %d\n", len(email.Attachments))
	}

	fmt.Fprintf(&b, "\nBody (truncated):\n%s\n", domain.TruncateRunes(email.Body(), modelBodyRunes))

	if !rule.IsNull() {
		fmt.Fprintf(&b, "\nDeterministic rule layer suggests: %s (confidence %.2f).\n", rule.Category, rule.Confidence)
	}
	if !history.IsNull() {
		fmt.Fprintf(&b, "Sender history suggests: %s (confidence %.2f).\n", history.Category, history.Confidence)
	}
	return b.String()
}
