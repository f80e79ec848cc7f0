package extraction

import (
	"context"
	"sync"
	"testing"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

type fakeProvider struct {
	mu    sync.Mutex
	raw   []byte
	err   error
	calls int
}

func (f *fakeProvider) Complete(_ context.Context, req *out.CompletionRequest) (*out.CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if req.Validate != nil {
		if verr := req.Validate(f.raw); verr != nil {
			return nil, apperr.SchemaViolation(verr.Error())
		}
	}
	return &out.CompletionResult{Raw: f.raw, Provider: out.ForcePrimary, Model: "fake"}, nil
}

var _ out.ModelProvider = (*fakeProvider)(nil)

func fixtureEmail() *domain.EmailToClassify {
	return &domain.EmailToClassify{
		AccountID:    "acct-1",
		EmailID:      "msg-1",
		Subject:      "Contract renewal",
		Sender:       "alex@partner.io",
		SenderDomain: "partner.io",
		BodyText:     "Please send the signed contract by Friday. Should we renew for one year or two?",
		ReceivedAt:   time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC),
	}
}

const fullPayload = `{
	"summary": "Partner asks for the signed contract by Friday and whether to renew for one or two years.",
	"main_topic": "contract renewal",
	"sentiment": "neutral",
	"has_action_items": true,
	"tasks": [
		{"description": "Send the signed contract", "deadline": "2025-03-07",
		 "priority": "high", "assignee": null,
		 "source_context": "Please send the signed contract by Friday."}
	],
	"decisions": [
		{"question": "Renew for one year or two?", "options": ["one year", "two years"],
		 "deadline": null, "requires_my_input": true,
		 "source_context": "Should we renew for one year or two?"}
	],
	"questions": [
		{"question": "Should we renew for one year or two?", "requires_response": true,
		 "source_context": "Should we renew for one year or two?"}
	]
}`

func TestExtractFullPayload(t *testing.T) {
	provider := &fakeProvider{raw: []byte(fullPayload)}
	ex := NewExtractor(provider)

	got := ex.Extract(context.Background(), fixtureEmail(), "evt-123")

	if got.Degraded {
		t.Fatal("extraction unexpectedly degraded")
	}
	if got.Summary == "" || got.MainTopic != "contract renewal" {
		t.Errorf("summary/topic not carried over: %+v", got)
	}
	if got.Sentiment != domain.SentimentNeutral {
		t.Errorf("sentiment = %s, want neutral", got.Sentiment)
	}
	if len(got.Tasks) != 1 || len(got.Decisions) != 1 || len(got.Questions) != 1 {
		t.Fatalf("item counts = %d/%d/%d, want 1/1/1",
			len(got.Tasks), len(got.Decisions), len(got.Questions))
	}
	if !got.HasActionItems {
		t.Error("has_action_items should follow extracted tasks")
	}

	task := got.Tasks[0]
	if task.ExtractionID != "evt-123" {
		t.Errorf("task extraction id = %q, want evt-123", task.ExtractionID)
	}
	if task.Priority != domain.PriorityHigh {
		t.Errorf("task priority = %s, want high", task.Priority)
	}
	if task.Deadline == nil || task.Deadline.Format("2006-01-02") != "2025-03-07" {
		t.Errorf("task deadline = %v, want 2025-03-07", task.Deadline)
	}
	if task.SourceContext == "" {
		t.Error("task lost its source context")
	}
	if got.Decisions[0].Deadline != nil {
		t.Errorf("null deadline decoded as %v", got.Decisions[0].Deadline)
	}
}

func TestExtractDropsItemsWithoutSourceContext(t *testing.T) {
	payload := `{
		"summary": "A task with provenance and one without.",
		"main_topic": "test",
		"sentiment": "neutral",
		"has_action_items": true,
		"tasks": [
			{"description": "Grounded task", "deadline": null, "priority": "medium",
			 "assignee": null, "source_context": "Do the grounded thing."},
			{"description": "Invented task", "deadline": null, "priority": "medium",
			 "assignee": null, "source_context": ""}
		],
		"decisions": [],
		"questions": []
	}`
	ex := NewExtractor(&fakeProvider{raw: []byte(payload)})

	got := ex.Extract(context.Background(), fixtureEmail(), "evt-1")

	if len(got.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1 (ungrounded item dropped)", len(got.Tasks))
	}
	if got.Tasks[0].Description != "Grounded task" {
		t.Errorf("kept the wrong task: %q", got.Tasks[0].Description)
	}
}

func TestExtractDegradesOnProviderFailure(t *testing.T) {
	ex := NewExtractor(&fakeProvider{err: apperr.Timeout("model completion")})

	got := ex.Extract(context.Background(), fixtureEmail(), "evt-1")

	if !got.Degraded {
		t.Fatal("expected degraded extraction")
	}
	if got.Summary != "" || len(got.Tasks) != 0 {
		t.Errorf("degraded extraction should be empty, got %+v", got)
	}
	if got.Sentiment != domain.SentimentNeutral {
		t.Errorf("degraded sentiment = %s, want neutral", got.Sentiment)
	}
}

func TestExtractValidationRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `this is prose`},
		{"empty summary", `{"summary":"  ","main_topic":"x","sentiment":"neutral","has_action_items":false,"tasks":[],"decisions":[],"questions":[]}`},
		{"bad sentiment", `{"summary":"ok summary","main_topic":"x","sentiment":"angry","has_action_items":false,"tasks":[],"decisions":[],"questions":[]}`},
		{"task without description", `{"summary":"ok summary","main_topic":"x","sentiment":"neutral","has_action_items":true,"tasks":[{"description":"","source_context":"q"}],"decisions":[],"questions":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateExtractResponse([]byte(tt.raw)); err == nil {
				t.Errorf("validateExtractResponse accepted %s", tt.name)
			}
		})
	}
}

func TestParseDeadlineFormats(t *testing.T) {
	str := func(s string) *string { return &s }

	if got := parseDeadline(str("2025-06-01")); got == nil || got.Day() != 1 {
		t.Errorf("date-only deadline = %v", got)
	}
	if got := parseDeadline(str("2025-06-01T15:04:05Z")); got == nil || got.Hour() != 15 {
		t.Errorf("RFC3339 deadline = %v", got)
	}
	if got := parseDeadline(str("next Tuesday")); got != nil {
		t.Errorf("fuzzy deadline should be dropped, got %v", got)
	}
	if got := parseDeadline(str("null")); got != nil {
		t.Errorf("literal null should be dropped, got %v", got)
	}
	if got := parseDeadline(nil); got != nil {
		t.Errorf("nil deadline should stay nil, got %v", got)
	}
}
