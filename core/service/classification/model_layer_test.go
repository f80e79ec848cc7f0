package classification

import (
	"context"
	"strings"
	"testing"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"
)

func TestModelLayerValidVerdict(t *testing.T) {
	provider := &fakeModelProvider{raw: modelJSON("action_required", 0.7, 0.8)}
	score := NewModelLayer(provider).Classify(context.Background(), plainEmail(), nil, nil)

	if score.IsNull() {
		t.Fatal("valid response should produce a score")
	}
	if score.Category != domain.CategoryActionRequired {
		t.Errorf("category = %s, want action_required", score.Category)
	}
	if score.Importance != 0.7 || score.Confidence != 0.8 {
		t.Errorf("scores = %.2f/%.2f, want 0.7/0.8", score.Importance, score.Confidence)
	}
	if score.ModelProvider == "" {
		t.Error("provider provenance should be recorded")
	}
	if len(score.Signals) != 1 || score.Signals[0] != "fixture" {
		t.Errorf("signals = %v", score.Signals)
	}
}

func TestModelLayerSchemaViolationIsNull(t *testing.T) {
	provider := &fakeModelProvider{raw: []byte(`{"category":"priority","importance_score":0.5,"confidence":0.5,"reasoning":"long enough to count"}`)}
	score := NewModelLayer(provider).Classify(context.Background(), plainEmail(), nil, nil)
	if !score.IsNull() {
		t.Fatalf("schema violation must degrade to null, got %s", score.Category)
	}
}

func TestModelLayerProviderFailureIsNull(t *testing.T) {
	provider := &fakeModelProvider{err: apperr.TransientTransport("model:primary", context.DeadlineExceeded)}
	score := NewModelLayer(provider).Classify(context.Background(), plainEmail(), nil, nil)
	if !score.IsNull() {
		t.Fatal("provider failure must degrade to null, never error")
	}
}

func TestModelLayerPromptContents(t *testing.T) {
	provider := &fakeModelProvider{raw: modelJSON("nice_to_know", 0.4, 0.7)}
	layer := NewModelLayer(provider)

	email := plainEmail()
	email.BodyText = strings.Repeat("a", 1100)
	rule := &domain.LayerScore{Layer: domain.LayerRule, Category: domain.CategoryNewsletter, Confidence: 0.65, Importance: 0.3}

	layer.Classify(context.Background(), email, rule, nil)

	prompt := provider.lastPrompt
	if !strings.Contains(prompt, email.Subject) {
		t.Error("prompt should carry the subject")
	}
	if !strings.Contains(prompt, email.Sender) {
		t.Error("prompt should carry the sender")
	}
	if !strings.Contains(prompt, "rule layer suggests: newsletter") {
		t.Error("prompt should carry the rule verdict context")
	}
	if strings.Contains(prompt, strings.Repeat("a", 1001)) {
		t.Error("body must be truncated to 1000 runes")
	}
	if !strings.Contains(prompt, strings.Repeat("a", 1000)) {
		t.Error("the first 1000 body runes should be present")
	}
}

func TestModelLayerPromptOmitsNullContext(t *testing.T) {
	provider := &fakeModelProvider{raw: modelJSON("nice_to_know", 0.4, 0.7)}
	NewModelLayer(provider).Classify(context.Background(), plainEmail(), domain.NullScore(domain.LayerRule), nil)
	if strings.Contains(provider.lastPrompt, "rule layer suggests") {
		t.Error("null rule verdict must not leak into the prompt")
	}
	if strings.Contains(provider.lastPrompt, "history suggests") {
		t.Error("absent history must not leak into the prompt")
	}
}

func TestValidateClassifyResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"category":"spam","importance_score":0,"confidence":0.95,"reasoning":"blatant lottery spam"}`, false},
		{"not json", `category: spam`, true},
		{"unknown category", `{"category":"urgent","importance_score":0,"confidence":0.9,"reasoning":"ten characters"}`, true},
		{"uncertain not allowed", `{"category":"uncertain","importance_score":0,"confidence":0.9,"reasoning":"ten characters"}`, true},
		{"importance out of range", `{"category":"spam","importance_score":1.2,"confidence":0.9,"reasoning":"ten characters"}`, true},
		{"confidence negative", `{"category":"spam","importance_score":0.2,"confidence":-0.1,"reasoning":"ten characters"}`, true},
		{"reasoning too short", `{"category":"spam","importance_score":0.2,"confidence":0.9,"reasoning":"short"}`, true},
		{"too many signals", `{"category":"spam","importance_score":0.2,"confidence":0.9,"reasoning":"ten characters","key_signals":["a","b","c","d","e","f"]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateClassifyResponse([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
