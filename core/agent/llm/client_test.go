package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

// fakeModelServer answers /chat/completions with the given content, or an
// error status when status != 200.
func fakeModelServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":{"message":"boom","type":"server_error"}}`)
			return
		}
		resp := map[string]any{
			"id":      "cmpl-test",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "test-model",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": content},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(primary, fallback *httptest.Server) *Client {
	cfg := Config{
		PrimaryEndpoint: primary.URL,
		PrimaryAPIKey:   "local",
		PrimaryModel:    "local-model",
		Timeout:         5 * time.Second,
		MaxTokens:       256,
		Temperature:     0.1,
	}
	if fallback != nil {
		cfg.FallbackEndpoint = fallback.URL
		cfg.FallbackAPIKey = "hosted-key"
		cfg.FallbackModel = "hosted-model"
	}
	return NewClient(cfg)
}

func simpleRequest(validate func([]byte) error) *out.CompletionRequest {
	return &out.CompletionRequest{
		Messages: []out.ChatMessage{
			{Role: out.RoleSystem, Content: "reply with json"},
			{Role: out.RoleUser, Content: "hello"},
		},
		Validate: validate,
	}
}

func TestCompletePrimarySucceeds(t *testing.T) {
	primary := fakeModelServer(t, http.StatusOK, `{"ok":true}`)
	defer primary.Close()
	fallback := fakeModelServer(t, http.StatusOK, `{"ok":"fallback"}`)
	defer fallback.Close()

	c := newTestClient(primary, fallback)
	res, err := c.Complete(context.Background(), simpleRequest(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != out.ForcePrimary {
		t.Errorf("provider = %s, want primary", res.Provider)
	}
	if string(res.Raw) != `{"ok":true}` {
		t.Errorf("raw = %s", res.Raw)
	}
}

func TestCompleteFailsOverOnTransportError(t *testing.T) {
	primary := fakeModelServer(t, http.StatusInternalServerError, "")
	defer primary.Close()
	fallback := fakeModelServer(t, http.StatusOK, `{"ok":true}`)
	defer fallback.Close()

	c := newTestClient(primary, fallback)
	res, err := c.Complete(context.Background(), simpleRequest(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != out.ForceFallback {
		t.Errorf("provider = %s, want fallback", res.Provider)
	}
	if res.Model != "hosted-model" {
		t.Errorf("model = %s, want hosted-model", res.Model)
	}
}

func TestCompleteFailsOverOnSchemaViolation(t *testing.T) {
	primary := fakeModelServer(t, http.StatusOK, `{"category":"nonsense"}`)
	defer primary.Close()
	fallback := fakeModelServer(t, http.StatusOK, `{"category":"spam"}`)
	defer fallback.Close()

	validate := func(raw []byte) error {
		var v struct {
			Category string `json:"category"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v.Category != "spam" {
			return fmt.Errorf("bad category %q", v.Category)
		}
		return nil
	}

	c := newTestClient(primary, fallback)
	res, err := c.Complete(context.Background(), simpleRequest(validate))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != out.ForceFallback {
		t.Errorf("provider = %s, want fallback after schema violation", res.Provider)
	}
}

func TestCompleteBothProvidersFail(t *testing.T) {
	primary := fakeModelServer(t, http.StatusServiceUnavailable, "")
	defer primary.Close()
	fallback := fakeModelServer(t, http.StatusServiceUnavailable, "")
	defer fallback.Close()

	c := newTestClient(primary, fallback)
	_, err := c.Complete(context.Background(), simpleRequest(nil))
	if err == nil {
		t.Fatal("expected error when both providers fail")
	}
	if !apperr.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestCompleteForceFallbackWithoutConfig(t *testing.T) {
	primary := fakeModelServer(t, http.StatusOK, `{}`)
	defer primary.Close()

	c := newTestClient(primary, nil)
	req := simpleRequest(nil)
	req.ForceProvider = out.ForceFallback
	if _, err := c.Complete(context.Background(), req); !apperr.IsCode(err, apperr.CodeConfigError) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestCompleteSingleAttemptWhenNoFallback(t *testing.T) {
	primary := fakeModelServer(t, http.StatusBadGateway, "")
	defer primary.Close()

	c := newTestClient(primary, nil)
	if _, err := c.Complete(context.Background(), simpleRequest(nil)); err == nil {
		t.Fatal("expected error with failing primary and no fallback")
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"{\"a\":1}", `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := StripFences(tt.in); got != tt.want {
			t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
