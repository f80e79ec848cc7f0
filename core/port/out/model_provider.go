package out

import "context"

// Chat roles understood by the completion providers.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ChatMessage is one turn of a completion prompt.
type ChatMessage struct {
	Role    string
	Content string
}

// Force values for CompletionRequest.ForceProvider.
const (
	ForcePrimary  = "primary"
	ForceFallback = "fallback"
)

// CompletionRequest asks for one structured completion. Validate is run
// against the raw response (after code fences are stripped); a validation
// failure counts as a schema violation and triggers the fallback attempt
// just like a transport error.
type CompletionRequest struct {
	Messages      []ChatMessage
	MaxTokens     int
	Temperature   float32
	ForceProvider string
	Validate      func(raw []byte) error
}

// CompletionResult is a validated raw response plus its provenance.
type CompletionResult struct {
	Raw       []byte
	Provider  string // "primary" or "fallback"
	Model     string
	LatencyMS int64
}

// ModelProvider produces schema-validated completions with primary ->
// fallback failover. Callers own prompt construction and payload decoding.
type ModelProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
}

// EmbeddingProvider turns text into a dense vector for similarity search.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
