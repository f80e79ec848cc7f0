package rag

import (
	"context"
	"strings"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

// maxEmbedRunes keeps embedding inputs inside the model's context window.
const maxEmbedRunes = 2000

// Embedder prepares email text and turns it into a vector.
type Embedder struct {
	provider out.EmbeddingProvider
}

func NewEmbedder(provider out.EmbeddingProvider) *Embedder {
	return &Embedder{provider: provider}
}

// DocumentText builds the canonical text indexed for an email: subject,
// extracted summary, then a body prefix. Index and query sides share this
// so similarity is computed in one space.
func DocumentText(email *domain.ProcessedEmail) string {
	parts := make([]string, 0, 3)
	if s := strings.TrimSpace(email.Subject); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(email.Summary); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(email.BodyText); s != "" {
		parts = append(parts, domain.TruncateRunes(s, 800))
	}
	return domain.TruncateRunes(strings.Join(parts, "\n"), maxEmbedRunes)
}

// EmbedEmail vectorizes one processed email. Returns nil vector for an
// email with no usable text.
func (e *Embedder) EmbedEmail(ctx context.Context, email *domain.ProcessedEmail) ([]float32, error) {
	text := DocumentText(email)
	if text == "" {
		return nil, nil
	}
	return e.provider.Embed(ctx, text)
}
