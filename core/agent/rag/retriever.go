package rag

import (
	"context"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

// Retriever finds previously processed emails similar to a given one.
type Retriever struct {
	embedder *Embedder
	store    out.VectorStore
}

func NewRetriever(embedder *Embedder, store out.VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Related returns up to topK similar emails from the same account,
// excluding the email itself.
func (r *Retriever) Related(ctx context.Context, email *domain.ProcessedEmail, topK int) ([]*domain.RelatedEmail, error) {
	if topK <= 0 {
		topK = 5
	}
	vec, err := r.embedder.EmbedEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return []*domain.RelatedEmail{}, nil
	}
	return r.store.Similar(ctx, email.AccountID, vec, topK, email.EmailID)
}
