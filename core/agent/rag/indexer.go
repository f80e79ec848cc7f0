package rag

import (
	"context"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/logger"
)

// Indexer writes processed emails into the vector store. Callers treat it
// as best-effort; triage never blocks on indexing.
type Indexer struct {
	embedder *Embedder
	store    out.VectorStore
	log      *logger.Logger
}

func NewIndexer(embedder *Embedder, store out.VectorStore) *Indexer {
	return &Indexer{
		embedder: embedder,
		store:    store,
		log:      logger.Default().WithField("component", "rag_indexer"),
	}
}

// IndexEmail embeds and upserts one email document.
func (ix *Indexer) IndexEmail(ctx context.Context, email *domain.ProcessedEmail) error {
	vec, err := ix.embedder.EmbedEmail(ctx, email)
	if err != nil {
		return err
	}
	if vec == nil {
		ix.log.Debug("[Indexer.IndexEmail] nothing to index for %s", email.EmailID)
		return nil
	}
	return ix.store.Upsert(ctx, &out.EmailDocument{
		AccountID:   email.AccountID,
		EmailID:     email.EmailID,
		Subject:     email.Subject,
		Summary:     email.Summary,
		Category:    email.Category,
		Embedding:   vec,
		ProcessedAt: email.ProcessedAt,
	})
}
