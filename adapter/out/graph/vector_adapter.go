package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

const (
	vectorIndexName = "email_doc_embedding"

	defaultEmbeddingDims = 1536
)

// VectorAdapter stores one (:EmailDoc) node per processed email and answers
// cosine-similarity lookups over their embeddings.
type VectorAdapter struct {
	driver neo4j.DriverWithContext
	dbName string
	dims   int
}

// NewVectorAdapter creates the adapter. dims must match the embedding model;
// zero falls back to 1536.
func NewVectorAdapter(driver neo4j.DriverWithContext, dbName string, dims int) *VectorAdapter {
	if dims <= 0 {
		dims = defaultEmbeddingDims
	}
	return &VectorAdapter{
		driver: driver,
		dbName: dbName,
		dims:   dims,
	}
}

// EnsureIndex creates the vector index and the account lookup index.
func (a *VectorAdapter) EnsureIndex(ctx context.Context) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	queries := []string{
		fmt.Sprintf(
			"CREATE VECTOR INDEX %s IF NOT EXISTS "+
				"FOR (e:EmailDoc) "+
				"ON (e.embedding) "+
				"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			vectorIndexName, a.dims),
		"CREATE INDEX email_doc_account_idx IF NOT EXISTS FOR (e:EmailDoc) ON (e.account_id)",
		"CREATE CONSTRAINT email_doc_key IF NOT EXISTS FOR (e:EmailDoc) REQUIRE (e.account_id, e.email_id) IS UNIQUE",
	}

	for _, query := range queries {
		if _, err := session.Run(ctx, query, nil); err != nil {
			return apperr.DatabaseError("create email doc index", err)
		}
	}

	return nil
}

// Upsert writes one email document node, replacing any previous embedding.
func (a *VectorAdapter) Upsert(ctx context.Context, doc *out.EmailDocument) error {
	if doc == nil || doc.AccountID == "" || doc.EmailID == "" {
		return apperr.MissingField("account_id/email_id")
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MERGE (e:EmailDoc {account_id: $accountID, email_id: $emailID})
		SET e.subject = $subject,
			e.summary = $summary,
			e.category = $category,
			e.embedding = $embedding,
			e.processed_at = $processedAt,
			e.updated_at = timestamp()
	`

	params := map[string]interface{}{
		"accountID":   doc.AccountID,
		"emailID":     doc.EmailID,
		"subject":     doc.Subject,
		"summary":     doc.Summary,
		"category":    string(doc.Category),
		"embedding":   doc.Embedding,
		"processedAt": doc.ProcessedAt.Unix(),
	}

	if _, err := session.Run(ctx, query, params); err != nil {
		return apperr.DatabaseError("upsert email doc", err)
	}

	return nil
}

// Similar returns up to topK neighbors of the embedding within one account,
// excluding the email the query came from. The index is asked for extra
// candidates because account and self filters run after the vector lookup.
func (a *VectorAdapter) Similar(ctx context.Context, accountID string, embedding []float32, topK int, excludeEmailID string) ([]*domain.RelatedEmail, error) {
	if topK <= 0 {
		topK = 5
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		CALL db.index.vector.queryNodes($indexName, $candidates, $embedding)
		YIELD node, score
		WHERE node.account_id = $accountID AND node.email_id <> $excludeID
		RETURN node.email_id AS email_id, node.subject AS subject,
			   node.category AS category, node.summary AS summary, score
		ORDER BY score DESC
		LIMIT $topK
	`

	params := map[string]interface{}{
		"indexName":  vectorIndexName,
		"candidates": topK*4 + 1,
		"embedding":  embedding,
		"accountID":  accountID,
		"excludeID":  excludeEmailID,
		"topK":       topK,
	}

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, apperr.DatabaseError("query similar emails", err)
	}

	var related []*domain.RelatedEmail
	for result.Next(ctx) {
		record := result.Record()
		related = append(related, &domain.RelatedEmail{
			EmailID:    getStringValue(record, "email_id"),
			Subject:    getStringValue(record, "subject"),
			Category:   domain.Category(getStringValue(record, "category")),
			Summary:    getStringValue(record, "summary"),
			Similarity: getFloatValue(record, "score"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, apperr.DatabaseError("query similar emails", err)
	}

	return related, nil
}

// Delete removes the document for one email, if present.
func (a *VectorAdapter) Delete(ctx context.Context, accountID, emailID string) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MATCH (e:EmailDoc {account_id: $accountID, email_id: $emailID})
		DELETE e
	`

	params := map[string]interface{}{
		"accountID": accountID,
		"emailID":   emailID,
	}

	if _, err := session.Run(ctx, query, params); err != nil {
		return apperr.DatabaseError("delete email doc", err)
	}

	return nil
}

// DeleteOlderThan prunes documents whose processed_at predates the cutoff.
func (a *VectorAdapter) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MATCH (e:EmailDoc)
		WHERE e.processed_at < $cutoff
		WITH e LIMIT 10000
		DELETE e
		RETURN count(*) AS deleted
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"cutoff": before.Unix()})
	if err != nil {
		return 0, apperr.DatabaseError("prune email docs", err)
	}

	if result.Next(ctx) {
		if val, ok := result.Record().Get("deleted"); ok {
			if n, ok := val.(int64); ok {
				return n, nil
			}
		}
	}

	return 0, nil
}

func getStringValue(record *neo4j.Record, key string) string {
	if val, ok := record.Get(key); ok && val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func getFloatValue(record *neo4j.Record, key string) float64 {
	if val, ok := record.Get(key); ok && val != nil {
		if f, ok := val.(float64); ok {
			return f
		}
	}
	return 0
}

var _ out.VectorStore = (*VectorAdapter)(nil)
