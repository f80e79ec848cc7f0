package out

import (
	"context"
	"time"

	"triage_server/core/domain"
)

// EmailDocument is the indexed representation of a processed email.
type EmailDocument struct {
	AccountID   string
	EmailID     string
	Subject     string
	Summary     string
	Category    domain.Category
	Embedding   []float32
	ProcessedAt time.Time
}

// VectorStore indexes email documents for similarity lookups. Indexing is
// best-effort: triage succeeds even when the store is down.
type VectorStore interface {
	EnsureIndex(ctx context.Context) error
	Upsert(ctx context.Context, doc *EmailDocument) error
	Similar(ctx context.Context, accountID string, embedding []float32, topK int, excludeEmailID string) ([]*domain.RelatedEmail, error)
}

// RawMessageStore archives provider payloads out-of-band. Save returns the
// reference recorded on the processed email.
type RawMessageStore interface {
	Save(ctx context.Context, msg *domain.RawMessage) (string, error)
	Get(ctx context.Context, accountID, emailID string) (*domain.RawMessage, error)
}
