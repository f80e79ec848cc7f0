package out

import (
	"context"
	"time"

	"triage_server/core/domain"
)

// AccountRepository reads connected mailbox accounts. The pipeline never
// creates or deletes accounts; UpdateTokens exists solely for the provider
// adapter to persist refreshed OAuth tokens.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByAddress(ctx context.Context, address string) (*domain.Account, error)
	List(ctx context.Context) ([]*domain.Account, error)
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
}
