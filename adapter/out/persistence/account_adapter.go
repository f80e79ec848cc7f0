package persistence

import (
	"context"
	"database/sql"
	"time"

	"triage_server/core/domain"
	"triage_server/pkg/crypto"
	"triage_server/pkg/logger"

	"github.com/jmoiron/sqlx"
)

// AccountAdapter reads connected mailbox accounts. Tokens live encrypted at
// rest; this adapter is the only place they are decrypted, so nothing above
// it ever sees ciphertext.
type AccountAdapter struct {
	db *sqlx.DB
}

func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	return &AccountAdapter{db: db}
}

type accountEntity struct {
	ID           string         `db:"id"`
	UserID       string         `db:"user_id"`
	Address      string         `db:"address"`
	Provider     string         `db:"provider"`
	AccessToken  sql.NullString `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	TokenExpiry  sql.NullTime   `db:"token_expiry"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (e *accountEntity) toDomain() *domain.Account {
	account := &domain.Account{
		ID:        e.ID,
		UserID:    e.UserID,
		Address:   e.Address,
		Provider:  domain.ProviderKind(e.Provider),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if e.TokenExpiry.Valid {
		account.TokenExpiry = e.TokenExpiry.Time
	}
	if e.AccessToken.Valid {
		account.AccessToken = decryptToken(e.AccessToken.String)
	}
	if e.RefreshToken.Valid {
		account.RefreshToken = decryptToken(e.RefreshToken.String)
	}
	return account
}

// decryptToken tolerates plaintext rows written before encryption was
// enabled; crypto.IsEncrypted distinguishes the two.
func decryptToken(stored string) string {
	if !crypto.IsEncrypted(stored) {
		return stored
	}
	token, err := crypto.DecryptToken(stored)
	if err != nil {
		logger.WithError(err).Warn("[AccountAdapter] Failed to decrypt token")
		return ""
	}
	return token
}

const accountColumns = `
	id, user_id, address, provider, access_token, refresh_token,
	token_expiry, created_at, updated_at`

func (a *AccountAdapter) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	var entity accountEntity
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		return nil, wrapDBError(err, "accounts.get")
	}
	return entity.toDomain(), nil
}

func (a *AccountAdapter) GetByAddress(ctx context.Context, address string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(address) = LOWER($1)`

	var entity accountEntity
	if err := a.db.GetContext(ctx, &entity, query, address); err != nil {
		return nil, wrapDBError(err, "accounts.get_by_address")
	}
	return entity.toDomain(), nil
}

func (a *AccountAdapter) List(ctx context.Context) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at ASC`

	var entities []accountEntity
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, wrapDBError(err, "accounts.list")
	}

	accounts := make([]*domain.Account, 0, len(entities))
	for i := range entities {
		accounts = append(accounts, entities[i].toDomain())
	}
	return accounts, nil
}

// UpdateTokens persists refreshed OAuth tokens, encrypted.
func (a *AccountAdapter) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	encAccess, err := crypto.EncryptToken(accessToken)
	if err != nil {
		return err
	}
	encRefresh := ""
	if refreshToken != "" {
		encRefresh, err = crypto.EncryptToken(refreshToken)
		if err != nil {
			return err
		}
	}

	query := `
		UPDATE accounts
		SET access_token = $2,
			refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
			token_expiry = $4,
			updated_at = NOW()
		WHERE id = $1`

	if _, err := a.db.ExecContext(ctx, query, id, encAccess, encRefresh, nullTime(expiry)); err != nil {
		return wrapDBError(err, "accounts.update_tokens")
	}
	return nil
}
