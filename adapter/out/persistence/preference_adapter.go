package persistence

import (
	"context"
	"fmt"
	"time"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"

	"github.com/jmoiron/sqlx"
)

// PreferenceAdapter stores learned sender/domain behavior. Updates go
// through compare-and-swap on last_updated; the feedback writer re-reads
// and retries on conflict instead of holding row locks across the EMA math.
type PreferenceAdapter struct {
	db *sqlx.DB
}

func NewPreferenceAdapter(db *sqlx.DB) *PreferenceAdapter {
	return &PreferenceAdapter{db: db}
}

type preferenceEntity struct {
	ID          int64     `db:"id"`
	AccountID   string    `db:"account_id"`
	Scope       string    `db:"scope"`
	Key         string    `db:"pref_key"`
	EmailsSeen  int64     `db:"emails_seen"`
	Replies     int64     `db:"replies"`
	Archives    int64     `db:"archives"`
	Deletes     int64     `db:"deletes"`
	Stars       int64     `db:"stars"`
	ReplyRate   float64   `db:"reply_rate"`
	ArchiveRate float64   `db:"archive_rate"`
	DeleteRate  float64   `db:"delete_rate"`
	Importance  float64   `db:"inferred_importance"`
	LastUpdated time.Time `db:"last_updated"`
}

func (e *preferenceEntity) toDomain() *domain.Preference {
	return &domain.Preference{
		ID:          e.ID,
		AccountID:   e.AccountID,
		Scope:       domain.PreferenceScope(e.Scope),
		Key:         e.Key,
		EmailsSeen:  e.EmailsSeen,
		Replies:     e.Replies,
		Archives:    e.Archives,
		Deletes:     e.Deletes,
		Stars:       e.Stars,
		ReplyRate:   e.ReplyRate,
		ArchiveRate: e.ArchiveRate,
		DeleteRate:  e.DeleteRate,
		Importance:  e.Importance,
		LastUpdated: e.LastUpdated,
	}
}

const preferenceColumns = `
	id, account_id, scope, pref_key, emails_seen, replies, archives, deletes,
	stars, reply_rate, archive_rate, delete_rate, inferred_importance, last_updated`

func (a *PreferenceAdapter) Get(ctx context.Context, scope domain.PreferenceScope, accountID, key string) (*domain.Preference, error) {
	query := `SELECT ` + preferenceColumns + `
		FROM preferences
		WHERE account_id = $1 AND scope = $2 AND pref_key = $3`

	var entity preferenceEntity
	if err := a.db.GetContext(ctx, &entity, query, accountID, string(scope), key); err != nil {
		return nil, wrapDBError(err, "preferences.get")
	}
	return entity.toDomain(), nil
}

// Create inserts a fresh row. A concurrent creator wins the race through
// the unique key; the loser gets a Conflict and should re-read.
func (a *PreferenceAdapter) Create(ctx context.Context, pref *domain.Preference) (*domain.Preference, error) {
	if pref.AccountID == "" || pref.Key == "" {
		return nil, apperr.MissingField("account_id/key")
	}

	lastUpdated := pref.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = time.Now().UTC()
	}

	query := `
		INSERT INTO preferences (
			account_id, scope, pref_key, emails_seen, replies, archives,
			deletes, stars, reply_rate, archive_rate, delete_rate,
			inferred_importance, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + preferenceColumns

	var entity preferenceEntity
	err := a.db.GetContext(ctx, &entity, query,
		pref.AccountID, string(pref.Scope), pref.Key, pref.EmailsSeen,
		pref.Replies, pref.Archives, pref.Deletes, pref.Stars,
		pref.ReplyRate, pref.ArchiveRate, pref.DeleteRate,
		pref.Importance, lastUpdated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("preference row already exists")
		}
		return nil, wrapDBError(err, "preferences.create")
	}
	return entity.toDomain(), nil
}

// UpdateCAS writes the row only if last_updated still matches what the
// caller read. Zero rows affected means another writer got there first.
func (a *PreferenceAdapter) UpdateCAS(ctx context.Context, pref *domain.Preference, expectedLastUpdated time.Time) error {
	query := `
		UPDATE preferences
		SET emails_seen = $2,
			replies = $3,
			archives = $4,
			deletes = $5,
			stars = $6,
			reply_rate = $7,
			archive_rate = $8,
			delete_rate = $9,
			inferred_importance = $10,
			last_updated = $11
		WHERE id = $1 AND last_updated = $12`

	result, err := a.db.ExecContext(ctx, query,
		pref.ID, pref.EmailsSeen, pref.Replies, pref.Archives, pref.Deletes,
		pref.Stars, pref.ReplyRate, pref.ArchiveRate, pref.DeleteRate,
		pref.Importance, pref.LastUpdated, expectedLastUpdated,
	)
	if err != nil {
		return wrapDBError(err, "preferences.update")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapDBError(err, "preferences.update")
	}
	if rows == 0 {
		return apperr.Conflict(fmt.Sprintf("preference %s/%s changed concurrently", pref.Scope, pref.Key))
	}
	return nil
}
