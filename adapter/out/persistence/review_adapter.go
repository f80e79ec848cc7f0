package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"

	"github.com/jmoiron/sqlx"
)

// ReviewAdapter stores the human review queue. Transition is the single
// mutation point for decisions: a guarded UPDATE that only applies while
// the row is still pending.
type ReviewAdapter struct {
	db *sqlx.DB
}

func NewReviewAdapter(db *sqlx.DB) *ReviewAdapter {
	return &ReviewAdapter{db: db}
}

type reviewEntity struct {
	ID                int64          `db:"id"`
	AccountID         string         `db:"account_id"`
	EmailID           string         `db:"email_id"`
	ProcessedEmailID  int64          `db:"processed_email_id"`
	Subject           string         `db:"subject"`
	Sender            string         `db:"sender"`
	SuggestedCategory string         `db:"suggested_category"`
	Importance        float64        `db:"importance"`
	Confidence        float64        `db:"confidence"`
	Reasoning         sql.NullString `db:"reasoning"`
	LowConfidence     bool           `db:"low_confidence"`
	Status            string         `db:"status"`
	CorrectedCategory sql.NullString `db:"corrected_category"`
	FeedbackText      sql.NullString `db:"feedback_text"`
	AddedAt           time.Time      `db:"added_at"`
	ReviewedAt        sql.NullTime   `db:"reviewed_at"`
	TotalCount        int64          `db:"total_count"`
}

func (e *reviewEntity) toDomain() *domain.ReviewItem {
	item := &domain.ReviewItem{
		ID:                e.ID,
		AccountID:         e.AccountID,
		EmailID:           e.EmailID,
		ProcessedEmailID:  e.ProcessedEmailID,
		Subject:           e.Subject,
		Sender:            e.Sender,
		SuggestedCategory: domain.Category(e.SuggestedCategory),
		Importance:        e.Importance,
		Confidence:        e.Confidence,
		LowConfidence:     e.LowConfidence,
		Status:            domain.ReviewStatus(e.Status),
		AddedAt:           e.AddedAt,
		ReviewedAt:        timePtr(e.ReviewedAt),
	}
	if e.Reasoning.Valid {
		item.Reasoning = e.Reasoning.String
	}
	if e.CorrectedCategory.Valid {
		corrected := domain.Category(e.CorrectedCategory.String)
		item.CorrectedCategory = &corrected
	}
	if e.FeedbackText.Valid {
		item.FeedbackText = e.FeedbackText.String
	}
	return item
}

const reviewColumns = `
	id, account_id, email_id, processed_email_id, subject, sender,
	suggested_category, importance, confidence, reasoning, low_confidence,
	status, corrected_category, feedback_text, added_at, reviewed_at`

func (a *ReviewAdapter) Create(ctx context.Context, item *domain.ReviewItem) (*domain.ReviewItem, error) {
	if item.AccountID == "" || item.EmailID == "" {
		return nil, apperr.MissingField("account_id/email_id")
	}

	addedAt := item.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO review_items (
			account_id, email_id, processed_email_id, subject, sender,
			suggested_category, importance, confidence, reasoning,
			low_confidence, status, added_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + reviewColumns

	var entity reviewEntity
	err := a.db.GetContext(ctx, &entity, query,
		item.AccountID, item.EmailID, item.ProcessedEmailID, item.Subject,
		item.Sender, string(item.SuggestedCategory), item.Importance,
		item.Confidence, nullStr(item.Reasoning), item.LowConfidence,
		string(domain.ReviewPending), addedAt,
	)
	if err != nil {
		return nil, wrapDBError(err, "review_items.create")
	}
	return entity.toDomain(), nil
}

func (a *ReviewAdapter) GetByID(ctx context.Context, id int64) (*domain.ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_items WHERE id = $1`

	var entity reviewEntity
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		return nil, wrapDBError(err, "review_items.get")
	}
	return entity.toDomain(), nil
}

// GetPendingByEmail finds the open queue item for one email, if any.
// Reprocessing uses it to refresh the suggestion instead of stacking a
// second item.
func (a *ReviewAdapter) GetPendingByEmail(ctx context.Context, accountID, emailID string) (*domain.ReviewItem, error) {
	query := `SELECT ` + reviewColumns + `
		FROM review_items
		WHERE account_id = $1 AND email_id = $2 AND status = $3
		ORDER BY added_at DESC
		LIMIT 1`

	var entity reviewEntity
	err := a.db.GetContext(ctx, &entity, query, accountID, emailID, string(domain.ReviewPending))
	if err != nil {
		return nil, wrapDBError(err, "review_items.get_pending")
	}
	return entity.toDomain(), nil
}

// UpdateSuggestion refreshes the suggested verdict on a still-pending item.
func (a *ReviewAdapter) UpdateSuggestion(ctx context.Context, item *domain.ReviewItem) error {
	query := `
		UPDATE review_items
		SET suggested_category = $2,
			importance = $3,
			confidence = $4,
			reasoning = $5,
			low_confidence = $6,
			processed_email_id = $7
		WHERE id = $1 AND status = $8`

	result, err := a.db.ExecContext(ctx, query,
		item.ID, string(item.SuggestedCategory), item.Importance,
		item.Confidence, nullStr(item.Reasoning), item.LowConfidence,
		item.ProcessedEmailID, string(domain.ReviewPending),
	)
	if err != nil {
		return wrapDBError(err, "review_items.update_suggestion")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.Conflict("review item is no longer pending")
	}
	return nil
}

// List returns queue items ordered by importance descending, then age
// ascending, with the unpaginated total.
func (a *ReviewAdapter) List(ctx context.Context, filter *domain.ReviewFilter) ([]*domain.ReviewItem, int64, error) {
	if filter == nil {
		filter = &domain.ReviewFilter{}
	}

	query := `SELECT ` + reviewColumns + `, COUNT(*) OVER() AS total_count
		FROM review_items
		WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.MaxAge > 0 {
		query += fmt.Sprintf(" AND added_at > $%d", argIdx)
		args = append(args, time.Now().UTC().Add(-filter.MaxAge))
		argIdx++
	}

	query += " ORDER BY importance DESC, added_at ASC"

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	var entities []reviewEntity
	if err := a.db.SelectContext(ctx, &entities, query, args...); err != nil {
		return nil, 0, wrapDBError(err, "review_items.list")
	}

	var total int64
	items := make([]*domain.ReviewItem, 0, len(entities))
	for i := range entities {
		items = append(items, entities[i].toDomain())
		total = entities[i].TotalCount
	}
	return items, total, nil
}

// Transition applies a decision. The WHERE clause pins status = pending, so
// two racing reviewers resolve to exactly one winner; the loser sees a
// Conflict and the row is untouched.
func (a *ReviewAdapter) Transition(ctx context.Context, id int64, to domain.ReviewStatus, corrected *domain.Category, feedbackText string) (*domain.ReviewItem, error) {
	if !to.IsTerminal() {
		return nil, apperr.InvariantViolation(fmt.Sprintf("cannot transition review item to %q", to))
	}

	var correctedStr sql.NullString
	if corrected != nil {
		correctedStr = nullStr(string(*corrected))
	}

	query := `
		UPDATE review_items
		SET status = $2,
			corrected_category = $3,
			feedback_text = $4,
			reviewed_at = NOW()
		WHERE id = $1 AND status = $5
		RETURNING ` + reviewColumns

	var entity reviewEntity
	err := a.db.GetContext(ctx, &entity, query,
		id, string(to), correctedStr, nullStr(feedbackText), string(domain.ReviewPending),
	)
	if err == sql.ErrNoRows {
		// Distinguish "already decided" from "no such item".
		if _, getErr := a.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, apperr.Conflict("review item already decided")
	}
	if err != nil {
		return nil, wrapDBError(err, "review_items.transition")
	}
	return entity.toDomain(), nil
}
