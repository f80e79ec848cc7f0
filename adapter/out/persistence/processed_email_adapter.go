package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"

	"github.com/jmoiron/sqlx"
)

// ProcessedEmailAdapter stores pipeline outcomes in Postgres. The upsert
// keys on (account_id, email_id); reprocessing replaces the verdict but a
// user correction sticks until the user changes it again.
type ProcessedEmailAdapter struct {
	db *sqlx.DB
}

func NewProcessedEmailAdapter(db *sqlx.DB) *ProcessedEmailAdapter {
	return &ProcessedEmailAdapter{db: db}
}

type processedEmailEntity struct {
	ID               int64           `db:"id"`
	AccountID        string          `db:"account_id"`
	EmailID          string          `db:"email_id"`
	ThreadID         sql.NullString  `db:"thread_id"`
	Subject          string          `db:"subject"`
	Sender           string          `db:"sender"`
	SenderDomain     string          `db:"sender_domain"`
	ReceivedAt       time.Time       `db:"received_at"`
	Category         string          `db:"category"`
	Importance       float64         `db:"importance_score"`
	Confidence       float64         `db:"classification_confidence"`
	NeedsReview      bool            `db:"needs_review"`
	LayerTrace       []byte          `db:"layer_trace"`
	StorageLevel     string          `db:"storage_level"`
	BodyText         sql.NullString  `db:"body_text"`
	BodyHTML         sql.NullString  `db:"body_html"`
	Summary          sql.NullString  `db:"summary"`
	HasAttachments   bool            `db:"has_attachments"`
	Attachments      []byte          `db:"attachments"`
	UserCorrected    bool            `db:"user_corrected"`
	OriginalCategory sql.NullString  `db:"original_category"`
	RawRef           sql.NullString  `db:"raw_ref"`
	ProcessedAt      time.Time       `db:"processed_at"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
	TotalCount       int64           `db:"total_count"`
}

func (e *processedEmailEntity) toDomain() (*domain.ProcessedEmail, error) {
	email := &domain.ProcessedEmail{
		ID:             e.ID,
		AccountID:      e.AccountID,
		EmailID:        e.EmailID,
		Subject:        e.Subject,
		Sender:         e.Sender,
		SenderDomain:   e.SenderDomain,
		ReceivedAt:     e.ReceivedAt,
		Category:       domain.Category(e.Category),
		Importance:     e.Importance,
		Confidence:     e.Confidence,
		NeedsReview:    e.NeedsReview,
		StorageLevel:   e.StorageLevel,
		HasAttachments: e.HasAttachments,
		UserCorrected:  e.UserCorrected,
		ProcessedAt:    e.ProcessedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if e.ThreadID.Valid {
		email.ThreadID = e.ThreadID.String
	}
	if e.BodyText.Valid {
		email.BodyText = e.BodyText.String
	}
	if e.BodyHTML.Valid {
		email.BodyHTML = e.BodyHTML.String
	}
	if e.Summary.Valid {
		email.Summary = e.Summary.String
	}
	if e.OriginalCategory.Valid {
		orig := domain.Category(e.OriginalCategory.String)
		email.OriginalCategory = &orig
	}
	if e.RawRef.Valid {
		email.RawRef = e.RawRef.String
	}
	if len(e.LayerTrace) > 0 {
		if err := json.Unmarshal(e.LayerTrace, &email.LayerTrace); err != nil {
			return nil, fmt.Errorf("failed to decode layer trace: %w", err)
		}
	}
	if len(e.Attachments) > 0 {
		if err := json.Unmarshal(e.Attachments, &email.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments: %w", err)
		}
	}
	return email, nil
}

const processedEmailColumns = `
	id, account_id, email_id, thread_id, subject, sender, sender_domain,
	received_at, category, importance_score, classification_confidence,
	needs_review, layer_trace, storage_level, body_text, body_html, summary,
	has_attachments, attachments, user_corrected, original_category, raw_ref,
	processed_at, created_at, updated_at`

// Upsert inserts or replaces the verdict for (account_id, email_id). On
// conflict the classification columns are refreshed, except on rows the
// user already corrected: their category and review flag stand, and only
// the trace and score columns pick up the rerun.
func (a *ProcessedEmailAdapter) Upsert(ctx context.Context, email *domain.ProcessedEmail) (*domain.ProcessedEmail, error) {
	if email.AccountID == "" || email.EmailID == "" {
		return nil, apperr.MissingField("account_id/email_id")
	}
	if !email.Category.IsValid() {
		return nil, apperr.InvariantViolation(fmt.Sprintf("cannot persist category %q", email.Category))
	}

	layerTrace, err := json.Marshal(email.LayerTrace)
	if err != nil {
		return nil, fmt.Errorf("failed to encode layer trace: %w", err)
	}
	var attachments []byte
	if len(email.Attachments) > 0 {
		attachments, err = json.Marshal(email.Attachments)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attachments: %w", err)
		}
	}

	storageLevel := email.StorageLevel
	if storageLevel == "" {
		storageLevel = domain.StorageLevelFull
	}
	processedAt := email.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO processed_emails (
			account_id, email_id, thread_id, subject, sender, sender_domain,
			received_at, category, importance_score, classification_confidence,
			needs_review, layer_trace, storage_level, body_text, body_html, summary,
			has_attachments, attachments, raw_ref, processed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW(), NOW()
		)
		ON CONFLICT (account_id, email_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			subject = EXCLUDED.subject,
			sender = EXCLUDED.sender,
			sender_domain = EXCLUDED.sender_domain,
			received_at = EXCLUDED.received_at,
			category = CASE WHEN processed_emails.user_corrected
				THEN processed_emails.category ELSE EXCLUDED.category END,
			importance_score = EXCLUDED.importance_score,
			classification_confidence = EXCLUDED.classification_confidence,
			needs_review = CASE WHEN processed_emails.user_corrected
				THEN processed_emails.needs_review ELSE EXCLUDED.needs_review END,
			layer_trace = EXCLUDED.layer_trace,
			storage_level = EXCLUDED.storage_level,
			body_text = EXCLUDED.body_text,
			body_html = EXCLUDED.body_html,
			summary = EXCLUDED.summary,
			has_attachments = EXCLUDED.has_attachments,
			attachments = EXCLUDED.attachments,
			raw_ref = EXCLUDED.raw_ref,
			processed_at = EXCLUDED.processed_at,
			updated_at = NOW()
		RETURNING ` + processedEmailColumns

	var entity processedEmailEntity
	err = a.db.GetContext(ctx, &entity, query,
		email.AccountID, email.EmailID, nullStr(email.ThreadID), email.Subject,
		email.Sender, email.SenderDomain, email.ReceivedAt, string(email.Category),
		email.Importance, email.Confidence, email.NeedsReview, layerTrace,
		storageLevel, nullStr(email.BodyText), nullStr(email.BodyHTML),
		nullStr(email.Summary), email.HasAttachments, attachments,
		nullStr(email.RawRef), processedAt,
	)
	if err != nil {
		return nil, wrapDBError(err, "processed_emails.upsert")
	}
	return entity.toDomain()
}

func (a *ProcessedEmailAdapter) GetByID(ctx context.Context, id int64) (*domain.ProcessedEmail, error) {
	query := `SELECT ` + processedEmailColumns + ` FROM processed_emails WHERE id = $1`

	var entity processedEmailEntity
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		return nil, wrapDBError(err, "processed_emails.get")
	}
	return entity.toDomain()
}

func (a *ProcessedEmailAdapter) GetByEmailID(ctx context.Context, accountID, emailID string) (*domain.ProcessedEmail, error) {
	query := `SELECT ` + processedEmailColumns + ` FROM processed_emails WHERE account_id = $1 AND email_id = $2`

	var entity processedEmailEntity
	if err := a.db.GetContext(ctx, &entity, query, accountID, emailID); err != nil {
		return nil, wrapDBError(err, "processed_emails.get_by_email")
	}
	return entity.toDomain()
}

func (a *ProcessedEmailAdapter) Exists(ctx context.Context, accountID, emailID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM processed_emails WHERE account_id = $1 AND email_id = $2)`
	if err := a.db.GetContext(ctx, &exists, query, accountID, emailID); err != nil {
		return false, wrapDBError(err, "processed_emails.exists")
	}
	return exists, nil
}

// List returns a page plus the unpaginated total, newest first. The total
// rides along via COUNT(*) OVER() so one round trip serves both.
func (a *ProcessedEmailAdapter) List(ctx context.Context, filter *domain.ProcessedEmailFilter) ([]*domain.ProcessedEmail, int64, error) {
	if filter == nil {
		filter = &domain.ProcessedEmailFilter{}
	}

	query := `SELECT ` + processedEmailColumns + `, COUNT(*) OVER() AS total_count
		FROM processed_emails
		WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}
	if filter.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, string(filter.Category))
		argIdx++
	}
	if filter.NeedsReview != nil {
		query += fmt.Sprintf(" AND needs_review = $%d", argIdx)
		args = append(args, *filter.NeedsReview)
		argIdx++
	}
	if filter.Sender != "" {
		query += fmt.Sprintf(" AND sender = $%d", argIdx)
		args = append(args, filter.Sender)
		argIdx++
	}

	query += " ORDER BY received_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	var entities []processedEmailEntity
	if err := a.db.SelectContext(ctx, &entities, query, args...); err != nil {
		return nil, 0, wrapDBError(err, "processed_emails.list")
	}

	var total int64
	emails := make([]*domain.ProcessedEmail, 0, len(entities))
	for i := range entities {
		email, err := entities[i].toDomain()
		if err != nil {
			return nil, 0, err
		}
		emails = append(emails, email)
		total = entities[i].TotalCount
	}
	return emails, total, nil
}

func (a *ProcessedEmailAdapter) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM processed_emails WHERE account_id = $1`
	if err := a.db.GetContext(ctx, &count, query, accountID); err != nil {
		return 0, wrapDBError(err, "processed_emails.count")
	}
	return count, nil
}

// ApplyCorrection flips the category to the user's choice. The original
// category is recorded the first time and survives repeated corrections;
// correcting back to the pipeline's own verdict clears the marker instead
// of recording a self-correction.
func (a *ProcessedEmailAdapter) ApplyCorrection(ctx context.Context, id int64, corrected domain.Category) (*domain.ProcessedEmail, error) {
	if !corrected.IsValid() {
		return nil, apperr.InvalidInput("category", fmt.Sprintf("%q is not a triage category", corrected))
	}

	query := `
		UPDATE processed_emails
		SET user_corrected = COALESCE(original_category, category) IS DISTINCT FROM $2,
			original_category = NULLIF(COALESCE(original_category, category), $2),
			category = $2,
			needs_review = FALSE,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + processedEmailColumns

	var entity processedEmailEntity
	if err := a.db.GetContext(ctx, &entity, query, id, string(corrected)); err != nil {
		return nil, wrapDBError(err, "processed_emails.apply_correction")
	}
	return entity.toDomain()
}
