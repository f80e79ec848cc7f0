package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"

	"github.com/jmoiron/sqlx"
)

// ScanAdapter persists history scan state. Status changes go through
// TransitionStatus, a guarded UPDATE, so pause/resume/cancel racing the
// worker's batch loop collapse to a single winner.
type ScanAdapter struct {
	db *sqlx.DB
}

func NewScanAdapter(db *sqlx.DB) *ScanAdapter {
	return &ScanAdapter{db: db}
}

type scanEntity struct {
	ScanID                  int64          `db:"scan_id"`
	AccountID               string         `db:"account_id"`
	Config                  []byte         `db:"config"`
	Status                  string         `db:"status"`
	Processed               int            `db:"processed"`
	Skipped                 int            `db:"skipped"`
	Failed                  int            `db:"failed"`
	EstimatedTotal          int            `db:"estimated_total"`
	ConsecutiveErrorBatches int            `db:"consecutive_error_batches"`
	RecentBatches           []byte         `db:"recent_batches"`
	NextPageToken           sql.NullString `db:"next_page_token"`
	LastProcessedEmailID    sql.NullString `db:"last_processed_email_id"`
	Error                   sql.NullString `db:"last_error"`
	StartedAt               time.Time      `db:"started_at"`
	LastUpdatedAt           time.Time      `db:"last_updated_at"`
	CompletedAt             sql.NullTime   `db:"completed_at"`
}

func (e *scanEntity) toDomain() (*domain.ScanState, error) {
	state := &domain.ScanState{
		ScanID:                  e.ScanID,
		AccountID:               e.AccountID,
		Status:                  domain.ScanStatus(e.Status),
		Processed:               e.Processed,
		Skipped:                 e.Skipped,
		Failed:                  e.Failed,
		EstimatedTotal:          e.EstimatedTotal,
		ConsecutiveErrorBatches: e.ConsecutiveErrorBatches,
		StartedAt:               e.StartedAt,
		LastUpdatedAt:           e.LastUpdatedAt,
		CompletedAt:             timePtr(e.CompletedAt),
	}
	if len(e.Config) > 0 {
		if err := json.Unmarshal(e.Config, &state.Config); err != nil {
			return nil, fmt.Errorf("failed to decode scan config: %w", err)
		}
	}
	if len(e.RecentBatches) > 0 {
		if err := json.Unmarshal(e.RecentBatches, &state.RecentBatches); err != nil {
			return nil, fmt.Errorf("failed to decode batch window: %w", err)
		}
	}
	if e.NextPageToken.Valid {
		state.NextPageToken = e.NextPageToken.String
	}
	if e.LastProcessedEmailID.Valid {
		state.LastProcessedEmailID = e.LastProcessedEmailID.String
	}
	if e.Error.Valid {
		state.Error = e.Error.String
	}
	return state, nil
}

const scanColumns = `
	scan_id, account_id, config, status, processed, skipped, failed,
	estimated_total, consecutive_error_batches, recent_batches,
	next_page_token, last_processed_email_id, last_error,
	started_at, last_updated_at, completed_at`

func (a *ScanAdapter) Create(ctx context.Context, state *domain.ScanState) error {
	if state.ScanID == 0 || state.AccountID == "" {
		return apperr.MissingField("scan_id/account_id")
	}

	config, err := json.Marshal(state.Config)
	if err != nil {
		return fmt.Errorf("failed to encode scan config: %w", err)
	}

	startedAt := state.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO scan_states (
			scan_id, account_id, config, status, processed, skipped, failed,
			estimated_total, started_at, last_updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`

	_, err = a.db.ExecContext(ctx, query,
		state.ScanID, state.AccountID, config, string(state.Status),
		state.Processed, state.Skipped, state.Failed, state.EstimatedTotal,
		startedAt,
	)
	if err != nil {
		return wrapDBError(err, "scan_states.create")
	}
	return nil
}

func (a *ScanAdapter) Get(ctx context.Context, scanID int64) (*domain.ScanState, error) {
	query := `SELECT ` + scanColumns + ` FROM scan_states WHERE scan_id = $1`

	var entity scanEntity
	if err := a.db.GetContext(ctx, &entity, query, scanID); err != nil {
		return nil, wrapDBError(err, "scan_states.get")
	}
	return entity.toDomain()
}

// TransitionStatus flips status only when the current value is in from.
// Terminal transitions also stamp completed_at.
func (a *ScanAdapter) TransitionStatus(ctx context.Context, scanID int64, from []domain.ScanStatus, to domain.ScanStatus) (*domain.ScanState, error) {
	if len(from) == 0 {
		return nil, apperr.InvariantViolation("transition requires at least one source status")
	}

	fromStrs := make([]string, len(from))
	args := []interface{}{scanID, string(to)}
	for i, s := range from {
		fromStrs[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, string(s))
	}

	completedAt := "completed_at"
	if to.IsTerminal() {
		completedAt = "NOW()"
	}

	query := fmt.Sprintf(`
		UPDATE scan_states
		SET status = $2,
			completed_at = %s,
			last_updated_at = NOW()
		WHERE scan_id = $1 AND status IN (%s)
		RETURNING `+scanColumns, completedAt, strings.Join(fromStrs, ","))

	var entity scanEntity
	err := a.db.GetContext(ctx, &entity, query, args...)
	if err == sql.ErrNoRows {
		current, getErr := a.Get(ctx, scanID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperr.Conflict(fmt.Sprintf("scan is %s, cannot move to %s", current.Status, to)).
			WithDetail("status", string(current.Status))
	}
	if err != nil {
		return nil, wrapDBError(err, "scan_states.transition")
	}
	return entity.toDomain()
}

// SaveProgress writes counters, checkpoint and the rolling batch window.
// Status is deliberately not touched: a pause that landed mid-batch wins.
func (a *ScanAdapter) SaveProgress(ctx context.Context, state *domain.ScanState) error {
	recentBatches, err := json.Marshal(state.RecentBatches)
	if err != nil {
		return fmt.Errorf("failed to encode batch window: %w", err)
	}

	query := `
		UPDATE scan_states
		SET processed = $2,
			skipped = $3,
			failed = $4,
			estimated_total = $5,
			consecutive_error_batches = $6,
			recent_batches = $7,
			next_page_token = $8,
			last_processed_email_id = $9,
			last_error = $10,
			last_updated_at = NOW()
		WHERE scan_id = $1`

	result, err := a.db.ExecContext(ctx, query,
		state.ScanID, state.Processed, state.Skipped, state.Failed,
		state.EstimatedTotal, state.ConsecutiveErrorBatches, recentBatches,
		nullStr(state.NextPageToken), nullStr(state.LastProcessedEmailID),
		nullStr(state.Error),
	)
	if err != nil {
		return wrapDBError(err, "scan_states.save_progress")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("scan")
	}
	return nil
}

func (a *ScanAdapter) ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.ScanState, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT ` + scanColumns + `
		FROM scan_states
		WHERE account_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	var entities []scanEntity
	if err := a.db.SelectContext(ctx, &entities, query, accountID, limit); err != nil {
		return nil, wrapDBError(err, "scan_states.list")
	}

	states := make([]*domain.ScanState, 0, len(entities))
	for i := range entities {
		state, err := entities[i].toDomain()
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}
