package out

import (
	"context"

	"triage_server/core/domain"
)

// ScanRepository persists resumable scan state.
type ScanRepository interface {
	Create(ctx context.Context, state *domain.ScanState) error
	Get(ctx context.Context, scanID int64) (*domain.ScanState, error)
	// TransitionStatus is a guarded status flip: the update applies only
	// when the current status is one of from. Zero rows means the scan
	// moved concurrently and the caller gets a Conflict.
	TransitionStatus(ctx context.Context, scanID int64, from []domain.ScanStatus, to domain.ScanStatus) (*domain.ScanState, error)
	// SaveProgress writes counters, checkpoint and rate window after a
	// batch. It does not touch status.
	SaveProgress(ctx context.Context, state *domain.ScanState) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.ScanState, error)
}
