package in

import (
	"context"

	"triage_server/core/domain"
)

// StartScanRequest begins a historical scan of a mailbox.
type StartScanRequest struct {
	AccountID            string `json:"account_id"`
	Query                string `json:"query,omitempty"`
	BatchSize            int    `json:"batch_size,omitempty"`
	SkipAlreadyProcessed *bool  `json:"skip_already_processed,omitempty"` // default true
	MaxMessages          int    `json:"max_messages,omitempty"`
}

// ScanStatusView is the externally visible state of a scan, with the ETA
// derived from the rolling batch window.
type ScanStatusView struct {
	*domain.ScanState
	ETASeconds *int64 `json:"eta_seconds,omitempty"`
}

// ScanService controls historical scans. Pause takes effect at the next
// batch boundary; cancel is terminal.
type ScanService interface {
	Start(ctx context.Context, req *StartScanRequest) (*domain.ScanState, error)
	Get(ctx context.Context, scanID int64) (*ScanStatusView, error)
	Pause(ctx context.Context, scanID int64) (*domain.ScanState, error)
	Resume(ctx context.Context, scanID int64) (*domain.ScanState, error)
	Cancel(ctx context.Context, scanID int64) (*domain.ScanState, error)
}
