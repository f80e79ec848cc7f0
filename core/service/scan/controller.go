package scan

import (
	"context"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/logger"
	"triage_server/pkg/snowflake"
)

const (
	defaultBatchSize = 50
	maxBatchSize     = 500
)

// =============================================================================
// Controller: the API-side lifecycle of a scan
// =============================================================================

// Controller implements in.ScanService. It owns status transitions and job
// publication; the batch work itself happens in the Runner on the worker
// side.
type Controller struct {
	scans        out.ScanRepository
	accounts     out.AccountRepository
	events       out.EventLog
	producer     out.MessageProducer
	defaultBatch int
	log          *logger.Logger
}

var _ in.ScanService = (*Controller)(nil)

func NewController(scans out.ScanRepository, accounts out.AccountRepository, events out.EventLog, producer out.MessageProducer) *Controller {
	return &Controller{
		scans:        scans,
		accounts:     accounts,
		events:       events,
		producer:     producer,
		defaultBatch: defaultBatchSize,
		log:          logger.Default().WithField("component", "scan_controller"),
	}
}

// SetDefaultBatchSize overrides the batch size used when a start request
// does not name one.
func (c *Controller) SetDefaultBatchSize(n int) {
	if n > 0 && n <= maxBatchSize {
		c.defaultBatch = n
	}
}

// Start creates a scan in in_progress and publishes its first batch job.
func (c *Controller) Start(ctx context.Context, req *in.StartScanRequest) (*domain.ScanState, error) {
	if req == nil || req.AccountID == "" {
		return nil, apperr.MissingField("account_id")
	}
	if _, err := c.accounts.GetByID(ctx, req.AccountID); err != nil {
		return nil, err
	}

	cfg := domain.ScanConfig{
		Query:                req.Query,
		BatchSize:            req.BatchSize,
		SkipAlreadyProcessed: true,
		MaxMessages:          req.MaxMessages,
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = c.defaultBatch
	}
	if cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if req.SkipAlreadyProcessed != nil {
		cfg.SkipAlreadyProcessed = *req.SkipAlreadyProcessed
	}
	if cfg.MaxMessages < 0 {
		cfg.MaxMessages = 0
	}

	now := time.Now().UTC()
	state := &domain.ScanState{
		ScanID:        snowflake.ID(),
		AccountID:     req.AccountID,
		Config:        cfg,
		Status:        domain.ScanInProgress,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	if err := c.scans.Create(ctx, state); err != nil {
		return nil, err
	}

	c.appendScanEvent(ctx, state, domain.EventScanStarted, map[string]any{
		"query":                  cfg.Query,
		"batch_size":             cfg.BatchSize,
		"skip_already_processed": cfg.SkipAlreadyProcessed,
		"max_messages":           cfg.MaxMessages,
	})

	if err := c.publishBatch(ctx, state); err != nil {
		// A scan nobody will ever drive must not sit in in_progress.
		if _, terr := c.scans.TransitionStatus(ctx, state.ScanID, []domain.ScanStatus{domain.ScanInProgress}, domain.ScanFailed); terr != nil {
			c.log.Error("[Controller.Start] scan %d stuck after publish failure: %v", state.ScanID, terr)
		}
		return nil, err
	}

	c.log.Info("[Controller.Start] scan %d started for %s (batch %d)", state.ScanID, state.AccountID, cfg.BatchSize)
	return state, nil
}

// Get returns the scan with its derived ETA.
func (c *Controller) Get(ctx context.Context, scanID int64) (*in.ScanStatusView, error) {
	state, err := c.scans.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	view := &in.ScanStatusView{ScanState: state}
	if state.Status == domain.ScanInProgress {
		if eta, ok := state.ETASeconds(); ok {
			view.ETASeconds = &eta
		}
	}
	return view, nil
}

// Pause stops the scan at the next batch boundary. Only a running scan can
// pause; anything else is a Conflict.
func (c *Controller) Pause(ctx context.Context, scanID int64) (*domain.ScanState, error) {
	state, err := c.scans.TransitionStatus(ctx, scanID, []domain.ScanStatus{domain.ScanInProgress}, domain.ScanPaused)
	if err != nil {
		return nil, err
	}
	c.appendScanEvent(ctx, state, domain.EventScanPaused, map[string]any{
		"processed": state.Processed,
		"skipped":   state.Skipped,
		"failed":    state.Failed,
	})
	return state, nil
}

// Resume continues a paused scan from its checkpoint and republishes the
// batch job. Resuming a cancelled (or any terminal) scan is a Conflict.
func (c *Controller) Resume(ctx context.Context, scanID int64) (*domain.ScanState, error) {
	state, err := c.scans.TransitionStatus(ctx, scanID, []domain.ScanStatus{domain.ScanPaused}, domain.ScanInProgress)
	if err != nil {
		return nil, err
	}
	c.appendScanEvent(ctx, state, domain.EventScanResumed, map[string]any{
		"next_page_token": state.NextPageToken != "",
		"processed":       state.Processed,
	})
	if err := c.publishBatch(ctx, state); err != nil {
		if _, terr := c.scans.TransitionStatus(ctx, scanID, []domain.ScanStatus{domain.ScanInProgress}, domain.ScanPaused); terr != nil {
			c.log.Error("[Controller.Resume] scan %d stuck after publish failure: %v", scanID, terr)
		}
		return nil, err
	}
	return state, nil
}

// Cancel terminally stops the scan from either live state.
func (c *Controller) Cancel(ctx context.Context, scanID int64) (*domain.ScanState, error) {
	state, err := c.scans.TransitionStatus(ctx, scanID, []domain.ScanStatus{domain.ScanInProgress, domain.ScanPaused}, domain.ScanCancelled)
	if err != nil {
		return nil, err
	}
	c.appendScanEvent(ctx, state, domain.EventScanCancelled, map[string]any{
		"processed": state.Processed,
		"skipped":   state.Skipped,
		"failed":    state.Failed,
	})
	return state, nil
}

func (c *Controller) publishBatch(ctx context.Context, state *domain.ScanState) error {
	if c.producer == nil {
		return apperr.TransientTransport("job stream", nil)
	}
	return c.producer.PublishScanBatch(ctx, &out.ScanBatchJob{
		ScanID:    state.ScanID,
		AccountID: state.AccountID,
	})
}

func (c *Controller) appendScanEvent(ctx context.Context, state *domain.ScanState, eventType domain.EventType, payload map[string]any) {
	payload["scan_id"] = state.ScanID
	if _, err := c.events.Append(ctx, &domain.Event{
		Type:      eventType,
		AccountID: state.AccountID,
		Payload:   payload,
	}); err != nil {
		c.log.Error("[Controller] failed to append %s for scan %d: %v", eventType, state.ScanID, err)
	}
}
