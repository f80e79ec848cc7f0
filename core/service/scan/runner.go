package scan

import (
	"context"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/logger"
)

// RunnerConfig tunes the batch loop.
type RunnerConfig struct {
	// ErrorBatchLimit is how many consecutive transport-error batches a
	// scan survives before it fails.
	ErrorBatchLimit int
	// RateWindow is the rolling batch count the ETA is computed over.
	RateWindow int
}

// DefaultRunnerConfig mirrors production settings.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{ErrorBatchLimit: 5, RateWindow: 5}
}

// =============================================================================
// Runner: one scan batch per job delivery
// =============================================================================

// Runner executes scan batches on the worker side. Each delivery runs one
// batch, checkpoints, and republishes the job for the next batch, so pause
// and cancel take effect between batches and a crash loses at most one
// batch of work (which reprocessing makes idempotent).
type Runner struct {
	scans    out.ScanRepository
	emails   out.ProcessedEmailRepository
	provider out.MailProvider
	triage   in.TriageService
	events   out.EventLog
	producer out.MessageProducer
	cfg      RunnerConfig
	log      *logger.Logger
}

func NewRunner(
	scans out.ScanRepository,
	emails out.ProcessedEmailRepository,
	provider out.MailProvider,
	triage in.TriageService,
	events out.EventLog,
	producer out.MessageProducer,
	cfg RunnerConfig,
) *Runner {
	if cfg.ErrorBatchLimit <= 0 {
		cfg.ErrorBatchLimit = 5
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 5
	}
	return &Runner{
		scans:    scans,
		emails:   emails,
		provider: provider,
		triage:   triage,
		events:   events,
		producer: producer,
		cfg:      cfg,
		log:      logger.Default().WithField("component", "scan_runner"),
	}
}

// RunBatch processes the next batch of the scan named by the job. A nil
// return consumes the delivery; errors surface to the worker pool's retry
// policy.
func (r *Runner) RunBatch(ctx context.Context, job *out.ScanBatchJob) error {
	state, err := r.scans.Get(ctx, job.ScanID)
	if err != nil {
		return err
	}
	if state.Status != domain.ScanInProgress {
		// Stale delivery: pause, cancel or completion won since publish.
		r.log.Info("[Runner.RunBatch] dropping batch for scan %d in status %s", state.ScanID, state.Status)
		return nil
	}

	batchSize := state.Config.BatchSize
	if state.Config.MaxMessages > 0 {
		remaining := state.Config.MaxMessages - state.Seen()
		if remaining <= 0 {
			return r.complete(ctx, state)
		}
		if remaining < batchSize {
			batchSize = remaining
		}
	}

	batchStart := time.Now()

	page, err := r.provider.ListMessages(ctx, state.AccountID, state.Config.Query, state.NextPageToken, int64(batchSize))
	if err != nil {
		return r.batchError(ctx, job, state, err)
	}
	if page.SizeEstimate > 0 {
		state.EstimatedTotal = int(page.SizeEstimate)
	}
	if limit := state.Config.MaxMessages; limit > 0 && (state.EstimatedTotal == 0 || state.EstimatedTotal > limit) {
		state.EstimatedTotal = limit
	}

	if len(page.IDs) == 0 {
		return r.complete(ctx, state)
	}

	toFetch := page.IDs
	var skipped int
	if state.Config.SkipAlreadyProcessed {
		keep := make([]string, 0, len(page.IDs))
		for _, id := range page.IDs {
			exists, err := r.emails.Exists(ctx, state.AccountID, id)
			if err != nil {
				return r.batchError(ctx, job, state, err)
			}
			if exists {
				skipped++
				continue
			}
			keep = append(keep, id)
		}
		toFetch = keep
	}

	var fetched []*domain.EmailToClassify
	var fetchFailures []out.FetchFailure
	if len(toFetch) > 0 {
		fetched, fetchFailures, err = r.provider.FetchMessages(ctx, state.AccountID, toFetch)
		if err != nil {
			return r.batchError(ctx, job, state, err)
		}
	}

	var processed, failed int
	for _, email := range fetched {
		if _, err := r.triage.ProcessEmail(ctx, email); err != nil {
			// Per-message failures are counted, never abort the batch.
			failed++
			r.log.Warn("[Runner.RunBatch] scan %d: %s failed: %v", state.ScanID, email.EmailID, err)
			continue
		}
		processed++
		state.LastProcessedEmailID = email.EmailID
	}
	failed += len(fetchFailures)

	state.Processed += processed
	state.Skipped += skipped
	state.Failed += failed
	state.ConsecutiveErrorBatches = 0
	state.NextPageToken = page.NextPageToken
	state.RecordBatch(domain.BatchStat{
		Messages:   processed + skipped + failed,
		DurationMS: time.Since(batchStart).Milliseconds(),
	}, r.cfg.RateWindow)

	if err := r.scans.SaveProgress(ctx, state); err != nil {
		return err
	}
	r.appendProgress(ctx, state)

	done := page.NextPageToken == "" ||
		(state.Config.MaxMessages > 0 && state.Seen() >= state.Config.MaxMessages)

	// Pause and cancel take effect here, at the batch boundary.
	fresh, err := r.scans.Get(ctx, job.ScanID)
	if err != nil {
		return err
	}
	if fresh.Status != domain.ScanInProgress {
		r.log.Info("[Runner.RunBatch] scan %d %s at batch boundary", state.ScanID, fresh.Status)
		return nil
	}
	if done {
		return r.complete(ctx, state)
	}
	return r.producer.PublishScanBatch(ctx, job)
}

// complete terminally finishes the scan. A concurrent pause or cancel
// winning the transition is fine: their status stands.
func (r *Runner) complete(ctx context.Context, state *domain.ScanState) error {
	finished, err := r.scans.TransitionStatus(ctx, state.ScanID, []domain.ScanStatus{domain.ScanInProgress}, domain.ScanCompleted)
	if err != nil {
		r.log.Warn("[Runner.complete] scan %d not completed: %v", state.ScanID, err)
		return nil
	}
	r.appendEvent(ctx, finished, domain.EventScanCompleted, map[string]any{
		"processed": finished.Processed,
		"skipped":   finished.Skipped,
		"failed":    finished.Failed,
	})
	r.log.Info("[Runner.complete] scan %d completed: %d processed, %d skipped, %d failed",
		finished.ScanID, finished.Processed, finished.Skipped, finished.Failed)
	return nil
}

// batchError handles a whole-batch transport failure: record it, and
// either retry via republish or fail the scan once the streak hits the
// limit.
func (r *Runner) batchError(ctx context.Context, job *out.ScanBatchJob, state *domain.ScanState, cause error) error {
	state.ConsecutiveErrorBatches++
	state.Error = cause.Error()
	r.log.Error("[Runner.batchError] scan %d batch failed (%d consecutive): %v",
		state.ScanID, state.ConsecutiveErrorBatches, cause)

	r.appendEvent(ctx, state, domain.EventScanError, map[string]any{
		"error":                     cause.Error(),
		"consecutive_error_batches": state.ConsecutiveErrorBatches,
	})

	if err := r.scans.SaveProgress(ctx, state); err != nil {
		return err
	}

	if state.ConsecutiveErrorBatches >= r.cfg.ErrorBatchLimit {
		if _, err := r.scans.TransitionStatus(ctx, state.ScanID, []domain.ScanStatus{domain.ScanInProgress}, domain.ScanFailed); err != nil {
			r.log.Warn("[Runner.batchError] scan %d not failed: %v", state.ScanID, err)
		}
		return nil
	}
	return r.producer.PublishScanBatch(ctx, job)
}

func (r *Runner) appendProgress(ctx context.Context, state *domain.ScanState) {
	payload := map[string]any{
		"processed":       state.Processed,
		"skipped":         state.Skipped,
		"failed":          state.Failed,
		"estimated_total": state.EstimatedTotal,
	}
	if eta, ok := state.ETASeconds(); ok {
		payload["eta_seconds"] = eta
	}
	r.appendEvent(ctx, state, domain.EventScanProgress, payload)
}

func (r *Runner) appendEvent(ctx context.Context, state *domain.ScanState, eventType domain.EventType, payload map[string]any) {
	payload["scan_id"] = state.ScanID
	if _, err := r.events.Append(ctx, &domain.Event{
		Type:      eventType,
		AccountID: state.AccountID,
		Payload:   payload,
	}); err != nil {
		r.log.Error("[Runner] failed to append %s for scan %d: %v", eventType, state.ScanID, err)
	}
}
