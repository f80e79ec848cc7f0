package worker

import (
	"context"
	"fmt"

	"triage_server/core/port/out"
	"triage_server/core/service/scan"
	"triage_server/pkg/logger"
)

// ScanProcessor runs one scan batch per task. The slot semaphore caps how
// many batches execute at once; deliveries beyond the cap wait here, and a
// task deadline expiring in the queue hands the delivery back to the
// stream for a later retry.
type ScanProcessor struct {
	runner *scan.Runner
	slots  chan struct{}
	log    *logger.Logger
}

func NewScanProcessor(runner *scan.Runner, maxConcurrentBatches int) *ScanProcessor {
	if maxConcurrentBatches <= 0 {
		maxConcurrentBatches = 1
	}
	return &ScanProcessor{
		runner: runner,
		slots:  make(chan struct{}, maxConcurrentBatches),
		log:    logger.Default().WithField("component", "scan_processor"),
	}
}

func (p *ScanProcessor) Process(ctx context.Context, task *Task) error {
	job, err := ParsePayload[out.ScanBatchJob](task)
	if err != nil {
		return fmt.Errorf("failed to parse scan batch payload: %w", err)
	}
	if job.ScanID == 0 || job.AccountID == "" {
		return fmt.Errorf("scan batch job missing scan_id/account_id")
	}

	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		return ctx.Err()
	}

	p.log.Debug("[ScanProcessor] scan=%d account=%s", job.ScanID, job.AccountID)
	return p.runner.RunBatch(ctx, job)
}
