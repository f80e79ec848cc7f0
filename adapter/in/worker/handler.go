package worker

import (
	"context"
	"fmt"
)

// Handler routes tasks to their processor.
type Handler struct {
	scan *ScanProcessor
	push *PushProcessor
}

func NewHandler(scan *ScanProcessor, push *PushProcessor) *Handler {
	return &Handler{
		scan: scan,
		push: push,
	}
}

func (h *Handler) Process(ctx context.Context, task *Task) error {
	switch task.Type {
	case JobScanBatch:
		return h.scan.Process(ctx, task)
	case JobPush:
		return h.push.Process(ctx, task)
	default:
		// Unroutable tasks are terminal; retrying cannot help.
		return fmt.Errorf("unknown job type: %s", task.Type)
	}
}
