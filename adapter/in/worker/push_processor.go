package worker

import (
	"context"
	"fmt"

	"triage_server/core/port/out"
	"triage_server/core/service/notification"
	"triage_server/pkg/logger"
)

// PushProcessor drains the history delta behind one push notification.
type PushProcessor struct {
	processor *notification.Processor
	log       *logger.Logger
}

func NewPushProcessor(processor *notification.Processor) *PushProcessor {
	return &PushProcessor{
		processor: processor,
		log:       logger.Default().WithField("component", "push_processor"),
	}
}

func (p *PushProcessor) Process(ctx context.Context, task *Task) error {
	job, err := ParsePayload[out.PushJob](task)
	if err != nil {
		return fmt.Errorf("failed to parse push payload: %w", err)
	}

	p.log.Debug("[PushProcessor] notification=%s address=%s history=%d",
		job.NotificationID, job.EmailAddress, job.HistoryID)
	return p.processor.ProcessPush(ctx, job)
}
