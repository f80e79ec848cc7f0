package out

import (
	"context"

	"triage_server/core/domain"
)

// ScanBatchJob asks a worker to run the next batch of a scan. The job is
// re-published after every checkpoint, so each batch is its own delivery.
type ScanBatchJob struct {
	ScanID    int64  `json:"scan_id"`
	AccountID string `json:"account_id"`
}

// PushJob carries one decoded push notification to the worker side.
type PushJob struct {
	NotificationID string `json:"notification_id"`
	AccountID      string `json:"account_id,omitempty"`
	EmailAddress   string `json:"email_address"`
	HistoryID      uint64 `json:"history_id"`
}

// MessageProducer publishes jobs onto the stream transport. PublishEvent
// mirrors audit events onto a feed stream for live consumers and is
// best-effort: the durable log row is already written when it runs.
type MessageProducer interface {
	PublishScanBatch(ctx context.Context, job *ScanBatchJob) error
	PublishPush(ctx context.Context, job *PushJob) error
	PublishEvent(ctx context.Context, event *domain.Event) error
}
