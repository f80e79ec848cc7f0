package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"triage_server/adapter/out/messaging"
)

// StreamDispatcher bridges stream deliveries into the pool. Handle blocks
// until the task completes so the consumer only acknowledges finished work;
// push notifications ride the priority lane so a running bulk scan cannot
// starve them.
type StreamDispatcher struct {
	pool *Pool
	log  zerolog.Logger
}

func NewStreamDispatcher(pool *Pool, log zerolog.Logger) *StreamDispatcher {
	return &StreamDispatcher{
		pool: pool,
		log:  log.With().Str("component", "stream_dispatcher").Logger(),
	}
}

// Handle implements messaging.JobHandler.
func (d *StreamDispatcher) Handle(ctx context.Context, stream string, data []byte) error {
	jobType, priority, err := jobTypeForStream(stream)
	if err != nil {
		// Unknown streams cannot be routed; the reclaimer parks them.
		return err
	}

	task := NewTask(jobType, data)

	submitted := d.pool.Submit
	if priority {
		submitted = d.pool.SubmitPriority
	}
	if !submitted(task) {
		return fmt.Errorf("pool rejected %s task", jobType)
	}

	return task.Wait(ctx)
}

func jobTypeForStream(stream string) (JobType, bool, error) {
	switch stream {
	case messaging.StreamScanRun:
		return JobScanBatch, false, nil
	case messaging.StreamPush:
		return JobPush, true, nil
	default:
		return "", false, fmt.Errorf("no job type for stream %s", stream)
	}
}

var _ messaging.JobHandler = (*StreamDispatcher)(nil)
