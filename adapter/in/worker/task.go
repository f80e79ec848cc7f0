// Package worker runs stream-delivered jobs on a bounded pool.
package worker

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// JobType names a class of work the pool runs.
type JobType string

const (
	JobScanBatch JobType = "scan.batch"
	JobPush      JobType = "push.notification"
)

// Task is one unit of work in flight through the pool. The done channel
// carries the outcome back to the stream delivery waiting to acknowledge:
// only a finished task gets acked, so a crash mid-task replays it.
type Task struct {
	ID        string
	Type      JobType
	Payload   []byte
	CreatedAt time.Time

	done chan error
}

func NewTask(jobType JobType, payload []byte) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now(),
		done:      make(chan error, 1),
	}
}

// finish reports the task outcome. Safe to call more than once; only the
// first outcome is delivered.
func (t *Task) finish(err error) {
	select {
	case t.done <- err:
	default:
	}
}

// Wait blocks until the task completes or the context is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParsePayload decodes a task payload into a concrete job struct.
func ParsePayload[T any](task *Task) (*T, error) {
	var payload T
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
