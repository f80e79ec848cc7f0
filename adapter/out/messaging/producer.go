// Package messaging provides the Redis Streams job transport.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"triage_server/core/domain"
	"triage_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

// Stream names.
const (
	StreamScanRun    = "triage:scan.run"
	StreamPush       = "triage:push.notification"
	StreamEventsFeed = "events:feed"
)

// JobStreams are the streams the worker consumes. The events feed is not a
// job stream; it is read by SSE/journal consumers.
var JobStreams = []string{StreamScanRun, StreamPush}

// RedisProducer implements out.MessageProducer on Redis Streams.
type RedisProducer struct {
	client *redis.Client
}

var _ out.MessageProducer = (*RedisProducer)(nil)

func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

// PublishScanBatch enqueues the next batch of a history scan.
func (p *RedisProducer) PublishScanBatch(ctx context.Context, job *out.ScanBatchJob) error {
	return p.publish(ctx, StreamScanRun, job)
}

// PublishPush enqueues one decoded push notification.
func (p *RedisProducer) PublishPush(ctx context.Context, job *out.PushJob) error {
	return p.publish(ctx, StreamPush, job)
}

// PublishEvent mirrors an audit event onto the feed stream. The durable log
// row is already written when this runs; feed consumers tolerate gaps.
func (p *RedisProducer) PublishEvent(ctx context.Context, event *domain.Event) error {
	return p.publish(ctx, StreamEventsFeed, event)
}

func (p *RedisProducer) publish(ctx context.Context, stream string, job interface{}) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}
