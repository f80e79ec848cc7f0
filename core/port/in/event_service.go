package in

import (
	"context"

	"triage_server/core/domain"
)

// EventService reads the audit log.
type EventService interface {
	Query(ctx context.Context, filter *domain.EventFilter) ([]*domain.Event, error)
}
