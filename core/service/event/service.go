package event

import (
	"context"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Service serves read access to the audit log.
type Service struct {
	events out.EventLog
}

var _ in.EventService = (*Service)(nil)

func NewService(events out.EventLog) *Service {
	return &Service{events: events}
}

// Query validates and clamps the filter before hitting the log. An unknown
// event type is rejected rather than silently matching nothing.
func (s *Service) Query(ctx context.Context, filter *domain.EventFilter) ([]*domain.Event, error) {
	if filter == nil {
		filter = &domain.EventFilter{}
	}
	for _, t := range filter.Types {
		if !t.IsValid() {
			return nil, apperr.InvalidInput("types", string(t)+" is not an event type")
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultQueryLimit
	}
	if filter.Limit > maxQueryLimit {
		filter.Limit = maxQueryLimit
	}
	return s.events.Query(ctx, filter)
}
