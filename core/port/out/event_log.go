package out

import (
	"context"

	"triage_server/core/domain"
)

// EventLog is the append-only audit trail. Append assigns the event id and
// sequence number and returns the stored record; it never updates or
// deletes. State mutations happen before their event is appended, so a
// missing event means "work done, record lost", never the reverse.
type EventLog interface {
	Append(ctx context.Context, event *domain.Event) (*domain.Event, error)
	Query(ctx context.Context, filter *domain.EventFilter) ([]*domain.Event, error)
}
