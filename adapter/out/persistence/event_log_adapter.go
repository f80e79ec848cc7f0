package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventLogAdapter is the Postgres event log. The seq column is a BIGSERIAL,
// so ordering falls out of the insert; rows are never updated or deleted.
type EventLogAdapter struct {
	db     *sqlx.DB
	mirror out.MessageProducer
}

func NewEventLogAdapter(db *sqlx.DB) *EventLogAdapter {
	return &EventLogAdapter{db: db}
}

// SetMirror enables best-effort publication of appended events onto the
// live feed stream. The Postgres row is the record; a failed mirror only
// logs.
func (a *EventLogAdapter) SetMirror(producer out.MessageProducer) {
	a.mirror = producer
}

type eventEntity struct {
	Seq              int64          `db:"seq"`
	EventID          string         `db:"event_id"`
	Type             string         `db:"event_type"`
	Timestamp        time.Time      `db:"event_ts"`
	AccountID        string         `db:"account_id"`
	EmailID          sql.NullString `db:"email_id"`
	Payload          []byte         `db:"payload"`
	ProcessingTimeMS sql.NullInt64  `db:"processing_time_ms"`
}

func (e *eventEntity) toDomain() (*domain.Event, error) {
	ev := &domain.Event{
		Seq:       e.Seq,
		EventID:   e.EventID,
		Type:      domain.EventType(e.Type),
		Timestamp: e.Timestamp,
		AccountID: e.AccountID,
	}
	if e.EmailID.Valid {
		ev.EmailID = e.EmailID.String
	}
	if e.ProcessingTimeMS.Valid {
		ev.ProcessingTimeMS = e.ProcessingTimeMS.Int64
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
	}
	return ev, nil
}

// Append inserts one event and returns it with seq and event_id filled in.
// Unknown event types are rejected before touching the database.
func (a *EventLogAdapter) Append(ctx context.Context, event *domain.Event) (*domain.Event, error) {
	if !event.Type.IsValid() {
		return nil, apperr.InvariantViolation(fmt.Sprintf("unknown event type %q", event.Type))
	}
	if event.AccountID == "" {
		return nil, apperr.MissingField("account_id")
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var payload []byte
	if event.Payload != nil {
		var err error
		payload, err = json.Marshal(event.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event payload: %w", err)
		}
	}

	query := `
		INSERT INTO events (event_id, event_type, event_ts, account_id, email_id, payload, processing_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`

	var seq int64
	err := a.db.QueryRowContext(ctx, query,
		event.EventID, string(event.Type), event.Timestamp, event.AccountID,
		nullStr(event.EmailID), payload, nullInt64(event.ProcessingTimeMS),
	).Scan(&seq)
	if err != nil {
		return nil, wrapDBError(err, "events.append")
	}

	stored := *event
	stored.Seq = seq

	if a.mirror != nil {
		if merr := a.mirror.PublishEvent(ctx, &stored); merr != nil {
			logger.Debug("[EventLogAdapter.Append] feed mirror failed for %s: %v", stored.EventID, merr)
		}
	}

	return &stored, nil
}

// Query returns events matching the filter, oldest first. After is
// exclusive; a zero After means "from the beginning".
func (a *EventLogAdapter) Query(ctx context.Context, filter *domain.EventFilter) ([]*domain.Event, error) {
	if filter == nil {
		filter = &domain.EventFilter{}
	}

	query := `
		SELECT seq, event_id, event_type, event_ts, account_id, email_id, payload, processing_time_ms
		FROM events
		WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, string(t))
			argIdx++
		}
		query += fmt.Sprintf(" AND event_type IN (%s)", strings.Join(placeholders, ","))
	}
	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}
	if filter.EmailID != "" {
		query += fmt.Sprintf(" AND email_id = $%d", argIdx)
		args = append(args, filter.EmailID)
		argIdx++
	}
	if !filter.After.IsZero() {
		query += fmt.Sprintf(" AND event_ts > $%d", argIdx)
		args = append(args, filter.After)
		argIdx++
	}

	query += " ORDER BY seq ASC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	var entities []eventEntity
	if err := a.db.SelectContext(ctx, &entities, query, args...); err != nil {
		return nil, wrapDBError(err, "events.query")
	}

	events := make([]*domain.Event, 0, len(entities))
	for i := range entities {
		ev, err := entities[i].toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
