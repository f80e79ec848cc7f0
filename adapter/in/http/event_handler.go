package http

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"triage_server/core/domain"
	in "triage_server/core/port/in"
	"triage_server/pkg/apperr"
	"triage_server/pkg/response"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// EventHandler serves the audit log.
type EventHandler struct {
	events in.EventService
}

func NewEventHandler(events in.EventService) *EventHandler {
	return &EventHandler{events: events}
}

// Register registers event routes.
func (h *EventHandler) Register(router fiber.Router) {
	router.Get("/events", h.List)
}

// List queries the audit log. type accepts a comma-separated list; after
// is exclusive RFC3339.
// GET /api/v1/events?type&account_id&email_id&after&limit
func (h *EventHandler) List(c *fiber.Ctx) error {
	filter := &domain.EventFilter{
		AccountID: c.Query("account_id"),
		EmailID:   c.Query("email_id"),
		Limit:     c.QueryInt("limit", defaultEventLimit),
	}
	if filter.Limit < 1 {
		filter.Limit = defaultEventLimit
	}
	if filter.Limit > maxEventLimit {
		filter.Limit = maxEventLimit
	}

	if types := c.Query("type"); types != "" {
		for _, raw := range strings.Split(types, ",") {
			t := domain.EventType(strings.TrimSpace(raw))
			if !t.IsValid() {
				return apperr.InvalidInput("type", "unknown event type: "+string(t))
			}
			filter.Types = append(filter.Types, t)
		}
	}
	if after := c.Query("after"); after != "" {
		ts, err := time.Parse(time.RFC3339, after)
		if err != nil {
			return apperr.InvalidInput("after", "must be RFC3339")
		}
		filter.After = ts
	}

	events, err := h.events.Query(c.Context(), filter)
	if err != nil {
		return err
	}

	return response.OKWithMeta(c, events, &response.Meta{Total: len(events)})
}
