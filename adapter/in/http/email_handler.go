package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"triage_server/core/domain"
	in "triage_server/core/port/in"
	"triage_server/pkg/apperr"
	"triage_server/pkg/response"
)

// EmailHandler serves processed emails.
type EmailHandler struct {
	triage in.TriageService
}

func NewEmailHandler(triage in.TriageService) *EmailHandler {
	return &EmailHandler{triage: triage}
}

// Register registers email routes.
func (h *EmailHandler) Register(router fiber.Router) {
	emails := router.Group("/emails")
	emails.Get("/", h.List)
	emails.Get("/:id", h.Get)
}

// List lists processed emails with filters
// @Summary List processed emails
// @Tags Emails
// @Produce json
// @Param account_id query string false "Filter by account"
// @Param category query string false "Filter by final category"
// @Param needs_review query bool false "Filter by review flag"
// @Param sender query string false "Filter by sender address"
// @Param page query int false "Page (default 1)"
// @Param page_size query int false "Page size (default 50, max 200)"
// @Router /api/v1/emails [get]
func (h *EmailHandler) List(c *fiber.Ctx) error {
	p := response.GetPagination(c, 50, 200)

	filter := &domain.ProcessedEmailFilter{
		AccountID: c.Query("account_id"),
		Sender:    c.Query("sender"),
		Limit:     p.Limit,
		Offset:    p.Offset,
	}

	if category := c.Query("category"); category != "" {
		cat := domain.Category(category)
		if !cat.IsValid() {
			return apperr.InvalidInput("category", "unknown category")
		}
		filter.Category = cat
	}
	if needsReview := c.Query("needs_review"); needsReview != "" {
		v, err := strconv.ParseBool(needsReview)
		if err != nil {
			return apperr.InvalidInput("needs_review", "must be a boolean")
		}
		filter.NeedsReview = &v
	}

	emails, total, err := h.triage.ListEmails(c.Context(), filter)
	if err != nil {
		return err
	}

	return response.OKWithMeta(c, emails, &response.Meta{
		Total:    int(total),
		Page:     p.Page,
		PageSize: p.PageSize,
		HasMore:  int64(p.Offset+len(emails)) < total,
	})
}

// Get returns one processed email with its extracted memory objects
// @Summary Get a processed email
// @Tags Emails
// @Produce json
// @Param id path int true "Email ID"
// @Router /api/v1/emails/{id} [get]
func (h *EmailHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return apperr.InvalidInput("id", "must be an integer")
	}

	detail, err := h.triage.GetEmail(c.Context(), id)
	if err != nil {
		return err
	}

	return response.OK(c, detail)
}
