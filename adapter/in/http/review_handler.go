package http

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"triage_server/core/domain"
	in "triage_server/core/port/in"
	"triage_server/pkg/apperr"
	"triage_server/pkg/response"
)

const (
	defaultRelatedLimit = 5
	maxRelatedLimit     = 20
)

// reviewDecisionRequest is the optional body for approve/reject and the
// required body for modify.
type reviewDecisionRequest struct {
	CorrectedCategory string `json:"corrected_category,omitempty"`
	FeedbackText      string `json:"feedback_text,omitempty"`
}

// ReviewHandler serves the human-in-the-loop queue.
type ReviewHandler struct {
	review in.ReviewService
}

func NewReviewHandler(review in.ReviewService) *ReviewHandler {
	return &ReviewHandler{review: review}
}

// Register registers review queue routes.
func (h *ReviewHandler) Register(router fiber.Router) {
	review := router.Group("/review")
	review.Get("/", h.List)
	review.Get("/:id", h.Get)
	review.Get("/:id/related", h.Related)
	review.Post("/:id/approve", h.Approve)
	review.Post("/:id/reject", h.Reject)
	review.Post("/:id/modify", h.Modify)
}

// List lists review queue items
// @Summary List review queue items
// @Tags Review
// @Produce json
// @Param status query string false "Filter by status (default pending)"
// @Param account_id query string false "Filter by account"
// @Param max_age_hours query int false "Only items newer than this"
// @Param page query int false "Page (default 1)"
// @Param page_size query int false "Page size (default 50, max 200)"
// @Router /api/v1/review [get]
func (h *ReviewHandler) List(c *fiber.Ctx) error {
	p := response.GetPagination(c, 50, 200)

	filter := &domain.ReviewFilter{
		AccountID: c.Query("account_id"),
		Status:    domain.ReviewPending,
		Limit:     p.Limit,
		Offset:    p.Offset,
	}

	if status := c.Query("status"); status != "" {
		s := domain.ReviewStatus(status)
		if s != domain.ReviewPending && !s.IsTerminal() {
			return apperr.InvalidInput("status", "unknown review status")
		}
		filter.Status = s
	}
	if maxAge := c.QueryInt("max_age_hours", 0); maxAge > 0 {
		filter.MaxAge = time.Duration(maxAge) * time.Hour
	}

	items, total, err := h.review.List(c.Context(), filter)
	if err != nil {
		return err
	}

	return response.OKWithMeta(c, items, &response.Meta{
		Total:    int(total),
		Page:     p.Page,
		PageSize: p.PageSize,
		HasMore:  int64(p.Offset+len(items)) < total,
	})
}

// Get returns one review item
// @Summary Get a review item
// @Tags Review
// @Produce json
// @Param id path int true "Review item ID"
// @Router /api/v1/review/{id} [get]
func (h *ReviewHandler) Get(c *fiber.Ctx) error {
	id, err := parseReviewID(c)
	if err != nil {
		return err
	}

	item, err := h.review.Get(c.Context(), id)
	if err != nil {
		return err
	}

	return response.OK(c, item)
}

// Related returns vector-similar previously processed emails, for reviewer
// context. An empty list is normal when the vector store is down or the
// item has no neighbors yet.
// GET /api/v1/review/:id/related?limit=5
func (h *ReviewHandler) Related(c *fiber.Ctx) error {
	id, err := parseReviewID(c)
	if err != nil {
		return err
	}

	limit := c.QueryInt("limit", defaultRelatedLimit)
	if limit < 1 {
		limit = defaultRelatedLimit
	}
	if limit > maxRelatedLimit {
		limit = maxRelatedLimit
	}

	related, err := h.review.Related(c.Context(), id, limit)
	if err != nil {
		return err
	}

	return response.OKWithMeta(c, related, &response.Meta{Total: len(related)})
}

// Approve accepts the suggested category
// @Summary Approve a review item
// @Tags Review
// @Accept json
// @Produce json
// @Param id path int true "Review item ID"
// @Router /api/v1/review/{id}/approve [post]
func (h *ReviewHandler) Approve(c *fiber.Ctx) error {
	id, err := parseReviewID(c)
	if err != nil {
		return err
	}

	req, err := parseDecisionBody(c)
	if err != nil {
		return err
	}

	item, err := h.review.Approve(c.Context(), id, req.FeedbackText)
	if err != nil {
		return err
	}

	return response.OK(c, item)
}

// Reject marks the suggestion wrong without supplying a correction
// @Summary Reject a review item
// @Tags Review
// @Accept json
// @Produce json
// @Param id path int true "Review item ID"
// @Router /api/v1/review/{id}/reject [post]
func (h *ReviewHandler) Reject(c *fiber.Ctx) error {
	id, err := parseReviewID(c)
	if err != nil {
		return err
	}

	req, err := parseDecisionBody(c)
	if err != nil {
		return err
	}

	item, err := h.review.Reject(c.Context(), id, req.FeedbackText)
	if err != nil {
		return err
	}

	return response.OK(c, item)
}

// Modify replaces the suggested category with the reviewer's correction
// @Summary Correct a review item's category
// @Tags Review
// @Accept json
// @Produce json
// @Param id path int true "Review item ID"
// @Router /api/v1/review/{id}/modify [post]
func (h *ReviewHandler) Modify(c *fiber.Ctx) error {
	id, err := parseReviewID(c)
	if err != nil {
		return err
	}

	var req reviewDecisionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.CorrectedCategory == "" {
		return apperr.MissingField("corrected_category")
	}
	corrected := domain.Category(req.CorrectedCategory)
	if !corrected.IsValid() {
		return apperr.InvalidInput("corrected_category", "unknown category")
	}

	item, err := h.review.Modify(c.Context(), id, corrected, req.FeedbackText)
	if err != nil {
		return err
	}

	return response.OK(c, item)
}

func parseReviewID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, apperr.InvalidInput("id", "must be an integer")
	}
	return id, nil
}

// parseDecisionBody tolerates an empty body: approve and reject carry
// feedback only optionally.
func parseDecisionBody(c *fiber.Ctx) (*reviewDecisionRequest, error) {
	var req reviewDecisionRequest
	if len(c.Body()) == 0 {
		return &req, nil
	}
	if err := c.BodyParser(&req); err != nil {
		return nil, apperr.BadRequest("invalid request body")
	}
	return &req, nil
}
