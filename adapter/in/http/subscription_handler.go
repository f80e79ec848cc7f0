package http

import (
	"github.com/gofiber/fiber/v2"

	in "triage_server/core/port/in"
	"triage_server/pkg/apperr"
	"triage_server/pkg/response"
)

// SubscriptionHandler manages provider push watches. Renew doubles as the
// initial registration: the provider treats both as the same call.
type SubscriptionHandler struct {
	subs in.SubscriptionService
}

func NewSubscriptionHandler(subs in.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs}
}

// Register registers subscription routes.
func (h *SubscriptionHandler) Register(router fiber.Router) {
	subs := router.Group("/subscriptions")
	subs.Post("/:account_id/renew", h.Renew)
}

// Renew re-registers the push watch for an account
// POST /api/v1/subscriptions/:account_id/renew
func (h *SubscriptionHandler) Renew(c *fiber.Ctx) error {
	accountID := c.Params("account_id")
	if accountID == "" {
		return apperr.MissingField("account_id")
	}

	sub, err := h.subs.Renew(c.Context(), accountID)
	if err != nil {
		return err
	}

	return response.OK(c, sub)
}
