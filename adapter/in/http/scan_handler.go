package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	in "triage_server/core/port/in"
	"triage_server/pkg/apperr"
	"triage_server/pkg/response"
)

// ScanHandler controls historical mailbox scans. Starting a scan returns
// 202: batches run on the worker, the handler only records intent.
type ScanHandler struct {
	scans in.ScanService
}

func NewScanHandler(scans in.ScanService) *ScanHandler {
	return &ScanHandler{scans: scans}
}

// Register registers scan routes.
func (h *ScanHandler) Register(router fiber.Router) {
	scans := router.Group("/scans")
	scans.Post("/", h.Start)
	scans.Get("/:id", h.Get)
	scans.Post("/:id/pause", h.Pause)
	scans.Post("/:id/resume", h.Resume)
	scans.Post("/:id/cancel", h.Cancel)
}

// Start begins a historical scan
// POST /api/v1/scans
func (h *ScanHandler) Start(c *fiber.Ctx) error {
	var req in.StartScanRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}

	state, err := h.scans.Start(c.Context(), &req)
	if err != nil {
		return err
	}

	return response.Accepted(c, state)
}

// Get returns scan progress including the rolling-window ETA
// GET /api/v1/scans/:id
func (h *ScanHandler) Get(c *fiber.Ctx) error {
	id, err := parseScanID(c)
	if err != nil {
		return err
	}

	view, err := h.scans.Get(c.Context(), id)
	if err != nil {
		return err
	}

	return response.OK(c, view)
}

// Pause stops the scan at the next batch boundary
// POST /api/v1/scans/:id/pause
func (h *ScanHandler) Pause(c *fiber.Ctx) error {
	id, err := parseScanID(c)
	if err != nil {
		return err
	}

	state, err := h.scans.Pause(c.Context(), id)
	if err != nil {
		return err
	}

	return response.OK(c, state)
}

// Resume continues a paused scan from its cursor
// POST /api/v1/scans/:id/resume
func (h *ScanHandler) Resume(c *fiber.Ctx) error {
	id, err := parseScanID(c)
	if err != nil {
		return err
	}

	state, err := h.scans.Resume(c.Context(), id)
	if err != nil {
		return err
	}

	return response.OK(c, state)
}

// Cancel terminates the scan permanently
// POST /api/v1/scans/:id/cancel
func (h *ScanHandler) Cancel(c *fiber.Ctx) error {
	id, err := parseScanID(c)
	if err != nil {
		return err
	}

	state, err := h.scans.Cancel(c.Context(), id)
	if err != nil {
		return err
	}

	return response.OK(c, state)
}

func parseScanID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, apperr.InvalidInput("id", "must be an integer")
	}
	return id, nil
}
