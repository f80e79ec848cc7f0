package http

import (
	"encoding/base64"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"triage_server/core/domain"
	in "triage_server/core/port/in"
	"triage_server/pkg/logger"
)

// PubSubEnvelope is the Pub/Sub push delivery wrapper. Data carries the
// base64-encoded provider notification.
type PubSubEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushPayload is the decoded Gmail notification inside the envelope.
type pushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// PushHandler terminates provider push deliveries. Malformed envelopes are
// acked with 200: Pub/Sub retries non-2xx responses forever, and a payload
// that does not parse will never parse. Downstream failures return 5xx so
// the delivery is retried.
type PushHandler struct {
	ingest in.PushIngestService
}

func NewPushHandler(ingest in.PushIngestService) *PushHandler {
	return &PushHandler{ingest: ingest}
}

// Register mounts the webhook. verify is the OIDC bearer check; nil skips
// verification (local development).
func (h *PushHandler) Register(app *fiber.App, verify fiber.Handler) {
	if verify != nil {
		app.Post("/webhooks/push", verify, h.HandlePush)
		return
	}
	app.Post("/webhooks/push", h.HandlePush)
}

func (h *PushHandler) HandlePush(c *fiber.Ctx) error {
	var envelope PubSubEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		logger.WithError(err).Warn("[PushHandler] Failed to parse envelope")
		return c.SendStatus(fiber.StatusOK)
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		logger.WithError(err).Warn("[PushHandler] Failed to decode data")
		return c.SendStatus(fiber.StatusOK)
	}

	var payload pushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.WithError(err).Warn("[PushHandler] Failed to unmarshal data")
		return c.SendStatus(fiber.StatusOK)
	}
	if payload.EmailAddress == "" || payload.HistoryID == 0 {
		logger.Warn("[PushHandler] Incomplete notification: email=%q, historyId=%d",
			payload.EmailAddress, payload.HistoryID)
		return c.SendStatus(fiber.StatusOK)
	}

	publishedAt, err := time.Parse(time.RFC3339Nano, envelope.Message.PublishTime)
	if err != nil {
		publishedAt = time.Now()
	}

	logger.Debug("[PushHandler] Received: email=%s, historyId=%d",
		payload.EmailAddress, payload.HistoryID)

	if err := h.ingest.HandleNotification(c.Context(), &domain.PushNotification{
		NotificationID: envelope.Message.MessageID,
		EmailAddress:   payload.EmailAddress,
		HistoryID:      payload.HistoryID,
		PublishedAt:    publishedAt,
	}); err != nil {
		return err
	}

	return c.SendStatus(fiber.StatusOK)
}
