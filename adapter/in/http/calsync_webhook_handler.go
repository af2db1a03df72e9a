// Package http contains the Fiber handlers for the inbound surface.
package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"calsync_server/core/domain"
	"calsync_server/core/port/in"
	"calsync_server/infra/middleware"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"
)

const (
	DefaultIdempotencyTTL = 5 * time.Minute

	// Form-record payloads are a few KB; anything bigger is not ours.
	maxWebhookBody = 256 * 1024
)

type WebhookMetrics struct {
	Processed  int64 `json:"processed"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
	Skipped    int64 `json:"skipped"`
}

// WebhookHandler receives form-record webhooks and feeds them to the
// pipeline. Responses are intentionally thin: the source platform only
// retries on 5xx, so anything the pipeline handled gets a 2xx.
type WebhookHandler struct {
	pipeline       in.WebhookPipeline
	redis          *redis.Client
	idempotencyTTL time.Duration
	metrics        WebhookMetrics
}

func NewWebhookHandler(pipeline in.WebhookPipeline, redisClient *redis.Client, idempotencyTTL time.Duration) *WebhookHandler {
	if idempotencyTTL <= 0 {
		idempotencyTTL = DefaultIdempotencyTTL
	}
	return &WebhookHandler{
		pipeline:       pipeline,
		redis:          redisClient,
		idempotencyTTL: idempotencyTTL,
	}
}

func (h *WebhookHandler) Register(app *fiber.App) {
	bodyGuard := middleware.MaxBodySize(maxWebhookBody)
	app.Post("/webhook/:path", bodyGuard, h.Receive)
	app.Post("/api/v1/webhook/:path", bodyGuard, h.Receive)
}

func (h *WebhookHandler) GetMetrics() WebhookMetrics {
	return WebhookMetrics{
		Processed:  atomic.LoadInt64(&h.metrics.Processed),
		Duplicates: atomic.LoadInt64(&h.metrics.Duplicates),
		Errors:     atomic.LoadInt64(&h.metrics.Errors),
		Skipped:    atomic.LoadInt64(&h.metrics.Skipped),
	}
}

// Metrics exposes the intake counters to the admin API.
func (h *WebhookHandler) Metrics(c *fiber.Ctx) error {
	return SuccessResponse(c, h.GetMetrics())
}

// Receive handles one webhook delivery.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	webhookPath := c.Params("path")
	body := c.Body()

	if h.checkIdempotency(c.Context(), webhookPath, body) {
		logger.Info("duplicate delivery for path %s suppressed", webhookPath)
		return c.JSON(fiber.Map{"status": "duplicate"})
	}

	result, err := h.pipeline.Run(c.Context(), webhookPath, body)
	if err != nil {
		switch apperr.CodeOf(err) {
		case apperr.CodeSiteNotFound, apperr.CodeBadPayload:
			atomic.AddInt64(&h.metrics.Errors, 1)
			return err
		case apperr.CodeNoCorrelation:
			// A record nobody synced is not the sender's problem.
			atomic.AddInt64(&h.metrics.Skipped, 1)
			return c.JSON(resultBody(result, "skipped"))
		default:
			// Downstream failures are acknowledged so the source platform
			// does not hammer a broken site; the usage log has the details.
			atomic.AddInt64(&h.metrics.Errors, 1)
			return c.JSON(resultBody(result, "failed"))
		}
	}

	atomic.AddInt64(&h.metrics.Processed, 1)
	return c.JSON(resultBody(result, "processed"))
}

func resultBody(result *domain.PipelineResult, status string) fiber.Map {
	body := fiber.Map{"status": status}
	if result != nil {
		body["transaction_id"] = result.TransactionID
		body["state"] = result.State
		if result.AbortReason != "" {
			body["reason"] = result.AbortReason
		}
	}
	return body
}

// checkIdempotency claims a short-lived key for this (path, body) pair.
// Returns true when another delivery already claimed it.
func (h *WebhookHandler) checkIdempotency(ctx context.Context, path string, body []byte) bool {
	if h.redis == nil {
		return false
	}
	sum := sha256.Sum256(body)
	key := fmt.Sprintf("webhook:idempotent:%s:%s", path, hex.EncodeToString(sum[:8]))
	ok, err := h.redis.SetNX(ctx, key, "1", h.idempotencyTTL).Result()
	if err != nil {
		// Redis trouble must not drop deliveries.
		return false
	}
	if !ok {
		atomic.AddInt64(&h.metrics.Duplicates, 1)
		return true
	}
	return false
}
