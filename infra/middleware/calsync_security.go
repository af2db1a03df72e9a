package middleware

import (
	"github.com/gofiber/fiber/v2"

	"calsync_server/pkg/apperr"
)

// SecurityHeaders adds security headers to all responses
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		return c.Next()
	}
}

// MaxBodySize rejects oversized request bodies before they reach a handler.
func MaxBodySize(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) > maxBytes {
			return apperr.New(apperr.CodeBadRequest, "request body too large", fiber.StatusRequestEntityTooLarge)
		}
		return c.Next()
	}
}
