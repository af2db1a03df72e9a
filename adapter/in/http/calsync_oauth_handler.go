package http

import (
	"github.com/gofiber/fiber/v2"

	"calsync_server/core/port/in"
	"calsync_server/core/service/normalize"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"
)

// OAuthHandler serves the browser-facing linking endpoints: the consent
// callback plus the setup-form posts that populate a site's config blob.
type OAuthHandler struct {
	links in.OAuthLinkService
}

func NewOAuthHandler(links in.OAuthLinkService) *OAuthHandler {
	return &OAuthHandler{links: links}
}

func (h *OAuthHandler) Register(app *fiber.App) {
	app.Get("/google/oauth2/callback", h.Callback)
	app.Post("/google/validate-email", h.ValidateEmail)
	app.Post("/google/sfa/validate", h.ValidateSourcePlatform)
	app.Post("/google/add-user", h.AddUserRecords)
}

// Callback finishes the consent flow and sends the browser back where it
// came from. Failures still redirect; the flag in the query tells the
// setup page what happened.
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" {
		return apperr.BadPayload("state parameter is missing")
	}

	redirect, err := h.links.HandleCallback(c.Context(), state, code)
	if err != nil {
		logger.WithError(err).Warn("oauth callback failed")
		if redirect == "" {
			return err
		}
	}
	return c.Redirect(redirect, fiber.StatusFound)
}

// ValidateEmail probes whether the linked token can reach the calendar of
// the given address.
func (h *OAuthHandler) ValidateEmail(c *fiber.Ctx) error {
	siteID, err := siteIDQuery(c)
	if err != nil {
		return err
	}

	var req struct {
		Email string `json:"email"`
	}
	if err := c.BodyParser(&req); err != nil || req.Email == "" {
		return apperr.BadPayload("email is missing")
	}

	ok, err := h.links.ValidateEmail(c.Context(), siteID, req.Email)
	if err != nil {
		return err
	}
	return SuccessResponse(c, fiber.Map{"email": req.Email, "valid": ok})
}

// ValidateSourcePlatform validates and stores the justSfa settings.
func (h *OAuthHandler) ValidateSourcePlatform(c *fiber.Ctx) error {
	siteID, err := siteIDQuery(c)
	if err != nil {
		return err
	}

	settings, err := normalize.ParseSourcePlatformSettings(c.Body())
	if err != nil {
		return err
	}

	ok, err := h.links.StoreSourcePlatformSettings(c.Context(), siteID, settings)
	if err != nil {
		return err
	}
	return SuccessResponse(c, fiber.Map{"valid": ok})
}

// AddUserRecords merges the posted user-link records into the site blob.
func (h *OAuthHandler) AddUserRecords(c *fiber.Ctx) error {
	siteID, err := siteIDQuery(c)
	if err != nil {
		return err
	}

	records, err := normalize.ParseUserRecords(c.Body())
	if err != nil {
		return err
	}

	if err := h.links.StoreUserRecords(c.Context(), siteID, records); err != nil {
		return err
	}
	return SuccessResponse(c, fiber.Map{"stored": len(records)})
}

func siteIDQuery(c *fiber.Ctx) (int64, error) {
	siteID := int64(c.QueryInt("siteId", 0))
	if siteID <= 0 {
		return 0, apperr.BadRequest("siteId query parameter is required")
	}
	return siteID, nil
}
