package http

import (
	"github.com/gofiber/fiber/v2"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/pkg/apperr"
)

// SiteHandler serves the JWT-guarded admin API for inspecting and
// configuring sites.
type SiteHandler struct {
	sites out.SiteConfigRepository
	corrs out.CorrelationRepository
	usage out.UsageLogSink
}

func NewSiteHandler(sites out.SiteConfigRepository, corrs out.CorrelationRepository, usage out.UsageLogSink) *SiteHandler {
	return &SiteHandler{
		sites: sites,
		corrs: corrs,
		usage: usage,
	}
}

func (h *SiteHandler) Register(router fiber.Router) {
	sites := router.Group("/sites")
	sites.Get("/:id", h.GetSite)
	sites.Get("/:id/config", h.GetConfig)
	sites.Put("/:id/config", h.SaveConfig)
	sites.Get("/:id/correlations", h.ListCorrelations)
	sites.Get("/:id/logs", h.ListLogs)
}

func (h *SiteHandler) GetSite(c *fiber.Ctx) error {
	siteID, err := siteIDParam(c)
	if err != nil {
		return err
	}
	site, err := h.sites.FindByID(c.Context(), siteID)
	if err != nil {
		return apperr.NotFound("site").WithError(err)
	}
	// The admin view never exposes secrets.
	return SuccessResponse(c, fiber.Map{
		"id":           site.ID,
		"uuid":         site.UUID,
		"webhook_path": site.WebhookPath,
		"usage_count":  site.UsageCount,
		"enabled":      site.Enabled,
		"active":       site.Active,
		"created_at":   site.CreatedAt,
		"updated_at":   site.UpdatedAt,
	})
}

func (h *SiteHandler) GetConfig(c *fiber.Ctx) error {
	siteID, err := siteIDParam(c)
	if err != nil {
		return err
	}
	site, err := h.sites.FindByID(c.Context(), siteID)
	if err != nil {
		return apperr.NotFound("site").WithError(err)
	}
	return SuccessResponse(c, redactConfig(site.Config))
}

// SaveConfig merges the posted sections into the stored blob. Absent
// sections stay untouched.
func (h *SiteHandler) SaveConfig(c *fiber.Ctx) error {
	siteID, err := siteIDParam(c)
	if err != nil {
		return err
	}

	var blob domain.ConfigBlob
	if err := c.BodyParser(&blob); err != nil {
		return apperr.BadPayload("config blob is not valid JSON").WithError(err)
	}
	if blob.IsEmpty() {
		return apperr.BadPayload("config blob carries no sections")
	}

	if err := h.sites.SaveConfig(c.Context(), siteID, blob); err != nil {
		return apperr.Database(err)
	}
	return SuccessResponse(c, fiber.Map{"saved": true})
}

func (h *SiteHandler) ListCorrelations(c *fiber.Ctx) error {
	siteID, err := siteIDParam(c)
	if err != nil {
		return err
	}
	corrs, err := h.corrs.ListBySite(c.Context(), siteID, limitQuery(c, 50))
	if err != nil {
		return apperr.Database(err)
	}
	return SuccessResponse(c, fiber.Map{"correlations": corrs, "total": len(corrs)})
}

func (h *SiteHandler) ListLogs(c *fiber.Ctx) error {
	siteID, err := siteIDParam(c)
	if err != nil {
		return err
	}
	if h.usage == nil {
		return apperr.New(apperr.CodeConfigError, "usage log sink is not configured", fiber.StatusServiceUnavailable)
	}
	entries, err := h.usage.ListBySite(c.Context(), siteID, limitQuery(c, 100))
	if err != nil {
		return apperr.Database(err)
	}
	return SuccessResponse(c, fiber.Map{"logs": entries, "total": len(entries)})
}

// redactConfig blanks credential material before it leaves the server.
func redactConfig(blob domain.ConfigBlob) domain.ConfigBlob {
	if blob.GoogleRecords != nil {
		gr := *blob.GoogleRecords
		if gr.ClientSecret != "" {
			gr.ClientSecret = "[redacted]"
		}
		blob.GoogleRecords = &gr
	}
	if blob.RefreshToken != "" {
		blob.RefreshToken = "[redacted]"
	}
	return blob
}
