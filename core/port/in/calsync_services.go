// Package in defines inbound ports (driving ports) for the application.
package in

import (
	"context"

	"calsync_server/core/domain"
)

// WebhookPipeline processes one inbound webhook end to end.
type WebhookPipeline interface {
	Run(ctx context.Context, webhookPath string, body []byte) (*domain.PipelineResult, error)
}

// OAuthLinkService handles the one-time OAuth consent callback and the
// per-site configuration writes that follow it.
type OAuthLinkService interface {
	// HandleCallback exchanges the code and merges googleRecords plus the
	// refresh token into the site blob. Returns the URL to redirect to.
	HandleCallback(ctx context.Context, state, code string) (string, error)

	// StoreUserRecords merges the userRecord section for a site.
	StoreUserRecords(ctx context.Context, siteID int64, records []domain.UserRecord) error

	// StoreSourcePlatformSettings validates and merges the justSfa section.
	StoreSourcePlatformSettings(ctx context.Context, siteID int64, settings map[string]string) (bool, error)

	// ValidateEmail probes calendar access for a linked Google account.
	ValidateEmail(ctx context.Context, siteID int64, email string) (bool, error)
}
