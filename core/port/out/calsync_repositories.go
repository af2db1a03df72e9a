package out

import (
	"context"

	"calsync_server/core/domain"
)

// SiteConfigRepository persists tenant-site configuration.
type SiteConfigRepository interface {
	FindByWebhookPath(ctx context.Context, path string) (*domain.SiteConfig, error)
	FindByID(ctx context.Context, id int64) (*domain.SiteConfig, error)

	// SaveConfig merges the given blob into the site's stored blob
	// section-wise and persists the result.
	SaveConfig(ctx context.Context, siteID int64, blob domain.ConfigBlob) error

	IncrementUsage(ctx context.Context, siteID int64) error
}

// CorrelationRepository persists record-to-event correlations.
type CorrelationRepository interface {
	// FindActive returns the single active correlation for the pair, or
	// nil when none exists.
	FindActive(ctx context.Context, recordID, siteID int64) (*domain.RecordCorrelation, error)

	// UpsertOnAdd creates the correlation after a successful ADD dispatch,
	// or replaces the event ids and received payload on the existing
	// active row when the same record is delivered again.
	UpsertOnAdd(ctx context.Context, corr *domain.RecordCorrelation) (*domain.RecordCorrelation, error)

	// AppendSentPayload appends to the sent-payload audit envelope without
	// touching the rest of the row.
	AppendSentPayload(ctx context.Context, corrID int64, entry domain.PayloadEntry) error

	// Deactivate soft-deletes the correlation once its calendar events
	// have been removed.
	Deactivate(ctx context.Context, corrID int64) error

	ListBySite(ctx context.Context, siteID int64, limit int) ([]*domain.RecordCorrelation, error)
}

// UsageLogSink records pipeline invocations; write-only from the core's
// perspective and best-effort (a sink failure never fails the pipeline).
type UsageLogSink interface {
	Write(ctx context.Context, entry *domain.UsageLogEntry) error
	ListBySite(ctx context.Context, siteID int64, limit int) ([]*domain.UsageLogEntry, error)
}

// SourcePlatformPort validates source-platform (JustSFA) settings.
type SourcePlatformPort interface {
	ValidateSettings(ctx context.Context, settings map[string]string) (bool, error)
}
