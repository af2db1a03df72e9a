package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/pkg/crypto"
)

// SiteConfigAdapter implements out.SiteConfigRepository using PostgreSQL.
// The config blob is stored as a single jsonb column; section merging
// happens here so concurrent sub-provider writes cannot clobber each other.
type SiteConfigAdapter struct {
	db *sqlx.DB
}

func NewSiteConfigAdapter(db *sqlx.DB) *SiteConfigAdapter {
	return &SiteConfigAdapter{db: db}
}

// siteRow represents the app_site_info table row.
type siteRow struct {
	ID          int64     `db:"id"`
	UUID        uuid.UUID `db:"uuid"`
	WebhookPath string    `db:"webhook_path"`
	Config      []byte    `db:"config"`
	UsageCount  int       `db:"usage_count"`
	Enabled     bool      `db:"enabled"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *siteRow) toDomain() (*domain.SiteConfig, error) {
	site := &domain.SiteConfig{
		ID:          r.ID,
		UUID:        r.UUID,
		WebhookPath: r.WebhookPath,
		UsageCount:  r.UsageCount,
		Enabled:     r.Enabled,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &site.Config); err != nil {
			return nil, fmt.Errorf("site %d config blob is not valid JSON: %w", r.ID, err)
		}
	}
	return site, nil
}

// FindByWebhookPath resolves the site owning an inbound webhook path.
// Returns nil without error when no enabled site matches.
func (a *SiteConfigAdapter) FindByWebhookPath(ctx context.Context, path string) (*domain.SiteConfig, error) {
	var row siteRow
	err := a.db.GetContext(ctx, &row,
		`SELECT * FROM app_site_info WHERE webhook_path = $1 AND enabled = true`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (a *SiteConfigAdapter) FindByID(ctx context.Context, id int64) (*domain.SiteConfig, error) {
	var row siteRow
	err := a.db.GetContext(ctx, &row, `SELECT * FROM app_site_info WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// SaveConfig merges the incoming sections onto the stored blob inside a
// transaction, so two sub-providers saving at once cannot lose a section.
func (a *SiteConfigAdapter) SaveConfig(ctx context.Context, siteID int64, blob domain.ConfigBlob) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stored []byte
	err = tx.GetContext(ctx, &stored,
		`SELECT config FROM app_site_info WHERE id = $1 FOR UPDATE`, siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var current domain.ConfigBlob
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &current); err != nil {
			return fmt.Errorf("site %d config blob is not valid JSON: %w", siteID, err)
		}
	}

	merged := current.Merge(blob)
	if merged.RefreshToken != "" && crypto.Enabled() && !crypto.IsEncrypted(merged.RefreshToken) {
		enc, err := crypto.EncryptToken(merged.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token for site %d: %w", siteID, err)
		}
		merged.RefreshToken = enc
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE app_site_info SET config = $1, updated_at = NOW() WHERE id = $2`,
		data, siteID); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *SiteConfigAdapter) IncrementUsage(ctx context.Context, siteID int64) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE app_site_info SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1`,
		siteID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ out.SiteConfigRepository = (*SiteConfigAdapter)(nil)
