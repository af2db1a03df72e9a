package domain

import (
	"time"

	"github.com/google/uuid"
)

// GoogleRecordsConfig is the calendar OAuth section of a site config blob.
type GoogleRecordsConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	CurrentURL   string `json:"currentUrl"`
	RedirectURI  string `json:"redirectUri"`
}

// UserRecord links a source-platform user to a Google account.
type UserRecord struct {
	Username          string `json:"username"`
	JustSfaUserID     string `json:"justSfaUserId"`
	GoogleEmail       string `json:"googleEmail"`
	Linkable          bool   `json:"linkable"`
	ValidateEmailFlag bool   `json:"validateEmailFlag"`
}

// ConfigBlob is the per-site configuration document. Each top-level section
// is owned by a different sub-provider; a write for one section must not
// clobber the others.
type ConfigBlob struct {
	GoogleRecords *GoogleRecordsConfig `json:"googleRecords,omitempty"`
	RefreshToken  string               `json:"refreshToken,omitempty"`
	UserRecords   []UserRecord         `json:"userRecord,omitempty"`
	JustSFA       map[string]string    `json:"justSfa,omitempty"`
}

// Merge overlays the sections the incoming blob carries onto b and returns
// the result. Sections absent from incoming are preserved unchanged.
func (b ConfigBlob) Merge(incoming ConfigBlob) ConfigBlob {
	merged := b
	if incoming.GoogleRecords != nil {
		merged.GoogleRecords = incoming.GoogleRecords
	}
	if incoming.RefreshToken != "" {
		merged.RefreshToken = incoming.RefreshToken
	}
	if incoming.UserRecords != nil {
		merged.UserRecords = incoming.UserRecords
	}
	if incoming.JustSFA != nil {
		merged.JustSFA = incoming.JustSFA
	}
	return merged
}

// IsEmpty reports whether the blob carries no sections at all.
func (b ConfigBlob) IsEmpty() bool {
	return b.GoogleRecords == nil && b.RefreshToken == "" &&
		b.UserRecords == nil && b.JustSFA == nil
}

// SiteConfig is one configured integration instance: one webhook path, one
// calendar OAuth link, one config blob.
type SiteConfig struct {
	ID          int64      `json:"id"`
	UUID        uuid.UUID  `json:"uuid"`
	WebhookPath string     `json:"webhook_path"` // unique, immutable once issued
	Config      ConfigBlob `json:"config"`
	UsageCount  int        `json:"usage_count"`
	Enabled     bool       `json:"enabled"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
