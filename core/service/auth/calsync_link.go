package auth

import (
	"context"
	"fmt"
	"net/url"

	"calsync_server/core/domain"
	"calsync_server/core/port/in"
	"calsync_server/core/port/out"
	"calsync_server/core/service/normalize"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"
)

// LinkService implements in.OAuthLinkService. It owns the one-time consent
// flow and all writes into a site's config blob.
type LinkService struct {
	sites    out.SiteConfigRepository
	tokens   out.TokenPort
	calendar out.CalendarProviderPort
	platform out.SourcePlatformPort
}

func NewLinkService(
	sites out.SiteConfigRepository,
	tokens out.TokenPort,
	calendar out.CalendarProviderPort,
	platform out.SourcePlatformPort,
) *LinkService {
	return &LinkService{
		sites:    sites,
		tokens:   tokens,
		calendar: calendar,
		platform: platform,
	}
}

// HandleCallback exchanges the authorization code and persists the
// googleRecords section plus the refresh token. The returned URL sends the
// user back to the page that started the flow, with a success flag the
// page can read.
func (s *LinkService) HandleCallback(ctx context.Context, state, code string) (string, error) {
	st, err := normalize.ParseOAuthState(state)
	if err != nil {
		return "", err
	}
	if st.CurrentURL == "" {
		return "", apperr.BadPayload("oauth state carries no return URL")
	}
	if code == "" {
		return redirectURL(st.CurrentURL, false), apperr.BadPayload("authorization code is missing")
	}

	token, err := s.tokens.ExchangeCode(ctx, st.ClientID, st.ClientSecret, code, st.RedirectURI)
	if err != nil {
		logger.WithError(err).Error("authorization code exchange failed")
		return redirectURL(st.CurrentURL, false), err
	}

	blob := domain.ConfigBlob{
		GoogleRecords: &domain.GoogleRecordsConfig{
			ClientID:     st.ClientID,
			ClientSecret: st.ClientSecret,
			CurrentURL:   st.CurrentURL,
			RedirectURI:  st.RedirectURI,
		},
	}
	// Google returns the refresh token only on first consent; a re-consent
	// without one must not erase the stored token.
	if token.RefreshToken != "" {
		blob.RefreshToken = token.RefreshToken
	}

	if err := s.sites.SaveConfig(ctx, st.SiteID, blob); err != nil {
		logger.WithError(err).Error("failed to persist oauth link for site %d", st.SiteID)
		return redirectURL(st.CurrentURL, false), apperr.Database(err)
	}

	logger.Info("calendar linked for site %d", st.SiteID)
	return redirectURL(st.CurrentURL, true), nil
}

// StoreUserRecords merges the userRecord section for a site.
func (s *LinkService) StoreUserRecords(ctx context.Context, siteID int64, records []domain.UserRecord) error {
	if len(records) == 0 {
		return apperr.BadPayload("user record list is empty")
	}
	return s.sites.SaveConfig(ctx, siteID, domain.ConfigBlob{UserRecords: records})
}

// StoreSourcePlatformSettings validates the submitted settings against the
// source platform and merges them only when the probe succeeds.
func (s *LinkService) StoreSourcePlatformSettings(ctx context.Context, siteID int64, settings map[string]string) (bool, error) {
	valid, err := s.platform.ValidateSettings(ctx, settings)
	if err != nil {
		return false, err
	}
	if !valid {
		return false, nil
	}
	if err := s.sites.SaveConfig(ctx, siteID, domain.ConfigBlob{JustSFA: settings}); err != nil {
		return false, apperr.Database(err)
	}
	return true, nil
}

// ValidateEmail probes calendar access for the given address and records
// the outcome on the matching user record.
func (s *LinkService) ValidateEmail(ctx context.Context, siteID int64, email string) (bool, error) {
	site, err := s.sites.FindByID(ctx, siteID)
	if err != nil {
		return false, apperr.Database(err)
	}
	if site == nil {
		return false, apperr.NotFound("site")
	}

	creds, err := ResolveGoogleCredentials(site.Config)
	if err != nil {
		return false, err
	}
	token, err := s.tokens.Refresh(ctx, site.ID, creds)
	if err != nil {
		return false, err
	}

	ok, err := s.calendar.CheckAccess(ctx, token.AccessToken, email)
	if err != nil {
		return false, err
	}

	if updated := markValidated(site.Config.UserRecords, email, ok); updated != nil {
		if err := s.sites.SaveConfig(ctx, siteID, domain.ConfigBlob{UserRecords: updated}); err != nil {
			logger.WithError(err).Warn("failed to record email validation for site %d", siteID)
		}
	}
	return ok, nil
}

// markValidated flips the validation flag on the matching record and
// returns the updated slice, or nil when no record matches.
func markValidated(records []domain.UserRecord, email string, ok bool) []domain.UserRecord {
	matched := false
	updated := make([]domain.UserRecord, len(records))
	for i, r := range records {
		if r.GoogleEmail == email {
			r.ValidateEmailFlag = ok
			matched = true
		}
		updated[i] = r
	}
	if !matched {
		return nil
	}
	return updated
}

func redirectURL(currentURL string, success bool) string {
	u, err := url.Parse(currentURL)
	if err != nil {
		return fmt.Sprintf("%s?success=%t", currentURL, success)
	}
	q := u.Query()
	q.Set("success", fmt.Sprintf("%t", success))
	u.RawQuery = q.Encode()
	return u.String()
}

var _ in.OAuthLinkService = (*LinkService)(nil)
