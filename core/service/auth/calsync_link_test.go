package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"testing"

	"calsync_server/core/domain"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: logger.LevelFatal, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeSites struct {
	site  *domain.SiteConfig
	saved []domain.ConfigBlob
	fail  bool
}

func (f *fakeSites) FindByWebhookPath(ctx context.Context, path string) (*domain.SiteConfig, error) {
	return f.site, nil
}

func (f *fakeSites) FindByID(ctx context.Context, id int64) (*domain.SiteConfig, error) {
	return f.site, nil
}

func (f *fakeSites) SaveConfig(ctx context.Context, siteID int64, blob domain.ConfigBlob) error {
	if f.fail {
		return errors.New("write failed")
	}
	f.saved = append(f.saved, blob)
	return nil
}

func (f *fakeSites) IncrementUsage(ctx context.Context, siteID int64) error { return nil }

type fakeTokenPort struct {
	refreshToken string
	exchangeErr  error
	refreshErr   error
}

func (f *fakeTokenPort) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*domain.OAuthToken, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &domain.OAuthToken{AccessToken: "at-1", RefreshToken: f.refreshToken}, nil
}

func (f *fakeTokenPort) Refresh(ctx context.Context, siteID int64, creds domain.GoogleCredentials) (*domain.OAuthToken, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &domain.OAuthToken{AccessToken: "at-1"}, nil
}

type fakeCalendarPort struct {
	access map[string]bool
}

func (f *fakeCalendarPort) CreateEvent(ctx context.Context, accessToken, calendarID string, draft *domain.EventDraft, attendee string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeCalendarPort) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, draft *domain.EventDraft) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeCalendarPort) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	return errors.New("not used")
}

func (f *fakeCalendarPort) CheckAccess(ctx context.Context, accessToken, email string) (bool, error) {
	return f.access[email], nil
}

type fakePlatform struct {
	valid bool
	err   error
}

func (f *fakePlatform) ValidateSettings(ctx context.Context, settings map[string]string) (bool, error) {
	return f.valid, f.err
}

func stateJSON(siteID int64) string {
	return fmt.Sprintf(`{"currentUrl":"https://builder.example.com/edit?page=3","clientId":"cid","clientSecret":"sec","redirectUri":"https://svc.example.com/google/oauth2/callback","siteId":%d}`, siteID)
}

func TestHandleCallbackPersistsLinkAndRedirects(t *testing.T) {
	sites := &fakeSites{}
	tokens := &fakeTokenPort{refreshToken: "rt-new"}
	svc := NewLinkService(sites, tokens, &fakeCalendarPort{}, &fakePlatform{})

	redirect, err := svc.HandleCallback(context.Background(), stateJSON(7), "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	u, perr := url.Parse(redirect)
	if perr != nil {
		t.Fatalf("parse redirect: %v", perr)
	}
	if u.Query().Get("success") != "true" {
		t.Errorf("redirect %q lacks success=true", redirect)
	}
	if u.Query().Get("page") != "3" {
		t.Errorf("redirect %q dropped the original query", redirect)
	}

	if len(sites.saved) != 1 {
		t.Fatalf("saved %d blobs, want 1", len(sites.saved))
	}
	blob := sites.saved[0]
	if blob.GoogleRecords == nil || blob.GoogleRecords.ClientID != "cid" {
		t.Errorf("googleRecords not persisted: %+v", blob.GoogleRecords)
	}
	if blob.RefreshToken != "rt-new" {
		t.Errorf("refresh token = %q, want rt-new", blob.RefreshToken)
	}
}

func TestHandleCallbackReconsentKeepsStoredRefreshToken(t *testing.T) {
	sites := &fakeSites{}
	// Google omits the refresh token on re-consent.
	tokens := &fakeTokenPort{refreshToken: ""}
	svc := NewLinkService(sites, tokens, &fakeCalendarPort{}, &fakePlatform{})

	if _, err := svc.HandleCallback(context.Background(), stateJSON(7), "auth-code"); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if sites.saved[0].RefreshToken != "" {
		t.Errorf("re-consent wrote refresh token %q, want empty section (stored token preserved by Merge)", sites.saved[0].RefreshToken)
	}
}

func TestHandleCallbackWithoutCodeRedirectsWithFailure(t *testing.T) {
	sites := &fakeSites{}
	svc := NewLinkService(sites, &fakeTokenPort{}, &fakeCalendarPort{}, &fakePlatform{})

	redirect, err := svc.HandleCallback(context.Background(), stateJSON(7), "")
	if err == nil {
		t.Fatal("expected an error for a missing code")
	}
	if apperr.CodeOf(err) != apperr.CodeBadPayload {
		t.Errorf("code = %s, want BAD_PAYLOAD", apperr.CodeOf(err))
	}
	if !strings.Contains(redirect, "success=false") {
		t.Errorf("redirect %q should carry success=false", redirect)
	}
	if len(sites.saved) != 0 {
		t.Errorf("nothing should be persisted, saved %d blobs", len(sites.saved))
	}
}

func TestHandleCallbackExchangeFailureRedirectsWithFailure(t *testing.T) {
	sites := &fakeSites{}
	tokens := &fakeTokenPort{exchangeErr: apperr.TokenGeneration(errors.New("boom"))}
	svc := NewLinkService(sites, tokens, &fakeCalendarPort{}, &fakePlatform{})

	redirect, err := svc.HandleCallback(context.Background(), stateJSON(7), "auth-code")
	if err == nil {
		t.Fatal("expected the exchange error to surface")
	}
	if !strings.Contains(redirect, "success=false") {
		t.Errorf("redirect %q should carry success=false", redirect)
	}
}

func TestStoreUserRecordsRejectsEmptyList(t *testing.T) {
	svc := NewLinkService(&fakeSites{}, &fakeTokenPort{}, &fakeCalendarPort{}, &fakePlatform{})
	err := svc.StoreUserRecords(context.Background(), 7, nil)
	if apperr.CodeOf(err) != apperr.CodeBadPayload {
		t.Errorf("code = %s, want BAD_PAYLOAD", apperr.CodeOf(err))
	}
}

func TestStoreSourcePlatformSettingsMergesOnlyWhenValid(t *testing.T) {
	sites := &fakeSites{}
	svc := NewLinkService(sites, &fakeTokenPort{}, &fakeCalendarPort{}, &fakePlatform{valid: false})

	ok, err := svc.StoreSourcePlatformSettings(context.Background(), 7, map[string]string{"tenant": "acme"})
	if err != nil {
		t.Fatalf("StoreSourcePlatformSettings: %v", err)
	}
	if ok {
		t.Error("invalid settings reported as stored")
	}
	if len(sites.saved) != 0 {
		t.Errorf("invalid settings were persisted: %+v", sites.saved)
	}
}

func TestValidateEmailFlagsTheMatchingRecord(t *testing.T) {
	site := &domain.SiteConfig{
		ID: 7,
		Config: domain.ConfigBlob{
			GoogleRecords: &domain.GoogleRecordsConfig{ClientID: "cid", ClientSecret: "sec"},
			RefreshToken:  "rt-1",
			UserRecords: []domain.UserRecord{
				{Username: "kim", GoogleEmail: "kim@example.com"},
				{Username: "lee", GoogleEmail: "lee@example.com"},
			},
		},
	}
	sites := &fakeSites{site: site}
	calendar := &fakeCalendarPort{access: map[string]bool{"kim@example.com": true}}
	svc := NewLinkService(sites, &fakeTokenPort{}, calendar, &fakePlatform{})

	ok, err := svc.ValidateEmail(context.Background(), 7, "kim@example.com")
	if err != nil {
		t.Fatalf("ValidateEmail: %v", err)
	}
	if !ok {
		t.Fatal("expected access for kim@example.com")
	}

	if len(sites.saved) != 1 {
		t.Fatalf("saved %d blobs, want 1", len(sites.saved))
	}
	records := sites.saved[0].UserRecords
	if !records[0].ValidateEmailFlag || records[1].ValidateEmailFlag {
		t.Errorf("validation flags wrong: %+v", records)
	}
}

func TestValidateEmailRefreshFailureSurfaces(t *testing.T) {
	site := &domain.SiteConfig{
		ID: 7,
		Config: domain.ConfigBlob{
			GoogleRecords: &domain.GoogleRecordsConfig{ClientID: "cid", ClientSecret: "sec"},
			RefreshToken:  "rt-1",
		},
	}
	tokens := &fakeTokenPort{refreshErr: apperr.TokenGeneration(errors.New("revoked"))}
	svc := NewLinkService(&fakeSites{site: site}, tokens, &fakeCalendarPort{}, &fakePlatform{})

	if _, err := svc.ValidateEmail(context.Background(), 7, "kim@example.com"); apperr.CodeOf(err) != apperr.CodeTokenGeneration {
		t.Errorf("code = %s, want TOKEN_GENERATION_FAILED", apperr.CodeOf(err))
	}
}
