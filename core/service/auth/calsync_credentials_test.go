package auth

import (
	"testing"

	"calsync_server/core/domain"
	"calsync_server/pkg/apperr"
)

func validBlob() domain.ConfigBlob {
	return domain.ConfigBlob{
		GoogleRecords: &domain.GoogleRecordsConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			CurrentURL:   "https://tenant.example.com",
			RedirectURI:  "https://app.example.com/google/oauth2/callback",
		},
		RefreshToken: "refresh-token",
	}
}

func TestResolveGoogleCredentials(t *testing.T) {
	creds, err := ResolveGoogleCredentials(validBlob())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.ClientID != "client-id" || creds.ClientSecret != "client-secret" || creds.RefreshToken != "refresh-token" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestResolveGoogleCredentialsNamesMissingField(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*domain.ConfigBlob)
		wantField string
	}{
		{"no googleRecords section", func(b *domain.ConfigBlob) { b.GoogleRecords = nil }, "googleRecords"},
		{"no clientId", func(b *domain.ConfigBlob) { b.GoogleRecords.ClientID = "" }, "clientId"},
		{"no clientSecret", func(b *domain.ConfigBlob) { b.GoogleRecords.ClientSecret = "" }, "clientSecret"},
		{"no refreshToken", func(b *domain.ConfigBlob) { b.RefreshToken = "" }, "refreshToken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := validBlob()
			tt.mutate(&blob)

			_, err := ResolveGoogleCredentials(blob)
			if err == nil {
				t.Fatal("expected error")
			}
			appErr, ok := err.(*apperr.AppError)
			if !ok {
				t.Fatalf("expected *apperr.AppError, got %T", err)
			}
			if appErr.Code != apperr.CodeCredentialsMissing {
				t.Errorf("expected CREDENTIALS_MISSING, got %s", appErr.Code)
			}
			if got := appErr.Details["field"]; got != tt.wantField {
				t.Errorf("expected field %q to be named, got %v", tt.wantField, got)
			}
		})
	}
}

func TestResolveGoogleCredentialsDoesNotMutateBlob(t *testing.T) {
	blob := validBlob()
	before := *blob.GoogleRecords

	if _, err := ResolveGoogleCredentials(blob); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *blob.GoogleRecords != before {
		t.Error("resolver must not mutate the blob")
	}
	if blob.RefreshToken != "refresh-token" {
		t.Error("resolver must not mutate the refresh token")
	}
}

func TestResolveSourcePlatformSettings(t *testing.T) {
	blob := validBlob()
	if _, err := ResolveSourcePlatformSettings(blob); !apperr.Is(err, apperr.CodeCredentialsMissing) {
		t.Errorf("expected CREDENTIALS_MISSING without justSfa section, got %v", err)
	}

	blob.JustSFA = map[string]string{"api-key": "k"}
	settings, err := ResolveSourcePlatformSettings(blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings["api-key"] != "k" {
		t.Errorf("unexpected settings: %v", settings)
	}
}
