// Package auth resolves per-site OAuth credentials and acquires tokens.
package auth

import (
	"calsync_server/core/domain"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/crypto"
	"calsync_server/pkg/logger"
)

// ResolveGoogleCredentials extracts the calendar OAuth credential set from a
// site config blob. The blob is never mutated. A missing section or field
// fails with CREDENTIALS_MISSING naming the exact field.
func ResolveGoogleCredentials(blob domain.ConfigBlob) (domain.GoogleCredentials, error) {
	var creds domain.GoogleCredentials

	gr := blob.GoogleRecords
	if gr == nil {
		return creds, apperr.CredentialsMissing("googleRecords")
	}
	if gr.ClientID == "" {
		return creds, apperr.CredentialsMissing("clientId")
	}
	if gr.ClientSecret == "" {
		return creds, apperr.CredentialsMissing("clientSecret")
	}
	if blob.RefreshToken == "" {
		return creds, apperr.CredentialsMissing("refreshToken")
	}

	refreshToken := blob.RefreshToken
	if crypto.IsEncrypted(refreshToken) {
		decrypted, err := crypto.DecryptToken(refreshToken)
		if err != nil {
			logger.WithError(err).Error("failed to decrypt stored refresh token")
			return creds, apperr.CredentialsMissing("refreshToken")
		}
		refreshToken = decrypted
	}

	creds.ClientID = gr.ClientID
	creds.ClientSecret = gr.ClientSecret
	creds.RefreshToken = refreshToken
	return creds, nil
}

// ResolveSourcePlatformSettings extracts the justSfa section.
func ResolveSourcePlatformSettings(blob domain.ConfigBlob) (map[string]string, error) {
	if blob.JustSFA == nil {
		return nil, apperr.CredentialsMissing("justSfa")
	}
	return blob.JustSFA, nil
}
