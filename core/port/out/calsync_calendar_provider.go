// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"

	"calsync_server/core/domain"
)

// CalendarProviderPort is the outbound port for the calendar provider.
// Every call takes a short-lived bearer access token supplied by the
// caller; the adapter does not manage token lifecycle.
type CalendarProviderPort interface {
	// CreateEvent inserts one event for one attendee and returns the
	// provider event id.
	CreateEvent(ctx context.Context, accessToken, calendarID string, draft *domain.EventDraft, attendee string) (string, error)

	// UpdateEvent reads the existing event, overlays summary, start, end
	// and location from the draft and writes it back. Provider-managed
	// fields (attendee RSVP state and the like) are preserved.
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, draft *domain.EventDraft) (string, error)

	// DeleteEvent removes an event. An event that is already gone is not
	// an error.
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error

	// CheckAccess probes whether the token can read the calendar owned by
	// the given email.
	CheckAccess(ctx context.Context, accessToken, email string) (bool, error)
}

// TokenPort acquires OAuth tokens from the calendar provider.
type TokenPort interface {
	// ExchangeCode trades an authorization code for tokens. The provider
	// returns the refresh token only on first consent.
	ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*domain.OAuthToken, error)

	// Refresh trades a refresh token for a fresh access token.
	Refresh(ctx context.Context, siteID int64, creds domain.GoogleCredentials) (*domain.OAuthToken, error)
}
