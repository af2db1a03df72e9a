// Package provider implements the outbound calendar port against the
// Google Calendar API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/httputil"
	"calsync_server/pkg/logger"
)

const defaultCalendarID = "primary"

// GoogleCalendarAdapter implements CalendarProviderPort for Google Calendar.
// Tokens are supplied per call; the adapter holds no per-site state and is
// safe to share across the whole pipeline.
type GoogleCalendarAdapter struct {
	cb *gobreaker.CircuitBreaker
}

func NewGoogleCalendarAdapter() *GoogleCalendarAdapter {
	cbSettings := gobreaker.Settings{
		Name:        "google-calendar-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	}

	return &GoogleCalendarAdapter{
		cb: gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// getService builds a Calendar client around the caller's access token.
func (a *GoogleCalendarAdapter) getService(ctx context.Context, accessToken string) (*calendar.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httputil.GoogleClient())
	return calendar.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
}

// CreateEvent inserts one event for one attendee.
func (a *GoogleCalendarAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, draft *domain.EventDraft, attendee string) (string, error) {
	svc, err := a.getService(ctx, accessToken)
	if err != nil {
		return "", apperr.Provider("create", err)
	}
	if calendarID == "" {
		calendarID = defaultCalendarID
	}

	event := &calendar.Event{
		Summary:  draft.Summary,
		Location: draft.Location,
		Start:    &calendar.EventDateTime{DateTime: draft.Start},
		End:      &calendar.EventDateTime{DateTime: draft.End},
		Attendees: []*calendar.EventAttendee{
			{Email: attendee},
		},
	}

	var created *calendar.Event
	err = a.executeWithCircuitBreaker(ctx, "create", func() error {
		var callErr error
		created, callErr = svc.Events.Insert(calendarID, event).
			SendUpdates("none").
			Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", apperr.Provider("create", err)
	}
	return created.Id, nil
}

// UpdateEvent reads the stored event and overlays only the fields the
// source record owns. Anything the provider manages on the event, attendee
// responses included, is written back untouched.
func (a *GoogleCalendarAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, draft *domain.EventDraft) (string, error) {
	svc, err := a.getService(ctx, accessToken)
	if err != nil {
		return "", apperr.Provider("update", err)
	}
	if calendarID == "" {
		calendarID = defaultCalendarID
	}

	var existing *calendar.Event
	err = a.executeWithCircuitBreaker(ctx, "get", func() error {
		var callErr error
		existing, callErr = svc.Events.Get(calendarID, eventID).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", apperr.Provider("update", fmt.Errorf("fetch event %s: %w", eventID, err))
	}

	existing.Summary = draft.Summary
	existing.Location = draft.Location
	existing.Start = &calendar.EventDateTime{DateTime: draft.Start}
	existing.End = &calendar.EventDateTime{DateTime: draft.End}

	var updated *calendar.Event
	err = a.executeWithCircuitBreaker(ctx, "update", func() error {
		var callErr error
		updated, callErr = svc.Events.Update(calendarID, eventID, existing).
			SendUpdates("none").
			Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", apperr.Provider("update", err)
	}
	return updated.Id, nil
}

// DeleteEvent removes an event. An event that is already gone counts as
// deleted.
func (a *GoogleCalendarAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	svc, err := a.getService(ctx, accessToken)
	if err != nil {
		return apperr.Provider("delete", err)
	}
	if calendarID == "" {
		calendarID = defaultCalendarID
	}

	err = a.executeWithCircuitBreaker(ctx, "delete", func() error {
		return svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	if err != nil {
		if isGone(err) {
			logger.Info("event %s already gone, treating delete as success", eventID)
			return nil
		}
		return apperr.Provider("delete", err)
	}
	return nil
}

// CheckAccess probes whether the token can see the calendar owned by the
// given email. Google exposes a user's default calendar under their email
// as calendar id.
func (a *GoogleCalendarAdapter) CheckAccess(ctx context.Context, accessToken, email string) (bool, error) {
	svc, err := a.getService(ctx, accessToken)
	if err != nil {
		return false, apperr.Provider("check-access", err)
	}

	err = a.executeWithCircuitBreaker(ctx, "check-access", func() error {
		_, callErr := svc.Calendars.Get(email).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusForbidden) {
			return false, nil
		}
		return false, apperr.Provider("check-access", err)
	}
	return true, nil
}

// executeWithCircuitBreaker shields the API from cascading retries while
// keeping client-side errors from tripping the circuit.
func (a *GoogleCalendarAdapter) executeWithCircuitBreaker(ctx context.Context, operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				default:
					// Client errors must not open the circuit.
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if err != nil {
		logger.WithError(err).Warn("calendar %s failed, breaker state %s", operation, a.cb.State().String())
	}
	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }
func (e *nonCircuitError) Unwrap() error { return e.err }

func isGone(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

var _ out.CalendarProviderPort = (*GoogleCalendarAdapter)(nil)
