package pipeline

import (
	"context"

	"calsync_server/core/domain"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"
)

// dispatchCreate creates one calendar event per attendee. The loop is best
// effort: a failed create is recorded and the remaining attendees still get
// their event.
func (p *Pipeline) dispatchCreate(ctx context.Context, accessToken string, rec *domain.NormalizedRecord, log *logger.Logger) domain.DispatchResult {
	var out domain.DispatchResult
	if !rec.HasSchedule() {
		log.Info("record %d carries no schedule, nothing to create", rec.RecordID)
		return out
	}
	for _, attendee := range rec.Attendees {
		eventID, err := p.calendar.CreateEvent(ctx, accessToken, "primary", rec.Draft, attendee)
		if err != nil {
			log.WithError(err).Error("event create failed for attendee %s", attendee)
			out.Failed = append(out.Failed, domain.DispatchFailure{Target: attendee, Reason: err.Error()})
			continue
		}
		out.Succeeded = append(out.Succeeded, eventID)
	}
	return out
}

// dispatchUpdate overlays the draft onto every event already correlated to
// the record. Stops at the first provider failure; whatever was already
// written stays written and is reported in the result.
func (p *Pipeline) dispatchUpdate(ctx context.Context, accessToken string, corr *domain.RecordCorrelation, draft *domain.EventDraft, log *logger.Logger) (domain.DispatchResult, error) {
	var out domain.DispatchResult
	for _, eventID := range corr.EventIDs {
		updatedID, err := p.calendar.UpdateEvent(ctx, accessToken, corr.CalendarID, eventID, draft)
		if err != nil {
			log.WithError(err).Error("event update failed for event %s", eventID)
			out.Failed = append(out.Failed, domain.DispatchFailure{Target: eventID, Reason: err.Error()})
			return out, apperr.Provider("update", err)
		}
		out.Succeeded = append(out.Succeeded, updatedID)
	}
	return out, nil
}

// dispatchDelete removes every correlated event, continuing past individual
// failures so one stale event id cannot block the rest of the cleanup.
func (p *Pipeline) dispatchDelete(ctx context.Context, accessToken string, corr *domain.RecordCorrelation, log *logger.Logger) domain.DispatchResult {
	var out domain.DispatchResult
	for _, eventID := range corr.EventIDs {
		if err := p.calendar.DeleteEvent(ctx, accessToken, corr.CalendarID, eventID); err != nil {
			log.WithError(err).Error("event delete failed for event %s", eventID)
			out.Failed = append(out.Failed, domain.DispatchFailure{Target: eventID, Reason: err.Error()})
			continue
		}
		out.Succeeded = append(out.Succeeded, eventID)
	}
	return out
}
