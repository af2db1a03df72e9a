// Package normalize converts source-platform webhook bodies into the
// canonical record shape the pipeline dispatches from. Every structural
// assumption about the form builder's schema-less export lives here;
// downstream code only sees typed fields.
package normalize

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"calsync_server/core/domain"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"
)

// Field ids assigned by the form builder. They are stable per form
// definition, not per tenant.
const (
	fieldRecord           = "record"
	fieldEventTitle       = "test01"
	fieldRecordTitle      = "field_1638871584"
	fieldParticipantsDate = "field_1638871621"
	fieldParticipants     = "field_1638871621_participants"
	fieldPeriod           = "field_1638871621_period"
)

// The source platform emits local timestamps without seconds; Google
// requires seconds precision.
const (
	inputTimeLayout  = "2006-01-02T15:04Z07:00"
	outputTimeLayout = "2006-01-02T15:04:05Z07:00"
)

type webhookBody struct {
	Type     string      `json:"type"`
	RecordID json.Number `json:"recordId"`
	Record   *recordBody `json:"record"`
}

type recordBody struct {
	EventTitle       string               `json:"test01"`
	RecordTitle      string               `json:"field_1638871584"`
	ParticipantsDate *participantsAndDate `json:"field_1638871621"`
}

type participantsAndDate struct {
	// Participants is a list of participant groups; groups are flattened
	// into a single attendee list.
	Participants [][]string `json:"field_1638871621_participants"`
	// Period holds the [start, end] pair.
	Period []string `json:"field_1638871621_period"`
}

// Normalizer decodes webhook bodies once at the boundary.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize converts a raw webhook body into a NormalizedRecord.
// Missing discriminator or record id is a hard error; an empty participant
// list is a valid record with no schedule.
func (n *Normalizer) Normalize(raw []byte) (*domain.NormalizedRecord, error) {
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apperr.BadPayload("webhook body is not a JSON object").WithError(err)
	}

	op, err := domain.ParseOperation(body.Type)
	if err != nil {
		return nil, apperr.BadPayload(err.Error())
	}

	if body.RecordID == "" {
		return nil, apperr.BadPayload("recordId is missing")
	}
	recordID, err := body.RecordID.Int64()
	if err != nil {
		return nil, apperr.BadPayload(fmt.Sprintf("recordId %q is not an integer", body.RecordID))
	}

	rec := &domain.NormalizedRecord{
		Operation: op,
		RecordID:  recordID,
		Attendees: []string{},
	}

	if body.Record == nil || body.Record.ParticipantsDate == nil {
		// A record with no schedule block still normalizes; the pipeline
		// decides what that means per operation.
		return rec, nil
	}

	pd := body.Record.ParticipantsDate
	for _, group := range pd.Participants {
		rec.Attendees = append(rec.Attendees, group...)
	}
	if len(rec.Attendees) == 0 {
		logger.Debug("record %d has no participants", recordID)
		return rec, nil
	}

	if len(pd.Period) < 2 {
		return nil, apperr.BadPayload(fmt.Sprintf("record %d has participants but no start/end period", recordID))
	}

	start, err := reformatTimestamp(pd.Period[0])
	if err != nil {
		return nil, apperr.BadPayload(fmt.Sprintf("invalid start date %q", pd.Period[0])).WithError(err)
	}
	end, err := reformatTimestamp(pd.Period[1])
	if err != nil {
		return nil, apperr.BadPayload(fmt.Sprintf("invalid end date %q", pd.Period[1])).WithError(err)
	}

	rec.Draft = &domain.EventDraft{
		Summary:  body.Record.EventTitle,
		Location: body.Record.RecordTitle,
		Start:    start,
		End:      end,
	}
	return rec, nil
}

// reformatTimestamp reformats a minute-precision local timestamp into the
// seconds-precision form the provider requires, preserving the offset and
// the instant.
func reformatTimestamp(value string) (string, error) {
	t, err := time.Parse(inputTimeLayout, value)
	if err != nil {
		// Already seconds-precision input is accepted as-is.
		if t2, err2 := time.Parse(outputTimeLayout, value); err2 == nil {
			return t2.Format(outputTimeLayout), nil
		}
		return "", err
	}
	return t.Format(outputTimeLayout), nil
}

// ParseOAuthState decodes the JSON state payload from the OAuth callback.
func ParseOAuthState(state string) (*domain.OAuthState, error) {
	var s domain.OAuthState
	if err := json.Unmarshal([]byte(state), &s); err != nil {
		return nil, apperr.BadPayload("oauth state is not valid JSON").WithError(err)
	}
	return &s, nil
}

// ParseUserRecords decodes the user-link form submission.
func ParseUserRecords(data []byte) ([]domain.UserRecord, error) {
	var records []domain.UserRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// The form also posts a wrapped shape.
		var wrapped struct {
			UserRecords []domain.UserRecord `json:"userRecord"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil || wrapped.UserRecords == nil {
			return nil, apperr.BadPayload("user record payload is not valid JSON").WithError(err)
		}
		records = wrapped.UserRecords
	}
	return records, nil
}

// ParseSourcePlatformSettings decodes the flat JustSFA settings map.
func ParseSourcePlatformSettings(data []byte) (map[string]string, error) {
	var settings map[string]string
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, apperr.BadPayload("source platform settings are not valid JSON").WithError(err)
	}
	return settings, nil
}
