package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayloadEntry is one audit item inside a payload envelope.
type PayloadEntry struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Load interface{} `json:"load"`
}

// PayloadEnvelope is the append-only audit trail stored with a correlation:
// what was received for a record and what was sent to the provider.
type PayloadEnvelope struct {
	Request  []PayloadEntry `json:"request"`
	Response []PayloadEntry `json:"response"`
}

// Append adds an entry to the request history.
func (p *PayloadEnvelope) Append(entry PayloadEntry) {
	p.Request = append(p.Request, entry)
}

// RecordCorrelation maps an external record to the calendar event(s) it
// produced, so later UPDATE/DELETE webhooks can find them again.
type RecordCorrelation struct {
	ID         int64     `json:"id"`
	UUID       uuid.UUID `json:"uuid"`
	RecordID   int64     `json:"record_id"`
	SiteID     int64     `json:"site_id"`
	CalendarID string    `json:"calendar_id"`
	// EventIDs is ordered; one external record fans out to one calendar
	// event per attendee.
	EventIDs        []string        `json:"event_ids"`
	ReceivedPayload PayloadEnvelope `json:"received_payload"`
	SentPayload     PayloadEnvelope `json:"sent_payload"`
	Active          bool            `json:"active"`
	ExecAt          time.Time       `json:"exec_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
