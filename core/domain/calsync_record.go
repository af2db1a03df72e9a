package domain

import (
	"fmt"
	"time"
)

// Operation is the webhook discriminator from the source platform.
type Operation string

const (
	OperationAdd    Operation = "ADD_RECORD"
	OperationUpdate Operation = "UPDATE_RECORD"
	OperationDelete Operation = "DELETE_RECORD"
)

// ParseOperation validates the discriminator field of a webhook body.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OperationAdd, OperationUpdate, OperationDelete:
		return Operation(s), nil
	case "":
		return "", fmt.Errorf("operation type is missing")
	default:
		return "", fmt.Errorf("unknown operation type %q", s)
	}
}

// EventDraft is the provider-agnostic representation of a calendar event
// built from a normalized record. Start/End are RFC3339 timestamps at
// seconds precision with the source offset preserved.
type EventDraft struct {
	Summary  string `json:"summary"`
	Location string `json:"location"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

// NormalizedRecord is the canonical output of payload normalization.
// Draft is nil when the record carries no schedule (no participants).
type NormalizedRecord struct {
	Operation Operation   `json:"operation"`
	RecordID  int64       `json:"record_id"`
	Draft     *EventDraft `json:"draft,omitempty"`
	Attendees []string    `json:"attendees"`
}

// HasSchedule reports whether the record produced a dispatchable draft.
func (r *NormalizedRecord) HasSchedule() bool {
	return r.Draft != nil
}

// PipelineState names the stages of one webhook invocation.
type PipelineState string

const (
	StateReceived            PipelineState = "RECEIVED"
	StateSiteResolved        PipelineState = "SITE_RESOLVED"
	StateNormalized          PipelineState = "NORMALIZED"
	StateCredentialsResolved PipelineState = "CREDENTIALS_RESOLVED"
	StateTokenAcquired       PipelineState = "TOKEN_ACQUIRED"
	StateDispatched          PipelineState = "DISPATCHED"
	StatePersisted           PipelineState = "PERSISTED"
	StateDone                PipelineState = "DONE"
	StateAborted             PipelineState = "ABORTED"
)

// UsageLogEntry is one row per pipeline invocation, written to the usage
// sink on every terminal transition.
type UsageLogEntry struct {
	SiteID        int64         `json:"site_id" bson:"site_id"`
	TransactionID string        `json:"transaction_id" bson:"transaction_id"`
	Operation     Operation     `json:"operation" bson:"operation"`
	State         PipelineState `json:"state" bson:"state"`
	Success       bool          `json:"success" bson:"success"`
	ErrorCode     string        `json:"error_code,omitempty" bson:"error_code,omitempty"`
	DurationMS    float64       `json:"duration_ms" bson:"duration_ms"`
	At            time.Time     `json:"at" bson:"at"`
}
