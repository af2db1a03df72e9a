package domain

// DispatchFailure records one failed provider call during a fan-out loop.
type DispatchFailure struct {
	Target string `json:"target"` // attendee email on create, event id on update/delete
	Reason string `json:"reason"`
}

// DispatchResult is the explicit partial outcome of a best-effort fan-out:
// callers assert on it instead of inferring partial failure from logs.
type DispatchResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    []DispatchFailure `json:"failed"`
}

// AllFailed reports whether no call in the loop succeeded.
func (r *DispatchResult) AllFailed() bool {
	return len(r.Succeeded) == 0 && len(r.Failed) > 0
}

// Partial reports whether the loop had both successes and failures.
func (r *DispatchResult) Partial() bool {
	return len(r.Succeeded) > 0 && len(r.Failed) > 0
}

// PipelineResult is the terminal outcome of one webhook invocation.
type PipelineResult struct {
	TransactionID string         `json:"transaction_id"`
	SiteID        int64          `json:"site_id"`
	RecordID      int64          `json:"record_id"`
	Operation     Operation      `json:"operation"`
	State         PipelineState  `json:"state"`
	AbortReason   string         `json:"abort_reason,omitempty"`
	Dispatch      DispatchResult `json:"dispatch"`
}

// Done reports whether the run reached the DONE state.
func (r *PipelineResult) Done() bool {
	return r.State == StateDone
}
