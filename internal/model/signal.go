package model

import (
	"strings"
	"time"
)

// Decision is the outcome of a human approval.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// SignalDisposition records whether a signal changed workflow state.
type SignalDisposition string

const (
	SignalApplied SignalDisposition = "applied"
	SignalIgnored SignalDisposition = "ignored"
)

// Reasons attached to ignored signals.
const (
	IgnoredAlreadyResolved = "already_resolved"
	IgnoredStale           = "stale"
	IgnoredNotWaiting      = "not_waiting"
	IgnoredSignalMismatch  = "signal_mismatch"
	IgnoredUnknownWorkflow = "unknown_workflow"
)

// ApprovalSignalName is the pending signal name used by approval gates.
const ApprovalSignalName = "approval"

// ApprovalSignal is an external decision that resumes a suspended workflow.
// Every received signal is persisted; at most one per suspension (Gate) of a
// workflow is applied.
type ApprovalSignal struct {
	ID          string            `json:"id"`
	WorkflowID  string            `json:"workflow_ref"`
	Name        string            `json:"name,omitempty"`
	Gate        int               `json:"gate"`
	Decision    Decision          `json:"decision"`
	DecidedBy   string            `json:"decided_by"`
	DecidedAt   time.Time         `json:"decided_at"`
	Note        string            `json:"note,omitempty"`
	EventID     string            `json:"event_id,omitempty"`
	Disposition SignalDisposition `json:"disposition,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// SignalInput is the external approval signal wire shape.
type SignalInput struct {
	WorkflowRef string   `json:"workflow_ref"`
	Decision    Decision `json:"decision"`
	DecidedBy   string   `json:"decided_by"`
	Note        string   `json:"note,omitempty"`
}

// Validate checks the required fields of an approval input.
func (in SignalInput) Validate() error {
	if strings.TrimSpace(in.WorkflowRef) == "" {
		return &ValidationError{Field: KeyWorkflowRef, Reason: "is required"}
	}
	if in.Decision != DecisionApproved && in.Decision != DecisionRejected {
		return &ValidationError{Field: KeyDecision, Reason: "must be approved or rejected"}
	}
	if strings.TrimSpace(in.DecidedBy) == "" {
		return &ValidationError{Field: KeyDecidedBy, Reason: "is required"}
	}
	return nil
}

// SignalFromEvent extracts an approval signal from an approval event.
func SignalFromEvent(e CanonicalEvent) (ApprovalSignal, error) {
	in := SignalInput{
		WorkflowRef: e.WorkflowRef(),
		Decision:    Decision(strings.ToLower(e.Lookup(KeyDecision))),
		DecidedBy:   e.Lookup(KeyDecidedBy),
		Note:        e.Lookup(KeyNote),
	}
	if in.DecidedBy == "" {
		in.DecidedBy = e.UserID
	}
	if err := in.Validate(); err != nil {
		return ApprovalSignal{}, err
	}
	return ApprovalSignal{
		WorkflowID: in.WorkflowRef,
		Name:       ApprovalSignalName,
		Decision:   in.Decision,
		DecidedBy:  in.DecidedBy,
		DecidedAt:  e.Timestamp,
		Note:       in.Note,
		EventID:    e.ID,
	}, nil
}
