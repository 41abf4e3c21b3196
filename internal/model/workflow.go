package model

import "time"

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowCreated       WorkflowStatus = "created"
	WorkflowRunning       WorkflowStatus = "running"
	WorkflowWaitingSignal WorkflowStatus = "waiting_signal"
	WorkflowCompleted     WorkflowStatus = "completed"
	WorkflowRejected      WorkflowStatus = "rejected"
	WorkflowFailed        WorkflowStatus = "failed"
	WorkflowCancelled     WorkflowStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowRejected, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowCreated:       {WorkflowRunning, WorkflowFailed, WorkflowCancelled},
	WorkflowRunning:       {WorkflowWaitingSignal, WorkflowCompleted, WorkflowRejected, WorkflowFailed, WorkflowCancelled},
	WorkflowWaitingSignal: {WorkflowRunning, WorkflowRejected, WorkflowFailed, WorkflowCancelled},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to WorkflowStatus) bool {
	for _, next := range workflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkflowInstance is one durable execution of a business process. All state
// needed to resume lives on this row; nothing is held in memory across a
// suspension.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Status            WorkflowStatus `json:"status"`
	InputSnapshot     CanonicalEvent `json:"input_snapshot"`
	State             map[string]any `json:"state"`
	NextStep          int            `json:"next_step"`
	PendingSignalName string         `json:"pending_signal_name,omitempty"`
	Deadline          *time.Time     `json:"deadline,omitempty"`
	EscalatedAt       *time.Time     `json:"escalated_at,omitempty"`
	RearmCount        int            `json:"rearm_count"`
	RetryCount        int            `json:"retry_count"`
	LastError         string         `json:"last_error,omitempty"`
	Version           int            `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
