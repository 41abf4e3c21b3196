package model

import "time"

// OutcomeStatus is the processing status reported for an event.
type OutcomeStatus string

const (
	OutcomeAccepted   OutcomeStatus = "accepted"
	OutcomeProcessing OutcomeStatus = "processing"
	OutcomeCompleted  OutcomeStatus = "completed"
	OutcomeFailed     OutcomeStatus = "failed"
)

// MessageDuplicate is reported when an idempotency key was already seen.
const MessageDuplicate = "duplicate"

// EventOutcome is the caller-visible result of submitting an event. Every
// status change is persisted as a new version; the highest version wins.
type EventOutcome struct {
	EventID     string         `json:"event_id"`
	Status      OutcomeStatus  `json:"status"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	WorkflowRef string         `json:"workflow_ref,omitempty"`
	Version     int            `json:"version,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
}

// Terminal reports whether no further outcome versions are expected.
func (o EventOutcome) Terminal() bool {
	return o.Status == OutcomeCompleted || o.Status == OutcomeFailed
}

// IdempotencyStatus is the durable state of an idempotency key.
type IdempotencyStatus string

const (
	IdempotencyInFlight  IdempotencyStatus = "in_flight"
	IdempotencyCommitted IdempotencyStatus = "committed"
)

// IdempotencyRecord is the durable row backing the idempotency guard.
type IdempotencyRecord struct {
	Key            string
	Status         IdempotencyStatus
	EventID        string
	Outcome        *EventOutcome
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
