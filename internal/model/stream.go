package model

import "time"

// LoggedEvent is an event read back from the event log stream.
type LoggedEvent struct {
	Event    CanonicalEvent `json:"event"`
	Sequence uint64         `json:"sequence"`
}

// ErrorEvent represents an error pushed to a streaming client.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent keeps streaming connections alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
