package model

import "time"

// CallStatus is the result of a model invocation.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// ModelCallRecord is the write-once audit row for one model invocation.
type ModelCallRecord struct {
	ID               string     `json:"id"`
	ModelID          string     `json:"model_id"`
	CallerType       string     `json:"caller_type"`
	CallerName       string     `json:"caller_name"`
	UserID           string     `json:"user_id,omitempty"`
	PromptDigest     string     `json:"prompt_digest"`
	ResponseDigest   string     `json:"response_digest"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	LatencyMs        int64      `json:"latency_ms"`
	Status           CallStatus `json:"status"`
	Error            string     `json:"error,omitempty"`
	TraceID          string     `json:"trace_id"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TotalTokens is the amount added to the aggregate counter for this call.
func (r ModelCallRecord) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// UsageCounter is the per-model running total, only ever changed by an
// atomic increment paired with a ModelCallRecord insert.
type UsageCounter struct {
	ModelID       string    `json:"model_id"`
	TotalRequests int64     `json:"total_requests"`
	TotalTokens   int64     `json:"total_tokens"`
	LastUsedAt    time.Time `json:"last_used_at"`
}
