// Package taskstore implements C1: durable task records keyed by opaque
// id, with monotone state transitions and TTL-bounded retention.
package taskstore

import (
	"encoding/json"
	"time"
)

// TaskType tags what kind of generation a task performs.
type TaskType string

const (
	TypeTranscription TaskType = "transcription"
	TypeTTS           TaskType = "tts"
	TypeImage         TaskType = "image"
	TypeVideo         TaskType = "video"
	TypeRealtime      TaskType = "realtime"
)

// State is a task's lifecycle stage. Terminal states are Completed, Failed,
// Cancelled, TimedOut. Once reached, no further transition is observed.
type State string

const (
	StatePending    State = "Pending"
	StateProcessing State = "Processing"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StateCancelled  State = "Cancelled"
	StateTimedOut   State = "TimedOut"
)

// IsTerminal reports whether s is one of the four irreversible states.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Task is the system of record for one asynchronous generation request.
// Claim and work-item records carry only the task id plus their own
// ownership/scheduling fields. No back-pointers to Task are persisted.
type Task struct {
	ID            string          `json:"id"`
	Type          TaskType        `json:"type"`
	VirtualKeyID  string          `json:"virtual_key_id"`
	Payload       json.RawMessage `json:"payload"`
	State         State           `json:"state"`
	Progress      int             `json:"progress"`
	ProgressMsg   string          `json:"progress_message,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	WebhookURL    string          `json:"webhook_url,omitempty"`
	WebhookHeader map[string]string `json:"webhook_headers,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Clone returns a deep-enough copy safe for callers to mutate without
// racing the store's internal copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.CompletedAt != nil {
		ca := *t.CompletedAt
		c.CompletedAt = &ca
	}
	if t.NextRetryAt != nil {
		nr := *t.NextRetryAt
		c.NextRetryAt = &nr
	}
	if t.WebhookHeader != nil {
		c.WebhookHeader = make(map[string]string, len(t.WebhookHeader))
		for k, v := range t.WebhookHeader {
			c.WebhookHeader[k] = v
		}
	}
	return &c
}

// ActiveTTL and TerminalTTL implement the create() retention rule: 24h
// while non-terminal, 2h after terminal.
const (
	ActiveTTL   = 24 * time.Hour
	TerminalTTL = 2 * time.Hour
)

// clampProgress keeps a reported progress value within the valid 0..100
// range regardless of what a caller passes in.
func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
