// Package audit carries security events from the authentication flows to
// durable sinks without ever blocking or failing those flows.
package audit

import (
	"context"
	"time"
)

// Action identifies what happened
type Action string

const (
	ActionLogin                  Action = "LOGIN"
	ActionLoginFailed            Action = "LOGIN_FAILED"
	ActionLogout                 Action = "LOGOUT"
	ActionPasswordChanged        Action = "PASSWORD_CHANGED"
	ActionPasswordResetRequested Action = "PASSWORD_RESET_REQUESTED"
	ActionPasswordReset          Action = "PASSWORD_RESET"
)

// ResourceTypeUser is the resource type of every event emitted by the auth flows
const ResourceTypeUser = "user"

// Event is a single audit record. SubjectID is empty when the subject
// could not be resolved (for example an unknown email).
type Event struct {
	ID           string         `json:"id"`
	SubjectID    string         `json:"subject_id,omitempty"`
	Action       Action         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	SourceIP     string         `json:"source_ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Recorder accepts events fire-and-forget
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Sink durably writes events. Sinks are called from the dispatcher goroutine only.
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// NopRecorder discards events
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) {}
