package store

import (
	"time"

	"github.com/rendis/convo/pkg/schema"
)

// WorkflowVersion is a persisted, content-addressed workflow definition.
// The ID is the definition's content hash, so re-registering an unchanged
// definition is idempotent.
type WorkflowVersion struct {
	ID         string                    `json:"id"`
	AgentID    string                    `json:"agent_id"`
	Name       string                    `json:"name,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// Session is the durable record of one conversation between one contact
// and one agent, anchored to the workflow version captured at creation.
type Session struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agent_id"`
	WorkflowVersionID string    `json:"workflow_version_id"`
	ContactIdentity   string    `json:"contact_identity"`
	CurrentState      string    `json:"current_state"`
	Paused            bool      `json:"paused"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Message is an immutable entry in a session's conversation history.
// Sequence is monotonic per session and defines conversation order.
type Message struct {
	ID          int64         `json:"id"`
	SessionID   string        `json:"session_id"`
	Sender      schema.Sender `json:"sender"`
	Content     string        `json:"content"`
	MessageType string        `json:"message_type"`
	CreatedAt   time.Time     `json:"created_at"`
	Sequence    int64         `json:"sequence"`
}

// TransitionRecord is the audit entry written when a transition commits.
type TransitionRecord struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	TriggerLabel string    `json:"trigger_label"`
	CreatedAt    time.Time `json:"created_at"`
	Sequence     int64     `json:"sequence"`
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	AgentID         string `json:"agent_id,omitempty"`
	ContactIdentity string `json:"contact_identity,omitempty"`
	Paused          *bool  `json:"paused,omitempty"`
	CurrentState    string `json:"current_state,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
}
