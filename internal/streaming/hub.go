package streaming

import "context"

// Event types published by the engine.
const (
	EventMessageAppended    = "message_appended"
	EventTransitionApplied  = "transition_applied"
	EventTransitionRejected = "transition_rejected"
	EventToolAuthorized     = "tool_authorized"
	EventToolDenied         = "tool_denied"
	EventSessionPaused      = "session_paused"
	EventSessionResumed     = "session_resumed"
)

// SessionEvent is a real-time event emitted while driving a conversation.
// Sandbox activity is published too (tagged), so the dashboard's workflow
// tester gets the same live feed as production views.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	EventType string `json:"event_type"`
	Sandbox   bool   `json:"sandbox,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SessionID  string   `json:"session_id,omitempty"`
	AgentID    string   `json:"agent_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time session events.
type EventHub interface {
	Publish(ctx context.Context, event SessionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan SessionEvent, func(), error)
}
