package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

// Decision is the outcome of a tool authorization check. A denial is an
// ordinary value, not an error: the conversation continues without the
// tool call.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Actor   string `json:"actor"`
	Tool    string `json:"tool"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
	Sandbox bool   `json:"sandbox,omitempty"`
}

// Gatekeeper answers one question: may this actor use this tool while the
// session sits in its current state. Grants live on states, so the answer
// changes the moment a transition commits; the dispatcher always asks
// after applying the proposal's transition, never before.
type Gatekeeper struct {
	hub    streaming.EventHub
	logger *slog.Logger
}

func NewGatekeeper(hub streaming.EventHub, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{hub: hub, logger: logger}
}

// Authorize checks the session's current state for a grant of tool to
// actor. Unknown states deny; there is no default grant.
func (g *Gatekeeper) Authorize(ctx context.Context, sess *store.Session, def *schema.WorkflowDefinition, actor, tool string, sandbox bool) Decision {
	decision := Decision{
		Actor:   actor,
		Tool:    tool,
		State:   sess.CurrentState,
		Sandbox: sandbox,
	}

	state := def.FindState(sess.CurrentState)
	switch {
	case state == nil:
		decision.Reason = "current state not defined in workflow"
	case !state.GrantsTool(actor, tool):
		decision.Reason = "tool not granted to actor in current state"
	default:
		decision.Allowed = true
	}

	eventType := streaming.EventToolAuthorized
	if !decision.Allowed {
		eventType = streaming.EventToolDenied
		g.logger.InfoContext(ctx, "tool denied",
			slog.String("actor", actor),
			slog.String("tool", tool),
			slog.String("state", sess.CurrentState),
			slog.String("reason", decision.Reason))
	}

	if g.hub != nil {
		_ = g.hub.Publish(ctx, streaming.SessionEvent{
			SessionID: sess.ID,
			AgentID:   sess.AgentID,
			EventType: eventType,
			Sandbox:   sandbox,
			Payload:   decision,
		})
	}
	return decision
}
