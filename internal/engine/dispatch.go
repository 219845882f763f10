package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/logging"
	"github.com/rendis/convo/internal/reasoning"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/internal/tools"
	"github.com/rendis/convo/pkg/schema"
)

// OutboundChannel delivers the agent's reply to the contact. Production
// implementations wrap a messaging provider; the sandbox captures replies
// in memory.
type OutboundChannel interface {
	Deliver(ctx context.Context, sess *store.Session, reply string) error
}

// InboundEvent is one message arriving from outside the engine.
type InboundEvent struct {
	AgentID         string        `json:"agent_id"`
	ContactIdentity string        `json:"contact_identity"`
	Sender          schema.Sender `json:"sender"`
	Content         string        `json:"content"`
	MessageType     string        `json:"message_type,omitempty"`
}

// Outcome reports everything one dispatch cycle did. A rejected transition
// or a denied tool is part of a successful outcome, not an error.
type Outcome struct {
	Session         *store.Session          `json:"session"`
	Created         bool                    `json:"created,omitempty"`
	Inbound         *store.Message          `json:"inbound"`
	Suppressed      bool                    `json:"suppressed,omitempty"`
	Applied         *store.TransitionRecord `json:"applied,omitempty"`
	RejectedTrigger string                  `json:"rejected_trigger,omitempty"`
	RejectReason    string                  `json:"reject_reason,omitempty"`
	Tool            *Decision               `json:"tool,omitempty"`
	ToolResult      json.RawMessage         `json:"tool_result,omitempty"`
	ToolError       string                  `json:"tool_error,omitempty"`
	Reply           string                  `json:"reply,omitempty"`
}

// Dispatcher runs the full cycle for one inbound message: resolve the
// session, persist the message, consult the reasoning provider, apply the
// proposed transition, authorize and execute the proposed tool, deliver
// the reply. The whole cycle runs under the session's lock, so concurrent
// messages for one contact serialize.
type Dispatcher struct {
	store    store.Store
	locks    *SessionLocks
	engine   *TransitionEngine
	gate     *Gatekeeper
	provider reasoning.Provider
	contexts *reasoning.ContextBuilder
	executor tools.Executor
	outbound OutboundChannel
	hub      streaming.EventHub
	logger   *slog.Logger
}

type DispatcherConfig struct {
	Store    store.Store
	Locks    *SessionLocks
	Engine   *TransitionEngine
	Gate     *Gatekeeper
	Provider reasoning.Provider
	Contexts *reasoning.ContextBuilder
	Executor tools.Executor
	Outbound OutboundChannel
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		store:    cfg.Store,
		locks:    cfg.Locks,
		engine:   cfg.Engine,
		gate:     cfg.Gate,
		provider: cfg.Provider,
		contexts: cfg.Contexts,
		executor: cfg.Executor,
		outbound: cfg.Outbound,
		hub:      cfg.Hub,
		logger:   cfg.Logger,
	}
}

// HandleInbound processes one inbound event to completion. The session is
// created on first contact, anchored to the agent's latest workflow
// version. Client messages to a paused session are stored but produce no
// automated activity; operator messages are relayed to the contact even
// while paused.
func (d *Dispatcher) HandleInbound(ctx context.Context, ev InboundEvent) (*Outcome, error) {
	if err := validateInbound(ev); err != nil {
		return nil, err
	}

	version, err := d.store.LatestWorkflowVersion(ctx, ev.AgentID)
	if err != nil {
		return nil, err
	}
	initial := version.Definition.InitialState()
	if initial == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"workflow version %s has no single initial state", version.ID)
	}

	sess, created, err := d.store.GetOrCreateSession(ctx, ev.AgentID, ev.ContactIdentity, version.ID, initial.Name)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, sess.ID, ev.AgentID, ev.ContactIdentity)
	if created {
		d.logger.InfoContext(ctx, "session created",
			slog.String("workflow_version_id", sess.WorkflowVersionID),
			slog.String("initial_state", sess.CurrentState))
	}

	outcome := &Outcome{Created: created}
	err = d.locks.WithLock(ctx, sess.ID, func(ctx context.Context) error {
		return d.runCycle(ctx, sess.ID, version, ev, outcome)
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// runCycle is the lock-protected body of one dispatch.
func (d *Dispatcher) runCycle(ctx context.Context, sessionID string, latest *store.WorkflowVersion, ev InboundEvent, outcome *Outcome) error {
	// Re-read under the lock; another cycle may have moved the session
	// between GetOrCreateSession and lock acquisition.
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	outcome.Session = sess

	def := &latest.Definition
	if sess.WorkflowVersionID != latest.ID {
		bound, err := d.store.GetWorkflowVersion(ctx, sess.WorkflowVersionID)
		if err != nil {
			return err
		}
		def = &bound.Definition
	}

	inbound, err := d.appendMessage(ctx, sess, ev.Sender, ev.Content, ev.MessageType)
	if err != nil {
		return err
	}
	outcome.Inbound = inbound

	// Operator messages are a human takeover: relay straight to the
	// contact, skip the provider. This is also the only path that may
	// produce outbound effects while the session is paused.
	if ev.Sender == schema.SenderOperator {
		outcome.Reply = ev.Content
		d.deliver(ctx, sess, ev.Content)
		return nil
	}

	if sess.Paused {
		outcome.Suppressed = true
		d.logger.InfoContext(ctx, "inbound suppressed, session paused")
		return nil
	}

	history, err := d.store.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		return err
	}

	input, err := d.contexts.Build(ctx, sess, def, history, inbound)
	if err != nil {
		return err
	}
	proposal, err := d.provider.Propose(ctx, input)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "reasoning provider failed").WithCause(err)
	}
	if err := reasoning.ValidateProposal(proposal); err != nil {
		return err
	}
	if proposal == nil {
		return nil
	}

	if proposal.TriggerLabel != "" {
		scope := GuardScope(sess, inbound, history, def, false)
		applied, aerr := d.engine.Apply(ctx, sess, def, proposal.TriggerLabel, scope, d.store, false)
		switch {
		case aerr == nil:
			outcome.Applied = applied
		case schema.HasCode(aerr, schema.ErrCodeInvalidTransition):
			// Rejection is expected flow: stay in the current state and
			// let the rest of the cycle proceed.
			outcome.RejectedTrigger = proposal.TriggerLabel
			outcome.RejectReason = aerr.Error()
			d.logger.InfoContext(ctx, "transition rejected",
				slog.String("trigger_label", proposal.TriggerLabel))
		default:
			return aerr
		}
	}

	if proposal.Tool != nil {
		decision := d.gate.Authorize(ctx, sess, def, proposal.Tool.Actor, proposal.Tool.Name, false)
		outcome.Tool = &decision
		if decision.Allowed && d.executor != nil {
			result, terr := d.executor.Execute(ctx, tools.Invocation{
				SessionID: sess.ID,
				Actor:     proposal.Tool.Actor,
				Tool:      proposal.Tool.Name,
				Params:    proposal.Tool.Params,
			})
			if terr != nil {
				outcome.ToolError = terr.Error()
				d.logger.WarnContext(ctx, "tool execution failed",
					slog.String("tool", proposal.Tool.Name),
					slog.String("error", terr.Error()))
			} else {
				outcome.ToolResult = result
			}
		}
	}

	if proposal.Reply != "" {
		outcome.Reply = proposal.Reply
		d.deliver(ctx, sess, proposal.Reply)
		if _, err := d.appendMessage(ctx, sess, schema.SenderAgent, proposal.Reply, "text"); err != nil {
			return err
		}
	}
	return nil
}

// HandleInboundAsync queues the event on the pool and returns immediately.
// Failures are logged; callers that need the outcome use HandleInbound.
func (d *Dispatcher) HandleInboundAsync(ctx context.Context, pool *DispatchPool, ev InboundEvent) error {
	if err := validateInbound(ev); err != nil {
		return err
	}
	return pool.Submit(ctx, func(ctx context.Context) error {
		_, err := d.HandleInbound(ctx, ev)
		if err != nil {
			d.logger.ErrorContext(ctx, "async dispatch failed",
				slog.String("agent_id", ev.AgentID),
				slog.String("error", err.Error()))
		}
		return err
	})
}

// InvokeTool runs a tool directly, outside the reasoning cycle; this is
// the operator manually firing a granted tool. The call holds the session
// lock, is refused while the session is paused and is authorized against
// the session's current state like any other invocation.
func (d *Dispatcher) InvokeTool(ctx context.Context, sessionID, actor, tool string, params json.RawMessage) (json.RawMessage, error) {
	var result json.RawMessage
	err := d.locks.WithLock(ctx, sessionID, func(ctx context.Context) error {
		sess, err := d.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		ctx = logging.WithIDs(ctx, sess.ID, sess.AgentID, sess.ContactIdentity)

		if sess.Paused {
			return schema.NewErrorf(schema.ErrCodeSessionPaused,
				"session %s is paused", sessionID)
		}

		version, err := d.store.GetWorkflowVersion(ctx, sess.WorkflowVersionID)
		if err != nil {
			return err
		}

		decision := d.gate.Authorize(ctx, sess, &version.Definition, actor, tool, false)
		if !decision.Allowed {
			return schema.NewErrorf(schema.ErrCodeToolDenied,
				"tool %s not granted to %s in state %s", tool, actor, sess.CurrentState).
				WithState(sess.CurrentState).
				WithDetails(map[string]any{"reason": decision.Reason})
		}
		if d.executor == nil {
			return schema.NewError(schema.ErrCodeExecution, "no tool executor configured")
		}

		result, err = d.executor.Execute(ctx, tools.Invocation{
			SessionID: sess.ID,
			Actor:     actor,
			Tool:      tool,
			Params:    params,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) appendMessage(ctx context.Context, sess *store.Session, sender schema.Sender, content, messageType string) (*store.Message, error) {
	if messageType == "" {
		messageType = "text"
	}
	msg := &store.Message{
		SessionID:   sess.ID,
		Sender:      sender,
		Content:     content,
		MessageType: messageType,
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	if d.hub != nil {
		_ = d.hub.Publish(ctx, streaming.SessionEvent{
			SessionID: sess.ID,
			AgentID:   sess.AgentID,
			EventType: streaming.EventMessageAppended,
			Payload: map[string]any{
				"sender":   string(sender),
				"sequence": msg.Sequence,
			},
		})
	}
	return msg, nil
}

// deliver pushes a reply out. Delivery failures are logged, not fatal:
// the stored history already holds the message.
func (d *Dispatcher) deliver(ctx context.Context, sess *store.Session, reply string) {
	if d.outbound == nil {
		return
	}
	if err := d.outbound.Deliver(ctx, sess, reply); err != nil {
		d.logger.WarnContext(ctx, "outbound delivery failed", slog.String("error", err.Error()))
	}
}

func validateInbound(ev InboundEvent) error {
	if ev.AgentID == "" {
		return schema.NewError(schema.ErrCodeValidation, "inbound event has empty agent_id")
	}
	if ev.ContactIdentity == "" {
		return schema.NewError(schema.ErrCodeValidation, "inbound event has empty contact_identity")
	}
	if !schema.KnownSender(ev.Sender) {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown sender %q", ev.Sender)
	}
	if ev.Sender == schema.SenderAgent {
		return schema.NewError(schema.ErrCodeValidation, "agent messages are produced by the engine, not ingested")
	}
	return nil
}

// GuardScope builds the expression scope guard conditions evaluate
// against. The sandbox shares it so guards behave identically there.
func GuardScope(sess *store.Session, inbound *store.Message, history []*store.Message, def *schema.WorkflowDefinition, sandbox bool) *expressions.Scope {
	hist := make([]any, 0, len(history))
	for _, m := range history {
		// jq input values must be plain JSON types, so sequence is int.
		hist = append(hist, map[string]any{
			"sender":   string(m.Sender),
			"content":  m.Content,
			"type":     m.MessageType,
			"sequence": int(m.Sequence),
		})
	}
	scope := &expressions.Scope{
		Session: map[string]any{
			"id":            sess.ID,
			"agent_id":      sess.AgentID,
			"current_state": sess.CurrentState,
			"contact":       sess.ContactIdentity,
			"paused":        sess.Paused,
			"sandbox":       sandbox,
		},
		History:  hist,
		Metadata: def.Metadata,
	}
	if inbound != nil {
		scope.Message = map[string]any{
			"sender":  string(inbound.Sender),
			"content": inbound.Content,
			"type":    inbound.MessageType,
		}
	}
	return scope
}
