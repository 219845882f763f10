package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

// TransitionSink commits a transition record. The durable Store implements
// it with a single transaction (guarded state update + audit insert); the
// sandbox implements it entirely in memory.
type TransitionSink interface {
	ApplyTransition(ctx context.Context, rec *store.TransitionRecord) error
}

// TransitionEngine resolves a proposed trigger against the session's bound
// workflow definition, evaluates the scenario's guard and commits the move.
// Either everything commits (state change + audit entry) or nothing does.
type TransitionEngine struct {
	guards *expressions.Evaluator
	hub    streaming.EventHub
	logger *slog.Logger
}

func NewTransitionEngine(guards *expressions.Evaluator, hub streaming.EventHub, logger *slog.Logger) *TransitionEngine {
	return &TransitionEngine{guards: guards, hub: hub, logger: logger}
}

// Apply attempts the transition named by triggerLabel from the session's
// current state. A trigger that is not a scenario of the current state, or
// whose guard evaluates false, is rejected with INVALID_TRANSITION; the
// session is untouched and the caller continues in the same state. On
// success the session struct is updated in place to the committed state.
func (e *TransitionEngine) Apply(ctx context.Context, sess *store.Session, def *schema.WorkflowDefinition, triggerLabel string, scope *expressions.Scope, sink TransitionSink, sandbox bool) (*store.TransitionRecord, error) {
	state := def.FindState(sess.CurrentState)
	if state == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"session %s is in state %q which the bound workflow does not define", sess.ID, sess.CurrentState).
			WithState(sess.CurrentState)
	}

	scenario := state.FindTransition(triggerLabel)
	if scenario == nil {
		err := schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"trigger %q is not a scenario of state %q", triggerLabel, state.Name).
			WithState(state.Name).
			WithDetails(map[string]any{"session_id": sess.ID, "trigger_label": triggerLabel})
		e.publishRejection(ctx, sess, triggerLabel, "unknown_trigger", sandbox)
		return nil, err
	}

	if scenario.Condition != "" {
		ok, gerr := e.guards.EvaluateBool(ctx, scenario.Condition, scope)
		if gerr != nil {
			// A guard that cannot be evaluated rejects the transition
			// rather than crashing the conversation.
			e.logger.WarnContext(ctx, "guard evaluation failed",
				slog.String("trigger_label", triggerLabel),
				slog.String("error", gerr.Error()))
			ok = false
		}
		if !ok {
			err := schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"guard rejected trigger %q in state %q", triggerLabel, state.Name).
				WithState(state.Name).
				WithDetails(map[string]any{"session_id": sess.ID, "trigger_label": triggerLabel, "guard": scenario.Condition})
			e.publishRejection(ctx, sess, triggerLabel, "guard_rejected", sandbox)
			return nil, err
		}
	}

	rec := &store.TransitionRecord{
		SessionID:    sess.ID,
		FromState:    state.Name,
		ToState:      scenario.NextState,
		TriggerLabel: triggerLabel,
		CreatedAt:    time.Now().UTC(),
	}
	if err := sink.ApplyTransition(ctx, rec); err != nil {
		return nil, err
	}

	sess.CurrentState = scenario.NextState
	sess.UpdatedAt = rec.CreatedAt

	e.logger.InfoContext(ctx, "transition applied",
		slog.String("from_state", rec.FromState),
		slog.String("to_state", rec.ToState),
		slog.String("trigger_label", rec.TriggerLabel),
		slog.Bool("sandbox", sandbox))

	e.publish(ctx, streaming.SessionEvent{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		EventType: streaming.EventTransitionApplied,
		Sandbox:   sandbox,
		Payload: map[string]any{
			"from_state":    rec.FromState,
			"to_state":      rec.ToState,
			"trigger_label": rec.TriggerLabel,
		},
	})
	return rec, nil
}

func (e *TransitionEngine) publishRejection(ctx context.Context, sess *store.Session, trigger, reason string, sandbox bool) {
	e.publish(ctx, streaming.SessionEvent{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		EventType: streaming.EventTransitionRejected,
		Sandbox:   sandbox,
		Payload: map[string]any{
			"current_state": sess.CurrentState,
			"trigger_label": trigger,
			"reason":        reason,
		},
	})
}

func (e *TransitionEngine) publish(ctx context.Context, event streaming.SessionEvent) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}
