package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memorySink records committed transitions without a database.
type memorySink struct {
	records []*store.TransitionRecord
	err     error
}

func (m *memorySink) ApplyTransition(ctx context.Context, rec *store.TransitionRecord) error {
	if m.err != nil {
		return m.err
	}
	rec.Sequence = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return nil
}

func orderFlowDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "order-flow",
		States: []schema.State{
			{
				Name:    "greeting",
				Initial: true,
				Scenarios: []schema.Transition{
					{TriggerLabel: "wants_order", NextState: "taking_order"},
					{TriggerLabel: "vip_lane", NextState: "checkout", Condition: `message.content == "vip"`},
				},
				AvailableTools: map[string][]string{"crm": {"lookup_customer"}},
			},
			{
				Name: "taking_order",
				Scenarios: []schema.Transition{
					{TriggerLabel: "confirmed", NextState: "checkout"},
				},
				AvailableTools: map[string][]string{"billing": {"create_invoice"}},
			},
			{Name: "checkout"},
		},
	}
}

func newTestEngine(t *testing.T) (*TransitionEngine, *streaming.MemoryHub) {
	t.Helper()
	eval, err := expressions.NewEvaluator()
	require.NoError(t, err)
	hub := streaming.NewMemoryHub()
	return NewTransitionEngine(eval, hub, testLogger()), hub
}

func TestApplyCommitsAndUpdatesSession(t *testing.T) {
	eng, _ := newTestEngine(t)
	sink := &memorySink{}
	sess := &store.Session{ID: "s1", AgentID: "a1", CurrentState: "greeting"}

	rec, err := eng.Apply(context.Background(), sess, orderFlowDefinition(), "wants_order", &expressions.Scope{}, sink, false)
	require.NoError(t, err)

	assert.Equal(t, "greeting", rec.FromState)
	assert.Equal(t, "taking_order", rec.ToState)
	assert.Equal(t, "taking_order", sess.CurrentState)
	require.Len(t, sink.records, 1)
}

func TestApplyUnknownTriggerRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	sink := &memorySink{}
	sess := &store.Session{ID: "s1", CurrentState: "greeting"}

	_, err := eng.Apply(context.Background(), sess, orderFlowDefinition(), "confirmed", &expressions.Scope{}, sink, false)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, "greeting", sess.CurrentState)
	assert.Empty(t, sink.records)
}

func TestApplyGuardGatesTransition(t *testing.T) {
	eng, _ := newTestEngine(t)
	sink := &memorySink{}
	sess := &store.Session{ID: "s1", CurrentState: "greeting"}

	// Guard false: rejected, nothing committed.
	scope := &expressions.Scope{Message: map[string]any{"content": "hello"}}
	_, err := eng.Apply(context.Background(), sess, orderFlowDefinition(), "vip_lane", scope, sink, false)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, "greeting", sess.CurrentState)
	assert.Empty(t, sink.records)

	// Guard true: commits.
	scope = &expressions.Scope{Message: map[string]any{"content": "vip"}}
	rec, err := eng.Apply(context.Background(), sess, orderFlowDefinition(), "vip_lane", scope, sink, false)
	require.NoError(t, err)
	assert.Equal(t, "checkout", rec.ToState)
	assert.Equal(t, "checkout", sess.CurrentState)
}

func TestApplyBrokenGuardRejectsNotCrashes(t *testing.T) {
	eng, _ := newTestEngine(t)
	def := &schema.WorkflowDefinition{
		Name: "w",
		States: []schema.State{
			{
				Name:    "a",
				Initial: true,
				Scenarios: []schema.Transition{
					{TriggerLabel: "go", NextState: "b", Condition: "message.does_not_exist > 1"},
				},
			},
			{Name: "b"},
		},
	}
	sink := &memorySink{}
	sess := &store.Session{ID: "s1", CurrentState: "a"}

	_, err := eng.Apply(context.Background(), sess, def, "go", &expressions.Scope{}, sink, false)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, "a", sess.CurrentState)
}

func TestApplySinkFailureLeavesSession(t *testing.T) {
	eng, _ := newTestEngine(t)
	sink := &memorySink{err: schema.NewError(schema.ErrCodeStore, "disk gone")}
	sess := &store.Session{ID: "s1", CurrentState: "greeting"}

	_, err := eng.Apply(context.Background(), sess, orderFlowDefinition(), "wants_order", &expressions.Scope{}, sink, false)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.Equal(t, "greeting", sess.CurrentState)
}

func TestApplyPublishesEvents(t *testing.T) {
	eng, hub := newTestEngine(t)
	ctx := context.Background()

	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancel()

	sink := &memorySink{}
	sess := &store.Session{ID: "s1", AgentID: "a1", CurrentState: "greeting"}
	_, err = eng.Apply(ctx, sess, orderFlowDefinition(), "wants_order", &expressions.Scope{}, sink, false)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, streaming.EventTransitionApplied, ev.EventType)
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestAuthorizeFollowsCurrentState(t *testing.T) {
	gate := NewGatekeeper(streaming.NewMemoryHub(), testLogger())
	def := orderFlowDefinition()
	ctx := context.Background()

	sess := &store.Session{ID: "s1", CurrentState: "greeting"}

	d := gate.Authorize(ctx, sess, def, "crm", "lookup_customer", false)
	assert.True(t, d.Allowed)
	assert.Equal(t, "greeting", d.State)

	// Not granted in this state.
	d = gate.Authorize(ctx, sess, def, "billing", "create_invoice", false)
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)

	// After moving, the billing grant applies and the crm one is gone.
	sess.CurrentState = "taking_order"
	assert.True(t, gate.Authorize(ctx, sess, def, "billing", "create_invoice", false).Allowed)
	assert.False(t, gate.Authorize(ctx, sess, def, "crm", "lookup_customer", false).Allowed)
}

func TestAuthorizeUnknownStateDenies(t *testing.T) {
	gate := NewGatekeeper(nil, testLogger())
	sess := &store.Session{ID: "s1", CurrentState: "nowhere"}

	d := gate.Authorize(context.Background(), sess, orderFlowDefinition(), "crm", "lookup_customer", false)
	assert.False(t, d.Allowed)
}

func TestAuthorizeSandboxTagged(t *testing.T) {
	gate := NewGatekeeper(nil, testLogger())
	sess := &store.Session{ID: "s1", CurrentState: "greeting"}

	d := gate.Authorize(context.Background(), sess, orderFlowDefinition(), "crm", "lookup_customer", true)
	assert.True(t, d.Allowed)
	assert.True(t, d.Sandbox)
}
