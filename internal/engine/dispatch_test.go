package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/reasoning"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/internal/tools"
	"github.com/rendis/convo/pkg/schema"
)

// scriptProvider returns queued proposals in order.
type scriptProvider struct {
	proposals []*reasoning.Proposal
	inputs    []*reasoning.Input
	err       error
}

func (p *scriptProvider) Propose(ctx context.Context, input *reasoning.Input) (*reasoning.Proposal, error) {
	p.inputs = append(p.inputs, input)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.proposals) == 0 {
		return &reasoning.Proposal{}, nil
	}
	next := p.proposals[0]
	p.proposals = p.proposals[1:]
	return next, nil
}

type recordingExecutor struct {
	invocations []tools.Invocation
	result      json.RawMessage
	err         error
}

func (e *recordingExecutor) Execute(ctx context.Context, inv tools.Invocation) (json.RawMessage, error) {
	e.invocations = append(e.invocations, inv)
	return e.result, e.err
}

type recordingOutbound struct {
	replies []string
	err     error
}

func (o *recordingOutbound) Deliver(ctx context.Context, sess *store.Session, reply string) error {
	if o.err != nil {
		return o.err
	}
	o.replies = append(o.replies, reply)
	return nil
}

type dispatchFixture struct {
	store    *store.LibSQLStore
	provider *scriptProvider
	executor *recordingExecutor
	outbound *recordingOutbound
	hub      *streaming.MemoryHub
	d        *Dispatcher
	version  *store.WorkflowVersion
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "convo.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	def := orderFlowDefinition()
	version := &store.WorkflowVersion{
		ID:         def.Version(),
		AgentID:    "agent-1",
		Name:       def.Name,
		Definition: *def,
	}
	require.NoError(t, st.PutWorkflowVersion(context.Background(), version))

	eval, err := expressions.NewEvaluator()
	require.NoError(t, err)
	hub := streaming.NewMemoryHub()
	logger := testLogger()

	f := &dispatchFixture{
		store:    st,
		provider: &scriptProvider{},
		executor: &recordingExecutor{result: json.RawMessage(`{"ok":true}`)},
		outbound: &recordingOutbound{},
		hub:      hub,
		version:  version,
	}
	f.d = NewDispatcher(DispatcherConfig{
		Store:    st,
		Locks:    NewSessionLocks(5 * time.Second),
		Engine:   NewTransitionEngine(eval, hub, logger),
		Gate:     NewGatekeeper(hub, logger),
		Provider: f.provider,
		Contexts: reasoning.NewContextBuilder(eval),
		Executor: f.executor,
		Outbound: f.outbound,
		Hub:      hub,
		Logger:   logger,
	})
	return f
}

func clientEvent(content string) InboundEvent {
	return InboundEvent{
		AgentID:         "agent-1",
		ContactIdentity: "+5491100000001",
		Sender:          schema.SenderClient,
		Content:         content,
	}
}

func TestHandleInboundCreatesSessionAtInitialState(t *testing.T) {
	f := newDispatchFixture(t)

	out, err := f.d.HandleInbound(context.Background(), clientEvent("hi"))
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.Equal(t, "greeting", out.Session.CurrentState)
	assert.Equal(t, f.version.ID, out.Session.WorkflowVersionID)
	require.NotNil(t, out.Inbound)
	assert.Equal(t, int64(1), out.Inbound.Sequence)

	// Second message reuses the session.
	out2, err := f.d.HandleInbound(context.Background(), clientEvent("hello again"))
	require.NoError(t, err)
	assert.False(t, out2.Created)
	assert.Equal(t, out.Session.ID, out2.Session.ID)
	assert.Equal(t, int64(2), out2.Inbound.Sequence)
}

func TestHandleInboundFullCycle(t *testing.T) {
	f := newDispatchFixture(t)
	f.provider.proposals = []*reasoning.Proposal{{
		TriggerLabel: "wants_order",
		Tool:         &reasoning.ToolRequest{Actor: "billing", Name: "create_invoice"},
		Reply:        "What would you like to order?",
	}}

	out, err := f.d.HandleInbound(context.Background(), clientEvent("I want to order"))
	require.NoError(t, err)

	// Transition committed.
	require.NotNil(t, out.Applied)
	assert.Equal(t, "greeting", out.Applied.FromState)
	assert.Equal(t, "taking_order", out.Applied.ToState)
	assert.Equal(t, "taking_order", out.Session.CurrentState)

	// Tool authorized against the post-transition state, then executed.
	require.NotNil(t, out.Tool)
	assert.True(t, out.Tool.Allowed)
	assert.Equal(t, "taking_order", out.Tool.State)
	require.Len(t, f.executor.invocations, 1)
	assert.Equal(t, "create_invoice", f.executor.invocations[0].Tool)
	assert.JSONEq(t, `{"ok":true}`, string(out.ToolResult))

	// Reply delivered and appended as an agent message.
	assert.Equal(t, []string{"What would you like to order?"}, f.outbound.replies)
	msgs, err := f.store.ListMessages(context.Background(), out.Session.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, schema.SenderClient, msgs[0].Sender)
	assert.Equal(t, schema.SenderAgent, msgs[1].Sender)

	// Audit trail has the transition.
	recs, err := f.store.ListTransitions(context.Background(), out.Session.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "wants_order", recs[0].TriggerLabel)

	// Durable state matches.
	persisted, err := f.store.GetSession(context.Background(), out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "taking_order", persisted.CurrentState)
}

func TestHandleInboundToolDeniedPreTransitionGrant(t *testing.T) {
	f := newDispatchFixture(t)
	// crm.lookup_customer is granted in greeting but the proposal also
	// moves the session away, so the post-transition check denies it.
	f.provider.proposals = []*reasoning.Proposal{{
		TriggerLabel: "wants_order",
		Tool:         &reasoning.ToolRequest{Actor: "crm", Name: "lookup_customer"},
	}}

	out, err := f.d.HandleInbound(context.Background(), clientEvent("order please"))
	require.NoError(t, err)

	assert.Equal(t, "taking_order", out.Session.CurrentState)
	require.NotNil(t, out.Tool)
	assert.False(t, out.Tool.Allowed)
	assert.Empty(t, f.executor.invocations)
}

func TestHandleInboundRejectedTransitionStaysPut(t *testing.T) {
	f := newDispatchFixture(t)
	f.provider.proposals = []*reasoning.Proposal{{
		TriggerLabel: "confirmed", // not a scenario of greeting
		Reply:        "Sorry, could you rephrase?",
	}}

	out, err := f.d.HandleInbound(context.Background(), clientEvent("mumble"))
	require.NoError(t, err)

	assert.Nil(t, out.Applied)
	assert.Equal(t, "confirmed", out.RejectedTrigger)
	assert.Equal(t, "greeting", out.Session.CurrentState)

	// The cycle still delivered the reply.
	assert.Equal(t, []string{"Sorry, could you rephrase?"}, f.outbound.replies)

	recs, err := f.store.ListTransitions(context.Background(), out.Session.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHandleInboundPausedSuppressesAutomation(t *testing.T) {
	f := newDispatchFixture(t)

	out, err := f.d.HandleInbound(context.Background(), clientEvent("hi"))
	require.NoError(t, err)
	sessionID := out.Session.ID

	pause := NewPauseController(f.store, f.hub, testLogger())
	require.NoError(t, pause.SetPaused(context.Background(), sessionID, true))

	f.provider.proposals = []*reasoning.Proposal{{TriggerLabel: "wants_order", Reply: "should not happen"}}
	out, err = f.d.HandleInbound(context.Background(), clientEvent("anyone there?"))
	require.NoError(t, err)

	assert.True(t, out.Suppressed)
	assert.Nil(t, out.Applied)
	assert.Empty(t, out.Reply)
	assert.Empty(t, f.outbound.replies)
	// Provider not consulted while paused; only the initial dispatch did.
	assert.Len(t, f.provider.inputs, 1)

	// The message is still part of the durable history.
	msgs, err := f.store.ListMessages(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "anyone there?", msgs[1].Content)

	// Resume: automation picks the conversation back up where it stood.
	require.NoError(t, pause.SetPaused(context.Background(), sessionID, false))
	f.provider.proposals = []*reasoning.Proposal{{TriggerLabel: "wants_order"}}
	out, err = f.d.HandleInbound(context.Background(), clientEvent("hello?"))
	require.NoError(t, err)
	assert.False(t, out.Suppressed)
	require.NotNil(t, out.Applied)
	assert.Equal(t, "taking_order", out.Session.CurrentState)
}

func TestHandleInboundOperatorRelaysDuringPause(t *testing.T) {
	f := newDispatchFixture(t)

	out, err := f.d.HandleInbound(context.Background(), clientEvent("hi"))
	require.NoError(t, err)
	sessionID := out.Session.ID

	pause := NewPauseController(f.store, f.hub, testLogger())
	require.NoError(t, pause.SetPaused(context.Background(), sessionID, true))

	out, err = f.d.HandleInbound(context.Background(), InboundEvent{
		AgentID:         "agent-1",
		ContactIdentity: "+5491100000001",
		Sender:          schema.SenderOperator,
		Content:         "A human here, one moment",
	})
	require.NoError(t, err)

	assert.False(t, out.Suppressed)
	assert.Equal(t, "A human here, one moment", out.Reply)
	assert.Equal(t, []string{"A human here, one moment"}, f.outbound.replies)
	// Operator messages never consult the provider; only the initial
	// client dispatch did.
	assert.Len(t, f.provider.inputs, 1)
	// FSM position untouched.
	assert.Equal(t, "greeting", out.Session.CurrentState)
}

func TestHandleInboundProviderFailureIsolated(t *testing.T) {
	f := newDispatchFixture(t)
	f.provider.err = assert.AnError

	_, err := f.d.HandleInbound(context.Background(), clientEvent("hi"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	// The inbound message survived the failure.
	sessions, lerr := f.store.ListSessions(context.Background(), store.SessionFilter{AgentID: "agent-1"})
	require.NoError(t, lerr)
	require.Len(t, sessions, 1)
	msgs, lerr := f.store.ListMessages(context.Background(), sessions[0].ID, 0)
	require.NoError(t, lerr)
	require.Len(t, msgs, 1)
	// And the session did not move.
	assert.Equal(t, "greeting", sessions[0].CurrentState)
}

func TestHandleInboundValidation(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	_, err := f.d.HandleInbound(ctx, InboundEvent{ContactIdentity: "c", Sender: schema.SenderClient})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = f.d.HandleInbound(ctx, InboundEvent{AgentID: "a", Sender: schema.SenderClient})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = f.d.HandleInbound(ctx, InboundEvent{AgentID: "a", ContactIdentity: "c", Sender: "ghost"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	// Agent messages are engine-produced, never ingested.
	_, err = f.d.HandleInbound(ctx, InboundEvent{AgentID: "a", ContactIdentity: "c", Sender: schema.SenderAgent})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestHandleInboundUnknownAgent(t *testing.T) {
	f := newDispatchFixture(t)

	_, err := f.d.HandleInbound(context.Background(), InboundEvent{
		AgentID:         "no-such-agent",
		ContactIdentity: "c",
		Sender:          schema.SenderClient,
		Content:         "hi",
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestInvokeTool(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	out, err := f.d.HandleInbound(ctx, clientEvent("hi"))
	require.NoError(t, err)
	sessionID := out.Session.ID

	// Granted in greeting.
	result, err := f.d.InvokeTool(ctx, sessionID, "crm", "lookup_customer", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	require.Len(t, f.executor.invocations, 1)
	assert.Equal(t, sessionID, f.executor.invocations[0].SessionID)

	// Not granted in greeting.
	_, err = f.d.InvokeTool(ctx, sessionID, "billing", "create_invoice", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolDenied))
	require.Len(t, f.executor.invocations, 1)
}

func TestInvokeToolPausedSession(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	out, err := f.d.HandleInbound(ctx, clientEvent("hi"))
	require.NoError(t, err)

	pause := NewPauseController(f.store, f.hub, testLogger())
	require.NoError(t, pause.SetPaused(ctx, out.Session.ID, true))

	_, err = f.d.InvokeTool(ctx, out.Session.ID, "crm", "lookup_customer", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSessionPaused))
	assert.Empty(t, f.executor.invocations)
}

func TestInvokeToolUnknownSession(t *testing.T) {
	f := newDispatchFixture(t)

	_, err := f.d.InvokeTool(context.Background(), "nope", "crm", "lookup_customer", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestHandleInboundAsync(t *testing.T) {
	f := newDispatchFixture(t)
	pool := NewDispatchPool(2)
	defer pool.Shutdown()

	require.NoError(t, f.d.HandleInboundAsync(context.Background(), pool, clientEvent("hi")))
	pool.Wait()

	sessions, err := f.store.ListSessions(context.Background(), store.SessionFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Invalid events are rejected synchronously, before queueing.
	err = f.d.HandleInboundAsync(context.Background(), pool, InboundEvent{Sender: schema.SenderClient})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestSessionKeepsVersionAfterNewRegistration(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	out, err := f.d.HandleInbound(ctx, clientEvent("hi"))
	require.NoError(t, err)
	boundVersion := out.Session.WorkflowVersionID

	// Register a newer definition for the same agent.
	newDef := orderFlowDefinition()
	newDef.Name = "order-flow-v2"
	newDef.States = append(newDef.States, schema.State{Name: "extra"})
	require.NoError(t, f.store.PutWorkflowVersion(ctx, &store.WorkflowVersion{
		ID:         newDef.Version(),
		AgentID:    "agent-1",
		Name:       newDef.Name,
		Definition: *newDef,
		CreatedAt:  time.Now().Add(time.Minute),
	}))

	// The existing session keeps driving against its bound version.
	f.provider.proposals = []*reasoning.Proposal{{TriggerLabel: "wants_order"}}
	out, err = f.d.HandleInbound(ctx, clientEvent("order"))
	require.NoError(t, err)
	assert.Equal(t, boundVersion, out.Session.WorkflowVersionID)
	require.NotNil(t, out.Applied)

	// A brand-new contact binds to the latest version.
	out2, err := f.d.HandleInbound(ctx, InboundEvent{
		AgentID:         "agent-1",
		ContactIdentity: "+5491100000099",
		Sender:          schema.SenderClient,
		Content:         "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, newDef.Version(), out2.Session.WorkflowVersionID)
}
