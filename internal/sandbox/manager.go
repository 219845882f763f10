package sandbox

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/convo/internal/engine"
	"github.com/rendis/convo/internal/reasoning"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

const defaultIdleTTL = 30 * time.Minute

// Result reports what one sandbox turn did. Tool calls are authorized and
// recorded but never executed; a sandbox run must not touch the outside
// world.
type Result struct {
	Session         *store.Session          `json:"session"`
	Applied         *store.TransitionRecord `json:"applied,omitempty"`
	RejectedTrigger string                  `json:"rejected_trigger,omitempty"`
	RejectReason    string                  `json:"reject_reason,omitempty"`
	Tool            *engine.Decision        `json:"tool,omitempty"`
	Reply           string                  `json:"reply,omitempty"`
}

// session is one ephemeral conversation held entirely in memory.
type session struct {
	mu          sync.Mutex
	sess        *store.Session
	def         *schema.WorkflowDefinition
	messages    []*store.Message
	transitions []*store.TransitionRecord
	lastActive  time.Time
}

// ApplyTransition commits to the in-memory transition log.
func (s *session) ApplyTransition(ctx context.Context, rec *store.TransitionRecord) error {
	rec.Sequence = int64(len(s.transitions) + 1)
	s.transitions = append(s.transitions, rec)
	return nil
}

// Manager runs ephemeral sandbox sessions for exercising a workflow
// definition before (or after) it is registered. Sandbox conversations go
// through the same transition engine, guards and gatekeeper as production
// ones but never reach the store, the tool executor or an outbound
// channel; everything evaporates on Close or idle sweep.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	engine   *engine.TransitionEngine
	gate     *engine.Gatekeeper
	provider reasoning.Provider
	contexts *reasoning.ContextBuilder
	hub      streaming.EventHub
	logger   *slog.Logger
	idleTTL  time.Duration
}

type ManagerConfig struct {
	Engine   *engine.TransitionEngine
	Gate     *engine.Gatekeeper
	Provider reasoning.Provider
	Contexts *reasoning.ContextBuilder
	Hub      streaming.EventHub
	Logger   *slog.Logger
	IdleTTL  time.Duration
}

func NewManager(cfg ManagerConfig) *Manager {
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = defaultIdleTTL
	}
	return &Manager{
		sessions: make(map[string]*session),
		engine:   cfg.Engine,
		gate:     cfg.Gate,
		provider: cfg.Provider,
		contexts: cfg.Contexts,
		hub:      cfg.Hub,
		logger:   cfg.Logger,
		idleTTL:  idle,
	}
}

// Open starts a sandbox session against the given definition. The
// definition must have a single initial state; validation is the caller's
// job (the dashboard validates before opening).
func (m *Manager) Open(ctx context.Context, agentID string, def *schema.WorkflowDefinition) (*store.Session, error) {
	initial := def.InitialState()
	if initial == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q has no single initial state", def.Name)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:                "sbx-" + uuid.NewString(),
		AgentID:           agentID,
		WorkflowVersionID: def.Version(),
		ContactIdentity:   "sandbox",
		CurrentState:      initial.Name,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = &session{sess: sess, def: def, lastActive: now}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "sandbox session opened",
		slog.String("sandbox_session_id", sess.ID),
		slog.String("agent_id", agentID),
		slog.String("initial_state", initial.Name))
	return copySession(sess), nil
}

// Send drives one sandbox turn: store the message in memory, consult the
// provider, apply the proposed transition, authorize (but never execute)
// the proposed tool, capture the reply.
func (m *Manager) Send(ctx context.Context, sessionID, content string) (*Result, error) {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.lastActive = time.Now().UTC()

	inbound := sb.appendMessage(schema.SenderClient, content)
	result := &Result{}

	input, err := m.contexts.Build(ctx, sb.sess, sb.def, sb.messages, inbound)
	if err != nil {
		return nil, err
	}
	proposal, err := m.provider.Propose(ctx, input)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "reasoning provider failed").WithCause(err)
	}
	if err := reasoning.ValidateProposal(proposal); err != nil {
		return nil, err
	}
	if proposal == nil {
		result.Session = copySession(sb.sess)
		return result, nil
	}

	if proposal.TriggerLabel != "" {
		scope := engine.GuardScope(sb.sess, inbound, sb.messages, sb.def, true)
		applied, aerr := m.engine.Apply(ctx, sb.sess, sb.def, proposal.TriggerLabel, scope, sb, true)
		switch {
		case aerr == nil:
			result.Applied = applied
		case schema.HasCode(aerr, schema.ErrCodeInvalidTransition):
			result.RejectedTrigger = proposal.TriggerLabel
			result.RejectReason = aerr.Error()
		default:
			return nil, aerr
		}
	}

	if proposal.Tool != nil {
		decision := m.gate.Authorize(ctx, sb.sess, sb.def, proposal.Tool.Actor, proposal.Tool.Name, true)
		result.Tool = &decision
	}

	if proposal.Reply != "" {
		result.Reply = proposal.Reply
		sb.appendMessage(schema.SenderAgent, proposal.Reply)
	}

	result.Session = copySession(sb.sess)
	return result, nil
}

// History returns the in-memory conversation of a sandbox session.
func (m *Manager) History(sessionID string) ([]*store.Message, error) {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]*store.Message, len(sb.messages))
	copy(out, sb.messages)
	return out, nil
}

// Transitions returns the in-memory audit trail of a sandbox session.
func (m *Manager) Transitions(sessionID string) ([]*store.TransitionRecord, error) {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]*store.TransitionRecord, len(sb.transitions))
	copy(out, sb.transitions)
	return out, nil
}

// List returns snapshots of all open sandbox sessions, oldest first.
func (m *Manager) List() []*store.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Session, 0, len(m.sessions))
	for _, sb := range m.sessions {
		out = append(out, copySession(sb.sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close discards a sandbox session and everything it accumulated.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "sandbox session %s not found", sessionID)
	}
	m.logger.InfoContext(ctx, "sandbox session closed", slog.String("sandbox_session_id", sessionID))
	return nil
}

// SweepIdle discards sessions idle longer than the configured TTL and
// returns how many were dropped. The janitor calls this periodically.
func (m *Manager) SweepIdle(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-m.idleTTL)

	m.mu.Lock()
	var swept int
	for id, sb := range m.sessions {
		sb.mu.Lock()
		idle := sb.lastActive.Before(cutoff)
		sb.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			swept++
		}
	}
	m.mu.Unlock()

	if swept > 0 {
		m.logger.InfoContext(ctx, "idle sandbox sessions swept", slog.Int("count", swept))
	}
	return swept
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.RLock()
	sb, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "sandbox session %s not found", sessionID)
	}
	return sb, nil
}

func (s *session) appendMessage(sender schema.Sender, content string) *store.Message {
	msg := &store.Message{
		ID:          int64(len(s.messages) + 1),
		SessionID:   s.sess.ID,
		Sender:      sender,
		Content:     content,
		MessageType: "text",
		CreatedAt:   time.Now().UTC(),
		Sequence:    int64(len(s.messages) + 1),
	}
	s.messages = append(s.messages, msg)
	return msg
}

func copySession(s *store.Session) *store.Session {
	c := *s
	return &c
}
