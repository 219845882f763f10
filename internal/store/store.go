package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow versions (content-addressed, immutable)
	PutWorkflowVersion(ctx context.Context, v *WorkflowVersion) error
	GetWorkflowVersion(ctx context.Context, id string) (*WorkflowVersion, error)
	LatestWorkflowVersion(ctx context.Context, agentID string) (*WorkflowVersion, error)
	ListWorkflowVersions(ctx context.Context, agentID string) ([]*WorkflowVersion, error)

	// Sessions
	GetOrCreateSession(ctx context.Context, agentID, contactIdentity, versionID, initialState string) (*Session, bool, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	SetSessionPaused(ctx context.Context, id string, paused bool) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)

	// Messages (append-only)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID string, sinceSeq int64) ([]*Message, error)

	// Transition commit (atomic: session state + audit entry in one tx)
	ApplyTransition(ctx context.Context, rec *TransitionRecord) error
	ListTransitions(ctx context.Context, sessionID string) ([]*TransitionRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
