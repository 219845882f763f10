package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/convo/internal/engine"
	"github.com/rendis/convo/internal/sandbox"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/tools"
	"github.com/rendis/convo/internal/validation"
)

// ConvoServerDeps holds the dependencies for creating a ConvoServer.
type ConvoServerDeps struct {
	Store      store.Store
	Validator  *validation.WorkflowValidator
	Dispatcher *engine.Dispatcher
	Pool       *engine.DispatchPool
	Pause      *engine.PauseController
	Sandbox    *sandbox.Manager
	Registry   *tools.Registry
	Logger     *slog.Logger
}

// ConvoServer wraps an MCP server with the operator/dashboard tool surface:
// registering workflows, injecting messages, pausing sessions, driving
// sandbox runs and querying conversation data.
type ConvoServer struct {
	store      store.Store
	validator  *validation.WorkflowValidator
	dispatcher *engine.Dispatcher
	pool       *engine.DispatchPool
	pause      *engine.PauseController
	sandbox    *sandbox.Manager
	registry   *tools.Registry
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewConvoServer creates a ConvoServer with all tools registered.
func NewConvoServer(deps ConvoServerDeps) *ConvoServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConvoServer{
		store:      deps.Store,
		validator:  deps.Validator,
		dispatcher: deps.Dispatcher,
		pool:       deps.Pool,
		pause:      deps.Pause,
		sandbox:    deps.Sandbox,
		registry:   deps.Registry,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"convo",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Convo drives client conversations through per-agent workflow state machines. Use convo.define to validate and register a workflow, convo.validate to check one without registering, convo.message to inject an inbound message, convo.invoke to fire a granted tool manually, convo.pause to pause or resume a session, convo.sandbox to exercise a workflow in an ephemeral session, convo.diagram to render a workflow, and convo.query to list sessions, messages, transitions, versions or tools."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConvoServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConvoServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ConvoServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: messageTool(), Handler: s.handleMessage},
		{Tool: invokeTool(), Handler: s.handleInvoke},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: sandboxTool(), Handler: s.handleSandbox},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("convo.define",
		mcp.WithDescription("Validate and register a workflow definition for an agent. The definition is content-addressed: registering the same definition twice yields the same version."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent the workflow belongs to")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition (name, states, scenarios, tool grants)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("convo.validate",
		mcp.WithDescription("Validate a workflow definition without registering it. Returns structural, semantic and reachability findings."),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition to check")),
	)
}

func messageTool() mcp.Tool {
	return mcp.NewTool("convo.message",
		mcp.WithDescription("Inject one inbound message into a conversation and run it to completion"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Target agent")),
		mcp.WithString("contact_identity", mcp.Required(), mcp.Description("Channel identity of the contact (phone number, handle)")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("sender", mcp.Enum("client", "operator"), mcp.Description("Who sent it (default: client)")),
		mcp.WithString("message_type", mcp.Description("Message type (default: text)")),
		mcp.WithBoolean("async", mcp.Description("Queue the message and return immediately instead of waiting for the outcome")),
	)
}

func invokeTool() mcp.Tool {
	return mcp.NewTool("convo.invoke",
		mcp.WithDescription("Manually fire a tool for a session, outside the reasoning cycle. The call is authorized against the session's current state and refused while the session is paused."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Actor the tool belongs to")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("Tool name")),
		mcp.WithObject("params", mcp.Description("Tool parameters")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("convo.pause",
		mcp.WithDescription("Pause or resume automated handling of a session. Pausing keeps storing inbound messages but suppresses the agent; the conversation resumes exactly where it stopped."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to pause or resume")),
		mcp.WithBoolean("paused", mcp.Required(), mcp.Description("true to pause, false to resume")),
	)
}

func sandboxTool() mcp.Tool {
	return mcp.NewTool("convo.sandbox",
		mcp.WithDescription("Drive a workflow in an ephemeral in-memory session. Nothing touches the store and tool calls are authorized but never executed."),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("open", "send", "history", "close", "list"),
			mcp.Description("Sandbox operation")),
		mcp.WithString("agent_id", mcp.Description("Agent to open the session for (open)")),
		mcp.WithObject("definition", mcp.Description("Workflow definition to exercise (open; omit to use the agent's latest registered version)")),
		mcp.WithString("session_id", mcp.Description("Sandbox session (send, history, close)")),
		mcp.WithString("content", mcp.Description("Client message text (send)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("convo.diagram",
		mcp.WithDescription("Render a registered workflow version as a Mermaid state diagram"),
		mcp.WithString("version_id", mcp.Required(), mcp.Description("Workflow version to render")),
		mcp.WithString("session_id", mcp.Description("Highlight this session's current state")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("convo.query",
		mcp.WithDescription("List sessions, messages, transitions, workflow versions or registered tools"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("sessions", "messages", "transitions", "versions", "tools"),
			mcp.Description("Resource type to query")),
		mcp.WithObject("filter", mcp.Description("Resource-specific filters (agent_id, session_id, paused, state, since_seq, limit)")),
	)
}
