package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/convo/internal/diagram"
	"github.com/rendis/convo/internal/engine"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// handleDefine validates a workflow definition and registers it as a new
// version for the agent. Unchanged definitions resolve to the existing
// version; validation warnings are returned alongside the version id.
func (s *ConvoServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	def, result, verr := s.parseAndValidate(req)
	if verr != nil {
		return mcp.NewToolResultError(verr.Error()), nil
	}
	if def == nil {
		return marshalResult(map[string]any{
			"registered": false,
			"valid":      false,
			"issues":     result.Errors,
			"warnings":   result.Warnings,
		})
	}

	version := &store.WorkflowVersion{
		ID:         def.Version(),
		AgentID:    agentID,
		Name:       def.Name,
		Definition: *def,
		CreatedAt:  time.Now().UTC(),
	}
	if storeErr := s.store.PutWorkflowVersion(ctx, version); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow version: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{
		"registered": true,
		"version_id": version.ID,
		"name":       def.Name,
		"warnings":   result.Warnings,
	})
}

// handleValidate checks a definition without registering it.
func (s *ConvoServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, result, verr := s.parseAndValidate(req)
	if verr != nil {
		return mcp.NewToolResultError(verr.Error()), nil
	}

	out := map[string]any{
		"valid":    def != nil,
		"issues":   result.Errors,
		"warnings": result.Warnings,
	}
	if def != nil {
		out["version_id"] = def.Version()
	}
	return marshalResult(out)
}

// handleMessage injects one inbound message and runs the dispatch cycle.
func (s *ConvoServer) handleMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	contact, err := req.RequireString("contact_identity")
	if err != nil {
		return mcp.NewToolResultError("contact_identity is required"), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content is required"), nil
	}
	sender := schema.Sender(req.GetString("sender", string(schema.SenderClient)))

	ev := engine.InboundEvent{
		AgentID:         agentID,
		ContactIdentity: contact,
		Sender:          sender,
		Content:         content,
		MessageType:     req.GetString("message_type", ""),
	}

	if req.GetBool("async", false) && s.pool != nil {
		if qerr := s.dispatcher.HandleInboundAsync(ctx, s.pool, ev); qerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("enqueue failed: %v", qerr)), nil
		}
		return marshalResult(map[string]any{"queued": true})
	}

	outcome, dispErr := s.dispatcher.HandleInbound(ctx, ev)
	if dispErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", dispErr)), nil
	}
	return marshalResult(outcome)
}

// handleInvoke fires a tool manually for a session.
func (s *ConvoServer) handleInvoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}
	tool, err := req.RequireString("tool")
	if err != nil {
		return mcp.NewToolResultError("tool is required"), nil
	}

	var params json.RawMessage
	if raw := mcp.ParseStringMap(req, "params", nil); raw != nil {
		if data, merr := json.Marshal(raw); merr == nil {
			params = data
		}
	}

	result, ierr := s.dispatcher.InvokeTool(ctx, sessionID, actor, tool, params)
	if ierr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invoke failed: %v", ierr)), nil
	}
	out := map[string]any{"session_id": sessionID, "actor": actor, "tool": tool}
	if len(result) > 0 {
		out["result"] = json.RawMessage(result)
	}
	return marshalResult(out)
}

// handlePause flips the pause flag on a session.
func (s *ConvoServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	paused, err := req.RequireBool("paused")
	if err != nil {
		return mcp.NewToolResultError("paused is required"), nil
	}

	if perr := s.pause.SetPaused(ctx, sessionID, paused); perr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pause failed: %v", perr)), nil
	}
	return marshalResult(map[string]any{
		"session_id": sessionID,
		"paused":     paused,
	})
}

// handleSandbox routes the sandbox sub-actions.
func (s *ConvoServer) handleSandbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "open":
		return s.sandboxOpen(ctx, req)
	case "send":
		sessionID := req.GetString("session_id", "")
		content := req.GetString("content", "")
		if sessionID == "" || content == "" {
			return mcp.NewToolResultError("send requires session_id and content"), nil
		}
		result, serr := s.sandbox.Send(ctx, sessionID, content)
		if serr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sandbox send failed: %v", serr)), nil
		}
		return marshalResult(result)
	case "history":
		sessionID := req.GetString("session_id", "")
		if sessionID == "" {
			return mcp.NewToolResultError("history requires session_id"), nil
		}
		msgs, herr := s.sandbox.History(sessionID)
		if herr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sandbox history failed: %v", herr)), nil
		}
		recs, terr := s.sandbox.Transitions(sessionID)
		if terr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sandbox history failed: %v", terr)), nil
		}
		return marshalResult(map[string]any{"messages": msgs, "transitions": recs})
	case "close":
		sessionID := req.GetString("session_id", "")
		if sessionID == "" {
			return mcp.NewToolResultError("close requires session_id"), nil
		}
		if cerr := s.sandbox.Close(ctx, sessionID); cerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sandbox close failed: %v", cerr)), nil
		}
		return marshalResult(map[string]any{"closed": sessionID})
	case "list":
		return marshalResult(s.sandbox.List())
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown sandbox action: %s", action)), nil
	}
}

func (s *ConvoServer) sandboxOpen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("open requires agent_id"), nil
	}

	var def *schema.WorkflowDefinition
	if raw := mcp.ParseStringMap(req, "definition", nil); raw != nil {
		parsed, result, verr := s.validateRawDefinition(raw)
		if verr != nil {
			return mcp.NewToolResultError(verr.Error()), nil
		}
		if parsed == nil {
			return marshalResult(map[string]any{
				"opened": false,
				"issues": result.Errors,
			})
		}
		def = parsed
	} else {
		version, lerr := s.store.LatestWorkflowVersion(ctx, agentID)
		if lerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("no registered workflow for agent: %v", lerr)), nil
		}
		def = &version.Definition
	}

	sess, oerr := s.sandbox.Open(ctx, agentID, def)
	if oerr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sandbox open failed: %v", oerr)), nil
	}
	return marshalResult(sess)
}

// handleDiagram renders a registered workflow version as Mermaid text.
func (s *ConvoServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	versionID, err := req.RequireString("version_id")
	if err != nil {
		return mcp.NewToolResultError("version_id is required"), nil
	}

	version, verr := s.store.GetWorkflowVersion(ctx, versionID)
	if verr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("version lookup failed: %v", verr)), nil
	}

	currentState := ""
	if sessionID := req.GetString("session_id", ""); sessionID != "" {
		sess, serr := s.store.GetSession(ctx, sessionID)
		if serr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("session lookup failed: %v", serr)), nil
		}
		currentState = sess.CurrentState
	}

	return mcp.NewToolResultText(diagram.RenderMermaid(&version.Definition, currentState)), nil
}

// handleQuery lists sessions, messages, transitions, versions or tools.
func (s *ConvoServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "sessions":
		return s.querySessions(ctx, filter)
	case "messages":
		return s.queryMessages(ctx, filter)
	case "transitions":
		return s.queryTransitions(ctx, filter)
	case "versions":
		return s.queryVersions(ctx, filter)
	case "tools":
		return marshalResult(s.registry.List())
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *ConvoServer) querySessions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.SessionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if agentID, ok := filter["agent_id"].(string); ok {
		sf.AgentID = agentID
	}
	if contact, ok := filter["contact_identity"].(string); ok {
		sf.ContactIdentity = contact
	}
	if state, ok := filter["state"].(string); ok {
		sf.CurrentState = state
	}
	if paused, ok := filter["paused"].(bool); ok {
		sf.Paused = &paused
	}

	sessions, err := s.store.ListSessions(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session query failed: %v", err)), nil
	}
	return marshalResult(sessions)
}

func (s *ConvoServer) queryMessages(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sessionID, ok := filter["session_id"].(string)
	if !ok || sessionID == "" {
		return mcp.NewToolResultError("messages query requires filter.session_id"), nil
	}
	sinceSeq := int64(extractInt(filter, "since_seq", 0))

	msgs, err := s.store.ListMessages(ctx, sessionID, sinceSeq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("message query failed: %v", err)), nil
	}
	return marshalResult(msgs)
}

func (s *ConvoServer) queryTransitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sessionID, ok := filter["session_id"].(string)
	if !ok || sessionID == "" {
		return mcp.NewToolResultError("transitions query requires filter.session_id"), nil
	}

	recs, err := s.store.ListTransitions(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("transition query failed: %v", err)), nil
	}
	return marshalResult(recs)
}

func (s *ConvoServer) queryVersions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	agentID, ok := filter["agent_id"].(string)
	if !ok || agentID == "" {
		return mcp.NewToolResultError("versions query requires filter.agent_id"), nil
	}

	versions, err := s.store.ListWorkflowVersions(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("version query failed: %v", err)), nil
	}
	return marshalResult(versions)
}

// --- Shared helpers ---

// parseAndValidate extracts the definition object from the request and runs
// the full validation pipeline. A nil definition with a non-nil result
// means validation failed.
func (s *ConvoServer) parseAndValidate(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, nil, fmt.Errorf("definition is required")
	}
	return s.validateRawDefinition(raw)
}

func (s *ConvoServer) validateRawDefinition(raw map[string]any) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid definition: %v", err)
	}
	def, result := s.validator.Validate(data)
	return def, result, nil
}

func extractInt(filter map[string]any, key string, fallback int) int {
	if filter == nil {
		return fallback
	}
	switch v := filter[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
